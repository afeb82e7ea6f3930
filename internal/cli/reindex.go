package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the current index from the record store",
	Args:  cobra.NoArgs,
	Run:   runReindex,
}

func runReindex(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	n, err := c.Engine.Reindex(bgCtx)
	if err != nil {
		exitEngineError("reindex", err)
	}
	fmt.Printf("Indexed %d current records\n", n)
}
