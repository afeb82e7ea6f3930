package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <entity-id>",
	Short: "Store a new revision of an entity",
	Long: `Store a new revision of an entity. The vector is given with --vector or
computed from --text by the configured embedding provider.`,
	Args: cobra.ExactArgs(1),
	Run:  runPut,
}

var (
	putVector string
	putText   string
	putMeta   []string
)

func init() {
	putCmd.Flags().StringVar(&putVector, "vector", "", "Comma separated vector components")
	putCmd.Flags().StringVar(&putText, "text", "", "Text to embed")
	putCmd.Flags().StringArrayVarP(&putMeta, "meta", "m", nil, "Metadata key=value (repeatable)")
}

func runPut(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	vec, err := queryVector(bgCtx, c.Config, putVector, putText)
	if err != nil {
		exitError("%v", err)
	}
	meta, err := parseMetadata(putMeta)
	if err != nil {
		exitError("%v", err)
	}
	if putText != "" {
		if _, exists := meta.Get("text"); !exists {
			_ = meta.Set("text", putText)
		}
	}

	ref, err := c.Engine.Store(bgCtx, args[0], vec, meta)
	if err != nil {
		exitEngineError("store", err)
	}

	color.New(color.FgYellow).Printf("%s", ref.EntityID)
	fmt.Printf(" revision %d (%s)\n", ref.Revision, shortID(ref.ID))
}
