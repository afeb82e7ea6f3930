package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <entity-id>",
	Short: "Delete an entity",
	Long: `Delete an entity from the current state. By default its history is kept and
stays visible to log, diff and search --as-of; --purge removes it for good.`,
	Args: cobra.ExactArgs(1),
	Run:  runRm,
}

var (
	rmPurge       bool
	rmKeepHistory bool
)

func init() {
	rmCmd.Flags().BoolVar(&rmPurge, "purge", false, "Physically remove every revision (irreversible)")
	rmCmd.Flags().BoolVar(&rmKeepHistory, "keep-history", false, "Keep history even when the collection purges by default")
	rmCmd.MarkFlagsMutuallyExclusive("purge", "keep-history")
}

func runRm(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	keepHistory := c.Engine.KeepHistory()
	switch {
	case rmPurge:
		keepHistory = false
	case rmKeepHistory:
		keepHistory = true
	}

	n, err := c.Engine.Delete(bgCtx, args[0], keepHistory)
	if err != nil {
		exitEngineError("delete", err)
	}
	if n == 0 {
		fmt.Printf("Nothing to delete for %s\n", args[0])
		return
	}
	if keepHistory {
		fmt.Printf("Deleted %s (%d revisions kept as history)\n", args[0], n)
		return
	}
	color.New(color.FgRed).Printf("Purged %s (%d revisions removed)\n", args[0], n)
}
