// Package cli implements the command-line interface for revec.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kilupskalvis/revec/internal/engine"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "revec",
	Short: "Temporal vector storage",
	Long: `revec stores embeddings for evolving entities. Every write creates a new
revision; search runs over the current state or over the collection as it
was at any point in time.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine; variables may come from the environment.
		_ = godotenv.Load()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(reindexCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// exitEngineError prints a failed engine operation with its error code.
func exitEngineError(op string, err error) {
	if code := engine.CodeOf(err); code != "" {
		exitError("%s: %v [%s]", op, err, code)
	}
	exitError("%s failed: %v", op, err)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
