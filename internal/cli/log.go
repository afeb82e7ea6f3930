package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <entity-id>",
	Short: "Show revision history",
	Long:  `Display every retained revision of an entity, oldest first.`,
	Args:  cobra.ExactArgs(1),
	Run:   runLog,
}

var logOneline bool

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each revision on a single line")
}

func runLog(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	revisions, err := c.Engine.GetRevisions(bgCtx, args[0])
	if err != nil {
		exitEngineError("log", err)
	}
	if len(revisions) == 0 {
		fmt.Println("No revisions")
		return
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)

	for _, rec := range revisions {
		if logOneline {
			yellow.Printf("%d ", rec.Revision)
			fmt.Printf("%s ", shortID(rec.ID))
		} else {
			yellow.Printf("revision %d %s", rec.Revision, rec.ID)
		}
		if rec.IsCurrent {
			cyan.Print(" (current)")
		}
		if rec.IsDeleted {
			red.Print(" [deleted]")
		}
		fmt.Println()
		if logOneline {
			continue
		}

		fmt.Printf("Date:   %s\n", rec.CreatedAt.Format("Mon Jan 2 15:04:05 2006"))
		if rec.DeletedAt != nil {
			fmt.Printf("Deleted: %s\n", rec.DeletedAt.Format("Mon Jan 2 15:04:05 2006"))
		}
		if rec.Metadata.Len() > 0 {
			meta, _ := json.Marshal(rec.Metadata)
			fmt.Printf("\n    %s\n", meta)
		}
		fmt.Println()
	}
}
