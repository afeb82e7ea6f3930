package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <entity-id> <revision-a> <revision-b>",
	Short: "Show changes between two revisions",
	Long:  `Show the metadata changes and the semantic drift between two revisions of an entity.`,
	Args:  cobra.ExactArgs(3),
	Run:   runDiff,
}

func runDiff(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	a, err := parseRevision(args[1])
	if err != nil {
		exitError("%v", err)
	}
	b, err := parseRevision(args[2])
	if err != nil {
		exitError("%v", err)
	}

	c := initContext(bgCtx)
	defer c.Close()

	diff, err := c.Engine.Diff(bgCtx, args[0], a, b)
	if err != nil {
		exitEngineError("diff", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("%s: revision %d -> %d\n", diff.EntityID, diff.RevisionA, diff.RevisionB)
	fmt.Printf("Semantic drift: %.4f\n", diff.SemanticDrift)

	if len(diff.ChangedMetadata) == 0 {
		fmt.Println("No metadata changes")
		return
	}
	fmt.Println()
	for _, ch := range diff.ChangedMetadata {
		switch ch.Kind {
		case models.FieldAdded:
			green.Printf("  + %s: %v\n", ch.Key, ch.After)
		case models.FieldRemoved:
			red.Printf("  - %s: %v\n", ch.Key, ch.Before)
		case models.FieldModified:
			yellow.Printf("  ~ %s: %v -> %v\n", ch.Key, ch.Before, ch.After)
		}
	}
}
