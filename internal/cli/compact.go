package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/kilupskalvis/revec/internal/engine"
	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Collapse old revision history",
	Long: `Collapse revisions created before a horizon into the snapshot visible at the
horizon. Searches at or after the horizon are unaffected; earlier points in
time lose detail.`,
	Args: cobra.NoArgs,
	Run:  runCompact,
}

var (
	compactBefore    string
	compactOlderThan time.Duration
	compactKeepLast  int
)

func init() {
	compactCmd.Flags().StringVar(&compactBefore, "before", "", "Horizon time")
	compactCmd.Flags().DurationVar(&compactOlderThan, "older-than", 0, "Horizon as an age, e.g. 720h")
	compactCmd.Flags().IntVar(&compactKeepLast, "keep-last", 1, "Revisions per entity that are always kept")
	compactCmd.MarkFlagsMutuallyExclusive("before", "older-than")
	compactCmd.MarkFlagsOneRequired("before", "older-than")
}

func runCompact(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()

	policy := engine.CompactPolicy{KeepLast: compactKeepLast}
	if compactBefore != "" {
		before, err := parseTime(compactBefore)
		if err != nil {
			exitError("%v", err)
		}
		policy.Before = before
	} else {
		policy.Before = time.Now().Add(-compactOlderThan)
	}

	c := initContext(bgCtx)
	defer c.Close()

	report, err := c.Engine.Compact(bgCtx, policy)
	if err != nil {
		exitEngineError("compact", err)
	}
	fmt.Printf("Pruned %d revisions across %d entities (horizon %s)\n",
		report.Pruned, report.Entities, policy.Before.Format(time.RFC3339))
}
