package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check and repair current-record flags",
	Long: `Check that every entity has exactly one current record (or none once deleted)
and repair the entities that do not. Repairs are reported for review.`,
	Args: cobra.NoArgs,
	Run:  runAudit,
}

var auditJSON bool

func init() {
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Print the report as JSON")
}

func runAudit(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	report, err := c.Engine.Audit(bgCtx)
	if err != nil {
		exitEngineError("audit", err)
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			exitError("failed to encode report: %v", err)
		}
		return
	}

	fmt.Printf("Checked %d entities\n", report.Checked)
	if len(report.Repairs) == 0 && len(report.Failures) == 0 {
		color.New(color.FgGreen).Println("No problems found")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, r := range report.Repairs {
		yellow.Printf("%s", r.EntityID)
		fmt.Printf(": %s", r.Problem)
		if r.Selected > 0 {
			fmt.Printf(" -> revision %d is current", r.Selected)
		} else {
			fmt.Print(" -> marked deleted")
		}
		fmt.Println()
	}
	red := color.New(color.FgRed)
	for id, msg := range report.Failures {
		red.Printf("%s: %s\n", id, msg)
	}
	if len(report.Failures) > 0 {
		os.Exit(1)
	}
}
