package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the records most similar to a vector",
	Long: `Search the current state of the collection, or with --as-of the collection
as it was at that time.`,
	Args: cobra.NoArgs,
	Run:  runSearch,
}

var (
	searchVector   string
	searchText     string
	searchFilter   []string
	searchLimit    int
	searchMinScore float64
	searchAsOf     string
	searchJSON     bool
)

func init() {
	searchCmd.Flags().StringVar(&searchVector, "vector", "", "Comma separated query vector")
	searchCmd.Flags().StringVar(&searchText, "text", "", "Text to embed as the query")
	searchCmd.Flags().StringArrayVarP(&searchFilter, "filter", "f", nil, "Exact metadata match key=value (repeatable)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", models.DefaultLimit, "Maximum number of results")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "Drop results scoring below this (default keeps all)")
	searchCmd.Flags().StringVar(&searchAsOf, "as-of", "", "Search the collection as of this time")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print results as JSON")
}

func runSearch(cmd *cobra.Command, args []string) {
	bgCtx := context.Background()
	c := initContext(bgCtx)
	defer c.Close()

	vec, err := queryVector(bgCtx, c.Config, searchVector, searchText)
	if err != nil {
		exitError("%v", err)
	}
	filter, err := parseFilter(searchFilter)
	if err != nil {
		exitError("%v", err)
	}
	q := models.Query{Vector: vec, Filters: filter, Limit: searchLimit}
	if cmd.Flags().Changed("min-score") {
		q.MinScore = models.Threshold(searchMinScore)
	}

	var results []models.SearchResult
	if searchAsOf != "" {
		asOf, err := parseTime(searchAsOf)
		if err != nil {
			exitError("%v", err)
		}
		results, err = c.Engine.SearchAt(bgCtx, q, asOf)
		if err != nil {
			exitEngineError("search", err)
		}
	} else {
		results, err = c.Engine.Search(bgCtx, q)
		if err != nil {
			exitEngineError("search", err)
		}
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			exitError("failed to encode results: %v", err)
		}
		return
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return
	}
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	for _, r := range results {
		green.Printf("%.4f  ", r.Score)
		yellow.Printf("%s", r.Record.EntityID)
		fmt.Printf("@%d  %s", r.Record.Revision, r.Record.CreatedAt.Format(time.RFC3339))
		if r.Record.Metadata.Len() > 0 {
			meta, _ := json.Marshal(r.Record.Metadata)
			fmt.Printf("  %s", meta)
		}
		fmt.Println()
	}
}
