package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/kilupskalvis/revec/internal/config"
	"github.com/kilupskalvis/revec/internal/weaviate"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new revec collection",
	Long: `Initialize a new revec collection in the current directory.
This creates a .revec directory holding the configuration and the record store.`,
	Run: runInit,
}

var (
	initDimension     int
	initBackend       string
	initIndex         string
	initWeaviateURL   string
	initWeaviateClass string
	initPurge         bool
)

func init() {
	initCmd.Flags().IntVarP(&initDimension, "dimension", "d", 0, "Vector length of the collection (required)")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendBbolt, "Record store backend (bbolt, sqlite)")
	initCmd.Flags().StringVar(&initIndex, "index", config.IndexFlat, "Current index (flat, weaviate)")
	initCmd.Flags().StringVar(&initWeaviateURL, "weaviate-url", "", "Weaviate server URL for the weaviate index")
	initCmd.Flags().StringVar(&initWeaviateClass, "weaviate-class", "", "Weaviate class holding the current index")
	initCmd.Flags().BoolVar(&initPurge, "purge-by-default", false, "Make rm remove history unless --keep-history is given")
	_ = initCmd.MarkFlagRequired("dimension")
}

func runInit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	// Check if already initialized
	if _, err := config.FindRoot(); err == nil {
		exitError("revec collection already exists")
	}

	cfg := config.Defaults(initDimension)
	cfg.Backend = initBackend
	cfg.KeepHistory = !initPurge
	cfg.Index = config.IndexConfig{
		Kind:          initIndex,
		WeaviateURL:   initWeaviateURL,
		WeaviateClass: initWeaviateClass,
	}
	if err := cfg.Validate(); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Initializing revec collection...\n")
	fmt.Printf("Dimension: %d\n", cfg.Dimension)
	fmt.Printf("Backend:   %s\n", cfg.Backend)
	fmt.Printf("Index:     %s\n", cfg.Index.Kind)

	if cfg.Index.Kind == config.IndexWeaviate {
		// Test connection to Weaviate
		client, err := weaviate.NewClient(cfg.Index.WeaviateURL)
		if err != nil {
			exitError("failed to create Weaviate client: %v", err)
		}
		fmt.Printf("Connecting to Weaviate...\n")
		if err := client.Ping(ctx); err != nil {
			exitError("failed to connect to Weaviate: %v", err)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	cfg, err = config.Initialize(cwd, cfg)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	// Create the record store so the dimension is bound from the start.
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		exitError("%v", err)
	}
	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		os.RemoveAll(cfg.Path())
		exitError("%v", err)
	}
	e.Close()

	fmt.Printf("\nInitialized empty revec collection in %s/\n", config.RevecDir)
}
