// Package main provides the corpus operational CLI.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/corpusworks/corpus/internal/config"
	"github.com/corpusworks/corpus/internal/enrichment"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
	"github.com/corpusworks/corpus/internal/storage"
)

var (
	cfgFile    string
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "corpus-cli",
	Short: "Operational CLI for the corpus engine",
	Long: `corpus-cli manages the corpus engine's database and enrichment queue.

Use this tool to:
- Apply the database schema (migrate)
- Inspect collection and queue statistics (stats)
- Enqueue chunks for enrichment (enqueue)
- Recover stale task leases (recover-stale)
- Clear queued tasks (clear-queue)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      logFormat,
			ServiceName: "corpus-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(recoverStaleCmd)
	rootCmd.AddCommand(clearQueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// openDB connects using the loaded configuration.
func openDB(ctx context.Context) (*sql.DB, error) {
	return storage.Open(ctx, cfg.Database.DSN, storage.OpenOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := storage.Migrate(ctx, db, cfg.Embedding.Dimension); err != nil {
			return err
		}
		color.Green("Schema up to date (vector dimension %d)", cfg.Embedding.Dimension)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection and queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		docs := storage.NewDocumentRepository(db)
		collections, err := docs.ListCollections(ctx)
		if err != nil {
			return err
		}

		coordinator := enrichment.NewCoordinator(db, queue.New(db, logger), docs, logger)
		stats, err := coordinator.GetStats(ctx)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]interface{}{
				"collections": collections,
				"enrichment":  stats,
			})
		}

		bold := color.New(color.Bold)
		bold.Println("Collections")
		if len(collections) == 0 {
			fmt.Println("  (none)")
		}
		for _, c := range collections {
			fmt.Printf("  %-20s %6d documents  %8d chunks  last ingest %s\n",
				c.Collection, c.DocumentCount, c.ChunkCount,
				c.LastIngestAt.Format(time.RFC3339))
		}

		bold.Println("\nQueue")
		fmt.Printf("  pending %d  processing %d  completed %d  dead %d\n",
			stats.Queue.Pending, stats.Queue.Processing, stats.Queue.Completed, stats.Queue.Dead)

		bold.Println("\nChunks")
		for status, count := range stats.Chunks {
			fmt.Printf("  %-10s %d\n", status, count)
		}
		return nil
	},
}

var (
	enqueueCollection string
	enqueueForce      bool
	enqueueFilter     string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue chunks for enrichment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		docs := storage.NewDocumentRepository(db)
		coordinator := enrichment.NewCoordinator(db, queue.New(db, logger), docs, logger)

		n, err := coordinator.Enqueue(ctx, enqueueCollection, enrichment.EnqueueOptions{
			Force:  enqueueForce,
			Filter: enqueueFilter,
		}, cfg.Enrichment.MaxAttempts)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]int{"enqueued": n})
		}
		color.Green("Enqueued %d tasks", n)
		return nil
	},
}

var recoverStaleCmd = &cobra.Command{
	Use:   "recover-stale",
	Short: "Return expired task leases to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := queue.New(db, logger).RecoverStale(ctx)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]int{"recovered": n})
		}
		color.Green("Recovered %d stale tasks", n)
		return nil
	},
}

var (
	clearCollection string
	clearFilter     string
)

var clearQueueCmd = &cobra.Command{
	Use:   "clear-queue",
	Short: "Delete a collection's queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		docs := storage.NewDocumentRepository(db)
		coordinator := enrichment.NewCoordinator(db, queue.New(db, logger), docs, logger)

		n, err := coordinator.ClearQueue(ctx, clearCollection, clearFilter)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(map[string]int{"cleared": n})
		}
		color.Green("Cleared %d tasks", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueCollection, "collection", storage.DefaultCollection, "collection to enqueue")
	enqueueCmd.Flags().BoolVar(&enqueueForce, "force", false, "re-enqueue already enriched chunks")
	enqueueCmd.Flags().StringVar(&enqueueFilter, "filter", "", "restrict to chunks matching this text")

	clearQueueCmd.Flags().StringVar(&clearCollection, "collection", storage.DefaultCollection, "collection to clear")
	clearQueueCmd.Flags().StringVar(&clearFilter, "filter", "", "restrict to base ids matching this substring")
}
