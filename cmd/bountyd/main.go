package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/storage"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
)

var (
	cfg   *config.Config
	store *sqlite.SQLiteStorage
)

// skipStore marks commands that work without opening the database
const skipStore = "skip-store"

var rootCmd = &cobra.Command{
	Use:   "bountyd",
	Short: "Bounty issue ingestion and review",
	Long: `bountyd ingests bounty-labelled issues and pull requests from the tracker,
reconciles them into per-issue and per-project records, and drives the budget
approval workflow.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dbPath != "" {
			cfg.DatabasePath = dbPath
		}

		if cmd.Annotations[skipStore] == "true" {
			return
		}
		store, err = storage.NewStorage(cmd.Context(), &storage.Config{Path: cfg.DatabasePath})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default .bountyd/bountyd.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Path to the database file (overrides config)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	if store != nil {
		_ = store.Close()
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
