package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/schaermu/trisync/internal/config"
	"github.com/schaermu/trisync/internal/git"
	"github.com/schaermu/trisync/internal/ledger"
	"github.com/schaermu/trisync/internal/metrics"
	"github.com/schaermu/trisync/internal/role"
	"github.com/schaermu/trisync/internal/statedir"
	"github.com/schaermu/trisync/internal/sync"
	"github.com/schaermu/trisync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel       string
	logFormat      string
	historyBackend string
	metricsFile    string
	dryRun         bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trisync",
	Short: "Propagate commits between a base, an overlay and a merged repository",
	Long: `trisync keeps three Git repositories in step: a base repository, an overlay
that customizes it, and a merged repository holding the combined tree.

Every commit made in one of them is replayed once into the other two following
fixed precedence rules: overlay files win over base files, and edits made in the
merged repository flow back to whichever repository owns the file. Processed
commits are recorded in a ledger inside the state directory.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <state-dir>",
	Short: "Replay every unprocessed commit once and exit",
	Long: `Sync checks out each configured branch in the base, overlay and merged working
trees below the state directory, replays their unprocessed commits in the order
base, overlay, merged, and commits and pushes the resulting changes.

Per-commit and per-file failures are logged as warnings and do not change the
exit code; only argument, configuration and lock errors do.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve <state-dir>",
	Short: "Run on GitHub push webhooks",
	Long: `Serve performs an initial run and then listens for GitHub push events, running
a full pass for every accepted push. Runs are debounced and never overlap.

A systemd-activated socket is used when present, otherwise serve.listen_addr.
Prometheus metrics are exposed on /metrics.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status <state-dir>",
	Short: "Show processed commits per repository and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trisync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&historyBackend, "history", "git", "history reader (git, go-git)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file after each run")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(args[0], logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	_, err = runOnce(ctx, cfg, logger, metrics.New(), dryRun)
	if errors.Is(err, context.Canceled) {
		logger.Warn("run interrupted", "error", err)
		return nil
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(args[0], logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}
	if err := checkHistoryBackend(); err != nil {
		return err
	}

	rec := metrics.New()
	server, err := webhook.NewServer(cfg, func(ctx context.Context) error {
		_, err := runOnce(ctx, cfg, logger, rec, false)
		return err
	}, logger)
	if err != nil {
		return err
	}
	server.HandleMetrics(rec.Handler())

	return server.Start(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(args[0], logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}

	return renderStatus(cmd.OutOrStdout(), cfg, store)
}

// runOnce performs one locked propagation run
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec *metrics.Recorder, dryRun bool) (*sync.Report, error) {
	lock, err := statedir.Acquire(cfg.LockPath())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release state directory lock", "error", err)
		}
	}()

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return nil, err
	}

	client := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, git.Author{
		Name:  cfg.Commit.AuthorName,
		Email: cfg.Commit.AuthorEmail,
	})
	history, err := newHistory(client)
	if err != nil {
		return nil, err
	}

	orchestrator := sync.New(cfg, history, client, store, logger, sync.Options{
		DryRun:  dryRun,
		Metrics: rec,
	})
	report, err := orchestrator.Run(ctx)

	if metricsFile != "" {
		if werr := rec.WriteTextfile(metricsFile); werr != nil {
			logger.Warn("failed to write metrics", "path", metricsFile, "error", werr)
		}
	}

	return report, err
}

var historyBackends = []string{"git", "go-git"}

func checkHistoryBackend() error {
	if !lo.Contains(historyBackends, historyBackend) {
		return fmt.Errorf("unknown history backend %q (want one of %v)", historyBackend, historyBackends)
	}
	return nil
}

// newHistory returns the history reader selected by --history
func newHistory(client *git.ShellClient) (git.History, error) {
	if err := checkHistoryBackend(); err != nil {
		return nil, err
	}
	if historyBackend == "go-git" {
		return git.NewGoGitHistory(), nil
	}
	return client, nil
}

// renderStatus writes one row per role and branch with the processed commit count
func renderStatus(w io.Writer, cfg *config.Config, store *ledger.FileStore) error {
	entries := store.Snapshot()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Role", "Branch", "Processed", "Last commit"})

	total := 0
	for _, r := range role.All() {
		branches := lo.Uniq(append(append([]string{}, cfg.Branches...), entries.Branches(r)...))
		for _, branch := range branches {
			hashes := store.Processed(r, branch)
			last := "-"
			if len(hashes) > 0 {
				last = shortHash(hashes[len(hashes)-1])
			}
			if !lo.Contains(cfg.Branches, branch) {
				branch += " (not configured)"
			}
			t.AppendRow(table.Row{r, branch, humanize.Comma(int64(len(hashes))), last})
			total += len(hashes)
		}
		t.AppendSeparator()
	}
	t.AppendFooter(table.Row{"", "Total", humanize.Comma(int64(total)), ""})
	t.Render()

	updated := "never"
	if info, err := os.Stat(store.Path()); err == nil {
		updated = humanize.Time(info.ModTime())
	}
	_, err := fmt.Fprintf(w, "ledger %s, updated %s\n", store.Path(), updated)
	return err
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(stateDir string, logger *slog.Logger) (*config.Config, error) {
	logger.Info("loading configuration", "state_dir", stateDir)

	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"path", cfg.Path,
		"branches", cfg.Branches,
		"base", cfg.URL(role.Base),
		"overlay", cfg.URL(role.Overlay),
		"merged", cfg.URL(role.Merged),
		"extra_repos", cfg.ExtraRepos(),
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
