// Package sync drives one propagation run across every configured branch.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/trisync/internal/change"
	"github.com/schaermu/trisync/internal/config"
	"github.com/schaermu/trisync/internal/git"
	"github.com/schaermu/trisync/internal/ledger"
	"github.com/schaermu/trisync/internal/metrics"
	"github.com/schaermu/trisync/internal/mirror"
	"github.com/schaermu/trisync/internal/propagate"
	"github.com/schaermu/trisync/internal/role"
)

// Options tunes an Orchestrator
type Options struct {
	// DryRun logs file mutations instead of performing them and skips the
	// ledger, commit and push steps.
	DryRun bool
	// Metrics receives run counters. A private recorder is used when nil.
	Metrics *metrics.Recorder
}

// Orchestrator runs the branch state machine for every configured branch
type Orchestrator struct {
	cfg       *config.Config
	history   git.History
	workspace git.Workspace
	ledger    ledger.Store
	trees     *mirror.FS
	extractor *change.Extractor
	engine    *propagate.Engine
	metrics   *metrics.Recorder
	logger    *slog.Logger
	dryRun    bool
}

// New creates an orchestrator over the working trees of cfg
func New(cfg *config.Config, history git.History, workspace git.Workspace, store ledger.Store, logger *slog.Logger, opts Options) *Orchestrator {
	roots := make(map[role.Role]string, len(role.All()))
	for _, r := range role.All() {
		roots[r] = cfg.RepoDir(r)
	}
	trees := mirror.New(roots)

	var m propagate.Mirror = trees
	if opts.DryRun {
		m = mirror.NewDryRun(trees, logger)
	}

	rec := opts.Metrics
	if rec == nil {
		rec = metrics.New()
	}

	return &Orchestrator{
		cfg:       cfg,
		history:   history,
		workspace: workspace,
		ledger:    store,
		trees:     trees,
		extractor: change.NewExtractor(history, cfg.RepoDir, logger),
		engine:    propagate.NewEngine(trees, m, logger),
		metrics:   rec,
		logger:    logger,
		dryRun:    opts.DryRun,
	}
}

// Run processes every configured branch in order and then commits the state
// directory files. Per-commit and per-file failures are reported in the
// Report and the log; the returned error is only set when ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	bytesBefore := o.trees.BytesCopied()
	report := &Report{DryRun: o.dryRun}

	o.logger.Info("starting propagation run",
		"state_dir", o.cfg.StateDir,
		"branches", len(o.cfg.Branches),
		"dry_run", o.dryRun)

	o.setupExtraRepos(ctx)

	finish := func() {
		report.BytesCopied = o.trees.BytesCopied() - bytesBefore
		report.Duration = time.Since(started)
		o.metrics.BytesCopied(report.BytesCopied)
		o.metrics.RunFinished(started)
		o.logSummary(report)
	}

	for _, branch := range o.cfg.Branches {
		br := o.runBranch(ctx, branch)
		report.Branches = append(report.Branches, br)
		o.metrics.BranchFinished(branch, br.State.String())

		if err := ctx.Err(); err != nil {
			finish()
			return report, fmt.Errorf("run interrupted on branch %q: %w", branch, err)
		}
	}

	if !o.dryRun {
		report.StateCommitted = o.commitState(ctx)
	}

	finish()
	return report, nil
}

// runBranch drives one branch from SyncWorkingTrees to Done or Failed
func (o *Orchestrator) runBranch(ctx context.Context, branch string) BranchReport {
	br := BranchReport{Branch: branch, State: SyncWorkingTrees}
	logger := o.logger.With("branch", branch)

	for !br.State.Terminal() {
		if err := ctx.Err(); err != nil {
			br.fail(err)
			break
		}

		logger.Debug("entering state", "state", br.State)

		switch br.State {
		case SyncWorkingTrees:
			if err := o.syncWorkingTrees(ctx, &br); err != nil {
				logger.Error("branch failed", "state", br.State, "error", err)
				br.fail(err)
				continue
			}
		case ProcessBaseCommits, ProcessOverlayCommits, ProcessMergedCommits:
			source, _ := br.State.source()
			if err := o.processCommits(ctx, &br, source); err != nil {
				logger.Error("branch failed", "state", br.State, "error", err)
				br.fail(err)
				continue
			}
		case PersistResults:
			if !o.dryRun {
				o.persistResults(ctx, &br)
			}
		}

		br.State = br.State.next()
	}

	logger.Info("branch finished",
		"state", br.State,
		"processed", br.Processed,
		"skipped", br.Skipped,
		"copied", br.Copied,
		"removed", br.Removed,
		"suppressed", br.Suppressed,
		"file_errors", br.FileErrors,
		"committed", br.Committed)

	return br
}

// setupExtraRepos clones the configured repositories that are not one of the
// three roles. They are kept at the first configured branch and never replayed.
func (o *Orchestrator) setupExtraRepos(ctx context.Context) {
	extra := o.cfg.ExtraRepos()
	if len(extra) == 0 || len(o.cfg.Branches) == 0 {
		return
	}

	ref := o.cfg.Branches[0]
	for _, name := range extra {
		commit, err := o.workspace.EnsureCheckout(ctx, o.cfg.Repos[name], ref, o.cfg.NamedRepoDir(name))
		if err != nil {
			o.logger.Warn("failed to check out extra repository", "repo", name, "ref", ref, "error", err)
			continue
		}
		o.logger.Debug("extra repository checked out", "repo", name, "ref", ref, "commit", commit)
	}
}

// syncWorkingTrees brings the tree of every role to the tip of branch. A tree
// left dirty by an interrupted run holds mutations whose commits are already
// marked processed, so it is committed on its own branch before switching.
// Any role that cannot be checked out fails the branch.
func (o *Orchestrator) syncWorkingTrees(ctx context.Context, br *BranchReport) error {
	branch := br.Branch
	for _, r := range role.All() {
		dir := o.cfg.RepoDir(r)

		st, err := o.workspace.TreeStatus(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to inspect %s working tree: %w", r, err)
		}
		if st.Exists && st.Dirty && !o.dryRun {
			if err := o.salvageTree(ctx, br, r, st); err != nil {
				return err
			}
		}

		commit, err := o.workspace.EnsureCheckout(ctx, o.cfg.URL(r), branch, dir)
		if err != nil {
			return fmt.Errorf("failed to check out %s working tree: %w", r, err)
		}
		o.logger.Info("working tree checked out", "role", r, "branch", branch, "commit", commit)
	}
	return nil
}

// salvageTree commits the pending changes of a dirty tree on the branch it is
// on and records that commit as processed.
func (o *Orchestrator) salvageTree(ctx context.Context, br *BranchReport, r role.Role, st git.TreeStatus) error {
	if st.Branch == "" {
		return fmt.Errorf("%s working tree has uncommitted changes on a detached HEAD", r)
	}

	o.logger.Warn("working tree has uncommitted changes from an earlier run, committing them",
		"role", r,
		"branch", st.Branch)

	push := o.cfg.ShouldPush()
	hash, err := o.workspace.CommitAndPushPending(ctx, o.cfg.RepoDir(r), st.Branch, o.cfg.Commit.Message, push)
	if hash == "" {
		if err == nil {
			err = git.ErrDirtyTree
		}
		return fmt.Errorf("failed to commit pending %s changes on %q: %w", r, st.Branch, err)
	}

	br.Committed++
	if merr := o.ledger.MarkProcessed(r, st.Branch, hash); merr != nil {
		o.metrics.LedgerWriteFailed()
		return fmt.Errorf("failed to record %s commit %s: %w", r, hash, merr)
	}
	if err != nil {
		o.logger.Warn("failed to push salvaged commit", "role", r, "branch", st.Branch, "commit", hash, "error", err)
	}
	return nil
}

// processCommits replays the unprocessed commits of source on branch, oldest
// first. Cancellation is only observed between commits; a commit that has
// started is extracted, propagated and marked under a non-cancellable context.
func (o *Orchestrator) processCommits(ctx context.Context, br *BranchReport, source role.Role) error {
	branch := br.Branch

	commits, err := o.history.ListCommits(ctx, o.cfg.RepoDir(source), branch)
	if err != nil {
		o.logger.Warn("failed to list commits, treating as empty",
			"role", source,
			"branch", branch,
			"error", err)
		return nil
	}

	o.logger.Debug("listed commits", "role", source, "branch", branch, "count", len(commits))

	for _, hash := range commits {
		if err := ctx.Err(); err != nil {
			return err
		}

		if o.ledger.IsProcessed(source, branch, hash) {
			br.Skipped++
			o.metrics.CommitSkipped(source.String(), branch)
			continue
		}

		commitCtx := context.WithoutCancel(ctx)
		changes := o.extractor.Extract(commitCtx, source, hash)
		res := o.engine.Propagate(commitCtx, source, changes)
		br.add(res)
		o.recordResult(source, res)

		o.logger.Debug("commit propagated",
			"role", source,
			"branch", branch,
			"commit", hash,
			"changes", len(changes),
			"copied", res.Copied,
			"removed", res.Removed,
			"suppressed", res.Suppressed)

		if o.dryRun {
			br.Processed++
			continue
		}

		if err := o.ledger.MarkProcessed(source, branch, hash); err != nil {
			o.metrics.LedgerWriteFailed()
			return fmt.Errorf("failed to mark %s commit %s processed: %w", source, hash, err)
		}
		br.Processed++
		o.metrics.CommitProcessed(source.String(), branch)
	}

	return nil
}

// persistResults commits and pushes the pending mutations of every role. The
// commit created here is marked processed so the next pass does not replay
// it back into the other trees.
func (o *Orchestrator) persistResults(ctx context.Context, br *BranchReport) {
	branch := br.Branch
	push := o.cfg.ShouldPush()
	for _, r := range role.All() {
		hash, err := o.workspace.CommitAndPushPending(ctx, o.cfg.RepoDir(r), branch, o.cfg.Commit.Message, push)
		if hash != "" {
			br.Committed++
			if merr := o.ledger.MarkProcessed(r, branch, hash); merr != nil {
				o.metrics.LedgerWriteFailed()
				o.logger.Warn("failed to record own commit, it will be replayed next run",
					"role", r,
					"branch", branch,
					"commit", hash,
					"error", merr)
			}
		}
		if err != nil {
			o.logger.Warn("failed to persist working tree",
				"role", r,
				"branch", branch,
				"error", err)
			continue
		}
		if hash != "" {
			o.logger.Info("persisted working tree", "role", r, "branch", branch, "commit", hash, "pushed", push)
		}
	}
}

// commitState commits the ledger and configuration files of the state directory
func (o *Orchestrator) commitState(ctx context.Context) bool {
	committed, err := o.workspace.CommitPaths(ctx, o.cfg.StateDir, o.cfg.Commit.Message, o.cfg.StateFiles()...)
	if err != nil {
		o.logger.Warn("failed to commit state directory", "state_dir", o.cfg.StateDir, "error", err)
		return false
	}
	if committed {
		o.logger.Info("committed state directory", "state_dir", o.cfg.StateDir)
	}
	return committed
}

func (o *Orchestrator) recordResult(source role.Role, res propagate.Result) {
	name := source.String()
	o.metrics.FileOperations(name, "copied", res.Copied)
	o.metrics.FileOperations(name, "removed", res.Removed)
	o.metrics.FileOperations(name, "suppressed", res.Suppressed)
	o.metrics.FileOperations(name, "missing", res.Missing)
	o.metrics.FileOperations(name, "failed", res.Failed())
}

func (o *Orchestrator) logSummary(report *Report) {
	total := report.Totals()
	o.logger.Info("propagation run finished",
		"branches", len(report.Branches),
		"failed_branches", report.FailedBranches(),
		"commits_processed", total.Processed,
		"commits_skipped", total.Skipped,
		"files_copied", total.Copied,
		"files_removed", total.Removed,
		"suppressed", total.Suppressed,
		"file_errors", total.FileErrors,
		"bytes_copied", humanize.Bytes(uint64(max(report.BytesCopied, 0))),
		"duration", report.Duration.Round(time.Millisecond),
		"dry_run", report.DryRun)
}
