package sync

import (
	"time"

	"github.com/samber/lo"

	"github.com/schaermu/trisync/internal/propagate"
)

// Report summarizes one run
type Report struct {
	Branches       []BranchReport
	BytesCopied    int64
	Duration       time.Duration
	DryRun         bool
	StateCommitted bool
}

// BranchReport is the outcome of one branch pass
type BranchReport struct {
	Branch string
	State  State // Done or Failed
	Err    error // why the branch failed

	Processed  int // commits propagated (and marked unless dry-run)
	Skipped    int // commits already in the ledger
	Copied     int
	Removed    int
	Suppressed int
	Missing    int
	FileErrors int
	Committed  int // working trees committed in PersistResults
}

func (b *BranchReport) add(res propagate.Result) {
	b.Copied += res.Copied
	b.Removed += res.Removed
	b.Suppressed += res.Suppressed
	b.Missing += res.Missing
	b.FileErrors += res.Failed()
}

func (b *BranchReport) fail(err error) {
	b.State = Failed
	b.Err = err
}

// FailedBranches returns the number of branches that ended in Failed
func (r *Report) FailedBranches() int {
	return lo.CountBy(r.Branches, func(b BranchReport) bool {
		return b.State == Failed
	})
}

// Totals sums the counters of every branch
func (r *Report) Totals() BranchReport {
	var t BranchReport
	for _, b := range r.Branches {
		t.Processed += b.Processed
		t.Skipped += b.Skipped
		t.Copied += b.Copied
		t.Removed += b.Removed
		t.Suppressed += b.Suppressed
		t.Missing += b.Missing
		t.FileErrors += b.FileErrors
		t.Committed += b.Committed
	}
	return t
}
