package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.CommitProcessed("base", "main")
	r.CommitProcessed("base", "main")
	r.CommitSkipped("overlay", "main")
	r.FileOperations("base", "copied", 3)
	r.FileOperations("base", "failed", 0)
	r.BytesCopied(2048)
	r.LedgerWriteFailed()
	r.BranchFinished("main", "done")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.commits.WithLabelValues("base", "main", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commits.WithLabelValues("overlay", "main", "skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.fileOps.WithLabelValues("base", "copied")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(r.bytesCopied))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ledgerErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.branchRuns.WithLabelValues("main", "done")))
	// zero adds do not create a series
	assert.Equal(t, 1, testutil.CollectAndCount(r.fileOps))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := New()
	r.CommitProcessed("merged", "main")
	r.RunFinished(time.Now().Add(-time.Second))

	path := filepath.Join(t.TempDir(), "trisync.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `trisync_ledger_commits_total{branch="main",outcome="processed",role="merged"} 1`)
	assert.Contains(t, string(data), "trisync_last_run_timestamp_seconds")
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.BranchFinished("main", "failed")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `trisync_orchestrator_branch_runs_total{branch="main",state="failed"} 1`)
}
