//go:build integration

package tier1

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	setupRemotes(t, h, ctx)

	// Scenarios share the remotes and the state directory and must run in order
	t.Run("A_InitialSync", func(t *testing.T) {
		testInitialSync(t, h, ctx)
	})

	t.Run("B_NoOpSync", func(t *testing.T) {
		testNoOpSync(t, h, ctx)
	})

	t.Run("C_BaseChangeSuppressedByOverlay", func(t *testing.T) {
		testBaseChangeSuppressedByOverlay(t, h, ctx)
	})

	t.Run("D_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx)
	})

	t.Run("E_MergedEditsFlowBack", func(t *testing.T) {
		testMergedEditsFlowBack(t, h, ctx)
	})

	t.Run("F_Status", func(t *testing.T) {
		testStatus(t, h, ctx)
	})
}

// setupRemotes creates the three remotes and the configuration pointing at them
func setupRemotes(t *testing.T, h *Harness, ctx context.Context) {
	t.Helper()

	h.InitRemote(ctx, "base", map[string]string{
		"a.txt": "base a v1\n",
		"b.txt": "base b v1\n",
	})
	h.InitRemote(ctx, "overlay", map[string]string{
		"b.txt":      "overlay b v1\n",
		"conf/c.txt": "overlay c v1\n",
	})
	h.InitRemote(ctx, "merged", nil)

	h.WriteConfig(fmt.Sprintf(`branches: [main]
repos:
  base: %q
  overlay: %q
  merged: %q
commit:
  message: "trisync: propagate"
  author_name: trisync
  author_email: trisync@example.com
`, h.RemotePath("base"), h.RemotePath("overlay"), h.RemotePath("merged")))
}

func assertRemoteFile(t *testing.T, h *Harness, ctx context.Context, repo, path, want string) {
	t.Helper()
	got, ok := h.RemoteFile(ctx, repo, path)
	if !ok {
		t.Fatalf("%s: %s missing", repo, path)
	}
	if got != want {
		t.Errorf("%s: %s = %q, want %q", repo, path, got, want)
	}
}

func assertRemoteMissing(t *testing.T, h *Harness, ctx context.Context, repo, path string) {
	t.Helper()
	if _, ok := h.RemoteFile(ctx, repo, path); ok {
		t.Errorf("%s: %s should not exist", repo, path)
	}
}

func heads(h *Harness, ctx context.Context) map[string]string {
	out := make(map[string]string, 3)
	for _, name := range []string{"base", "overlay", "merged"} {
		out[name] = h.RemoteHead(ctx, name)
	}
	return out
}

func testInitialSync(t *testing.T, h *Harness, ctx context.Context) {
	h.MustRun(ctx, "sync", h.StateDir)

	assertRemoteFile(t, h, ctx, "merged", "a.txt", "base a v1\n")
	assertRemoteFile(t, h, ctx, "merged", "b.txt", "overlay b v1\n")
	assertRemoteFile(t, h, ctx, "merged", "conf/c.txt", "overlay c v1\n")

	// Base and overlay receive nothing from their own seeds
	assertRemoteMissing(t, h, ctx, "base", "conf/c.txt")
	assertRemoteMissing(t, h, ctx, "overlay", "a.txt")
	assertRemoteFile(t, h, ctx, "base", "b.txt", "base b v1\n")
}

func testNoOpSync(t *testing.T, h *Harness, ctx context.Context) {
	before := heads(h, ctx)

	h.MustRun(ctx, "sync", h.StateDir)

	after := heads(h, ctx)
	for name, head := range before {
		if after[name] != head {
			t.Errorf("%s moved from %s to %s on a sync without new commits", name, head, after[name])
		}
	}
}

func testBaseChangeSuppressedByOverlay(t *testing.T, h *Harness, ctx context.Context) {
	h.Commit(ctx, "base", "update a and b", map[string]string{
		"a.txt": "base a v2\n",
		"b.txt": "base b v2\n",
	}, nil)

	h.MustRun(ctx, "sync", h.StateDir)

	assertRemoteFile(t, h, ctx, "merged", "a.txt", "base a v2\n")
	assertRemoteFile(t, h, ctx, "merged", "b.txt", "overlay b v1\n")
}

func testDryRunMode(t *testing.T, h *Harness, ctx context.Context) {
	h.Commit(ctx, "base", "add d", map[string]string{"d.txt": "base d v1\n"}, nil)
	before := heads(h, ctx)

	stdout := h.MustRun(ctx, "sync", "--dry-run", h.StateDir)
	if !strings.Contains(stdout, "dry-run") {
		t.Errorf("expected dry-run log lines, got:\n%s", stdout)
	}

	after := heads(h, ctx)
	for name, head := range before {
		if after[name] != head {
			t.Errorf("%s moved during dry run", name)
		}
	}
	assertRemoteMissing(t, h, ctx, "merged", "d.txt")

	// Nothing was recorded, so a real run still picks the commit up
	h.MustRun(ctx, "sync", h.StateDir)
	assertRemoteFile(t, h, ctx, "merged", "d.txt", "base d v1\n")
}

func testMergedEditsFlowBack(t *testing.T, h *Harness, ctx context.Context) {
	h.Commit(ctx, "merged", "edit in merged", map[string]string{
		"a.txt":      "merged a v3\n",
		"conf/c.txt": "merged c v2\n",
	}, nil)

	h.MustRun(ctx, "sync", h.StateDir)

	// Each edit lands in the tree that owns the path
	assertRemoteFile(t, h, ctx, "base", "a.txt", "merged a v3\n")
	assertRemoteFile(t, h, ctx, "overlay", "conf/c.txt", "merged c v2\n")
	assertRemoteMissing(t, h, ctx, "overlay", "a.txt")

	// The commits written back are recorded and not replayed
	before := heads(h, ctx)
	h.MustRun(ctx, "sync", h.StateDir)
	after := heads(h, ctx)
	for name, head := range before {
		if after[name] != head {
			t.Errorf("%s moved from %s to %s after flowing edits back", name, head, after[name])
		}
	}
}

func testStatus(t *testing.T, h *Harness, ctx context.Context) {
	stdout := h.MustRun(ctx, "status", h.StateDir)
	for _, want := range []string{"base", "overlay", "merged", "main", "TOTAL"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, stdout)
		}
	}

	_, _, code, err := h.Run(ctx, "sync", h.StateDir+"-missing")
	if err != nil {
		t.Fatal(err)
	}
	if code == 0 {
		t.Error("expected non-zero exit for a missing state directory")
	}
}
