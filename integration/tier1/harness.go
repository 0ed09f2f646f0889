//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/trisync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness runs the trisync binary against bare repositories on the local disk
type Harness struct {
	t        *testing.T
	root     string
	binary   string
	StateDir string
}

// NewHarness creates a new test harness rooted in a temporary directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := t.TempDir()
	return &Harness{
		t:        t,
		root:     root,
		binary:   filepath.Join(root, "bin", "trisync"),
		StateDir: filepath.Join(root, "state"),
	}
}

// BuildBinary compiles cmd/trisync into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/trisync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// RemotePath returns the bare repository of name
func (h *Harness) RemotePath(name string) string {
	return filepath.Join(h.root, "remotes", name+".git")
}

func (h *Harness) clonePath(name string) string {
	return filepath.Join(h.root, "clones", name)
}

// InitRemote creates a bare repository with one commit on main adding files
func (h *Harness) InitRemote(ctx context.Context, name string, files map[string]string) {
	h.t.Helper()

	h.MustGit(ctx, "", "init", "--bare", "-b", "main", h.RemotePath(name))
	h.MustGit(ctx, "", "clone", h.RemotePath(name), h.clonePath(name))
	h.MustGit(ctx, h.clonePath(name), "symbolic-ref", "HEAD", "refs/heads/main")
	h.Commit(ctx, name, "initial", files, nil)
}

// Commit writes and removes files in the clone of name, commits and pushes to main
func (h *Harness) Commit(ctx context.Context, name, message string, write map[string]string, remove []string) {
	h.t.Helper()
	dir := h.clonePath(name)

	if h.HasBranch(ctx, name, "main") {
		h.MustGit(ctx, dir, "pull", "--ff-only", "origin", "main")
	}

	for path, content := range write {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			h.t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			h.t.Fatal(err)
		}
	}
	for _, path := range remove {
		h.MustGit(ctx, dir, "rm", "-q", "--", path)
	}

	h.MustGit(ctx, dir, "add", "-A")
	h.MustGit(ctx, dir, "commit", "-q", "--allow-empty", "-m", message)
	h.MustGit(ctx, dir, "push", "-q", "origin", "HEAD:refs/heads/main")
}

// HasBranch reports whether the remote of name has branch
func (h *Harness) HasBranch(ctx context.Context, name, branch string) bool {
	_, _, code, err := h.Git(ctx, "", "--git-dir", h.RemotePath(name), "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil && code == 0
}

// RemoteFile reads path from the main branch of the remote of name
func (h *Harness) RemoteFile(ctx context.Context, name, path string) (string, bool) {
	h.t.Helper()
	stdout, _, code, err := h.Git(ctx, "", "--git-dir", h.RemotePath(name), "show", "main:"+path)
	if err != nil {
		h.t.Fatalf("git show: %v", err)
	}
	return stdout, code == 0
}

// RemoteHead returns the tip of main in the remote of name
func (h *Harness) RemoteHead(ctx context.Context, name string) string {
	h.t.Helper()
	stdout, _ := h.MustGit(ctx, "", "--git-dir", h.RemotePath(name), "rev-parse", "main")
	return strings.TrimSpace(stdout)
}

// WriteConfig writes config.yaml into the state directory
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	if err := os.MkdirAll(h.StateDir, 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.StateDir, "config.yaml"), []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes the trisync binary
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	return h.exec(ctx, "", h.binary, args...)
}

// MustRun executes the trisync binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, code, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if code != 0 {
		h.t.Fatalf("trisync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v", code, stdout, stderr, args)
	}
	return stdout
}

// Git runs git in dir
func (h *Harness) Git(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	h.t.Helper()
	return h.exec(ctx, dir, "git", args...)
}

// MustGit runs git in dir and fails the test if it returns non-zero
func (h *Harness) MustGit(ctx context.Context, dir string, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, code, err := h.Git(ctx, dir, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if code != 0 {
		h.t.Fatalf("git failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v", code, stdout, stderr, args)
	}
	return stdout, stderr
}

func (h *Harness) exec(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tier1",
		"GIT_AUTHOR_EMAIL=tier1@example.com",
		"GIT_COMMITTER_NAME=tier1",
		"GIT_COMMITTER_EMAIL=tier1@example.com",
		"GIT_CONFIG_GLOBAL=/dev/null",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec %s failed: %w", name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
