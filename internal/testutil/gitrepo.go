package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is installed
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Run executes a command and returns its trimmed combined output, failing the test on error
func Run(t testing.TB, args ...string) string {
	t.Helper()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		t.Fatalf("%v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository in dir on branch with a local identity
func InitRepo(t testing.TB, dir, branch string) {
	t.Helper()
	Run(t, "git", "init", "-q", "-b", branch, dir)
	Run(t, "git", "-C", dir, "config", "user.email", "test@test.com")
	Run(t, "git", "-C", dir, "config", "user.name", "Test")
	Run(t, "git", "-C", dir, "config", "commit.gpgsign", "false")
}

// CommitFile writes name (a slash separated path) in repoDir, commits it and
// returns the new HEAD
func CommitFile(t testing.TB, repoDir, name, content, msg string) string {
	t.Helper()
	p := filepath.Join(repoDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	Run(t, "git", "-C", repoDir, "add", "--", name)
	Run(t, "git", "-C", repoDir, "commit", "-q", "-m", msg)
	return Head(t, repoDir)
}

// Head returns the commit HEAD of repoDir points at
func Head(t testing.TB, repoDir string) string {
	t.Helper()
	return Run(t, "git", "-C", repoDir, "rev-parse", "HEAD")
}
