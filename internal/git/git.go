package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/trisync/internal/change"
)

// History reads commit history from a working tree
type History interface {
	// ListCommits returns the commits reachable from branch, oldest first
	ListCommits(ctx context.Context, dir, branch string) ([]string, error)
	// CommitFileActions returns the file-status summary of hash relative to its first parent
	CommitFileActions(ctx context.Context, dir, hash string) ([]change.FileAction, error)
}

// ErrDirtyTree is returned when a working tree holds uncommitted changes
// that a checkout would overwrite.
var ErrDirtyTree = errors.New("working tree has uncommitted changes")

// TreeStatus describes the state of a working tree on disk
type TreeStatus struct {
	Exists bool
	// Branch is the checked out branch, empty for a detached HEAD
	Branch string
	Dirty  bool
}

// Workspace manages working trees
type Workspace interface {
	// TreeStatus reports the checked out branch of dir and whether it has
	// uncommitted changes. A dir without a repository is reported as absent.
	TreeStatus(ctx context.Context, dir string) (TreeStatus, error)
	// EnsureCheckout clones or updates a repository to the tip of ref. An
	// existing tree with uncommitted changes is refused with ErrDirtyTree.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// CommitAndPushPending commits every pending change in dir and pushes
	// branch. It returns the created commit, or "" when the tree was clean.
	CommitAndPushPending(ctx context.Context, dir, branch, message string, push bool) (string, error)
	// CommitPaths commits pending changes to the given paths only
	CommitPaths(ctx context.Context, dir, message string, paths ...string) (bool, error)
}

// Author is the identity used for commits created by trisync
type Author struct {
	Name  string
	Email string
}

// ShellClient implements History and Workspace by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	author         Author
}

var (
	_ History   = (*ShellClient)(nil)
	_ Workspace = (*ShellClient)(nil)
)

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string, author Author) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		author:         author,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	// Check if repo already exists
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		// Clone the repository
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		dirty, err := c.isDirty(ctx, destDir)
		if err != nil {
			return "", err
		}
		if dirty {
			return "", fmt.Errorf("%w: %s", ErrDirtyTree, destDir)
		}

		// Fetch updates
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--prune", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Checkout the specified ref
	// Strategy:
	// 1. Try direct checkout (works for local branches and creates a tracking
	//    branch when only origin/<ref> exists)
	// 2. If that fails, try as a remote branch (origin/ref)
	// Only a fresh --no-checkout clone is forced; its index is empty, so a
	// plain checkout of the default branch would leave every file unstaged.
	checkout := []string{"-C", destDir, "checkout"}
	if !exists {
		checkout = append(checkout, "-f")
	}
	cmd = exec.CommandContext(ctx, "git", append(checkout, ref)...)
	if err := c.runCommand(cmd); err != nil {
		remoteRef := "origin/" + ref
		cmd = exec.CommandContext(ctx, "git", append(checkout, "-B", ref, remoteRef)...)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// For existing repos, the local branch may be behind after fetch.
	// Fast-forward to the remote tracking branch; local commits that were
	// never pushed are kept, so a diverged branch is left as is.
	if exists {
		mergeCmd := exec.CommandContext(ctx, "git", "-C", destDir, "merge", "--ff-only", "origin/"+ref)
		_ = c.runCommand(mergeCmd)
	}

	return c.revParse(ctx, destDir, "HEAD")
}

// TreeStatus reports the branch and pending changes of the tree in dir
func (c *ShellClient) TreeStatus(ctx context.Context, dir string) (TreeStatus, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return TreeStatus{}, nil
	}

	branch, err := c.currentBranch(ctx, dir)
	if err != nil {
		return TreeStatus{}, err
	}
	dirty, err := c.isDirty(ctx, dir)
	if err != nil {
		return TreeStatus{}, err
	}
	return TreeStatus{Exists: true, Branch: branch, Dirty: dirty}, nil
}

// ListCommits returns every commit reachable from branch, oldest first
func (c *ShellClient) ListCommits(ctx context.Context, dir, branch string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-list", "--reverse", branch, "--")
	output, err := c.output(cmd)
	if err != nil {
		return nil, fmt.Errorf("git rev-list failed for %q: %w", branch, err)
	}

	return strings.Fields(output), nil
}

// CommitFileActions returns the name-status summary of hash against its
// first parent. Root commits are diffed against the empty tree.
func (c *ShellClient) CommitFileActions(ctx context.Context, dir, hash string) ([]change.FileAction, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir,
		"-c", "core.quotePath=false",
		"diff-tree", "--no-commit-id", "--name-status", "-r", "--root", "-m", "--first-parent", "-M",
		hash, "--")
	output, err := c.output(cmd)
	if err != nil {
		return nil, fmt.Errorf("git diff-tree failed for %s: %w", hash, err)
	}

	return change.ParseNameStatus(output), nil
}

// CommitAndPushPending stages everything in dir, commits it when anything is
// staged and pushes branch to origin when push is set and the local branch is
// ahead. It returns the hash of the created commit, or "" when nothing was
// staged. A failed push still returns the local commit.
func (c *ShellClient) CommitAndPushPending(ctx context.Context, dir, branch, message string, push bool) (string, error) {
	current, err := c.currentBranch(ctx, dir)
	if err != nil {
		return "", err
	}
	if current != branch {
		return "", fmt.Errorf("working tree %s is on %q, not %q", dir, current, branch)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "add", "-A")
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	committed, err := c.commitStaged(ctx, dir, message)
	if err != nil {
		return "", err
	}

	var hash string
	if committed {
		if hash, err = c.revParse(ctx, dir, "HEAD"); err != nil {
			return "", err
		}
	}

	if !push {
		return hash, nil
	}

	ahead, err := c.aheadOfRemote(ctx, dir, branch)
	if err != nil {
		return hash, err
	}
	if ahead == 0 {
		return hash, nil
	}

	url, err := c.remoteURL(ctx, dir)
	if err != nil {
		return hash, err
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "push", "origin", "HEAD:refs/heads/"+branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return hash, err
	}
	if err := c.runCommand(cmd); err != nil {
		return hash, fmt.Errorf("git push failed: %w", err)
	}

	return hash, nil
}

// CommitPaths commits pending changes to paths in dir. A dir that is not a
// git repository is left alone.
func (c *ShellClient) CommitPaths(ctx context.Context, dir, message string, paths ...string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false, nil
	}

	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(dir, p)); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return false, nil
	}

	args := append([]string{"-C", dir, "add", "--"}, existing...)
	cmd := exec.CommandContext(ctx, "git", args...)
	if err := c.runCommand(cmd); err != nil {
		return false, fmt.Errorf("git add failed: %w", err)
	}

	return c.commitStaged(ctx, dir, message)
}

// currentBranch returns the short name of the branch HEAD points to, or ""
// for a detached HEAD
func (c *ShellClient) currentBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git symbolic-ref failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// isDirty reports whether dir has staged, unstaged or untracked changes
func (c *ShellClient) isDirty(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain", "--untracked-files=all")
	output, err := c.output(cmd)
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}

// commitStaged commits the index when it differs from HEAD
func (c *ShellClient) commitStaged(ctx context.Context, dir, message string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return false, fmt.Errorf("git diff --cached failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "commit", "--no-verify", "-m", message)
	cmd.Env = c.authorEnv()
	if err := c.runCommand(cmd); err != nil {
		return false, fmt.Errorf("git commit failed: %w", err)
	}
	return true, nil
}

// aheadOfRemote counts the local commits missing from origin/branch. A
// branch without a remote counterpart counts every commit.
func (c *ShellClient) aheadOfRemote(ctx context.Context, dir, branch string) (int, error) {
	rangeSpec := "origin/" + branch + "..HEAD"
	if _, err := c.revParse(ctx, dir, "origin/"+branch); err != nil {
		rangeSpec = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-list", "--count", rangeSpec)
	output, err := c.output(cmd)
	if err != nil {
		return 0, fmt.Errorf("git rev-list --count failed: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return n, nil
}

func (c *ShellClient) remoteURL(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
	output, err := c.output(cmd)
	if err != nil {
		return "", fmt.Errorf("git remote get-url failed: %w", err)
	}
	return strings.TrimSpace(output), nil
}

func (c *ShellClient) revParse(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed for %q: %w", rev, err)
	}

	return strings.TrimSpace(string(output)), nil
}

// authorEnv returns the environment for commits, overriding the identity when configured
func (c *ShellClient) authorEnv() []string {
	env := os.Environ()
	if c.author.Name != "" {
		env = append(env, "GIT_AUTHOR_NAME="+c.author.Name, "GIT_COMMITTER_NAME="+c.author.Name)
	}
	if c.author.Email != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+c.author.Email, "GIT_COMMITTER_EMAIL="+c.author.Email)
	}
	return env
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it, so the token never appears in
		// command arguments.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "TRISYNC_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$TRISYNC_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a command and returns its stdout, with stderr on failure
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
