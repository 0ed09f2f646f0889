// Package change turns commits into ordered file-level changes.
package change

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/schaermu/trisync/internal/role"
)

// Action is the kind of file-level change a commit made
type Action int

const (
	Added Action = iota
	Deleted
	Modified
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Valid reports whether a is one of the known actions
func (a Action) Valid() bool {
	return a >= Added && a <= Modified
}

// FileChange is a single file-level change within a commit
type FileChange struct {
	Action Action
	Path   string // slash separated, relative to the tree root
}

// FileAction is one raw entry of a commit's file-status summary
type FileAction struct {
	Status  string // git name-status token, e.g. "M", "R100"
	Path    string
	OldPath string // set for renames and copies
}

// History reads the file-status summary of a commit relative to its parent
type History interface {
	CommitFileActions(ctx context.Context, dir, hash string) ([]FileAction, error)
}

// ParseNameStatus parses the output of `git show --name-status --format=`.
// Blank lines are ignored and lines without an action token are dropped.
func ParseNameStatus(output string) []FileAction {
	var actions []FileAction

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}

		status := strings.TrimSpace(fields[0])
		if status == "" {
			continue
		}

		switch {
		case len(fields) >= 3:
			actions = append(actions, FileAction{Status: status, OldPath: fields[1], Path: fields[2]})
		case fields[1] != "":
			actions = append(actions, FileAction{Status: status, Path: fields[1]})
		}
	}

	return actions
}

// Translate maps raw file actions onto file changes, preserving order.
// Renames surface as a delete of the old path followed by an add of the new one.
func Translate(actions []FileAction, logger *slog.Logger) []FileChange {
	changes := make([]FileChange, 0, len(actions))

	for _, a := range actions {
		if a.Path == "" || a.Status == "" {
			continue
		}

		switch a.Status[0] {
		case 'A':
			changes = append(changes, FileChange{Action: Added, Path: a.Path})
		case 'D':
			changes = append(changes, FileChange{Action: Deleted, Path: a.Path})
		case 'M', 'T':
			changes = append(changes, FileChange{Action: Modified, Path: a.Path})
		case 'R':
			if a.OldPath != "" {
				changes = append(changes, FileChange{Action: Deleted, Path: a.OldPath})
			}
			changes = append(changes, FileChange{Action: Added, Path: a.Path})
		case 'C':
			changes = append(changes, FileChange{Action: Added, Path: a.Path})
		default:
			logger.Debug("ignoring unsupported file status", "status", a.Status, "path", a.Path)
		}
	}

	return changes
}

// Extractor resolves the file changes of a commit in one role's tree
type Extractor struct {
	history History
	dir     func(role.Role) string
	logger  *slog.Logger
}

// NewExtractor creates an extractor reading history from the tree returned by dir
func NewExtractor(history History, dir func(role.Role) string, logger *slog.Logger) *Extractor {
	return &Extractor{
		history: history,
		dir:     dir,
		logger:  logger,
	}
}

// Extract returns the ordered file changes of hash. A commit that cannot be
// read yields no changes; the failure is logged and never returned.
func (e *Extractor) Extract(ctx context.Context, r role.Role, hash string) []FileChange {
	actions, err := e.history.CommitFileActions(ctx, e.dir(r), hash)
	if err != nil {
		e.logger.Warn("failed to read commit, treating as empty",
			"role", r,
			"commit", hash,
			"error", err)
		return nil
	}

	return Translate(actions, e.logger)
}
