// Package propagate decides where each committed file change is mirrored.
//
// Overlay is authoritative over Base whenever both hold a path: Base changes
// to a path present in Overlay are suppressed. Merged is the convergence
// point and its own edits are routed back to whichever of Base and Overlay
// currently owns the path, where presence in Overlay means ownership.
// No content merging takes place; whichever rule fires last wins.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/schaermu/trisync/internal/change"
	"github.com/schaermu/trisync/internal/mirror"
	"github.com/schaermu/trisync/internal/role"
)

// Existence answers whether a path is currently present in a role's tree
type Existence interface {
	Exists(r role.Role, path string) bool
}

// Mirror performs the file mutations
type Mirror interface {
	Copy(from, to role.Role, path string) error
	Remove(r role.Role, path string) error
}

// Trees is both an Existence and a Mirror, as implemented by mirror.FS
type Trees interface {
	Existence
	Mirror
}

// Result summarizes the propagation of one commit
type Result struct {
	Copied     int
	Removed    int
	Suppressed int
	Missing    int   // copies skipped because the source was gone
	Err        error // per-file failures, nil when every operation succeeded
}

// Failed returns the number of file operations that failed
func (r Result) Failed() int {
	var merr *multierror.Error
	if errors.As(r.Err, &merr) {
		return merr.Len()
	}
	if r.Err != nil {
		return 1
	}
	return 0
}

// Engine applies the precedence rules to file changes
type Engine struct {
	exists Existence
	mirror Mirror
	logger *slog.Logger
}

// NewEngine creates an engine that checks existence with exists and mutates
// trees through m
func NewEngine(exists Existence, m Mirror, logger *slog.Logger) *Engine {
	return &Engine{
		exists: exists,
		mirror: m,
		logger: logger,
	}
}

// Propagate applies the changes of one commit made in the source tree to the
// other two trees, in order. A failing file operation is logged and recorded
// in the result; the remaining changes are still applied.
func (e *Engine) Propagate(ctx context.Context, source role.Role, changes []change.FileChange) Result {
	var res Result
	var errs *multierror.Error

	for _, c := range changes {
		if err := e.apply(&res, source, c); err != nil {
			e.logger.WarnContext(ctx, "failed to propagate change",
				"source", source,
				"action", c.Action,
				"path", c.Path,
				"error", err)
			errs = multierror.Append(errs, fmt.Errorf("%s %s %s: %w", source, c.Action, c.Path, err))
		}
	}

	res.Err = errs.ErrorOrNil()
	return res
}

func (e *Engine) apply(res *Result, source role.Role, c change.FileChange) error {
	if !c.Action.Valid() {
		return fmt.Errorf("unknown %s", c.Action)
	}

	switch source {
	case role.Base:
		// Overlay owns every path it holds
		if e.exists.Exists(role.Overlay, c.Path) {
			e.suppress(res, source, c, role.Overlay)
			return nil
		}
		switch c.Action {
		case change.Added, change.Modified:
			return e.copy(res, role.Base, role.Merged, c.Path)
		case change.Deleted:
			return e.remove(res, role.Merged, c.Path)
		}

	case role.Overlay:
		switch c.Action {
		case change.Added, change.Modified:
			return e.copy(res, role.Overlay, role.Merged, c.Path)
		case change.Deleted:
			// Base content shows through once the overlay copy is gone
			if e.exists.Exists(role.Base, c.Path) {
				e.suppress(res, source, c, role.Base)
				return nil
			}
			return e.remove(res, role.Merged, c.Path)
		}

	case role.Merged:
		switch c.Action {
		case change.Added:
			return e.copy(res, role.Merged, role.Overlay, c.Path)
		case change.Deleted:
			var errs *multierror.Error
			if err := e.remove(res, role.Base, c.Path); err != nil {
				errs = multierror.Append(errs, err)
			}
			if err := e.remove(res, role.Overlay, c.Path); err != nil {
				errs = multierror.Append(errs, err)
			}
			return errs.ErrorOrNil()
		case change.Modified:
			if e.exists.Exists(role.Overlay, c.Path) {
				return e.copy(res, role.Merged, role.Overlay, c.Path)
			}
			return e.copy(res, role.Merged, role.Base, c.Path)
		}

	default:
		return fmt.Errorf("unknown source %s", source)
	}

	return fmt.Errorf("unknown %s", c.Action)
}

func (e *Engine) copy(res *Result, from, to role.Role, path string) error {
	err := e.mirror.Copy(from, to, path)
	if errors.Is(err, mirror.ErrSourceMissing) {
		// a later commit in this pass may already have deleted it
		e.logger.Warn("source file missing, skipping copy",
			"from", from,
			"to", to,
			"path", path)
		res.Missing++
		return nil
	}
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", from, to, err)
	}

	e.logger.Debug("copied file", "from", from, "to", to, "path", path)
	res.Copied++
	return nil
}

func (e *Engine) remove(res *Result, r role.Role, path string) error {
	if err := e.mirror.Remove(r, path); err != nil {
		return fmt.Errorf("remove from %s: %w", r, err)
	}

	e.logger.Debug("removed file", "role", r, "path", path)
	res.Removed++
	return nil
}

func (e *Engine) suppress(res *Result, source role.Role, c change.FileChange, owner role.Role) {
	e.logger.Debug("change suppressed by precedence",
		"source", source,
		"action", c.Action,
		"path", c.Path,
		"owner", owner)
	res.Suppressed++
}
