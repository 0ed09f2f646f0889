package git

import (
	"context"
	"errors"
	"fmt"
	"slices"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/schaermu/trisync/internal/change"
)

// GoGitHistory implements History in-process with go-git, without
// requiring a git binary.
type GoGitHistory struct{}

var _ History = GoGitHistory{}

// NewGoGitHistory creates a go-git backed history reader
func NewGoGitHistory() GoGitHistory {
	return GoGitHistory{}
}

// ListCommits returns every commit reachable from branch, oldest first.
// The local branch is preferred; origin/<branch> is used when no local
// branch exists.
func (GoGitHistory) ListCommits(ctx context.Context, dir, branch string) ([]string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		ref, err = repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch %q: %w", branch, err)
	}

	iter, err := repo.Log(&gogit.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log of %q: %w", branch, err)
	}
	defer iter.Close()

	var hashes []string
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes = append(hashes, c.Hash.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log of %q: %w", branch, err)
	}

	slices.Reverse(hashes)
	return hashes, nil
}

// CommitFileActions diffs the tree of hash against its first parent, or
// against the empty tree for a root commit.
func (GoGitHistory) CommitFileActions(ctx context.Context, dir, hash string) ([]change.FileAction, error) {
	if !plumbing.IsHash(hash) {
		return nil, fmt.Errorf("invalid commit hash %q", hash)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", hash, err)
	}

	parentTree := &object.Tree{}
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("failed to read parent of %s: %w", hash, err)
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, fmt.Errorf("failed to read parent tree of %s: %w", hash, err)
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", hash, err)
	}

	actions := make([]change.FileAction, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change in %s: %w", hash, err)
		}

		switch action {
		case merkletrie.Insert:
			actions = append(actions, change.FileAction{Status: "A", Path: ch.To.Name})
		case merkletrie.Delete:
			actions = append(actions, change.FileAction{Status: "D", Path: ch.From.Name})
		case merkletrie.Modify:
			if ch.From.Name != ch.To.Name {
				actions = append(actions, change.FileAction{Status: "R", OldPath: ch.From.Name, Path: ch.To.Name})
				continue
			}
			actions = append(actions, change.FileAction{Status: "M", Path: ch.To.Name})
		}
	}

	return actions, nil
}
