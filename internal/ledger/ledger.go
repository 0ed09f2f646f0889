// Package ledger records which commits have already been propagated.
//
// The ledger is keyed by (role, branch) and holds an ordered set of commit
// hashes. Entries only ever grow. FileStore persists the complete mapping
// after every mark so that a restarted run resumes exactly where the
// previous one stopped.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/schaermu/trisync/internal/fsutil"
	"github.com/schaermu/trisync/internal/role"
)

// Store is the processed-commit ledger
type Store interface {
	// IsProcessed reports whether hash was already propagated for (r, branch)
	IsProcessed(r role.Role, branch, hash string) bool
	// MarkProcessed records hash for (r, branch). It returns only after the
	// mark has been durably persisted; on error the hash is not marked.
	MarkProcessed(r role.Role, branch, hash string) error
	// Processed returns the hashes recorded for (r, branch) in mark order
	Processed(r role.Role, branch string) []string
}

// Entries is the persisted form: role name -> branch name -> hashes
type Entries map[string]map[string][]string

type key struct {
	role   string
	branch string
	hash   string
}

// FileStore is a Store backed by a single JSON file
type FileStore struct {
	path    string
	entries Entries
	index   map[key]struct{}
}

var _ Store = (*FileStore)(nil)

// Open loads the ledger at path. A missing file yields an empty ledger.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(Entries),
		index:   make(map[key]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
		}
	}

	for roleName, branches := range s.entries {
		if branches == nil {
			s.entries[roleName] = make(map[string][]string)
			continue
		}
		for branch, hashes := range branches {
			for _, h := range hashes {
				s.index[key{roleName, branch, h}] = struct{}{}
			}
		}
	}

	return s, nil
}

// Path returns the file backing the ledger
func (s *FileStore) Path() string {
	return s.path
}

// IsProcessed implements Store
func (s *FileStore) IsProcessed(r role.Role, branch, hash string) bool {
	_, ok := s.index[key{r.String(), branch, hash}]
	return ok
}

// MarkProcessed implements Store. The file is rewritten on every call, also
// when hash is already present.
func (s *FileStore) MarkProcessed(r role.Role, branch, hash string) error {
	if !r.Valid() {
		return fmt.Errorf("cannot mark commit %s for invalid %s", hash, r)
	}

	k := key{r.String(), branch, hash}
	if _, ok := s.index[k]; ok {
		return s.persist()
	}

	branches, hadRole := s.entries[k.role]
	if !hadRole {
		branches = make(map[string][]string)
		s.entries[k.role] = branches
	}
	prev, hadBranch := branches[branch]
	branches[branch] = append(slices.Clip(prev), hash)

	if err := s.persist(); err != nil {
		// roll back so the in-memory view never runs ahead of disk
		switch {
		case !hadRole:
			delete(s.entries, k.role)
		case !hadBranch:
			delete(branches, branch)
		default:
			branches[branch] = prev
		}
		return err
	}

	s.index[k] = struct{}{}
	return nil
}

// Processed implements Store
func (s *FileStore) Processed(r role.Role, branch string) []string {
	return slices.Clone(s.entries[r.String()][branch])
}

// Snapshot returns a deep copy of all entries
func (s *FileStore) Snapshot() Entries {
	out := make(Entries, len(s.entries))
	for roleName, branches := range s.entries {
		cp := make(map[string][]string, len(branches))
		for branch, hashes := range branches {
			cp[branch] = slices.Clone(hashes)
		}
		out[roleName] = cp
	}
	return out
}

// Branches returns the sorted branch names recorded for r
func (e Entries) Branches(r role.Role) []string {
	names := make([]string, 0, len(e[r.String()]))
	for branch := range e[r.String()] {
		names = append(names, branch)
	}
	sort.Strings(names)
	return names
}

func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	data = append(data, '\n')

	if err := fsutil.WriteFile(s.path, bytes.NewReader(data), 0644); err != nil {
		return fmt.Errorf("failed to write ledger %s: %w", s.path, err)
	}
	return nil
}
