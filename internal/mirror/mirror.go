// Package mirror copies and removes files between the three working trees.
package mirror

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/trisync/internal/fsutil"
	"github.com/schaermu/trisync/internal/role"
)

// ErrSourceMissing is returned by Copy when the source file does not exist
var ErrSourceMissing = errors.New("source file does not exist")

// ErrSymlinkParent is returned for paths that traverse a symlinked directory
var ErrSymlinkParent = errors.New("path traverses a symlinked directory")

// FS mirrors files between working trees on the local filesystem
type FS struct {
	roots       map[role.Role]string
	bytesCopied int64
}

// New creates a mirror over the given tree roots
func New(roots map[role.Role]string) *FS {
	return &FS{roots: roots}
}

// Root returns the working tree directory of r
func (m *FS) Root(r role.Role) string {
	return m.roots[r]
}

// BytesCopied returns the number of bytes written by Copy so far
func (m *FS) BytesCopied() int64 {
	return m.bytesCopied
}

// Exists reports whether path is present in the tree of r
func (m *FS) Exists(r role.Role, path string) bool {
	p, err := m.resolve(r, path)
	if err != nil {
		return false
	}
	_, err = os.Lstat(p)
	return err == nil
}

// Copy makes path in the tree of to identical to path in the tree of from.
// It is a no-op when the destination already has the same content.
func (m *FS) Copy(from, to role.Role, path string) error {
	src, err := m.resolve(from, path)
	if err != nil {
		return err
	}
	dst, err := m.resolve(to, path)
	if err != nil {
		return err
	}

	srcInfo, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", from, path, ErrSourceMissing)
		}
		return err
	}
	if srcInfo.IsDir() {
		return fmt.Errorf("%s/%s is a directory", from, path)
	}

	if srcInfo.Mode()&os.ModeSymlink != 0 {
		return copySymlink(src, dst)
	}

	same, err := sameContent(src, dst, srcInfo)
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	// A symlink or directory at dst would survive the rename, clear it first
	if info, err := os.Lstat(dst); err == nil && !info.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	counter := &countingReader{r: srcFile}
	if err := fsutil.WriteFile(dst, counter, srcInfo.Mode().Perm()); err != nil {
		return err
	}
	m.bytesCopied += counter.n

	return nil
}

// Remove deletes path from the tree of r. Removing a missing file is a no-op.
func (m *FS) Remove(r role.Role, path string) error {
	p, err := m.resolve(r, path)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve maps a slash separated repository path onto the tree of r,
// rejecting paths that would escape it either lexically or through a
// symlinked parent directory. The last element may itself be a symlink.
func (m *FS) resolve(r role.Role, path string) (string, error) {
	root, ok := m.roots[r]
	if !ok || root == "" {
		return "", fmt.Errorf("no working tree configured for %s", r)
	}

	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the %s working tree", path, r)
	}

	dir := root
	for _, elem := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if elem == "." {
			break
		}
		dir = filepath.Join(dir, elem)
		info, err := os.Lstat(dir)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %q in the %s working tree", ErrSymlinkParent, path, r)
		}
	}
	return filepath.Join(root, rel), nil
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}

	if current, err := os.Readlink(dst); err == nil && current == target {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

// sameContent reports whether dst is a regular file with the same mode and
// content as src
func sameContent(src, dst string, srcInfo os.FileInfo) (bool, error) {
	dstInfo, err := os.Lstat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !dstInfo.Mode().IsRegular() ||
		dstInfo.Size() != srcInfo.Size() ||
		dstInfo.Mode().Perm() != srcInfo.Mode().Perm() {
		return false, nil
	}

	srcHash, err := fileHash(src)
	if err != nil {
		return false, err
	}
	dstHash, err := fileHash(dst)
	if err != nil {
		return false, err
	}
	return bytes.Equal(srcHash, dstHash), nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// DryRun reports what would be mirrored without touching any tree.
// Existence checks are answered by the wrapped tree state.
type DryRun struct {
	trees  *FS
	logger *slog.Logger
}

// NewDryRun creates a mirror that only logs
func NewDryRun(trees *FS, logger *slog.Logger) *DryRun {
	return &DryRun{trees: trees, logger: logger}
}

// Exists reports whether path is present in the tree of r
func (d *DryRun) Exists(r role.Role, path string) bool {
	return d.trees.Exists(r, path)
}

// Copy logs the copy it would perform
func (d *DryRun) Copy(from, to role.Role, path string) error {
	if !d.trees.Exists(from, path) {
		return fmt.Errorf("%s/%s: %w", from, path, ErrSourceMissing)
	}
	attrs := []any{"from", from, "to", to, "path", path}
	src, serr := d.trees.resolve(from, path)
	dst, derr := d.trees.resolve(to, path)
	if serr == nil && derr == nil {
		if delta, ok := lineDelta(src, dst); ok {
			attrs = append(attrs, "lines_added", delta.Added, "lines_removed", delta.Removed)
		}
	}
	d.logger.Info("[dry-run] would copy", attrs...)
	return nil
}

// Remove logs the removal it would perform
func (d *DryRun) Remove(r role.Role, path string) error {
	if d.trees.Exists(r, path) {
		d.logger.Info("[dry-run] would remove", "role", r, "path", path)
	}
	return nil
}
