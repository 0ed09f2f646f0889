package mirror

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/trisync/internal/role"
)

func newTrees(t *testing.T) (*FS, map[role.Role]string) {
	t.Helper()
	base := t.TempDir()
	roots := map[role.Role]string{
		role.Base:    filepath.Join(base, "base"),
		role.Overlay: filepath.Join(base, "overlay"),
		role.Merged:  filepath.Join(base, "merged"),
	}
	for _, dir := range roots {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return New(roots), roots
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestCopy_CreatesParents(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Base], "deep/nested/a.txt", "hello")

	require.NoError(t, m.Copy(role.Base, role.Merged, "deep/nested/a.txt"))

	got, err := os.ReadFile(filepath.Join(roots[role.Merged], "deep", "nested", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, int64(5), m.BytesCopied())
}

func TestCopy_OverwritesAndIsIdempotent(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Overlay], "config/app.yaml", "overlay: true\n")
	writeFile(t, roots[role.Merged], "config/app.yaml", "stale\n")

	require.NoError(t, m.Copy(role.Overlay, role.Merged, "config/app.yaml"))
	copied := m.BytesCopied()
	require.NoError(t, m.Copy(role.Overlay, role.Merged, "config/app.yaml"))

	got, err := os.ReadFile(filepath.Join(roots[role.Merged], "config", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "overlay: true\n", string(got))
	assert.Equal(t, copied, m.BytesCopied(), "second copy should be skipped")
}

func TestCopy_PreservesMode(t *testing.T) {
	m, roots := newTrees(t)
	src := filepath.Join(roots[role.Base], "run.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.Chmod(src, 0755))

	require.NoError(t, m.Copy(role.Base, role.Merged, "run.sh"))

	info, err := os.Stat(filepath.Join(roots[role.Merged], "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestCopy_SourceMissing(t *testing.T) {
	m, roots := newTrees(t)

	err := m.Copy(role.Base, role.Merged, "missing.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceMissing))

	_, statErr := os.Stat(filepath.Join(roots[role.Merged], "missing.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCopy_Symlink(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Merged], "target.txt", "x")
	require.NoError(t, os.Symlink("target.txt", filepath.Join(roots[role.Merged], "link")))

	require.NoError(t, m.Copy(role.Merged, role.Overlay, "link"))
	require.NoError(t, m.Copy(role.Merged, role.Overlay, "link"))

	target, err := os.Readlink(filepath.Join(roots[role.Overlay], "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)
}

func TestRemove(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Base], "old/script.sh", "echo")

	require.NoError(t, m.Remove(role.Base, "old/script.sh"))
	assert.False(t, m.Exists(role.Base, "old/script.sh"))

	// removing again is a silent no-op
	require.NoError(t, m.Remove(role.Base, "old/script.sh"))
	require.NoError(t, m.Remove(role.Overlay, "never/existed"))
}

func TestExists(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Overlay], "docs/readme.md", "hi")

	assert.True(t, m.Exists(role.Overlay, "docs/readme.md"))
	assert.False(t, m.Exists(role.Base, "docs/readme.md"))
	assert.False(t, m.Exists(role.Role(5), "docs/readme.md"))
}

func TestResolve_RejectsEscapes(t *testing.T) {
	m, _ := newTrees(t)

	for _, p := range []string{"../outside.txt", "a/../../b", "/etc/passwd", ""} {
		t.Run(p, func(t *testing.T) {
			assert.Error(t, m.Remove(role.Base, p))
			assert.Error(t, m.Copy(role.Base, role.Merged, p))
			assert.False(t, m.Exists(role.Base, p))
		})
	}
}

func TestResolve_RejectsSymlinkedParents(t *testing.T) {
	m, roots := newTrees(t)
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "outside")
	require.NoError(t, os.Symlink(outside, filepath.Join(roots[role.Merged], "lib")))
	require.NoError(t, os.MkdirAll(filepath.Join(roots[role.Overlay], "real"), 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(roots[role.Overlay], "real", "etc")))
	writeFile(t, roots[role.Base], "lib/secret.txt", "propagated")

	// writes through a symlinked destination directory
	err := m.Copy(role.Base, role.Merged, "lib/secret.txt")
	assert.ErrorIs(t, err, ErrSymlinkParent)
	assert.ErrorIs(t, m.Remove(role.Merged, "lib/secret.txt"), ErrSymlinkParent)
	assert.False(t, m.Exists(role.Merged, "lib/secret.txt"))

	got, err := os.ReadFile(filepath.Join(outside, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "outside", string(got))

	// reads through a nested symlinked source directory
	err = m.Copy(role.Overlay, role.Base, "real/etc/secret.txt")
	assert.ErrorIs(t, err, ErrSymlinkParent)
	assert.NoFileExists(t, filepath.Join(roots[role.Base], "real", "etc", "secret.txt"))
	assert.Zero(t, m.BytesCopied())

	// the symlink itself is still an ordinary path
	assert.True(t, m.Exists(role.Merged, "lib"))
	require.NoError(t, m.Remove(role.Merged, "lib"))
	assert.FileExists(t, filepath.Join(outside, "secret.txt"))
}

func TestDryRun_DoesNotMutate(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Base], "a.txt", "base")
	writeFile(t, roots[role.Merged], "b.txt", "merged")

	var buf bytes.Buffer
	d := NewDryRun(m, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, d.Copy(role.Base, role.Merged, "a.txt"))
	require.NoError(t, d.Remove(role.Merged, "b.txt"))
	assert.True(t, errors.Is(d.Copy(role.Base, role.Merged, "nope.txt"), ErrSourceMissing))

	assert.False(t, m.Exists(role.Merged, "a.txt"))
	assert.True(t, m.Exists(role.Merged, "b.txt"))
	assert.Contains(t, buf.String(), "would copy")
	assert.Contains(t, buf.String(), "would remove")
}
