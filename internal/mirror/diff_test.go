package mirror

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/trisync/internal/role"
)

func TestDiffLines(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want LineDelta
	}{
		{name: "identical", from: "a\nb\n", to: "a\nb\n", want: LineDelta{}},
		{name: "append", from: "a\n", to: "a\nb\nc\n", want: LineDelta{Added: 2}},
		{name: "replace and append", from: "a\nb\nc\n", to: "a\nB\nc\nd\n", want: LineDelta{Added: 2, Removed: 1}},
		{name: "empty destination", from: "", to: "x\n", want: LineDelta{Added: 1}},
		{name: "truncate", from: "a\nb\n", to: "", want: LineDelta{Removed: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, diffLines(tt.from, tt.to))
		})
	}
}

func TestLineDelta_SkipsUnreadable(t *testing.T) {
	_, roots := newTrees(t)
	writeFile(t, roots[role.Base], "a.txt", "text\n")
	writeFile(t, roots[role.Merged], "bin", "a\x00b")

	_, ok := lineDelta(filepath.Join(roots[role.Base], "a.txt"), filepath.Join(roots[role.Merged], "missing"))
	assert.False(t, ok)

	_, ok = lineDelta(filepath.Join(roots[role.Base], "a.txt"), filepath.Join(roots[role.Merged], "bin"))
	assert.False(t, ok)
}

func TestDryRun_LogsLineDelta(t *testing.T) {
	m, roots := newTrees(t)
	writeFile(t, roots[role.Overlay], "conf.ini", "a=1\nb=2\n")
	writeFile(t, roots[role.Merged], "conf.ini", "a=1\n")

	var buf bytes.Buffer
	d := NewDryRun(m, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, d.Copy(role.Overlay, role.Merged, "conf.ini"))
	assert.Contains(t, buf.String(), "lines_added=1")
	assert.Contains(t, buf.String(), "lines_removed=0")
}
