package mirror

import (
	"bytes"
	"os"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffSize bounds the files a dry run reads to describe a copy
const maxDiffSize = 1 << 20

// LineDelta is the line-level difference a copy would make to its destination
type LineDelta struct {
	Added   int
	Removed int
}

// lineDelta compares the text of src and dst. It reports false when either
// file is unreadable, too large or binary.
func lineDelta(src, dst string) (LineDelta, bool) {
	from, ok := readText(dst)
	if !ok {
		return LineDelta{}, false
	}
	to, ok := readText(src)
	if !ok {
		return LineDelta{}, false
	}
	return diffLines(from, to), true
}

func diffLines(from, to string) LineDelta {
	dmp := diffmatchpatch.New()
	a, b, _ := dmp.DiffLinesToRunes(from, to)

	// each rune stands for one line
	var d LineDelta
	for _, edit := range dmp.DiffMainRunes(a, b, false) {
		switch edit.Type {
		case diffmatchpatch.DiffInsert:
			d.Added += utf8.RuneCountInString(edit.Text)
		case diffmatchpatch.DiffDelete:
			d.Removed += utf8.RuneCountInString(edit.Text)
		}
	}
	return d
}

func readText(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxDiffSize {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}
