package vfs

import (
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Kind tells files and directories apart.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// DirEntry is one row of a directory listing. Listings are produced fresh on
// every call and must be re-read after any mutation.
type DirEntry struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
	Perm    fs.FileMode
	HasPerm bool
	Symlink bool // Kind describes the link target
}

func (e DirEntry) IsDir() bool {
	return e.Kind == KindDir
}

// Descend reports whether a recursive delete may walk into the entry. A
// symlink is removed as a leaf, never followed.
func (e DirEntry) Descend() bool {
	return e.IsDir() && !e.Symlink
}

// SortEntries orders directories first, then by case-insensitive name.
func SortEntries(entries []DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// Find returns the entry with the given name.
func Find(entries []DirEntry, name string) (DirEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return DirEntry{}, false
}
