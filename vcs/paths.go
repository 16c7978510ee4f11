// Package vcs defines the read-only boundary between the identity layer and
// a version-control reader: ordered path listings a tree page can render.
// The repository reader itself lives behind the TreeLister interface.
package vcs

import (
	"context"
	"path"
	"sort"
	"strings"
)

// Git file modes, as they appear in tree entries.
const (
	ModeTree      = 0o040000
	ModeBlob      = 0o100644
	ModeExec      = 0o100755
	ModeSymlink   = 0o120000
	ModeSubmodule = 0o160000
)

// Kind classifies a path entry for display.
type Kind int

const (
	KindBlob Kind = iota
	KindTree
	KindSubmodule
)

// PathEntry is one row in a repository tree listing.
type PathEntry struct {
	Name     string
	Path     string
	Size     int64
	Mode     int
	CommitID string
	IsParent bool
}

// Kind derives the display kind from the git file mode.
func (e PathEntry) Kind() Kind {
	switch e.Mode {
	case ModeTree:
		return KindTree
	case ModeSubmodule:
		return KindSubmodule
	default:
		return KindBlob
	}
}

// IsTree reports whether the entry is a directory.
func (e PathEntry) IsTree() bool {
	return e.Kind() == KindTree
}

// ParentEntry builds the ".." row for a listing below the repository root.
func ParentEntry(currentPath string) PathEntry {
	parent := path.Dir(strings.TrimSuffix(currentPath, "/"))
	if parent == "." || parent == "/" {
		parent = ""
	}
	return PathEntry{Name: "..", Path: parent, Mode: ModeTree, IsParent: true}
}

// SortPaths orders a listing for display: the parent row first, then trees,
// then everything else, case-insensitive by name within each group.
func SortPaths(entries []PathEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsParent != b.IsParent {
			return a.IsParent
		}
		if a.IsTree() != b.IsTree() {
			return a.IsTree()
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// TreeLister is the version-control reader surface the presentation layer
// consumes. Implementations resolve a commit and enumerate one tree level.
type TreeLister interface {
	// Paths lists the entries of the tree at path within the given commit,
	// already sorted for display.
	Paths(ctx context.Context, repository, commitID, path string) ([]PathEntry, error)
}
