// Package metadatatree mirrors the SYSTEM/ subtree of a target-files
// archive with per-node ownership and permission metadata, and computes
// the compact recursive/per-node permission-setting plan described by
// the composition engine.
//
// A Tree is scoped to a single archive scan. Incremental composition
// uses two independent Tree values (source, target) rather than sharing
// one process-wide index, avoiding the aliasing hazard a shared index
// would introduce between the two scans.
package metadatatree

import (
	"fmt"
	"sort"
	"strings"
)

// Meta is the resolved ownership/permission triple for one node.
type Meta struct {
	UID, GID uint32
	Mode     uint32
}

// Node is one path in the mirrored system tree.
type Node struct {
	Path       string
	IsDir      bool
	hasMeta    bool
	Meta       Meta
	Parent     *Node
	children   []*Node
	childIndex map[string]*Node

	descEntries []descKey
	descCounts  map[descKey]int
	best        BestSubtree
	hasBest     bool
}

// BestSubtree is the (uid, gid, dmode, fmode) tuple maximizing descendant
// coverage for a directory, computed by Compact.
type BestSubtree struct {
	UID, GID     uint32
	DMode, FMode uint32
}

// HasMeta reports whether ownership/permission metadata has been resolved
// for this node.
func (n *Node) HasMeta() bool { return n.hasMeta }

// Children returns this node's children. After Resolve has run they are
// sorted lexicographically by name; before that they reflect insertion
// order.
func (n *Node) Children() []*Node { return n.children }

// BestSubtree returns the (uid, gid, dmode, fmode) tuple maximizing
// descendant coverage for a directory node, valid only after Compact.
func (n *Node) BestSubtree() (BestSubtree, bool) { return n.best, n.hasBest }

// Tree is the process-scoped (per-composition) index of Nodes for one
// archive scan, keyed by path.
type Tree struct {
	root  *Node
	index map[string]*Node
}

// New returns an empty Tree containing only the root sentinel.
func New() *Tree {
	root := &Node{Path: "", IsDir: true, childIndex: map[string]*Node{}}
	return &Tree{root: root, index: map[string]*Node{"": root}}
}

// Root returns the tree's root sentinel node (the empty path, no parent).
func (t *Tree) Root() *Node { return t.root }

// Lookup returns the node at path, if any.
func (t *Tree) Lookup(path string) (*Node, bool) {
	n, ok := t.index[path]
	return n, ok
}

// EnsureNode returns the node at path, creating it (and any missing
// intermediate directory ancestors) on demand. isDirectory applies only
// to the leaf; intermediate ancestors are always created as directories.
func (t *Tree) EnsureNode(path string, isDirectory bool) *Node {
	if path == "" {
		return t.root
	}
	if n, ok := t.index[path]; ok {
		if isDirectory {
			n.IsDir = true
		}
		return n
	}

	parentPath, _ := splitParent(path)
	parent := t.EnsureNode(parentPath, true)

	n := &Node{
		Path:   path,
		IsDir:  isDirectory,
		Parent: parent,
	}
	if isDirectory {
		n.childIndex = map[string]*Node{}
	}
	t.index[path] = n
	parent.children = append(parent.children, n)
	if parent.childIndex == nil {
		parent.childIndex = map[string]*Node{}
	}
	parent.childIndex[base(path)] = n
	return n
}

// SetMeta assigns resolved ownership/permission metadata to the node at
// path, if one exists.
func (t *Tree) SetMeta(path string, m Meta) {
	n, ok := t.index[path]
	if !ok {
		return
	}
	n.Meta = m
	n.hasMeta = true
}

// SortChildren sorts every directory's children lexicographically by
// base name, the stable ordering deterministic script output needs.
func (t *Tree) SortChildren() {
	for _, n := range t.index {
		if !n.IsDir || len(n.children) < 2 {
			continue
		}
		sort.Slice(n.children, func(i, j int) bool {
			return n.children[i].Path < n.children[j].Path
		})
	}
}

// Validate checks the invariant that every node's parent chain reaches
// the root and every directory's children are sorted.
func (t *Tree) Validate() error {
	for path, n := range t.index {
		if path == "" {
			continue
		}
		cur := n
		seen := map[*Node]bool{}
		for cur.Parent != nil {
			if seen[cur] {
				return fmt.Errorf("metadatatree: cycle detected at %q", path)
			}
			seen[cur] = true
			if !cur.Parent.IsDir {
				return fmt.Errorf("metadatatree: parent of %q is not a directory", cur.Path)
			}
			cur = cur.Parent
		}
		if cur != t.root {
			return fmt.Errorf("metadatatree: %q does not chain to root", path)
		}
	}
	for _, n := range t.index {
		if !n.IsDir {
			continue
		}
		for i := 1; i < len(n.children); i++ {
			if n.children[i-1].Path >= n.children[i].Path {
				return fmt.Errorf("metadatatree: children of %q not sorted", n.Path)
			}
		}
	}
	return nil
}

func splitParent(path string) (parent, name string) {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

func base(path string) string {
	_, name := splitParent(path)
	return name
}
