// Package tree holds the in-memory view state the FS arbitrator maintains:
// the tree itself, tombstones, suspect entries and blind-spot sets
// (spec.md §3, §4.5).
package tree

import "strings"

// Node is a single tree entry: a directory or a file.
type Node struct {
	Path         string
	IsDirectory  bool
	ModifiedTime int64
	Size         int64

	// Children is populated only for directories, keyed by base name.
	Children map[string]*Node

	// LastUpdatedAt is Fusion wall-clock time of the last REALTIME
	// ingestion that touched this node; 0 if never confirmed by realtime.
	// Must only be written on REALTIME ingestion (spec.md §3).
	LastUpdatedAt int64

	IntegritySuspect bool
	KnownByAgent     bool
	AuditSkipped     bool // directories only
	LastAgentID      string
	SourceURI        string
}

func newNode(path string, isDir bool) *Node {
	n := &Node{Path: path, IsDirectory: isDir}
	if isDir {
		n.Children = make(map[string]*Node)
	}
	return n
}

// Tree is the root container for a view's filesystem image.
type Tree struct {
	root *Node
}

// NewTree returns an empty tree rooted at "/".
func NewTree() *Tree {
	return &Tree{root: newNode("/", true)}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Get returns the node at path, or nil if absent.
func (t *Tree) Get(path string) *Node {
	if path == "/" || path == "" {
		return t.root
	}
	parts := splitPath(path)
	cur := t.root
	for _, part := range parts {
		if cur.Children == nil {
			return nil
		}
		next, ok := cur.Children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Upsert creates or updates the node at path. apply is invoked with the
// existing node (nil if newly created) and must return the node to store;
// this lets callers preserve invariants such as "don't touch
// LastUpdatedAt on SNAPSHOT/AUDIT" while still sharing the parent-chain
// creation logic. Missing parent directories are lazily created
// (spec.md §7's "Arbitrator invariants violated" self-healing rule).
func (t *Tree) Upsert(path string, isDir bool, apply func(existing *Node) *Node) *Node {
	if path == "/" || path == "" {
		t.root = apply(t.root)
		return t.root
	}
	parts := splitPath(path)
	cur := t.root
	for i, part := range parts {
		last := i == len(parts)-1
		if cur.Children == nil {
			cur.Children = make(map[string]*Node)
		}
		existing, ok := cur.Children[part]
		if !last {
			if !ok {
				existing = newNode(strings.Join(append([]string{""}, parts[:i+1]...), "/"), true)
				cur.Children[part] = existing
			}
			cur = existing
			continue
		}
		var node *Node
		if ok {
			node = apply(existing)
		} else {
			fresh := newNode(path, isDir)
			node = apply(fresh)
		}
		if node == nil {
			delete(cur.Children, part)
			return nil
		}
		cur.Children[part] = node
		return node
	}
	return nil
}

// Delete removes the node (and, if a directory, its entire subtree) at
// path. Returns true if a node was removed.
func (t *Tree) Delete(path string) bool {
	if path == "/" || path == "" {
		return false
	}
	parts := splitPath(path)
	cur := t.root
	for i, part := range parts {
		last := i == len(parts)-1
		if cur.Children == nil {
			return false
		}
		if last {
			if _, ok := cur.Children[part]; !ok {
				return false
			}
			delete(cur.Children, part)
			return true
		}
		next, ok := cur.Children[part]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// Walk visits every node in the subtree rooted at path (path inclusive),
// depth-first, until visit returns false or the subtree is exhausted.
func (t *Tree) Walk(path string, visit func(*Node) bool) {
	start := t.Get(path)
	if start == nil {
		return
	}
	walk(start, visit)
}

func walk(n *Node, visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, child := range n.Children {
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

// Reset clears the entire tree back to an empty root.
func (t *Tree) Reset() {
	t.root = newNode("/", true)
}

// ParentPath returns the path's parent directory, "/" for top-level paths.
func ParentPath(path string) string {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
