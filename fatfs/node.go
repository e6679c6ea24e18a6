package fatfs

import (
	"strings"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatdir"
)

// Node is one entry in the in-memory directory tree: a cached view of a
// directory-entry record plus, for directories, its lazily-scanned
// children. children == nil means "not yet read from disk"; a scanned empty
// directory has a non-nil, zero-length slice.
//
// Nodes deliberately carry no parent pointer — per the design notes, walks
// thread the parent down the call stack instead of storing a back-edge, so
// there's nothing to keep in sync when a subtree gets renamed elsewhere.
type Node struct {
	fs     *FileSystem
	isRoot bool
	entry  fatdir.Entry

	children []*Node
	inUse    bool
}

// isDirectory reports whether this node represents a directory. Root
// always is one; everything else goes by its ATTR_DIRECTORY bit.
func (n *Node) isDirectory() bool {
	if n.isRoot {
		return true
	}
	return n.entry.Edt.Attributes&fatdir.AttrDirectory != 0
}

// Name returns the node's display filename: its long name if it has a VFAT
// chain, otherwise its 8.3 name, or "/" for the root.
func (n *Node) Name() string {
	if n.isRoot {
		return "/"
	}
	return n.entry.LongFilename()
}

// splitPath splits a cleaned absolute path into its non-empty components.
func splitPath(abs string) []string {
	trimmed := strings.Trim(abs, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// splitParent splits a cleaned absolute path into its parent directory and
// final component. splitParent("/") is undefined; callers must reject the
// root path before calling it.
func splitParent(abs string) (string, string) {
	idx := strings.LastIndex(abs, "/")
	if idx == 0 {
		return "/", abs[1:]
	}
	return abs[:idx], abs[idx+1:]
}

// resolveLocked walks from the root to the node named by an absolute,
// cleaned path, scanning directories lazily as it goes. Caller must hold
// fs.mu.
func (fs *FileSystem) resolveLocked(abs string) (*Node, error) {
	if abs == "/" || abs == "" {
		return fs.root, nil
	}

	cur := fs.root
	for _, part := range splitPath(abs) {
		if !cur.isDirectory() {
			return nil, errors.New(errors.NotADirectory, "%q is not a directory", cur.Name())
		}
		child, err := fs.lookupChildLocked(cur, part)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

// lookupChildLocked finds the child of parent matching name, scanning
// parent's directory contents first if they haven't been cached yet.
func (fs *FileSystem) lookupChildLocked(parent *Node, name string) (*Node, error) {
	if parent.children == nil {
		if err := fs.scanChildrenLocked(parent); err != nil {
			return nil, err
		}
	}
	for _, c := range parent.children {
		if fatdir.FilenameMatch(name, c.entry, true) {
			return c, nil
		}
	}
	return nil, errors.New(errors.NotFound, "%q not found", name)
}

// scanChildrenLocked reads parent's directory stream from disk and
// refreshes its cached children.
func (fs *FileSystem) scanChildrenLocked(parent *Node) error {
	s, err := streamForDirectory(fs, parent)
	if err != nil {
		return err
	}
	slots, err := scanDirSlots(s)
	if err != nil {
		return err
	}

	children := make([]*Node, 0, len(slots))
	for _, slot := range slots {
		children = append(children, &Node{fs: fs, entry: slot.entry})
	}
	parent.children = children
	return nil
}

// invalidateChildrenLocked forces the next lookup under parent to rescan
// its directory contents from disk. Called after any mutation that adds,
// removes, or rewrites one of parent's entries.
func (fs *FileSystem) invalidateChildrenLocked(parent *Node) {
	parent.children = nil
}
