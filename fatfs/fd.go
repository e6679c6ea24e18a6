package fatfs

import (
	"io"
	"os"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatdir"
	"github.com/dargueta/fatdisk/fatstream"
)

// fileDescriptor is one open handle onto a regular file. Several
// descriptors referring to the same Node share a single *fatstream.DataIO
// (acquired once per descriptor, released on close), per spec §4.6 so that
// concurrent writers see each other's allocations. The read/write cursor
// lives on that shared stream, not here (see fatstream.DataIO.pos): two
// descriptors opened on the same path share one position, a known quirk
// rather than a bug. Callers that need independent positions must open
// independent descriptors that deliberately produce independent streams.
type fileDescriptor struct {
	stream *fatstream.DataIO
	node   *Node
	parent *Node
	name   string
	path   string

	readable  bool
	writable  bool
	appending bool
}

// OpenFD opens or creates the regular file at path, following the same
// O_* flag semantics as os.OpenFile, and returns a descriptor number for
// use with ReadFD/WriteFD/SeekFD/TruncateFD/CloseFD.
func (fs *FileSystem) OpenFD(path string, flags int, mode uint16) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	if abs == "/" {
		return 0, errors.New(errors.IsADirectory, "cannot open the root directory")
	}

	parentPath, name := splitParent(abs)
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return 0, err
	}
	if !parent.isDirectory() {
		return 0, errors.New(errors.NotADirectory, "%q is not a directory", parentPath)
	}

	writable := flags&(os.O_WRONLY|os.O_RDWR) != 0
	readable := flags&os.O_WRONLY == 0
	if writable && !fs.vol.Writable() {
		return 0, errors.New(errors.PermissionDenied, "volume is read-only")
	}

	node, lookupErr := fs.lookupChildLocked(parent, name)
	exists := lookupErr == nil

	if exists && flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
		return 0, errors.New(errors.AlreadyExists, "%q already exists", abs)
	}

	if !exists {
		if flags&os.O_CREATE == 0 {
			return 0, lookupErr
		}
		entry, err := fs.buildNewEntryLocked(parent, name, fatdir.AttrArchive, 0, 0)
		if err != nil {
			return 0, err
		}
		dirStream, err := streamForDirectory(fs, parent)
		if err != nil {
			return 0, err
		}
		if err := writeNewEntry(dirStream, entry); err != nil {
			return 0, err
		}
		fs.invalidateChildrenLocked(parent)
		node, err = fs.lookupChildLocked(parent, name)
		if err != nil {
			return 0, err
		}
	} else if node.isDirectory() {
		return 0, errors.New(errors.IsADirectory, "%q is a directory", abs)
	}

	stream, err := fs.getOrOpenStreamLocked(node)
	if err != nil {
		return 0, err
	}
	stream.Acquire()

	if flags&os.O_TRUNC != 0 && writable {
		if err := stream.Free(0); err != nil {
			stream.Release()
			return 0, err
		}
	}

	appending := flags&os.O_APPEND != 0
	if appending {
		if _, err := stream.Seek(0, io.SeekEnd); err != nil {
			stream.Release()
			return 0, err
		}
	}

	fd := fs.nextFd
	fs.nextFd++
	node.inUse = true
	fs.fds[fd] = &fileDescriptor{
		stream:    stream,
		node:      node,
		parent:    parent,
		name:      name,
		path:      abs,
		readable:  readable,
		writable:  writable,
		appending: appending,
	}
	return fd, nil
}

func (fs *FileSystem) getOrOpenStreamLocked(node *Node) (*fatstream.DataIO, error) {
	if s, ok := fs.openStreams[node]; ok {
		return s, nil
	}
	s, err := fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, node.entry.Edt.FirstCluster(), false, node.entry.Edt.FileSize, fs.clock)
	if err != nil {
		return nil, err
	}
	fs.openStreams[node] = s
	return s, nil
}

func (fs *FileSystem) lookupFD(fd int) (*fileDescriptor, error) {
	f, ok := fs.fds[fd]
	if !ok {
		return nil, errors.New(errors.BadFileDescriptor, "file descriptor %d is not open", fd)
	}
	return f, nil
}

// ReadFD reads into p starting at the descriptor's current position,
// advancing it by the number of bytes read.
func (fs *FileSystem) ReadFD(fd int, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.lookupFD(fd)
	if err != nil {
		return 0, err
	}
	if !f.readable {
		return 0, errors.New(errors.UnsupportedOperation, "file descriptor %d is not open for reading", fd)
	}
	return f.stream.Read(p)
}

// WriteFD writes p at the descriptor's current position (or at end-of-file
// if it was opened with O_APPEND), advancing the position by the number of
// bytes written.
func (fs *FileSystem) WriteFD(fd int, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.lookupFD(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, errors.New(errors.UnsupportedOperation, "file descriptor %d is not open for writing", fd)
	}
	if f.appending {
		if _, err := f.stream.Seek(0, io.SeekEnd); err != nil {
			return 0, err
		}
	}
	return f.stream.Write(p)
}

// SeekFD repositions the descriptor per io.Seeker's whence semantics and
// returns the resulting absolute offset.
func (fs *FileSystem) SeekFD(fd int, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.lookupFD(fd)
	if err != nil {
		return 0, err
	}
	return f.stream.Seek(offset, whence)
}

// TruncateFD grows or shrinks the descriptor's file to exactly size bytes.
func (fs *FileSystem) TruncateFD(fd int, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.lookupFD(fd)
	if err != nil {
		return err
	}
	if !f.writable {
		return errors.New(errors.UnsupportedOperation, "file descriptor %d is not open for writing", fd)
	}
	if cur := f.stream.Size(); size > cur {
		_, err := f.stream.WriteAt(make([]byte, size-cur), cur)
		return err
	}
	return f.stream.Free(uint32(size))
}

// CloseFD flushes the descriptor's node size, cluster, and timestamps back
// to its directory entry, then releases the underlying stream. Once the
// last descriptor referring to a node closes, its stream is dropped from
// the shared cache.
func (fs *FileSystem) CloseFD(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.lookupFD(fd)
	if err != nil {
		return err
	}
	delete(fs.fds, fd)

	if err := fs.flushNodeEntryLocked(f); err != nil {
		return err
	}

	if remaining := f.stream.Release(); remaining == 0 {
		delete(fs.openStreams, f.node)
		f.node.inUse = false
	}
	return nil
}

// flushNodeEntryLocked rewrites f's node's directory entry with the current
// stream size, first cluster, and access/write timestamps.
func (fs *FileSystem) flushNodeEntryLocked(f *fileDescriptor) error {
	oldSlot, s, err := fs.findEntrySlotLocked(f.parent, f.name)
	if err != nil {
		return err
	}

	updated := f.node.entry
	cluster := f.stream.FirstCluster()
	updated.Edt.FirstClusterLow = uint16(cluster)
	updated.Edt.FirstClusterHigh = uint16(cluster >> 16)
	updated.Edt.FileSize = uint32(f.stream.Size())

	now := fs.clock.Now()
	if !f.stream.LastWrite().IsZero() {
		if d, derr := fatdir.PackDate(now); derr == nil {
			updated.Edt.LastWriteDate = d
		}
		t, _ := fatdir.PackTime(now)
		updated.Edt.LastWriteTime = t
	}
	if !f.stream.LastRead().IsZero() {
		if d, derr := fatdir.PackDate(now); derr == nil {
			updated.Edt.LastAccessDate = d
		}
	}

	if err := transformEntry(s, oldSlot, &updated); err != nil {
		return err
	}
	f.node.entry = updated
	fs.invalidateChildrenLocked(f.parent)
	return nil
}
