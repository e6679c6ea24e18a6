package fatfs

import (
	"strings"
	"time"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatbpb"
	"github.com/dargueta/fatdisk/fatdir"
	"github.com/dargueta/fatdisk/fatstream"
)

// splitExt splits a filename into its base and extension at the last dot.
// A leading dot (".bashrc") is not a split point: the whole name becomes
// the base and the extension is empty, per the Open Question decision on
// VFAT short-name generation for dotfiles.
func splitExt(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// chooseShortNameEncoding picks an 8.3 name for a new or renamed entry and
// decides whether it needs a VFAT long-name chain, or whether the case
// flags alone can represent it.
func chooseShortNameEncoding(name string, existing map[[11]byte]bool) ([8]byte, [3]byte, uint8, []fatdir.VfatEntry, error) {
	shortName, shortExt, err := fatdir.GenerateShortName(name, existing)
	if err != nil {
		return [8]byte{}, [3]byte{}, 0, nil, err
	}
	packed := fatdir.PackShortName(shortName, shortExt)
	var nameArr [8]byte
	var extArr [3]byte
	copy(nameArr[:], packed[0:8])
	copy(extArr[:], packed[8:11])

	rawName, rawExt := splitExt(name)
	sameShape := strings.ToUpper(rawName) == shortName && strings.ToUpper(rawExt) == shortExt

	var caseFlags uint8
	if sameShape {
		nameLower := rawName != "" && rawName == strings.ToLower(rawName) && rawName != strings.ToUpper(rawName)
		nameUpper := rawName == strings.ToUpper(rawName)
		extLower := rawExt != "" && rawExt == strings.ToLower(rawExt) && rawExt != strings.ToUpper(rawExt)
		extUpper := rawExt == strings.ToUpper(rawExt)
		if (nameLower || nameUpper) && (extLower || extUpper) {
			if nameLower {
				caseFlags |= fatdir.CaseLowerName
			}
			if extLower {
				caseFlags |= fatdir.CaseLowerExt
			}
			return nameArr, extArr, caseFlags, nil, nil
		}
	}

	chain, err := fatdir.BuildVfatChain(name, packed)
	if err != nil {
		return nameArr, extArr, 0, nil, err
	}
	return nameArr, extArr, 0, chain, nil
}

// buildNewEntryLocked constructs a fresh directory Entry named name inside
// parent, whose children must already be cached (callers reach this only
// after a failed lookupChildLocked, which scans as a side effect).
func (fs *FileSystem) buildNewEntryLocked(parent *Node, name string, attrs uint8, firstCluster, fileSize uint32) (fatdir.Entry, error) {
	existing := make(map[[11]byte]bool, len(parent.children))
	for _, c := range parent.children {
		existing[c.entry.Edt.PackedName()] = true
	}

	nameArr, extArr, caseFlags, vfat, err := chooseShortNameEncoding(name, existing)
	if err != nil {
		return fatdir.Entry{}, err
	}

	now := fs.clock.Now()
	cDate, err := fatdir.PackDate(now)
	if err != nil {
		return fatdir.Entry{}, err
	}
	cTime, cTenMs := fatdir.PackTime(now)

	edt := fatdir.EightDotThree{
		Name:             nameArr,
		Ext:              extArr,
		Attributes:       attrs,
		CaseFlags:        caseFlags,
		CreatedDate:      cDate,
		CreatedTime:      cTime,
		CreatedTimeTenMs: cTenMs,
		LastWriteDate:    cDate,
		LastWriteTime:    cTime,
		LastAccessDate:   cDate,
		FirstClusterLow:  uint16(firstCluster),
		FirstClusterHigh: uint16(firstCluster >> 16),
		FileSize:         fileSize,
	}
	return fatdir.NewEntry(edt, vfat)
}

// Mkdir creates an empty subdirectory at path. Per the Open Question
// decision, it does not materialize "." or ".." entries inside it.
func (fs *FileSystem) Mkdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	if abs == "/" {
		return errors.New(errors.PermissionDenied, "cannot create the root directory")
	}
	if !fs.vol.Writable() {
		return errors.New(errors.PermissionDenied, "volume is read-only")
	}

	parentPath, name := splitParent(abs)
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	if !parent.isDirectory() {
		return errors.New(errors.NotADirectory, "%q is not a directory", parentPath)
	}
	if _, err := fs.lookupChildLocked(parent, name); err == nil {
		return errors.New(errors.AlreadyExists, "%q already exists", abs)
	}

	clusterBytes := fs.clusterSectors * fs.lss
	newDirStream, err := fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, 0, true, 0, fs.clock)
	if err != nil {
		return err
	}
	if err := newDirStream.Allocate(clusterBytes); err != nil {
		return err
	}

	entry, err := fs.buildNewEntryLocked(parent, name, fatdir.AttrDirectory, newDirStream.FirstCluster(), 0)
	if err != nil {
		return err
	}

	dirStream, err := streamForDirectory(fs, parent)
	if err != nil {
		return err
	}
	if err := writeNewEntry(dirStream, entry); err != nil {
		return err
	}
	fs.invalidateChildrenLocked(parent)
	return nil
}

// Rmdir removes the empty subdirectory at path.
func (fs *FileSystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	if abs == "/" {
		return errors.New(errors.PermissionDenied, "cannot remove the root directory")
	}
	if !fs.vol.Writable() {
		return errors.New(errors.PermissionDenied, "volume is read-only")
	}

	parentPath, name := splitParent(abs)
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	node, err := fs.lookupChildLocked(parent, name)
	if err != nil {
		return err
	}
	if !node.isDirectory() {
		return errors.New(errors.NotADirectory, "%q is not a directory", abs)
	}
	if node.inUse {
		return errors.New(errors.PermissionDenied, "%q is in use", abs)
	}

	if err := fs.scanChildrenLocked(node); err != nil {
		return err
	}
	if len(node.children) > 0 {
		return errors.New(errors.NotEmpty, "%q is not empty", abs)
	}

	dirStream, err := streamForDirectory(fs, node)
	if err != nil {
		return err
	}
	if err := dirStream.Free(0); err != nil {
		return err
	}

	oldSlot, parentStream, err := fs.findEntrySlotLocked(parent, name)
	if err != nil {
		return err
	}
	if err := transformEntry(parentStream, oldSlot, nil); err != nil {
		return err
	}
	fs.invalidateChildrenLocked(parent)
	return nil
}

// Unlink removes the regular file at path, freeing its cluster chain.
func (fs *FileSystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	if abs == "/" {
		return errors.New(errors.PermissionDenied, "cannot remove the root directory")
	}
	if !fs.vol.Writable() {
		return errors.New(errors.PermissionDenied, "volume is read-only")
	}

	parentPath, name := splitParent(abs)
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	node, err := fs.lookupChildLocked(parent, name)
	if err != nil {
		return err
	}
	if node.isDirectory() {
		return errors.New(errors.IsADirectory, "%q is a directory", abs)
	}
	if node.inUse {
		return errors.New(errors.PermissionDenied, "%q is in use", abs)
	}

	chainStream, err := fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, node.entry.Edt.FirstCluster(), false, node.entry.Edt.FileSize, fs.clock)
	if err != nil {
		return err
	}
	if err := chainStream.Free(0); err != nil {
		return err
	}

	oldSlot, parentStream, err := fs.findEntrySlotLocked(parent, name)
	if err != nil {
		return err
	}
	if err := transformEntry(parentStream, oldSlot, nil); err != nil {
		return err
	}
	fs.invalidateChildrenLocked(parent)
	return nil
}

// Rename moves src to dst, failing AlreadyExists if dst is already taken.
func (fs *FileSystem) Rename(src, dst string) error {
	return fs.move(src, dst, false)
}

// Replace moves src to dst, overwriting dst if it already exists. An
// existing dst must be the same kind of object as src, and if it is a
// directory it must be empty. The overwrite is a sequence of separate
// directory and FAT writes, not an atomic step.
func (fs *FileSystem) Replace(src, dst string) error {
	return fs.move(src, dst, true)
}

func (fs *FileSystem) move(src, dst string, replace bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.vol.Writable() {
		return errors.New(errors.PermissionDenied, "volume is read-only")
	}

	srcAbs := fs.normalizeLocked(src)
	dstAbs := fs.normalizeLocked(dst)
	if srcAbs == "/" || dstAbs == "/" {
		return errors.New(errors.PermissionDenied, "cannot rename the root directory")
	}
	if srcAbs == dstAbs {
		return nil
	}

	srcParentPath, srcName := splitParent(srcAbs)
	dstParentPath, dstName := splitParent(dstAbs)

	srcParent, err := fs.resolveLocked(srcParentPath)
	if err != nil {
		return err
	}
	srcNode, err := fs.lookupChildLocked(srcParent, srcName)
	if err != nil {
		return err
	}
	if srcNode.inUse {
		return errors.New(errors.PermissionDenied, "%q is in use", srcAbs)
	}

	dstParent, err := fs.resolveLocked(dstParentPath)
	if err != nil {
		return err
	}
	if !dstParent.isDirectory() {
		return errors.New(errors.NotADirectory, "%q is not a directory", dstParentPath)
	}

	dstNode, dstErr := fs.lookupChildLocked(dstParent, dstName)
	dstExists := dstErr == nil

	if dstExists {
		if !replace {
			return errors.New(errors.AlreadyExists, "%q already exists", dstAbs)
		}
		if dstNode.inUse {
			return errors.New(errors.PermissionDenied, "%q is in use", dstAbs)
		}
		if srcNode.isDirectory() != dstNode.isDirectory() {
			if srcNode.isDirectory() {
				return errors.New(errors.NotADirectory, "cannot replace file %q with directory", dstAbs)
			}
			return errors.New(errors.IsADirectory, "cannot replace directory %q with file", dstAbs)
		}
		if dstNode.isDirectory() {
			if err := fs.scanChildrenLocked(dstNode); err != nil {
				return err
			}
			if len(dstNode.children) > 0 {
				return errors.New(errors.NotEmpty, "%q is not empty", dstAbs)
			}
		}
	}

	newEdt := fs.refreshTimestampsLocked(srcNode.entry.Edt)

	existing := make(map[[11]byte]bool, len(dstParent.children))
	for _, c := range dstParent.children {
		if c == srcNode {
			continue
		}
		existing[c.entry.Edt.PackedName()] = true
	}
	nameArr, extArr, caseFlags, vfat, err := chooseShortNameEncoding(dstName, existing)
	if err != nil {
		return err
	}
	newEdt.Name, newEdt.Ext, newEdt.CaseFlags = nameArr, extArr, caseFlags
	newEntry, err := fatdir.NewEntry(newEdt, vfat)
	if err != nil {
		return err
	}

	if srcParent == dstParent {
		oldSlot, s, err := fs.findEntrySlotLocked(srcParent, srcName)
		if err != nil {
			return err
		}
		if err := transformEntry(s, oldSlot, &newEntry); err != nil {
			return err
		}
	} else {
		oldSlot, srcStream, err := fs.findEntrySlotLocked(srcParent, srcName)
		if err != nil {
			return err
		}
		if err := transformEntry(srcStream, oldSlot, nil); err != nil {
			return err
		}
		dstStream, err := streamForDirectory(fs, dstParent)
		if err != nil {
			return err
		}
		if err := writeNewEntry(dstStream, newEntry); err != nil {
			return err
		}
	}

	if dstExists {
		freedStream, err := fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, dstNode.entry.Edt.FirstCluster(), dstNode.isDirectory(), dstNode.entry.Edt.FileSize, fs.clock)
		if err == nil {
			_ = freedStream.Free(0)
		}
	}

	fs.invalidateChildrenLocked(srcParent)
	fs.invalidateChildrenLocked(dstParent)
	return nil
}

// refreshTimestampsLocked patches any of edt's date fields that fail to
// decode into a legal calendar date with the current time, per spec: a
// rename must not propagate garbage timestamps forward.
func (fs *FileSystem) refreshTimestampsLocked(edt fatdir.EightDotThree) fatdir.EightDotThree {
	now := fs.clock.Now()
	if _, ok := fatdir.UnpackDate(edt.CreatedDate); !ok {
		if d, err := fatdir.PackDate(now); err == nil {
			edt.CreatedDate = d
		}
		t, tenMs := fatdir.PackTime(now)
		edt.CreatedTime, edt.CreatedTimeTenMs = t, tenMs
	}
	if _, ok := fatdir.UnpackDate(edt.LastWriteDate); !ok {
		if d, err := fatdir.PackDate(now); err == nil {
			edt.LastWriteDate = d
		}
		t, _ := fatdir.PackTime(now)
		edt.LastWriteTime = t
	}
	if _, ok := fatdir.UnpackDate(edt.LastAccessDate); !ok {
		if d, err := fatdir.PackDate(now); err == nil {
			edt.LastAccessDate = d
		}
	}
	return edt
}

// Utime sets a file or directory's access and modification times. A nil
// pointer leaves that timestamp at the injected Clock's current time.
func (fs *FileSystem) Utime(path string, atime, mtime *time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	if abs == "/" {
		return errors.New(errors.UnsupportedOperation, "cannot set timestamps on the root directory")
	}
	if !fs.vol.Writable() {
		return errors.New(errors.PermissionDenied, "volume is read-only")
	}

	parentPath, name := splitParent(abs)
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	node, err := fs.lookupChildLocked(parent, name)
	if err != nil {
		return err
	}

	now := fs.clock.Now()
	at, mt := now, now
	if atime != nil {
		at = *atime
	}
	if mtime != nil {
		mt = *mtime
	}

	updated := node.entry
	if d, err := fatdir.PackDate(at); err == nil {
		updated.Edt.LastAccessDate = d
	} else {
		return err
	}
	d, err := fatdir.PackDate(mt)
	if err != nil {
		return err
	}
	t, _ := fatdir.PackTime(mt)
	updated.Edt.LastWriteDate = d
	updated.Edt.LastWriteTime = t

	oldSlot, s, err := fs.findEntrySlotLocked(parent, name)
	if err != nil {
		return err
	}
	if err := transformEntry(s, oldSlot, &updated); err != nil {
		return err
	}
	node.entry = updated
	fs.invalidateChildrenLocked(parent)
	return nil
}

// ScanEntry is one entry yielded by a DirIterator.
type ScanEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// DirIterator cooperatively walks a directory's cached children, taking
// the FileSystem's lock only to advance: callers may interleave other
// FileSystem calls between calls to Next, per spec §5.
type DirIterator struct {
	fs   *FileSystem
	node *Node
	idx  int
}

// Scandir opens a cooperative iterator over the directory at path.
func (fs *FileSystem) Scandir(path string) (*DirIterator, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	node, err := fs.resolveLocked(abs)
	if err != nil {
		return nil, err
	}
	if !node.isDirectory() {
		return nil, errors.New(errors.NotADirectory, "%q is not a directory", abs)
	}
	if node.children == nil {
		if err := fs.scanChildrenLocked(node); err != nil {
			return nil, err
		}
	}
	return &DirIterator{fs: fs, node: node}, nil
}

// Next returns the iterator's next entry, or ok=false once exhausted.
func (it *DirIterator) Next() (entry ScanEntry, ok bool, err error) {
	it.fs.mu.Lock()
	defer it.fs.mu.Unlock()

	if it.idx >= len(it.node.children) {
		return ScanEntry{}, false, nil
	}
	c := it.node.children[it.idx]
	it.idx++
	return ScanEntry{Name: c.Name(), IsDir: c.isDirectory(), Size: int64(c.entry.Edt.FileSize)}, true, nil
}

// StatPath returns the POSIX-like metadata for the file or directory at path.
func (fs *FileSystem) StatPath(path string) (FileStat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	node, err := fs.resolveLocked(abs)
	if err != nil {
		return FileStat{}, err
	}
	return fs.statNodeLocked(node), nil
}

func (fs *FileSystem) statNodeLocked(node *Node) FileStat {
	var dev uint32
	if id, _, ok := fatbpb.VolumeIDAndLabel(fs.boot.Bpb); ok {
		dev = id
	}

	if node.isRoot {
		return FileStat{Mode: ModeDir | 0o777, Dev: dev}
	}

	var mode uint32
	var size int64
	if node.isDirectory() {
		mode = ModeDir | 0o777
	} else {
		mode = ModeFile | 0o666
		size = int64(node.entry.Edt.FileSize)
	}

	var atime, mtime, ctime time.Time
	if d, ok := fatdir.UnpackDate(node.entry.Edt.LastAccessDate); ok {
		atime = d
	}
	if d, ok := fatdir.UnpackDate(node.entry.Edt.LastWriteDate); ok {
		mtime = d
		if h, m, s, n, ok2 := fatdir.UnpackTime(node.entry.Edt.LastWriteTime, 0); ok2 {
			mtime = time.Date(d.Year(), d.Month(), d.Day(), h, m, s, n, time.UTC)
		}
	}
	if d, ok := fatdir.UnpackDate(node.entry.Edt.CreatedDate); ok {
		ctime = d
		if h, m, s, n, ok2 := fatdir.UnpackTime(node.entry.Edt.CreatedTime, node.entry.Edt.CreatedTimeTenMs); ok2 {
			ctime = time.Date(d.Year(), d.Month(), d.Day(), h, m, s, n, time.UTC)
		}
	}

	return FileStat{
		Mode:  mode,
		Ino:   node.entry.Edt.FirstCluster(),
		Size:  size,
		Atime: atime,
		Mtime: mtime,
		Ctime: ctime,
		Dev:   dev,
	}
}

// Chmod, Link, Symlink, Readlink, and Expanduser have no FAT equivalent;
// they're exposed so callers coded against a broader file-system interface
// get a clear UnsupportedOperation rather than a missing method.

func (fs *FileSystem) Chmod(path string, mode uint32) error {
	return errors.New(errors.UnsupportedOperation, "chmod is not supported on FAT volumes")
}

func (fs *FileSystem) Link(oldpath, newpath string) error {
	return errors.New(errors.UnsupportedOperation, "hard links are not supported on FAT volumes")
}

func (fs *FileSystem) Symlink(target, linkpath string) error {
	return errors.New(errors.UnsupportedOperation, "symbolic links are not supported on FAT volumes")
}

func (fs *FileSystem) Readlink(path string) (string, error) {
	return "", errors.New(errors.UnsupportedOperation, "symbolic links are not supported on FAT volumes")
}

func (fs *FileSystem) Expanduser(path string) (string, error) {
	return "", errors.New(errors.UnsupportedOperation, "home-directory expansion is not supported on FAT volumes")
}
