// Package fatfs implements the POSIX-like file-system surface over a parsed
// FAT boot sector and table: an in-memory cached directory tree, path
// resolution, a file-descriptor table, and the mutating operations (mkdir,
// rmdir, unlink, rename, replace, utime, chdir) layered above fatstream and
// fattable.
//
// The path-walking and fd-sharing design is adapted from driver/driver.go's
// BaseDriver (getObjectAtPathNoFollow/OpenFile/Mkdir/Remove), generalized
// down from its pluggable DriverImplementation interface to the one concrete
// FAT implementation this spec calls for.
package fatfs

import (
	"strings"
	"sync"
	"time"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatbpb"
	"github.com/dargueta/fatdisk/fatstream"
	"github.com/dargueta/fatdisk/fattable"
	"github.com/dargueta/fatdisk/sector"
)

// Clock abstracts time.Now so utime and rename's timestamp patching are
// deterministic under test, per spec §9's design note.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Mode bits for FileStat.Mode, mirroring the subset of POSIX S_IF*/permission
// bits the spec's stat() synthesizes.
const (
	ModeDir  = 0o040000
	ModeFile = 0o100000
)

// FileStat is the POSIX-like stat result returned by FileSystem.StatPath.
type FileStat struct {
	Mode    uint32
	Ino     uint32
	Size    int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Dev     uint32
}

// FatFsStat is the aggregate volume-level stat: free/total clusters and the
// volume label, grounded on the teacher's own FSStat and on diskfs's
// free-cluster accounting.
type FatFsStat struct {
	FatType       fatbpb.FatType
	ClusterSize   int64
	TotalClusters uint32
	FreeClusters  uint32
	Label         string
	VolumeID      uint32
	HasVolumeID   bool
}

// FileSystem is a loaded, mutable FAT volume: the boot sector, the table,
// the in-memory node cache, and the open file-descriptor table. All public
// methods serialize through a single mutex (spec §5's cooperative,
// single-threaded model); Scandir is the one exception that releases the
// lock between yields.
type FileSystem struct {
	mu sync.Mutex

	vol      *sector.Volume
	boot     *fatbpb.BootSector
	geometry fatbpb.Geometry
	fat      *fattable.Fat
	clock    Clock

	lss            uint32
	clusterSectors uint32
	dataStartLBA   uint64

	// FAT12/16 only: the fixed root-directory sector range.
	rootDirStartLBA    uint64
	rootDirSizeSectors uint32
	// FAT32 only: the root directory's start cluster.
	rootCluster uint32

	root *Node
	cwd  string

	fds    map[int]*fileDescriptor
	nextFd int

	// openStreams caches one DataIO per Node so that descriptors referring
	// to the same file share a stream (and its Acquire/Release count), per
	// spec §4.6. Keyed by Node rather than first-cluster since a freshly
	// created, still-empty file has no cluster of its own yet and several
	// such files would otherwise collide on cluster 0.
	openStreams map[*Node]*fatstream.DataIO
}

// Load reads the boot sector from lba 0 of vol, derives the FAT geometry,
// loads the table, and returns a ready FileSystem rooted at "/". Non-fatal
// ValidationWarning issues are collected into warnings (which may be nil).
func Load(vol *sector.Volume, clock Clock, warnings *errors.WarningSink) (*FileSystem, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	sectorBuf, err := vol.ReadAt(0, 1)
	if err != nil {
		return nil, err
	}
	boot, err := fatbpb.Parse(sectorBuf, warnings)
	if err != nil {
		return nil, err
	}
	geometry, err := fatbpb.DeriveGeometry(boot.Bpb)
	if err != nil {
		return nil, err
	}

	lss := uint32(fatbpb.BytesPerSector(boot.Bpb))
	fat, err := fattable.Load(
		vol,
		geometry.Type,
		uint64(geometry.FatRegionStart),
		fatbpb.FATSizeSectors(boot.Bpb),
		int(fatbpb.NumFATs(boot.Bpb)),
		lss,
		geometry.TotalClusters,
		fatbpb.Media(boot.Bpb),
	)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		vol:            vol,
		boot:           boot,
		geometry:       geometry,
		fat:            fat,
		clock:          clock,
		lss:            lss,
		clusterSectors: uint32(fatbpb.SectorsPerCluster(boot.Bpb)),
		dataStartLBA:   uint64(geometry.DataStart),
		cwd:            "/",
		fds:            make(map[int]*fileDescriptor),
		openStreams:    make(map[*Node]*fatstream.DataIO),
	}

	if geometry.Type == fatbpb.FAT32 {
		cluster, ok := fatbpb.FAT32RootCluster(boot.Bpb)
		if !ok {
			return nil, errors.New(errors.Validation, "fat32 volume has no root directory start cluster")
		}
		fs.rootCluster = cluster
	} else {
		fs.rootDirStartLBA = uint64(geometry.RootDirStart)
		fs.rootDirSizeSectors = geometry.RootDirSize
	}

	fs.root = &Node{isRoot: true, fs: fs}
	return fs, nil
}

// Stat returns aggregate volume statistics: FAT type, cluster size, total
// and free cluster counts, and the volume label/serial if present.
func (fs *FileSystem) Stat() (FatFsStat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	free, err := fs.countFreeClustersLocked()
	if err != nil {
		return FatFsStat{}, err
	}

	id, label, hasID := fatbpb.VolumeIDAndLabel(fs.boot.Bpb)
	return FatFsStat{
		FatType:       fs.geometry.Type,
		ClusterSize:   int64(fs.clusterSectors) * int64(fs.lss),
		TotalClusters: fs.geometry.TotalClusters,
		FreeClusters:  free,
		Label:         label,
		VolumeID:      id,
		HasVolumeID:   hasID,
	}, nil
}

func (fs *FileSystem) countFreeClustersLocked() (uint32, error) {
	var free uint32
	maxCluster := fs.geometry.TotalClusters + 1
	for c := uint32(2); c <= maxCluster; c++ {
		v, err := fs.fat.Get(c)
		if err != nil {
			return 0, err
		}
		if fs.fat.IsEmpty(v) {
			free++
		}
	}
	return free, nil
}

// Getwd returns the current working directory as an absolute path.
func (fs *FileSystem) Getwd() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cwd
}

// Realpath returns the lexical normalization of path against the current
// working directory. It does not touch the disk; FAT has no symlinks.
func (fs *FileSystem) Realpath(path string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.normalizeLocked(path)
}

// normalizeLocked resolves path to an absolute, lexically normalized form
// relative to the current working directory. Caller must hold fs.mu.
func (fs *FileSystem) normalizeLocked(path string) string {
	if path == "" {
		path = "."
	}
	var abs string
	if strings.HasPrefix(path, "/") {
		abs = path
	} else {
		abs = fs.cwd + "/" + path
	}
	return cleanPosixPath(abs)
}

// cleanPosixPath lexically normalizes an absolute, slash-separated path:
// it resolves "." and "..", collapses repeated slashes, and always returns
// a path beginning with "/".
func cleanPosixPath(path string) string {
	parts := strings.Split(path, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// Chdir changes the current working directory to path, failing NotADirectory
// if it doesn't resolve to a directory.
func (fs *FileSystem) Chdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	abs := fs.normalizeLocked(path)
	node, err := fs.resolveLocked(abs)
	if err != nil {
		return err
	}
	if !node.isDirectory() {
		return errors.New(errors.NotADirectory, "%q is not a directory", abs)
	}
	fs.cwd = abs
	return nil
}
