// Command fatinspect is a thin, read-mostly consumer of this module's
// library packages: it opens a raw disk image, reports whatever partition
// table it can find, and lists a directory on a FAT volume within it.
//
// Packaging a CLI is explicitly out of the library's scope (see SPEC_FULL.md
// §1); this stays a separate cmd/ consumer rather than part of fatfs.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatfs"
	"github.com/dargueta/fatdisk/gpt"
	"github.com/dargueta/fatdisk/mbr"
	"github.com/dargueta/fatdisk/sector"
)

func main() {
	app := cli.App{
		Name:  "fatinspect",
		Usage: "Inspect raw disk images: partition tables and FAT volumes",
		Commands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Print the disk's size, sector geometry, and partition table",
				ArgsUsage: "IMAGE_FILE",
				Action:    infoCommand,
			},
			{
				Name:      "ls",
				Usage:     "List a directory on a FAT volume within the image",
				ArgsUsage: "IMAGE_FILE PATH",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "start-lba", Usage: "first LBA of the FAT volume (default 0: treat the whole image as one volume)"},
					&cli.Uint64Flag{Name: "end-lba", Usage: "last LBA of the FAT volume (default: end of the image)"},
				},
				Action: lsCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatinspect: %s", err.Error())
	}
}

// fileStore adapts an *os.File to sector.SectorStore; os.File's ReadAt and
// WriteAt already satisfy io.ReaderAt/io.WriterAt so only the size/geometry/
// flush/writable surface needs wrapping.
type fileStore struct {
	f          *os.File
	sectorSize sector.Size
	writable   bool
}

func openFileStore(path string, lss uint32, writable bool) (*fileStore, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}
	return &fileStore{f: f, sectorSize: sector.Size{Logical: lss, Physical: lss}, writable: writable}, nil
}

func (s *fileStore) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *fileStore) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *fileStore) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
func (s *fileStore) SectorSize() (sector.Size, error) { return s.sectorSize, nil }
func (s *fileStore) Flush() error                     { return s.f.Sync() }
func (s *fileStore) Writable() bool                   { return s.writable }

// probeTable tries GPT first when the MBR sector looks like a protective
// MBR, falling back to the MBR table itself otherwise.
func probeTable(d *sector.Disk) (sector.PartitionTable, error) {
	buf, err := d.ReadAt(0, 1)
	if err != nil {
		return nil, err
	}
	totalLBA := d.TotalSectors()
	ss := d.SectorSize()
	warnings := errors.NewWarningSink()

	table, err := mbr.Parse(buf, totalLBA, ss.Logical, ss.Physical, warnings)
	if err != nil {
		return nil, err
	}
	if table.IsProtectiveMBR(totalLBA) {
		if gptTable, gerr := gpt.Load(d, totalLBA, ss.Logical, ss.Physical, warnings); gerr == nil {
			return gptTable, nil
		}
	}
	return table, nil
}

func openDisk(path string) (*sector.Disk, error) {
	store, err := openFileStore(path, 512, false)
	if err != nil {
		return nil, err
	}
	return sector.Open(store, probeTable)
}

func infoCommand(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: fatinspect info IMAGE_FILE")
	}
	disk, err := openDisk(c.Args().Get(0))
	if err != nil {
		return err
	}

	ss := disk.SectorSize()
	fmt.Printf("size: %d bytes\n", disk.SizeBytes())
	fmt.Printf("sector size: logical=%d physical=%d\n", ss.Logical, ss.Physical)
	fmt.Printf("writable: %v\n", disk.Writable())

	switch table := disk.Table().(type) {
	case *mbr.Table:
		fmt.Printf("partition table: MBR (%d partitions)\n", table.NumPartitions())
		for i, e := range table.Entries {
			fmt.Printf("  [%d] type=0x%02x start_lba=%d length_lba=%d bootable=%v\n", i, e.Type, e.StartLBA, e.LengthLBA, e.Bootable)
		}
	case *gpt.Table:
		fmt.Printf("partition table: GPT disk_guid=%s (%d partitions)\n", table.DiskGUID, table.NumPartitions())
		for i, e := range table.Entries {
			fmt.Printf("  [%d] type=%s name=%q first_lba=%d last_lba=%d\n", i, e.TypeGUID, e.Name, e.FirstLBA, e.LastLBA)
		}
	default:
		fmt.Println("partition table: none recognized")
	}
	return nil
}

func lsCommand(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: fatinspect ls IMAGE_FILE PATH")
	}
	imagePath := c.Args().Get(0)
	dirPath := c.Args().Get(1)

	disk, err := openDisk(imagePath)
	if err != nil {
		return err
	}

	startLBA := c.Uint64("start-lba")
	endLBA := c.Uint64("end-lba")
	if endLBA == 0 {
		endLBA = disk.TotalSectors() - 1
	}

	vol, err := sector.NewVolume(disk, startLBA, endLBA)
	if err != nil {
		return err
	}

	warnings := errors.NewWarningSink()
	fs, err := fatfs.Load(vol, nil, warnings)
	if err != nil {
		return err
	}
	if warnings.Len() > 0 {
		fmt.Fprintf(os.Stderr, "warnings: %s\n", warnings.Err())
	}

	it, err := fs.Scandir(dirPath)
	if err != nil {
		return err
	}
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		kind := "f"
		if entry.IsDir {
			kind = "d"
		}
		fmt.Printf("%s %10d %s\n", kind, entry.Size, entry.Name)
	}
	return nil
}
