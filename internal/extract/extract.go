// Package extract unpacks the source image: the full ISO9660 tree for
// patching and repackaging, plus the raw boot material (MBR prefix, EFI
// System Partition) the repackager grafts onto the new image.
package extract

import (
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/release"
	"github.com/seediso/seediso/internal/workspace"
)

// mbrPrefixSize covers the isohybrid boot code in front of the first MBR
// partition entry.
const mbrPrefixSize = 432

// Media is the unpacked source image.
type Media struct {
	// TreeDir holds the extracted ISO9660 tree, every entry writable.
	TreeDir string

	// MBRPath holds the first 432 bytes of the source image.
	MBRPath string

	// ESPPath holds the carved EFI System Partition for hybrid-boot
	// releases, empty otherwise.
	ESPPath string
}

type Extractor struct {
	rel *release.Release
}

func New(rel *release.Release) *Extractor {
	return &Extractor{rel: rel}
}

func (e *Extractor) Extract(imagePath string, ws *workspace.Workspace) (*Media, error) {
	media := &Media{
		TreeDir: ws.Tree(),
		MBRPath: filepath.Join(ws.Boot(), "mbr.img"),
	}

	logrus.Infof("extracting %s", filepath.Base(imagePath))
	if err := unpackTree(imagePath, media.TreeDir); err != nil {
		return nil, err
	}
	if err := relaxPermissions(media.TreeDir); err != nil {
		return nil, fault.Wrap(fault.BuildFailure, err)
	}

	if err := carveMBR(imagePath, media.MBRPath); err != nil {
		return nil, err
	}

	if e.rel.HybridBoot() {
		media.ESPPath = filepath.Join(ws.Boot(), "efi.img")
		if err := carveESP(imagePath, media.ESPPath); err != nil {
			return nil, err
		}
	}

	return media, nil
}

func unpackTree(imagePath, treeDir string) error {
	// ISO9660 only accepts 2048-byte logical blocks.
	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly), diskfs.WithSectorSize(2048))
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "opening source image: %w", err)
	}
	defer d.Close()

	fs, err := d.GetFilesystem(0)
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "source image carries no ISO9660 filesystem: %w", err)
	}

	return copyTree(fs, "/", treeDir)
}

func copyTree(fs filesystem.FileSystem, from, to string) error {
	entries, err := fs.ReadDir(from)
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "listing %s in source media: %w", from, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		src := path.Join(from, name)
		dst := filepath.Join(to, name)

		switch {
		case entry.IsDir():
			if err := os.MkdirAll(dst, 0755); err != nil {
				return fault.Wrap(fault.BuildFailure, err)
			}
			if err := copyTree(fs, src, dst); err != nil {
				return err
			}
		case entry.Mode()&os.ModeSymlink != 0:
			// the repackaged tree cannot carry them anyway
			logrus.Warnf("skipping symlink %s inside source media", src)
		default:
			if err := copyFile(fs, src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(fs filesystem.FileSystem, src, dst string) error {
	in, err := fs.OpenFile(src, os.O_RDONLY)
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "opening %s in source media: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "extracting %s: %w", src, err)
	}
	return nil
}

// relaxPermissions adds u+w everywhere. A restrictive umask otherwise
// leaves read-only copies the patcher cannot rewrite.
func relaxPermissions(root string) error {
	return filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()|0200)
	})
}

func carveMBR(imagePath, dest string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "opening source image: %w", err)
	}
	defer f.Close()

	prefix := make([]byte, mbrPrefixSize)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "reading boot code prefix: %w", err)
	}

	if err := os.WriteFile(dest, prefix, 0644); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	return nil
}

func carveESP(imagePath, dest string) error {
	// GPT addresses the image in 512-byte LBAs.
	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly), diskfs.WithSectorSize(512))
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "opening source image: %w", err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "source image carries no partition table: %w", err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return fault.Errorf(fault.StructuralAssumptionViolation, "expected a GPT in the source image, found %s", table.Type())
	}

	num := 0
	var esp *gpt.Partition
	for i, p := range gptTable.Partitions {
		if p != nil && p.Type == gpt.EFISystemPartition {
			num, esp = i+1, p
			break
		}
	}
	if num == 0 {
		return fault.New(fault.StructuralAssumptionViolation, "no EFI System Partition in the source GPT")
	}

	out, err := os.Create(dest)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	written, err := d.ReadPartitionContents(num, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fault.Errorf(fault.StructuralAssumptionViolation, "carving EFI System Partition: %w", err)
	}

	logrus.Debugf("carved EFI System Partition, %d bytes at sector %d", written, esp.Start)
	return nil
}
