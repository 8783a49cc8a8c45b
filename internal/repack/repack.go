// Package repack builds the final boot image from the patched tree and the
// boot material carved out of the source media. The ISO9660 volume comes
// from diskfs/go-diskfs, the hybrid-boot system area (isohybrid MBR or
// appended-ESP GPT) is grafted on by the binary layer in hybrid.go.
package repack

import (
	"bytes"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	diskpkg "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/extract"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/release"
)

// Boot images each layout expects, relative to the tree root.
const (
	isolinuxBin  = "isolinux/isolinux.bin"
	embeddedESP  = "boot/grub/efi.img"
	grubEltorito = "boot/grub/i386-pc/eltorito.img"

	bootCatalogName = "boot.catalog"
)

type Repackager struct {
	rel   *release.Release
	label string
}

// New returns a Repackager for one release layout. label becomes the
// ISO9660 volume identifier.
func New(rel *release.Release, label string) *Repackager {
	return &Repackager{rel: rel, label: label}
}

// Pack builds the image at dest. It writes to dest.partial and renames
// only once the image is complete, so an aborted run never leaves a
// truncated file that looks like a finished image.
func (r *Repackager) Pack(media *extract.Media, dest string) (err error) {
	partial := dest + ".partial"
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	if err = r.checkBootImages(media); err != nil {
		return err
	}

	logrus.Infof("building ISO9660 volume from %s", media.TreeDir)
	if err = r.buildVolume(media.TreeDir, partial); err != nil {
		return err
	}
	if err = padVolumeID(partial, r.label); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	switch r.rel.Layout {
	case release.LayoutGPTAppended:
		err = r.finishGPTAppended(media, partial)
	default:
		err = r.finishElTorito(media, partial)
	}
	if err != nil {
		return err
	}

	if err = os.Rename(partial, dest); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	logrus.Infof("wrote %s", dest)
	return nil
}

// checkBootImages fails early when the tree or the carved boot material
// cannot support the release's layout, before any output is written.
func (r *Repackager) checkBootImages(media *extract.Media) error {
	switch r.rel.Layout {
	case release.LayoutGPTAppended:
		info, err := os.Stat(filepath.Join(media.TreeDir, filepath.FromSlash(grubEltorito)))
		if err != nil {
			return fault.Errorf(fault.BuildFailure, "tree carries no %s: %w", grubEltorito, err)
		}
		if info.Size() < grub2InfoSpan {
			return fault.Errorf(fault.BuildFailure, "%s is too small to carry GRUB boot info", grubEltorito)
		}
		if media.ESPPath == "" {
			return fault.New(fault.BuildFailure, "no EFI System Partition was carved from the source image")
		}
		if _, err := os.Stat(media.ESPPath); err != nil {
			return fault.Wrap(fault.BuildFailure, err)
		}
	default:
		for _, name := range []string{isolinuxBin, embeddedESP} {
			if _, err := os.Stat(filepath.Join(media.TreeDir, filepath.FromSlash(name))); err != nil {
				return fault.Errorf(fault.BuildFailure, "tree carries no %s: %w", name, err)
			}
		}
	}
	if _, err := os.Stat(media.MBRPath); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	return nil
}

func (r *Repackager) buildVolume(treeDir, partial string) error {
	size, err := estimateSize(treeDir)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	d, err := diskfs.Create(partial, size, diskfs.Raw, diskfs.SectorSize(isoBlock))
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "creating %s: %w", partial, err)
	}
	defer d.Close()

	fs, err := d.CreateFilesystem(diskpkg.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: r.label,
	})
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "creating ISO9660 filesystem: %w", err)
	}

	if err := fillVolume(fs, treeDir); err != nil {
		return err
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fault.New(fault.BuildFailure, "created filesystem is not ISO9660")
	}
	if err := iso.Finalize(r.finalizeOptions()); err != nil {
		return fault.Errorf(fault.BuildFailure, "finalizing ISO9660 volume: %w", err)
	}
	return nil
}

// padVolumeID rewrites the volume identifier field of the primary volume
// descriptor. go-diskfs pads it with NULs where ECMA-119 wants d-character
// fields padded with spaces.
func padVolumeID(path, label string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	id := bytes.Repeat([]byte{' '}, volumeIDSize)
	copy(id, label)
	_, err = f.WriteAt(id, pvdSector*isoBlock+volumeIDOffset)
	return err
}

// finalizeOptions declares the El Torito entries go-diskfs writes into the
// volume. The GPTAppended EFI entry cannot be declared here, it points
// outside the file area and is grafted on afterwards.
func (r *Repackager) finalizeOptions() iso9660.FinalizeOptions {
	opts := iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: r.label,
	}
	switch r.rel.Layout {
	case release.LayoutGPTAppended:
		opts.ElTorito = &iso9660.ElTorito{
			BootCatalog: bootCatalogName,
			Entries: []*iso9660.ElToritoEntry{
				{
					Platform:  iso9660.BIOS,
					Emulation: iso9660.NoEmulation,
					BootFile:  "/" + grubEltorito,
					BootTable: true,
					LoadSize:  4,
				},
			},
		}
	default:
		opts.ElTorito = &iso9660.ElTorito{
			BootCatalog: bootCatalogName,
			Entries: []*iso9660.ElToritoEntry{
				{
					Platform:  iso9660.BIOS,
					Emulation: iso9660.NoEmulation,
					BootFile:  "/" + isolinuxBin,
					BootTable: true,
					LoadSize:  4,
				},
				{
					Platform:  iso9660.EFI,
					Emulation: iso9660.NoEmulation,
					BootFile:  "/" + embeddedESP,
				},
			},
		}
	}
	return opts
}

func fillVolume(fs filesystem.FileSystem, treeDir string) error {
	return filepath.WalkDir(treeDir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return fault.Wrap(fault.BuildFailure, err)
		}
		rel, err := filepath.Rel(treeDir, p)
		if err != nil {
			return fault.Wrap(fault.BuildFailure, err)
		}
		if rel == "." {
			return nil
		}
		name := "/" + filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			if err := fs.Mkdir(name); err != nil {
				return fault.Errorf(fault.BuildFailure, "creating %s in volume: %w", name, err)
			}
		case !d.Type().IsRegular():
			logrus.Warnf("leaving irregular file %s out of the volume", name)
		default:
			if err := copyIn(fs, p, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyIn(fs filesystem.FileSystem, src, dst string) error {
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "creating %s in volume: %w", dst, err)
	}
	defer out.Close()

	in, err := os.Open(src)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	defer in.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fault.Errorf(fault.BuildFailure, "writing %s into volume: %w", dst, err)
	}
	return nil
}

// estimateSize leaves room for the tree plus directory metadata and boot
// structures. The hybrid finish works from the finished file's real end, so
// the estimate only has to err high.
func estimateSize(treeDir string) (int64, error) {
	var total, entries int64
	err := filepath.WalkDir(treeDir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		entries++
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += (info.Size() + isoBlock - 1) &^ (isoBlock - 1)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total + entries*isoBlock + 8<<20, nil
}

// finishElTorito turns the plain volume into an isohybrid image: the
// source's MBR boot code in front, partition 1 spanning the whole image
// for BIOS, partition 2 framing the embedded EFI image for firmware that
// looks for an ESP in the partition table.
func (r *Repackager) finishElTorito(media *extract.Media, partial string) error {
	bootCode, err := os.ReadFile(media.MBRPath)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	f, err := os.OpenFile(partial, os.O_RDWR, 0)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	defer f.Close()

	_, entries, err := readBootCatalog(f)
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "built volume: %w", err)
	}
	var efi *bootEntry
	for i := range entries {
		if entries[i].platform == 0xEF {
			efi = &entries[i]
			break
		}
	}
	if efi == nil {
		return fault.New(fault.BuildFailure, "built volume carries no EFI boot entry")
	}

	espInfo, err := os.Stat(filepath.Join(media.TreeDir, filepath.FromSlash(embeddedESP)))
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	espSectors := uint32((espInfo.Size() + sectorSize - 1) / sectorSize)

	total, err := padToSector(f)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	table := []mbrEntry{
		{boot: 0x80, ptype: isohybridISOType, start: 0, count: uint32(total)},
		{ptype: espMBRType, start: efi.rba * 4, count: espSectors},
	}
	if err := writeSystemArea(f, bootCode, table); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	if err := f.Sync(); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	logrus.Debugf("isohybrid system area written, EFI image at sector %d", efi.rba*4)
	return nil
}

// finishGPTAppended appends the carved ESP behind the volume and frames
// everything in a protective-MBR + GPT pair, the arrangement 22.04+ media
// uses. The catalog gains an EFI entry pointing straight at the appended
// partition and GRUB's BIOS stub learns its own address.
func (r *Repackager) finishGPTAppended(media *extract.Media, partial string) error {
	bootCode, err := os.ReadFile(media.MBRPath)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	f, err := os.OpenFile(partial, os.O_RDWR, 0)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	defer f.Close()

	catOff, entries, err := readBootCatalog(f)
	if err != nil {
		return fault.Errorf(fault.BuildFailure, "built volume: %w", err)
	}
	if len(entries) == 0 || entries[0].platform != 0x00 {
		return fault.New(fault.BuildFailure, "built volume carries no BIOS boot entry")
	}
	if err := patchGrub2BootInfo(f, entries[0].rba); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	// The finalized volume is whole 2048-byte blocks, so the ESP lands
	// 2048-aligned as firmware expects.
	espStart, err := padToSector(f)
	if err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	espSectors, err := appendFile(f, media.ESPPath, int64(espStart)*sectorSize)
	if err != nil {
		return err
	}

	total := espStart + espSectors + gptReserveEnd
	if rem := total % 4; rem != 0 {
		total += 4 - rem
	}
	if err := f.Truncate(int64(total) * sectorSize); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	count := espSectors
	if count > 0xFFFF {
		count = 0xFFFF
	}
	if err := appendEFICatalogSection(f, catOff, uint32(espStart/4), uint16(count)); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	parts := []gptPartition{
		{
			typeGUID: basicDataTypeGUID,
			guid:     uuid.New(),
			first:    64,
			last:     espStart - 1,
			name:     "ISO9660",
		},
		{
			typeGUID:   espTypeGUID,
			guid:       uuid.New(),
			first:      espStart,
			last:       espStart + espSectors - 1,
			attributes: legacyBootable,
			name:       "Appended2",
		},
	}
	if err := writeGPT(f, total, uuid.New(), parts); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	protective := []mbrEntry{{boot: 0x80, ptype: protectiveType, start: 1, count: uint32(total - 1)}}
	if err := writeSystemArea(f, bootCode, protective); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	if err := f.Sync(); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	logrus.Debugf("appended EFI System Partition at sector %d, %d sectors", espStart, espSectors)
	return nil
}

func appendFile(f *os.File, src string, off int64) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fault.Wrap(fault.BuildFailure, err)
	}
	defer in.Close()

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, fault.Wrap(fault.BuildFailure, err)
	}
	n, err := io.Copy(f, in)
	if err != nil {
		return 0, fault.Errorf(fault.BuildFailure, "appending %s: %w", filepath.Base(src), err)
	}
	return uint64(n+sectorSize-1) / sectorSize, nil
}
