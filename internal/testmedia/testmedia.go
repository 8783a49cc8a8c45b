// Package testmedia builds small synthetic installer images for tests, so
// the pipeline can be exercised end to end without multi-gigabyte Ubuntu
// media. The images are authored entirely through go-diskfs, keeping them
// independent of the repackager under test.
package testmedia

import (
	"bytes"
	"os"
	"path"
	"sort"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/stretchr/testify/require"
)

const (
	// imageSize leaves room for a small tree, an appended ESP and the
	// backup GPT.
	imageSize = 16 << 20

	// espStartSector places the appended ESP at 12 MiB, 2048-aligned,
	// comfortably past anything the ISO9660 volume uses.
	espStartSector = 24576
)

// MBRStamp returns the recognizable pseudo boot code stamped into bytes
// [0, 432) of every fixture. It stands in for the isohybrid boot code real
// media carries and lets tests assert that the prefix survives repackaging.
func MBRStamp() []byte {
	stamp := make([]byte, 432)
	for i := range stamp {
		stamp[i] = byte(i%251 + 1)
	}
	return stamp
}

// Spec describes the fixture image to build.
type Spec struct {
	Label string
	Files map[string]string

	// BootFile, when set, becomes an El Torito BIOS boot entry. It must
	// name one of the Files.
	BootFile string

	// ESP, when non-nil, turns the fixture into hybrid-boot media: a GPT
	// with this EFI System Partition is appended behind the volume.
	ESP []byte
}

// Build writes a synthetic installer image to p.
func Build(t *testing.T, p string, spec Spec) {
	t.Helper()

	d, err := diskfs.Create(p, imageSize, diskfs.Raw, diskfs.SectorSize(2048))
	require.NoError(t, err)

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: spec.Label,
	})
	require.NoError(t, err)

	names := make([]string, 0, len(spec.Files))
	for name := range spec.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if dir := path.Dir(name); dir != "." {
			require.NoError(t, fs.Mkdir("/"+dir))
		}
		f, err := fs.OpenFile("/"+name, os.O_CREATE|os.O_RDWR)
		require.NoError(t, err)
		_, err = f.Write([]byte(spec.Files[name]))
		require.NoError(t, err)
	}

	options := iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: spec.Label,
	}
	if spec.BootFile != "" {
		options.ElTorito = &iso9660.ElTorito{
			BootCatalog: "boot.catalog",
			Entries: []*iso9660.ElToritoEntry{
				{
					Platform:  iso9660.BIOS,
					Emulation: iso9660.NoEmulation,
					BootFile:  "/" + spec.BootFile,
					BootTable: true,
					LoadSize:  4,
				},
			},
		}
	}
	require.NoError(t, fs.(*iso9660.FileSystem).Finalize(options))
	require.NoError(t, d.Close())

	if spec.ESP != nil {
		appendESP(t, p, spec.ESP)
	}

	stampMBR(t, p)
}

// appendESP attaches a GPT to the finalized image: partition 1 covers the
// ISO9660 content, partition 2 holds the ESP bytes, the way stock Ubuntu
// 22.04+ media is laid out.
func appendESP(t *testing.T, p string, esp []byte) {
	t.Helper()

	// finalizing may have trimmed the file, restore the full image size
	require.NoError(t, os.Truncate(p, imageSize))

	d, err := diskfs.Open(p, diskfs.WithSectorSize(512))
	require.NoError(t, err)

	espSectors := uint64((len(esp) + 511) / 512)
	table := &gpt.Table{
		LogicalSectorSize: 512,
		ProtectiveMBR:     true,
		Partitions: []*gpt.Partition{
			{Start: 64, End: espStartSector - 1, Type: gpt.MicrosoftBasicData, Name: "ISO9660"},
			{Start: espStartSector, End: espStartSector + espSectors - 1, Type: gpt.EFISystemPartition, Name: "Appended2"},
		},
	}
	require.NoError(t, d.Partition(table))

	_, err = d.WritePartitionContents(2, bytes.NewReader(esp))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func stampMBR(t *testing.T, p string) {
	t.Helper()

	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(MBRStamp(), 0)
	require.NoError(t, err)
}
