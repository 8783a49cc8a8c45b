package repack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf16"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
)

// The binary layer below rewrites the system area of a finished ISO9660
// volume so it boots from USB sticks as well as optical media. It covers
// exactly the two layouts Ubuntu Server media has shipped with: the
// isohybrid MBR arrangement and the appended-ESP GPT arrangement. Offsets
// and field layouts follow the El Torito 1.0 and UEFI 2.x specifications.

const (
	sectorSize = 512
	isoBlock   = 2048

	// bootCodeSize covers the isohybrid machine code in front of the first
	// MBR partition entry.
	bootCodeSize = 432

	mbrEntryOffset   = 446
	mbrSignatureOff  = 510
	pvdSector        = 16
	volumeIDOffset   = 40
	volumeIDSize     = 32
	bootRecordSector = 17
	catalogPtrOffset = 0x47

	// grub2InfoOffset is where GRUB's cdboot stub expects the 64-bit
	// little-endian address (in 512-byte units, plus 5) of its own image.
	grub2InfoOffset = 2548
	// grub2InfoSpan is the room the patch needs inside the boot image.
	grub2InfoSpan = grub2InfoOffset + 8

	gptHeaderSize    = 92
	gptEntrySize     = 128
	gptEntryCount    = 128
	gptEntrySectors  = gptEntryCount * gptEntrySize / sectorSize // 32
	gptReserveEnd    = gptEntrySectors + 1                       // backup entries + header
	gptFirstUsable   = 34
	gptRevision      = 0x00010000
	legacyBootable   = 1 << 2 // partition attribute, BIOS may boot this
	protectiveType   = 0xEE
	isohybridISOType = 0x17
	espMBRType       = 0xEF
)

// bootEntry is one bootable image in an El Torito catalog.
type bootEntry struct {
	platform byte   // 0x00 BIOS, 0xEF EFI
	count    uint16 // 512-byte units to load
	rba      uint32 // start, 2048-byte units
}

// readBootCatalog locates the catalog through the Boot Record Volume
// Descriptor and returns its byte offset plus the decoded entries, the
// default entry first.
func readBootCatalog(f io.ReaderAt) (int64, []bootEntry, error) {
	desc := make([]byte, isoBlock)
	if _, err := f.ReadAt(desc, bootRecordSector*isoBlock); err != nil {
		return 0, nil, fmt.Errorf("reading boot record descriptor: %w", err)
	}
	if desc[0] != 0 || string(desc[1:6]) != "CD001" {
		return 0, nil, fmt.Errorf("no boot record volume descriptor at sector %d", bootRecordSector)
	}
	if !bytes.HasPrefix(desc[7:], []byte("EL TORITO SPECIFICATION")) {
		return 0, nil, fmt.Errorf("boot record is not El Torito")
	}

	catOff := int64(binary.LittleEndian.Uint32(desc[catalogPtrOffset:])) * isoBlock
	cat := make([]byte, isoBlock)
	if _, err := f.ReadAt(cat, catOff); err != nil {
		return 0, nil, fmt.Errorf("reading boot catalog: %w", err)
	}
	if cat[0] != 0x01 || cat[30] != 0x55 || cat[31] != 0xAA {
		return 0, nil, fmt.Errorf("boot catalog validation entry is damaged")
	}

	var entries []bootEntry
	defaultPlatform := cat[1]
	if cat[32] == 0x88 {
		entries = append(entries, decodeBootEntry(cat[32:64], defaultPlatform))
	}

	// Section headers follow the default entry, each carrying its own
	// platform for the entries behind it.
	for off := 64; off+32 <= isoBlock; {
		header := cat[off : off+32]
		if header[0] != 0x90 && header[0] != 0x91 {
			break
		}
		platform := header[1]
		n := int(binary.LittleEndian.Uint16(header[2:4]))
		off += 32
		for i := 0; i < n && off+32 <= isoBlock; i++ {
			if cat[off] == 0x88 {
				entries = append(entries, decodeBootEntry(cat[off:off+32], platform))
			}
			off += 32
		}
		if header[0] == 0x91 {
			break
		}
	}
	return catOff, entries, nil
}

func decodeBootEntry(b []byte, platform byte) bootEntry {
	return bootEntry{
		platform: platform,
		count:    binary.LittleEndian.Uint16(b[6:8]),
		rba:      binary.LittleEndian.Uint32(b[8:12]),
	}
}

// appendEFICatalogSection adds a final EFI section to a catalog that ends
// after its default entry, pointing firmware at an extent outside the
// ISO9660 file area. rba is in 2048-byte units, count in 512-byte units.
func appendEFICatalogSection(f io.WriterAt, catOff int64, rba uint32, count uint16) error {
	section := make([]byte, 64)
	section[0] = 0x91 // final header
	section[1] = 0xEF // EFI platform
	binary.LittleEndian.PutUint16(section[2:4], 1)

	entry := section[32:]
	entry[0] = 0x88 // bootable
	entry[1] = 0x00 // no emulation
	binary.LittleEndian.PutUint16(entry[6:8], count)
	binary.LittleEndian.PutUint32(entry[8:12], rba)

	_, err := f.WriteAt(section, catOff+64)
	return err
}

// patchGrub2BootInfo writes the image's own address where GRUB's cdboot
// stub looks for it, 512-byte units offset by the header length.
func patchGrub2BootInfo(f io.WriterAt, rba uint32) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(rba)*4+5)
	_, err := f.WriteAt(buf, int64(rba)*isoBlock+grub2InfoOffset)
	return err
}

// mbrEntry is one slot of the classic MBR partition table.
type mbrEntry struct {
	boot  byte
	ptype byte
	start uint32
	count uint32
}

// writeSystemArea lays down the isohybrid boot code, the MBR partition
// entries and the boot signature. Entries beyond the given ones are
// zeroed.
func writeSystemArea(f io.WriterAt, bootCode []byte, entries []mbrEntry) error {
	if len(bootCode) > bootCodeSize {
		bootCode = bootCode[:bootCodeSize]
	}
	if _, err := f.WriteAt(bootCode, 0); err != nil {
		return err
	}

	table := make([]byte, 64)
	for i, e := range entries {
		slot := table[i*16:]
		slot[0] = e.boot
		copy(slot[1:4], chs(e.start))
		slot[4] = e.ptype
		copy(slot[5:8], chs(e.start+e.count-1))
		binary.LittleEndian.PutUint32(slot[8:12], e.start)
		binary.LittleEndian.PutUint32(slot[12:16], e.count)
	}
	if _, err := f.WriteAt(table, mbrEntryOffset); err != nil {
		return err
	}

	_, err := f.WriteAt([]byte{0x55, 0xAA}, mbrSignatureOff)
	return err
}

// chs encodes an LBA with the 64-head, 32-sector geometry isohybrid
// assumes, clamped once the cylinder count is exhausted.
func chs(lba uint32) []byte {
	const heads, sectors = 64, 32
	cyl := lba / (heads * sectors)
	if cyl > 1023 {
		return []byte{0xFE, 0xFF, 0xFF}
	}
	head := byte(lba / sectors % heads)
	sec := byte(lba%sectors + 1)
	return []byte{head, sec | byte(cyl>>2&0xC0), byte(cyl & 0xFF)}
}

// gptPartition describes one GPT slot for writeGPT.
type gptPartition struct {
	typeGUID   uuid.UUID
	guid       uuid.UUID
	first      uint64
	last       uint64
	attributes uint64
	name       string
}

var (
	espTypeGUID       = uuid.MustParse(string(gpt.EFISystemPartition))
	basicDataTypeGUID = uuid.MustParse(string(gpt.MicrosoftBasicData))
)

// writeGPT writes the primary and backup GPT structures for an image of
// totalSectors 512-byte sectors. The caller owns the protective MBR.
func writeGPT(f io.WriterAt, totalSectors uint64, diskGUID uuid.UUID, parts []gptPartition) error {
	entries := make([]byte, gptEntryCount*gptEntrySize)
	for i, p := range parts {
		e := entries[i*gptEntrySize:]
		copy(e[0:16], guidBytes(p.typeGUID))
		copy(e[16:32], guidBytes(p.guid))
		binary.LittleEndian.PutUint64(e[32:40], p.first)
		binary.LittleEndian.PutUint64(e[40:48], p.last)
		binary.LittleEndian.PutUint64(e[48:56], p.attributes)
		for j, r := range utf16.Encode([]rune(p.name)) {
			if j >= 36 {
				break
			}
			binary.LittleEndian.PutUint16(e[56+j*2:], r)
		}
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	primary := gptHeader(1, totalSectors-1, 2, totalSectors, diskGUID, entriesCRC)
	backup := gptHeader(totalSectors-1, 1, totalSectors-gptReserveEnd, totalSectors, diskGUID, entriesCRC)

	if _, err := f.WriteAt(primary, 1*sectorSize); err != nil {
		return err
	}
	if _, err := f.WriteAt(entries, 2*sectorSize); err != nil {
		return err
	}
	if _, err := f.WriteAt(entries, int64(totalSectors-gptReserveEnd)*sectorSize); err != nil {
		return err
	}
	_, err := f.WriteAt(backup, int64(totalSectors-1)*sectorSize)
	return err
}

func gptHeader(current, alternate, entriesLBA, totalSectors uint64, diskGUID uuid.UUID, entriesCRC uint32) []byte {
	h := make([]byte, sectorSize)
	copy(h[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(h[8:12], gptRevision)
	binary.LittleEndian.PutUint32(h[12:16], gptHeaderSize)
	binary.LittleEndian.PutUint64(h[24:32], current)
	binary.LittleEndian.PutUint64(h[32:40], alternate)
	binary.LittleEndian.PutUint64(h[40:48], gptFirstUsable)
	binary.LittleEndian.PutUint64(h[48:56], totalSectors-gptFirstUsable)
	copy(h[56:72], guidBytes(diskGUID))
	binary.LittleEndian.PutUint64(h[72:80], entriesLBA)
	binary.LittleEndian.PutUint32(h[80:84], gptEntryCount)
	binary.LittleEndian.PutUint32(h[84:88], gptEntrySize)
	binary.LittleEndian.PutUint32(h[88:92], entriesCRC)
	binary.LittleEndian.PutUint32(h[16:20], crc32.ChecksumIEEE(h[:gptHeaderSize]))
	return h
}

// guidBytes encodes a GUID the way GPT stores it, the first three groups
// little-endian and the rest verbatim.
func guidBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:16], u[8:16])
	return b
}

// padToSector zero-extends the file to a whole number of 512-byte sectors.
func padToSector(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	sectors := (uint64(info.Size()) + sectorSize - 1) / sectorSize
	if err := f.Truncate(int64(sectors) * sectorSize); err != nil {
		return 0, err
	}
	return sectors, nil
}
