// Package fat16 implements access to the on-disk structures of FAT16
// volumes: boot sector geometry, the allocation table, directory entries,
// the directory tree, and blank-volume formatting.
package fat16

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/disktools/fatshuffle"
	"github.com/noxer/bytewriter"
)

type SectorID uint32

// ClusterID is a cluster number as stored in a 16-bit FAT entry.
type ClusterID uint16

const (
	// MinCluster is the lowest cluster number the data region can contain.
	// Entries 0 and 1 of the FAT are reserved for the media descriptor and
	// the dirty flags.
	MinCluster ClusterID = 2

	// MinClusterCount and MaxClusterCount bound the data cluster counts of
	// valid FAT16 volumes. Counts outside this window mean the volume is
	// FAT12 or FAT32. These odd-looking numbers are correct; they're taken
	// directly from Microsoft's FAT documentation, v1.03, page 14.
	MinClusterCount = 4085
	MaxClusterCount = 65524
)

const (
	// BootSectorSignature is the 0x55 0xAA marker at offset 510, read as a
	// little-endian word.
	BootSectorSignature uint16 = 0xAA55

	// ExtendedBootSignature at offset 38 announces that the volume ID,
	// label, and file system type fields that follow it are meaningful.
	ExtendedBootSignature uint8 = 0x29

	bootSignatureOffset = 510
	minSectorSize       = 512
	maxBytesPerCluster  = 32768
)

// RawBootSector is the on-disk layout of the first 62 bytes of a FAT16 boot
// sector: the jump stub, the BIOS parameter block, and the extended fields.
// It decodes with binary.Read and little-endian ordering, so every field
// must stay exported and fixed-size.
type RawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT     uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	NTReserved        uint8
	ExtBootSignature  uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

// BootSector extends RawBootSector with the geometry derived from it. All
// byte offsets produced by its methods are relative to the start of the
// volume, not the containing disk image.
type BootSector struct {
	RawBootSector

	// TotalSectors is resolved from the 16/32-bit pair in the BPB.
	TotalSectors      uint
	RootDirSectors    uint
	TotalFATSectors   uint
	BytesPerCluster   uint
	TotalDataSectors  uint
	CountOfClusters   uint
	FirstFATSector    SectorID
	FirstRootSector   SectorID
	FirstDataSector   SectorID
	MaxCluster        ClusterID
	DirentsPerCluster int

	// bootCode preserves the bytes between the BPB and the signature so a
	// parsed sector re-encodes without losing the boot stub.
	bootCode [bootSignatureOffset - 62]byte
}

// fatVersionForClusterCount determines the FAT variant from the number of
// data clusters. This is the only proper way to do so; anything inferred
// from the file system type string is a guess.
func fatVersionForClusterCount(totalClusters uint) int {
	if totalClusters < MinClusterCount {
		return 12
	}
	if totalClusters <= MaxClusterCount {
		return 16
	}
	return 32
}

// NewBootSectorFromStream reads the first sector of a volume and returns the
// decoded geometry. It fails with ErrMalformedBootSector when any BPB field
// violates the FAT16 constraints, and never reads past the first 512 bytes.
//
// There are no guarantees on the stream position if an error is returned.
func NewBootSectorFromStream(reader io.Reader) (*BootSector, error) {
	var sector [minSectorSize]byte

	_, err := io.ReadFull(reader, sector[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"image is shorter than one sector")
	} else if err != nil {
		return nil, fatshuffle.ErrIOFailed.Wrap(err)
	}

	return NewBootSectorFromBytes(sector[:])
}

// NewBootSectorFromBytes decodes a boot sector from an in-memory buffer of
// at least 512 bytes.
func NewBootSectorFromBytes(buf []byte) (*BootSector, error) {
	if len(buf) < minSectorSize {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("boot sector needs at least %d bytes, got %d",
				minSectorSize, len(buf)))
	}

	rawHeader := RawBootSector{}
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &rawHeader)
	if err != nil {
		return nil, fatshuffle.ErrIOFailed.Wrap(err)
	}

	signature := binary.LittleEndian.Uint16(buf[bootSignatureOffset : bootSignatureOffset+2])
	if signature != BootSectorSignature {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("signature at offset 510 is %#04x, want %#04x",
				signature, BootSectorSignature))
	}

	// BytesPerSector must be 512, 1024, 2048, or 4096.
	switch rawHeader.BytesPerSector {
	case 512:
	case 1024:
	case 2048:
	case 4096:
	default:
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
				rawHeader.BytesPerSector))
	}

	// SectorsPerCluster must be 2^x with x in [0, 8)
	switch rawHeader.SectorsPerCluster {
	case 1:
	case 2:
	case 4:
	case 8:
	case 16:
	case 32:
	case 64:
	case 128:
	default:
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("SectorsPerCluster must be a power of 2 in 1-128, got %d",
				rawHeader.SectorsPerCluster))
	}

	bytesPerCluster := uint(rawHeader.BytesPerSector) * uint(rawHeader.SectorsPerCluster)
	if bytesPerCluster > maxBytesPerCluster {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("BytesPerCluster cannot exceed %d, got %d",
				maxBytesPerCluster, bytesPerCluster))
	}

	if rawHeader.ReservedSectors == 0 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"ReservedSectors is zero; the boot sector would overlap the FAT")
	}
	if rawHeader.NumFATs == 0 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"NumFATs is zero; the volume has no allocation table")
	}
	if rawHeader.SectorsPerFAT == 0 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"SectorsPerFAT is zero; a FAT16 volume must state its FAT size here")
	}
	if rawHeader.RootEntryCount == 0 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"RootEntryCount is zero; FAT16 volumes have a fixed root directory")
	}

	var totalSectors uint
	switch {
	case rawHeader.TotalSectors16 == 0 && rawHeader.TotalSectors32 == 0:
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			"both total sector fields are zero")
	case rawHeader.TotalSectors16 != 0 && rawHeader.TotalSectors32 != 0 &&
		uint32(rawHeader.TotalSectors16) != rawHeader.TotalSectors32:
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("total sector fields disagree: 16-bit says %d, 32-bit says %d",
				rawHeader.TotalSectors16, rawHeader.TotalSectors32))
	case rawHeader.TotalSectors16 != 0:
		totalSectors = uint(rawHeader.TotalSectors16)
	default:
		totalSectors = uint(rawHeader.TotalSectors32)
	}

	// The number of sectors taken up by the fixed root directory region,
	// rounded up to whole sectors.
	rootDirSectors := (uint(rawHeader.RootEntryCount)*DirentSize +
		uint(rawHeader.BytesPerSector) - 1) / uint(rawHeader.BytesPerSector)

	totalFATSectors := uint(rawHeader.NumFATs) * uint(rawHeader.SectorsPerFAT)
	metaSectors := uint(rawHeader.ReservedSectors) + totalFATSectors + rootDirSectors
	if totalSectors <= metaSectors {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("data region is empty: %d total sectors, %d used by metadata",
				totalSectors, metaSectors))
	}

	dataSectors := totalSectors - metaSectors
	totalClusters := dataSectors / uint(rawHeader.SectorsPerCluster)

	if version := fatVersionForClusterCount(totalClusters); version != 16 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("%d data clusters makes this a FAT%d volume; only FAT16 is supported",
				totalClusters, version))
	}

	// Every cluster entry, plus the two reserved ones, must fit in the FAT
	// size the BPB declares.
	fatBytes := uint(rawHeader.SectorsPerFAT) * uint(rawHeader.BytesPerSector)
	if fatBytes < (totalClusters+2)*2 {
		return nil, fatshuffle.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("FAT of %d bytes cannot map %d clusters",
				fatBytes, totalClusters))
	}

	bootSector := BootSector{
		RawBootSector:     rawHeader,
		TotalSectors:      totalSectors,
		RootDirSectors:    rootDirSectors,
		TotalFATSectors:   totalFATSectors,
		BytesPerCluster:   bytesPerCluster,
		TotalDataSectors:  dataSectors,
		CountOfClusters:   totalClusters,
		FirstFATSector:    SectorID(rawHeader.ReservedSectors),
		FirstRootSector:   SectorID(uint(rawHeader.ReservedSectors) + totalFATSectors),
		FirstDataSector:   SectorID(metaSectors),
		MaxCluster:        ClusterID(totalClusters + 1),
		DirentsPerCluster: int(bytesPerCluster) / DirentSize,
	}
	copy(bootSector.bootCode[:], buf[62:bootSignatureOffset])

	return &bootSector, nil
}

// FATOffset gives the byte offset of the given FAT copy. Copies are numbered
// from zero; the caller must keep copyIndex below NumFATs.
func (bs *BootSector) FATOffset(copyIndex int) int64 {
	perCopy := int64(bs.SectorsPerFAT) * int64(bs.BytesPerSector)
	return int64(bs.FirstFATSector)*int64(bs.BytesPerSector) + int64(copyIndex)*perCopy
}

// FATSizeBytes gives the byte length of one FAT copy.
func (bs *BootSector) FATSizeBytes() int {
	return int(bs.SectorsPerFAT) * int(bs.BytesPerSector)
}

// RootDirOffset gives the byte offset of the fixed root directory region.
func (bs *BootSector) RootDirOffset() int64 {
	return int64(bs.FirstRootSector) * int64(bs.BytesPerSector)
}

// RootDirSizeBytes gives the byte length of the root directory region,
// padded to whole sectors.
func (bs *BootSector) RootDirSizeBytes() int {
	return int(bs.RootDirSectors) * int(bs.BytesPerSector)
}

// ClusterOffset gives the byte offset of a data cluster's payload. The
// caller must keep c within [MinCluster, MaxCluster].
func (bs *BootSector) ClusterOffset(c ClusterID) int64 {
	sector := int64(bs.FirstDataSector) +
		int64(c-MinCluster)*int64(bs.SectorsPerCluster)
	return sector * int64(bs.BytesPerSector)
}

// DataRegionOffset gives the byte offset of the first data cluster.
func (bs *BootSector) DataRegionOffset() int64 {
	return int64(bs.FirstDataSector) * int64(bs.BytesPerSector)
}

// DataRegionSizeBytes gives the byte length of the cluster-addressable data
// region. Trailing sectors that don't fill a whole cluster are excluded.
func (bs *BootSector) DataRegionSizeBytes() int {
	return int(bs.CountOfClusters) * int(bs.BytesPerCluster)
}

// TotalSizeBytes gives the volume size the BPB declares. The physical image
// holding the volume must be at least this large.
func (bs *BootSector) TotalSizeBytes() int64 {
	return int64(bs.TotalSectors) * int64(bs.BytesPerSector)
}

// Bytes re-encodes the boot sector as a full sector image. Re-encoding a
// freshly parsed sector reproduces its first 512 bytes exactly, boot stub
// included.
func (bs *BootSector) Bytes() []byte {
	buf := make([]byte, bs.BytesPerSector)
	writer := bytewriter.New(buf)

	// The buffer is sized for everything written here, so none of these can
	// fail.
	binary.Write(writer, binary.LittleEndian, bs.RawBootSector)
	writer.Write(bs.bootCode[:])
	binary.Write(writer, binary.LittleEndian, BootSectorSignature)

	return buf
}
