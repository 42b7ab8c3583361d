package fat16

import (
	"encoding/binary"
	"fmt"

	"github.com/disktools/fatshuffle"
	"github.com/noxer/bytewriter"
)

// FormatParams describes the volume Format should lay down. Zero values fall
// back to the defaults noted on each field.
type FormatParams struct {
	// TotalSectors is the volume size in sectors. Required.
	TotalSectors uint32

	BytesPerSector    uint16 // 0 ⇒ 512
	SectorsPerCluster uint8  // 0 ⇒ 1
	RootEntryCount    uint16 // 0 ⇒ 512
	NumFATs           uint8  // 0 ⇒ 2
	ReservedSectors   uint16 // 0 ⇒ 1
	Media             uint8  // 0 ⇒ 0xF8 (fixed disk)

	// VolumeLabel is space-padded or truncated to 11 bytes.
	VolumeLabel string

	// VolumeID is the serial number stamped into the extended boot fields.
	VolumeID uint32

	// OEMName is space-padded or truncated to 8 bytes. 0 ⇒ "MSDOS5.0",
	// which ancient driver implementations are least suspicious of.
	OEMName string
}

func (p FormatParams) withDefaults() FormatParams {
	if p.BytesPerSector == 0 {
		p.BytesPerSector = 512
	}
	if p.SectorsPerCluster == 0 {
		p.SectorsPerCluster = 1
	}
	if p.RootEntryCount == 0 {
		p.RootEntryCount = 512
	}
	if p.NumFATs == 0 {
		p.NumFATs = 2
	}
	if p.ReservedSectors == 0 {
		p.ReservedSectors = 1
	}
	if p.Media == 0 {
		p.Media = 0xF8
	}
	if p.OEMName == "" {
		p.OEMName = "MSDOS5.0"
	}
	return p
}

// computeSectorsPerFAT finds the smallest FAT size that maps every cluster
// the remaining space holds. Growing the FAT shrinks the data region, which
// shrinks the FAT needed, so this settles after a few rounds.
func computeSectorsPerFAT(p FormatParams) (sectorsPerFAT uint, clusters uint) {
	bps := uint(p.BytesPerSector)
	rootSectors := (uint(p.RootEntryCount)*DirentSize + bps - 1) / bps

	sectorsPerFAT = 1
	for {
		meta := uint(p.ReservedSectors) + uint(p.NumFATs)*sectorsPerFAT + rootSectors
		if uint(p.TotalSectors) <= meta {
			return sectorsPerFAT, 0
		}
		clusters = (uint(p.TotalSectors) - meta) / uint(p.SectorsPerCluster)
		needed := ((clusters+2)*2 + bps - 1) / bps
		if needed <= sectorsPerFAT {
			return sectorsPerFAT, clusters
		}
		sectorsPerFAT = needed
	}
}

// Format lays down a blank FAT16 volume: boot sector, initialized FAT
// copies, zeroed root directory and data region. The result parses back
// through NewBootSectorFromBytes without error.
func Format(params FormatParams) ([]byte, error) {
	p := params.withDefaults()

	if p.TotalSectors == 0 {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(
			"TotalSectors is required")
	}
	switch p.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
			p.BytesPerSector))
	}
	switch p.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"SectorsPerCluster must be a power of 2 in 1-128, got %d",
			p.SectorsPerCluster))
	}

	sectorsPerFAT, clusters := computeSectorsPerFAT(p)
	if sectorsPerFAT > 0xFFFF {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"geometry needs %d sectors per FAT, which doesn't fit the 16-bit field",
			sectorsPerFAT))
	}
	if version := fatVersionForClusterCount(clusters); version != 16 {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"geometry yields %d data clusters, which is FAT%d territory; FAT16 needs %d-%d",
			clusters, version, MinClusterCount, MaxClusterCount))
	}

	raw := RawBootSector{
		JmpBoot:           [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    p.BytesPerSector,
		SectorsPerCluster: p.SectorsPerCluster,
		ReservedSectors:   p.ReservedSectors,
		NumFATs:           p.NumFATs,
		RootEntryCount:    p.RootEntryCount,
		Media:             p.Media,
		SectorsPerFAT:     uint16(sectorsPerFAT),
		ExtBootSignature:  ExtendedBootSignature,
		VolumeID:          p.VolumeID,
	}
	copyPadded(raw.OEMName[:], p.OEMName)
	copyPadded(raw.VolumeLabel[:], p.VolumeLabel)
	copyPadded(raw.FileSystemType[:], "FAT16")
	if p.TotalSectors <= 0xFFFF {
		raw.TotalSectors16 = uint16(p.TotalSectors)
	} else {
		raw.TotalSectors32 = p.TotalSectors
	}
	if p.Media == 0xF8 {
		raw.DriveNumber = 0x80
	}

	img := make([]byte, int64(p.TotalSectors)*int64(p.BytesPerSector))
	writer := bytewriter.New(img)
	binary.Write(writer, binary.LittleEndian, raw)
	binary.LittleEndian.PutUint16(
		img[bootSignatureOffset:bootSignatureOffset+2], BootSectorSignature)

	// Parsing our own output applies the same validation the reader does,
	// so anything the checks above missed still can't escape.
	bs, err := NewBootSectorFromBytes(img[:minSectorSize])
	if err != nil {
		return nil, fatshuffle.ErrInvalidArgument.Wrap(err)
	}

	for k := 0; k < int(bs.NumFATs); k++ {
		offset := bs.FATOffset(k)
		binary.LittleEndian.PutUint16(img[offset:offset+2], 0xFF00|uint16(p.Media))
		binary.LittleEndian.PutUint16(img[offset+2:offset+4], EOCMarker)
	}

	return img, nil
}

// copyPadded fills dst with src, truncating or space-padding to fit.
func copyPadded(dst []byte, src string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, src)
}
