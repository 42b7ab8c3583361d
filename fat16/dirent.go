package fat16

import (
	"encoding/binary"
	"strings"

	"github.com/noxer/bytewriter"
)

const (
	// AttrReadOnly is an attribute flag marking a directory entry as read-only.
	AttrReadOnly = 0x01

	// AttrHidden is an attribute flag marking a directory entry as "hidden",
	// meaning it wouldn't show up in normal directory listings.
	AttrHidden = 0x02

	// AttrSystem is an attribute flag marking a directory entry as essential
	// to the operating system. Defragmenters traditionally refuse to move
	// these; this tool moves everything, which is rather the point.
	AttrSystem = 0x04

	// AttrVolumeLabel is an attribute flag that marks an entry as holding the
	// volume label of the file system. It resides in the root directory and
	// owns no clusters.
	AttrVolumeLabel = 0x08

	// AttrDirectory is an attribute flag marking a directory entry as being a
	// directory.
	AttrDirectory = 0x10

	// AttrArchived is an attribute flag set whenever the entry is created or
	// modified, for backup tools to key off of.
	AttrArchived = 0x20

	// AttrLongName marks a VFAT long-name fragment: all four low attribute
	// bits set at once.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

const (
	// DirentEndMarker as the first name byte terminates the enclosing
	// directory; no live entries follow it.
	DirentEndMarker = 0x00

	// DirentDeletedMarker as the first name byte marks the entry deleted.
	DirentDeletedMarker = 0xE5

	// direntEscapedE5 as the first name byte stands in for a real first
	// character of 0xE5, which would otherwise read as deleted.
	direntEscapedE5 = 0x05
)

// DirentSize is the size of a single raw directory entry, in bytes.
const DirentSize = 32

const direntFirstClusterLowOffset = 26

// RawDirent is the on-disk representation of a directory entry, broken down
// into its constituent fields. The field order and widths match the disk
// layout byte for byte, so the struct serializes directly with binary.Write.
type RawDirent struct {
	Name              [8]byte
	Extension         [3]byte
	AttributeFlags    uint8
	NTReserved        uint8
	CreatedTimeTenths uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstClusterHigh  uint16
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	FirstClusterLow   uint16
	FileSize          uint32
}

// NewRawDirentFromBytes deserializes the first DirentSize bytes of data into
// a RawDirent. The caller must supply at least DirentSize bytes.
func NewRawDirentFromBytes(data []byte) RawDirent {
	dirent := RawDirent{
		AttributeFlags:    data[11],
		NTReserved:        data[12],
		CreatedTimeTenths: data[13],
		CreatedTime:       binary.LittleEndian.Uint16(data[14:16]),
		CreatedDate:       binary.LittleEndian.Uint16(data[16:18]),
		LastAccessedDate:  binary.LittleEndian.Uint16(data[18:20]),
		FirstClusterHigh:  binary.LittleEndian.Uint16(data[20:22]),
		LastModifiedTime:  binary.LittleEndian.Uint16(data[22:24]),
		LastModifiedDate:  binary.LittleEndian.Uint16(data[24:26]),
		FirstClusterLow:   binary.LittleEndian.Uint16(data[26:28]),
		FileSize:          binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(dirent.Name[:], data[:8])
	copy(dirent.Extension[:], data[8:11])
	return dirent
}

// Bytes serializes the directory entry back into its 32-byte on-disk form.
func (d *RawDirent) Bytes() []byte {
	buf := make([]byte, DirentSize)
	writer := bytewriter.New(buf)
	binary.Write(writer, binary.LittleEndian, *d)
	return buf
}

// IsEndMarker reports whether this slot terminates the directory.
func (d *RawDirent) IsEndMarker() bool {
	return d.Name[0] == DirentEndMarker
}

// IsDeleted reports whether this entry has been deleted. Deleted entries
// keep their old field values, start cluster included, but none of it means
// anything anymore.
func (d *RawDirent) IsDeleted() bool {
	return d.Name[0] == DirentDeletedMarker
}

// IsLongName reports whether this entry is a VFAT long-name fragment.
func (d *RawDirent) IsLongName() bool {
	return d.AttributeFlags&AttrLongName == AttrLongName
}

// IsVolumeLabel reports whether this entry holds the volume label. Long-name
// fragments set the label bit too and are excluded here.
func (d *RawDirent) IsVolumeLabel() bool {
	return d.AttributeFlags&AttrVolumeLabel != 0 && !d.IsLongName()
}

// IsDirectory reports whether this entry names a subdirectory.
func (d *RawDirent) IsDirectory() bool {
	return d.AttributeFlags&AttrDirectory != 0
}

// Dirent is the decoded view of a live directory entry.
type Dirent struct {
	Raw RawDirent

	// Name is the 8.3 name, dot included only when an extension is present.
	Name string

	// FirstCluster is the entry's start cluster. FAT16 stores it entirely in
	// the low field; the high field belongs to FAT32 and is ignored here.
	FirstCluster ClusterID

	Size  uint32
	IsDir bool
}

// NewDirentFromRaw decodes the name and the fields this tool cares about.
// The caller is expected to have filtered out end markers and deleted
// entries first.
func NewDirentFromRaw(raw *RawDirent) Dirent {
	nameBytes := raw.Name
	if nameBytes[0] == direntEscapedE5 {
		nameBytes[0] = 0xE5
	}

	trimmedName := strings.TrimRight(string(nameBytes[:]), " ")
	trimmedExt := strings.TrimRight(string(raw.Extension[:]), " ")

	name := trimmedName
	if trimmedExt != "" {
		name = trimmedName + "." + trimmedExt
	}

	return Dirent{
		Raw:          *raw,
		Name:         name,
		FirstCluster: ClusterID(raw.FirstClusterLow),
		Size:         raw.FileSize,
		IsDir:        raw.IsDirectory(),
	}
}

// IsDotEntry reports whether this is a directory's self or parent entry.
func (d *Dirent) IsDotEntry() bool {
	return d.Name == "." || d.Name == ".."
}

// RawStartCluster reads the start-cluster field straight out of a 32-byte
// directory entry slot.
func RawStartCluster(entry []byte) ClusterID {
	return ClusterID(binary.LittleEndian.Uint16(
		entry[direntFirstClusterLowOffset : direntFirstClusterLowOffset+2]))
}

// SetRawStartCluster overwrites the start-cluster field of a 32-byte
// directory entry slot in place, leaving every other byte untouched.
func SetRawStartCluster(entry []byte, c ClusterID) {
	binary.LittleEndian.PutUint16(
		entry[direntFirstClusterLowOffset:direntFirstClusterLowOffset+2], uint16(c))
}
