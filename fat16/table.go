package fat16

import (
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/disktools/fatshuffle"
	"github.com/noxer/bytewriter"
)

const (
	entryFreeValue uint16 = 0x0000
	entryBadValue  uint16 = 0xFFF7

	// reservedRangeStart..0xFFF6 plus the value 1 are reserved entry values
	// that mark neither data nor free space.
	reservedRangeStart uint16 = 0xFFF0

	// eocThreshold and above means end of chain.
	eocThreshold uint16 = 0xFFF8

	// EOCMarker is the end-of-chain value this package writes. Any value at
	// or above eocThreshold is accepted when reading.
	EOCMarker uint16 = 0xFFFF

	// cleanShutdownFlag in entry 1 is set while the volume is clean and
	// cleared to force a consistency check on the next mount.
	cleanShutdownFlag uint16 = 0x8000
)

// EntryKind classifies a 16-bit FAT entry value.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryReserved
	EntryNext
	EntryBad
	EntryEOC
)

func (k EntryKind) String() string {
	switch k {
	case EntryFree:
		return "free"
	case EntryReserved:
		return "reserved"
	case EntryNext:
		return "next"
	case EntryBad:
		return "bad"
	case EntryEOC:
		return "end-of-chain"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

// Entry is one classified FAT entry. Next is meaningful only when Kind is
// EntryNext; Value always holds the raw 16-bit word.
type Entry struct {
	Kind  EntryKind
	Next  ClusterID
	Value uint16
}

func classifyEntry(value uint16) Entry {
	entry := Entry{Value: value}
	switch {
	case value == entryFreeValue:
		entry.Kind = EntryFree
	case value == 1:
		entry.Kind = EntryReserved
	case value >= eocThreshold:
		entry.Kind = EntryEOC
	case value == entryBadValue:
		entry.Kind = EntryBad
	case value >= reservedRangeStart:
		entry.Kind = EntryReserved
	default:
		entry.Kind = EntryNext
		entry.Next = ClusterID(value)
	}
	return entry
}

// Table is one decoded FAT copy. Entries index 0 through MaxCluster; bytes
// of the copy beyond the last entry are kept verbatim so an unedited table
// serializes back byte-identical.
type Table struct {
	bs      *BootSector
	entries []uint16
	tail    []byte
}

// LoadTable decodes one FAT copy from raw bytes. raw must hold at least the
// full copy size the boot sector declares; extra bytes are ignored.
func LoadTable(raw []byte, bs *BootSector) (*Table, error) {
	size := bs.FATSizeBytes()
	if len(raw) < size {
		return nil, fatshuffle.ErrTruncatedFATTable.WithMessage(
			fmt.Sprintf("FAT copy is %d bytes, geometry needs %d", len(raw), size))
	}

	entryCount := int(bs.MaxCluster) + 1
	entries := make([]uint16, entryCount)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}

	tail := make([]byte, size-entryCount*2)
	copy(tail, raw[entryCount*2:size])

	return &Table{bs: bs, entries: entries, tail: tail}, nil
}

// LoadPrimaryTable loads FAT copy 0 out of a full volume image.
func LoadPrimaryTable(img []byte, bs *BootSector) (*Table, error) {
	offset := bs.FATOffset(0)
	end := offset + int64(bs.FATSizeBytes())
	if int64(len(img)) < end {
		return nil, fatshuffle.ErrTruncatedFATTable.WithMessage(
			fmt.Sprintf("image ends at byte %d but FAT copy 0 runs to byte %d",
				len(img), end))
	}
	return LoadTable(img[offset:end], bs)
}

// Entry returns the classified value at index c. Indexing past MaxCluster is
// a caller bug and panics, consistent with slice semantics.
func (t *Table) Entry(c ClusterID) Entry {
	return classifyEntry(t.entries[c])
}

// RawValue returns the undecoded 16-bit word at index c.
func (t *Table) RawValue(c ClusterID) uint16 {
	return t.entries[c]
}

// MaxCluster returns the highest valid cluster index of this table.
func (t *Table) MaxCluster() ClusterID {
	return t.bs.MaxCluster
}

// ChainFrom follows Next links from start until end-of-chain and returns the
// clusters in chain order. The walk visits each entry at most once, so it
// terminates after MaxCluster steps even on pathological tables.
//
// A link to a free, reserved, or bad entry, or to a cluster number outside
// the data region, fails with ErrBrokenChain. A repeated cluster fails with
// ErrChainCycleDetected.
func (t *Table) ChainFrom(start ClusterID) ([]ClusterID, error) {
	chain := []ClusterID{}
	visited := bitmap.New(int(t.bs.MaxCluster) + 1)

	current := start
	for {
		if current < MinCluster || current > t.bs.MaxCluster {
			return nil, fatshuffle.ErrBrokenChain.WithMessage(fmt.Sprintf(
				"chain from cluster %d reaches cluster %d, outside the data region 2..%d",
				start, current, t.bs.MaxCluster))
		}
		if visited.Get(int(current)) {
			return nil, fatshuffle.ErrChainCycleDetected.WithMessage(fmt.Sprintf(
				"chain from cluster %d revisits cluster %d", start, current))
		}
		visited.Set(int(current), true)
		chain = append(chain, current)

		entry := t.Entry(current)
		switch entry.Kind {
		case EntryEOC:
			return chain, nil
		case EntryNext:
			current = entry.Next
		default:
			return nil, fatshuffle.ErrBrokenChain.WithMessage(fmt.Sprintf(
				"cluster %d is marked %s (value %#04x) mid-chain",
				current, entry.Kind, entry.Value))
		}
	}
}

// SetChain rewrites the table so the given clusters form one chain in order,
// terminated with the end-of-chain marker. An empty slice is a no-op.
func (t *Table) SetChain(clusters []ClusterID) {
	if len(clusters) == 0 {
		return
	}
	for i := 0; i+1 < len(clusters); i++ {
		t.entries[clusters[i]] = uint16(clusters[i+1])
	}
	t.entries[clusters[len(clusters)-1]] = EOCMarker
}

// SetFree marks the entry at index c free.
func (t *Table) SetFree(c ClusterID) {
	t.entries[c] = entryFreeValue
}

// SetRaw writes an undecoded 16-bit word at index c.
func (t *Table) SetRaw(c ClusterID, value uint16) {
	t.entries[c] = value
}

// MarkDirty clears the clean-shutdown flag in entry 1 so the next consumer
// of the volume runs its consistency check.
func (t *Table) MarkDirty() {
	t.entries[1] &^= cleanShutdownFlag
}

// Dirty reports whether the clean-shutdown flag is cleared.
func (t *Table) Dirty() bool {
	return t.entries[1]&cleanShutdownFlag == 0
}

// Bytes serializes the table to exactly one FAT copy, preserved tail bytes
// included. An unedited table serializes back byte-identical to the bytes
// it was loaded from.
func (t *Table) Bytes() []byte {
	buf := make([]byte, t.bs.FATSizeBytes())
	writer := bytewriter.New(buf)
	binary.Write(writer, binary.LittleEndian, t.entries)
	writer.Write(t.tail)
	return buf
}

// Clone returns a deep copy sharing nothing with the original but the
// geometry.
func (t *Table) Clone() *Table {
	entries := make([]uint16, len(t.entries))
	copy(entries, t.entries)
	tail := make([]byte, len(t.tail))
	copy(tail, t.tail)
	return &Table{bs: t.bs, entries: entries, tail: tail}
}
