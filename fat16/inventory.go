package fat16

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/disktools/fatshuffle"
)

// Inventory is the volume-wide cluster accounting built from the walker's
// chains: which clusters belong to files and directories, which are free,
// and which are pinned in place (bad or reserved values, orphans).
type Inventory struct {
	bs       *BootSector
	used     bitmap.Bitmap
	usedList []ClusterID
	freeList []ClusterID
	badList  []ClusterID
	reserved []ClusterID
	orphans  []ClusterID
}

// BuildInventory validates and aggregates every walked chain. A cluster
// claimed twice fails with ErrBrokenChain naming the cluster and both
// owners; so does a file whose chain holds fewer bytes than its directory
// entry declares.
func BuildInventory(bs *BootSector, t *Table, records []Record) (*Inventory, error) {
	used := bitmap.New(int(bs.MaxCluster) + 1)
	owner := make(map[ClusterID]string)

	for _, rec := range records {
		for _, c := range rec.Chain {
			if used.Get(int(c)) {
				return nil, fatshuffle.ErrBrokenChain.WithMessage(fmt.Sprintf(
					"cluster %d is claimed by both %q and %q",
					c, owner[c], rec.Path))
			}
			used.Set(int(c), true)
			owner[c] = rec.Path
		}

		if !rec.Dirent.IsDir && rec.Dirent.Size > 0 {
			capacity := uint64(len(rec.Chain)) * uint64(bs.BytesPerCluster)
			if capacity < uint64(rec.Dirent.Size) {
				return nil, fatshuffle.ErrBrokenChain.WithMessage(fmt.Sprintf(
					"%q declares %d bytes but its chain only holds %d",
					rec.Path, rec.Dirent.Size, capacity))
			}
		}
	}

	inv := &Inventory{bs: bs, used: used}
	for c := MinCluster; c <= bs.MaxCluster; c++ {
		if used.Get(int(c)) {
			inv.usedList = append(inv.usedList, c)
			continue
		}
		switch t.Entry(c).Kind {
		case EntryFree:
			inv.freeList = append(inv.freeList, c)
		case EntryBad:
			inv.badList = append(inv.badList, c)
		case EntryReserved:
			inv.reserved = append(inv.reserved, c)
		default:
			// Allocated in the FAT but reachable from no directory entry.
			// Nothing anchors these, so nothing may move them.
			inv.orphans = append(inv.orphans, c)
		}
	}

	return inv, nil
}

// IsUsed reports whether some walked chain claims cluster c.
func (inv *Inventory) IsUsed(c ClusterID) bool {
	return inv.used.Get(int(c))
}

// Used returns the clusters claimed by walked chains, ascending. The slice
// is shared; callers must not modify it.
func (inv *Inventory) Used() []ClusterID {
	return inv.usedList
}

// Free returns the clusters whose FAT entries are free, ascending. The
// slice is shared; callers must not modify it.
func (inv *Inventory) Free() []ClusterID {
	return inv.freeList
}

// Bad returns the clusters marked bad, ascending.
func (inv *Inventory) Bad() []ClusterID {
	return inv.badList
}

// Reserved returns the clusters carrying reserved entry values, ascending.
func (inv *Inventory) Reserved() []ClusterID {
	return inv.reserved
}

// Orphans returns the clusters with chain-like FAT values that no walked
// chain claims, ascending. They stay where they are.
func (inv *Inventory) Orphans() []ClusterID {
	return inv.orphans
}
