package fat16

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/disktools/fatshuffle"
)

// Record is one live file or subdirectory found by the walker.
type Record struct {
	// Path is the full path from the volume root, forward-slash separated.
	Path string

	Dirent Dirent

	// Chain lists the clusters backing this entry in logical order. Empty
	// for zero-start files; never empty for directories.
	Chain []ClusterID
}

// pendingDir is a directory whose entry table still needs scanning.
type pendingDir struct {
	path  string
	chain []ClusterID
}

type treeWalker struct {
	img     []byte
	bs      *BootSector
	table   *Table
	visited bitmap.Bitmap
	records []Record
	pending []pendingDir
}

// Walk enumerates every live file and subdirectory on the volume: the fixed
// root region first, then each discovered directory off an explicit
// worklist. Deleted entries, long-name fragments, volume labels, and the
// `.`/`..` entries are skipped and never emitted.
//
// Chain resolution failures surface as ErrBrokenChain or
// ErrChainCycleDetected with the owning path attached. A subdirectory whose
// start cluster was already claimed by another directory fails with
// ErrDirectoryCycleDetected; a directory entry declaring a nonzero file
// size fails with ErrMalformedDirectoryEntry.
func Walk(img []byte, bs *BootSector, t *Table) ([]Record, error) {
	w := &treeWalker{
		img:     img,
		bs:      bs,
		table:   t,
		visited: bitmap.New(int(bs.MaxCluster) + 1),
		records: []Record{},
	}

	if err := w.scanRoot(); err != nil {
		return nil, err
	}
	for len(w.pending) > 0 {
		next := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		if err := w.scanDirectory(next); err != nil {
			return nil, err
		}
	}
	return w.records, nil
}

func (w *treeWalker) scanRoot() error {
	offset := w.bs.RootDirOffset()
	size := int64(w.bs.RootDirSizeBytes())
	if int64(len(w.img)) < offset+size {
		return fatshuffle.ErrIOFailed.WithMessage(fmt.Sprintf(
			"image ends at byte %d; root directory region runs to byte %d",
			len(w.img), offset+size))
	}

	region := w.img[offset : offset+size]
	_, err := w.scanSlots(region, int(w.bs.RootEntryCount), "")
	return err
}

// scanDirectory scans a subdirectory's entry tables cluster by cluster. An
// end marker in any cluster terminates the whole directory.
func (w *treeWalker) scanDirectory(dir pendingDir) error {
	for _, c := range dir.chain {
		payload, err := w.clusterPayload(c)
		if err != nil {
			return err
		}
		stopped, err := w.scanSlots(payload, w.bs.DirentsPerCluster, dir.path)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return nil
}

// scanSlots decodes up to maxEntries directory slots out of region,
// reporting whether the end marker was hit.
func (w *treeWalker) scanSlots(region []byte, maxEntries int, dirPath string) (bool, error) {
	for i := 0; i < maxEntries && (i+1)*DirentSize <= len(region); i++ {
		slot := region[i*DirentSize : (i+1)*DirentSize]
		raw := NewRawDirentFromBytes(slot)

		if raw.IsEndMarker() {
			return true, nil
		}
		if raw.IsDeleted() || raw.IsLongName() || raw.IsVolumeLabel() {
			continue
		}

		dirent := NewDirentFromRaw(&raw)
		if dirent.IsDotEntry() {
			continue
		}
		if err := w.addEntry(dirPath, dirent); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (w *treeWalker) addEntry(parentPath string, d Dirent) error {
	path := d.Name
	if parentPath != "" {
		path = parentPath + "/" + d.Name
	}

	if d.IsDir {
		if d.Size != 0 {
			return fatshuffle.ErrMalformedDirectoryEntry.WithMessage(fmt.Sprintf(
				"directory %q declares a file size of %d bytes", path, d.Size))
		}

		// ChainFrom rejects out-of-range starts before the visited bitmap
		// is ever indexed with one.
		chain, err := w.table.ChainFrom(d.FirstCluster)
		if err != nil {
			return attachPath(err, path)
		}
		if w.visited.Get(int(d.FirstCluster)) {
			return fatshuffle.ErrDirectoryCycleDetected.WithMessage(fmt.Sprintf(
				"directory %q starts at cluster %d, which was already visited",
				path, d.FirstCluster))
		}
		w.visited.Set(int(d.FirstCluster), true)

		w.records = append(w.records, Record{Path: path, Dirent: d, Chain: chain})
		w.pending = append(w.pending, pendingDir{path: path, chain: chain})
		return nil
	}

	var chain []ClusterID
	if d.FirstCluster != 0 {
		var err error
		chain, err = w.table.ChainFrom(d.FirstCluster)
		if err != nil {
			return attachPath(err, path)
		}
	}
	w.records = append(w.records, Record{Path: path, Dirent: d, Chain: chain})
	return nil
}

func (w *treeWalker) clusterPayload(c ClusterID) ([]byte, error) {
	offset := w.bs.ClusterOffset(c)
	end := offset + int64(w.bs.BytesPerCluster)
	if int64(len(w.img)) < end {
		return nil, fatshuffle.ErrIOFailed.WithMessage(fmt.Sprintf(
			"image ends at byte %d; cluster %d runs to byte %d", len(w.img), c, end))
	}
	return w.img[offset:end], nil
}

func attachPath(err error, path string) error {
	if serr, ok := err.(fatshuffle.ShuffleError); ok {
		return serr.WithMessage(fmt.Sprintf("resolving %q", path))
	}
	return err
}
