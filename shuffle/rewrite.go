package shuffle

import (
	"fmt"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	"github.com/hashicorp/go-multierror"
)

// checkWriteBounds validates every byte range the rewrite will touch, before
// anything is staged. The permutation's sources and targets are the same
// set, so one pass over the domain bounds both the reads and the writes.
// All violations are collected, not just the first.
func checkWriteBounds(vol *volume, perm *Permutation) error {
	imageEnd := int64(len(vol.img))
	var violations *multierror.Error

	for k := 0; k < int(vol.bs.NumFATs); k++ {
		end := vol.bs.FATOffset(k) + int64(vol.bs.FATSizeBytes())
		if end > imageEnd {
			violations = multierror.Append(violations, fmt.Errorf(
				"FAT copy %d runs to byte %d but the image ends at byte %d",
				k, end, imageEnd))
		}
	}

	rootEnd := vol.bs.RootDirOffset() + int64(vol.bs.RootDirSizeBytes())
	if rootEnd > imageEnd {
		violations = multierror.Append(violations, fmt.Errorf(
			"root directory runs to byte %d but the image ends at byte %d",
			rootEnd, imageEnd))
	}

	for _, c := range perm.Domain() {
		end := vol.bs.ClusterOffset(c) + int64(vol.bs.BytesPerCluster)
		if end > imageEnd {
			violations = multierror.Append(violations, fmt.Errorf(
				"cluster %d runs to byte %d but the image ends at byte %d",
				c, end, imageEnd))
		}
	}

	if err := violations.ErrorOrNil(); err != nil {
		return fatshuffle.ErrWriteBoundsExceeded.Wrap(err)
	}
	return nil
}

// rewriteImage builds the shuffled image. All staging happens on a fresh
// copy and the input image is never modified, so a failure at any point
// leaves the caller holding the original bytes.
func rewriteImage(vol *volume, perm *Permutation, opts fatshuffle.Options) ([]byte, error) {
	if err := checkWriteBounds(vol, perm); err != nil {
		return nil, err
	}

	out := make([]byte, len(vol.img))
	copy(out, vol.img)

	relocatePayloads(out, vol, perm, opts.Progress)

	staged := restitchTable(vol, perm)
	if opts.MarkVolumeDirty {
		staged.MarkDirty()
	}

	patchDirents(out, vol, perm)
	writeTableCopies(out, vol.bs, staged)
	return out, nil
}

// relocatePayloads copies each movable payload from its old cluster in the
// source image to its new cluster in the staged one. The permutation is a
// bijection over the domain, so every slot is written at most once and
// clusters outside the domain keep their bytes.
func relocatePayloads(out []byte, vol *volume, perm *Permutation, progress fatshuffle.ProgressFunc) {
	size := int64(vol.bs.BytesPerCluster)
	domain := perm.Domain()

	for i, c := range domain {
		if target := perm.Apply(c); target != c {
			src := vol.bs.ClusterOffset(c)
			dst := vol.bs.ClusterOffset(target)
			copy(out[dst:dst+size], vol.img[src:src+size])
		}
		if progress != nil {
			progress(i+1, len(domain))
		}
	}
}

// restitchTable rebuilds the cluster map over the permuted indices: every
// movable entry is cleared, then each walked chain is relinked cluster by
// cluster at its new home. Bad, reserved, and orphaned entries sit outside
// the domain and keep their original values at their original indices.
func restitchTable(vol *volume, perm *Permutation) *fat16.Table {
	staged := vol.table.Clone()
	for _, c := range perm.Domain() {
		staged.SetFree(c)
	}
	for _, rec := range vol.records {
		staged.SetChain(perm.ApplyChain(rec.Chain))
	}
	return staged
}

// patchDirents rewrites the start-cluster field of every live directory
// entry to its permuted value. Payloads have already moved, so directories
// are scanned at their new locations, where they still hold old cluster
// numbers. Deleted entries keep their stale pointers, and zero starts
// (empty files, the root's "..") stay zero because zero is never in the
// domain.
func patchDirents(out []byte, vol *volume, perm *Permutation) {
	rootStart := vol.bs.RootDirOffset()
	rootEnd := rootStart + int64(vol.bs.RootDirSizeBytes())
	patchDirentRegion(out[rootStart:rootEnd], perm)

	size := int64(vol.bs.BytesPerCluster)
	for _, rec := range vol.records {
		if !rec.Dirent.IsDir {
			continue
		}
		for _, c := range rec.Chain {
			offset := vol.bs.ClusterOffset(perm.Apply(c))
			if patchDirentRegion(out[offset:offset+size], perm) {
				break
			}
		}
	}
}

// patchDirentRegion patches one run of 32-byte slots, reporting whether the
// end marker was hit.
func patchDirentRegion(region []byte, perm *Permutation) bool {
	for i := 0; i+fat16.DirentSize <= len(region); i += fat16.DirentSize {
		slot := region[i : i+fat16.DirentSize]
		raw := fat16.NewRawDirentFromBytes(slot)
		if raw.IsEndMarker() {
			return true
		}
		if raw.IsDeleted() {
			continue
		}

		start := fat16.RawStartCluster(slot)
		if start == 0 {
			continue
		}
		fat16.SetRawStartCluster(slot, perm.Apply(start))
	}
	return false
}

// writeTableCopies serializes the staged table once and stamps it over
// every FAT copy, leaving all copies byte-identical.
func writeTableCopies(out []byte, bs *fat16.BootSector, staged *fat16.Table) {
	serialized := staged.Bytes()
	for k := 0; k < int(bs.NumFATs); k++ {
		offset := bs.FATOffset(k)
		copy(out[offset:offset+int64(len(serialized))], serialized)
	}
}
