package testing

import (
	"io"
	"path"
	"strings"
	"testing"

	"github.com/disktools/fatshuffle/fat16"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// SmallVolumeParams is the geometry most tests build on: 512-byte sectors,
// one sector per cluster, two FAT copies, and 4400 data clusters. Small
// enough to format per test, comfortably over the 4085-cluster floor below
// which a volume stops being FAT16.
func SmallVolumeParams() fat16.FormatParams {
	return fat16.FormatParams{TotalSectors: 4469}
}

// ImageBuilder assembles FAT16 disk images for tests. It formats a blank
// volume and then places files and directories at explicit clusters, so a
// test controls exactly which chains exist and in what order.
//
// Call Bytes to finish; that serializes the cluster map into every FAT copy.
type ImageBuilder struct {
	t     *testing.T
	img   []byte
	bs    *fat16.BootSector
	table *fat16.Table

	// Cluster chain of each directory created so far, keyed by path. The
	// root directory is the empty string and has no chain.
	dirs map[string][]fat16.ClusterID

	// Next free dirent slot in each directory.
	slots map[string]int
}

// NewImageBuilder formats a blank volume and wraps it in a builder. It is
// guaranteed to either return a usable builder or fail the test and abort.
func NewImageBuilder(t *testing.T, params fat16.FormatParams) *ImageBuilder {
	img, err := fat16.Format(params)
	require.NoError(t, err, "formatting the fixture volume failed")

	bs, err := fat16.NewBootSectorFromBytes(img[:512])
	require.NoError(t, err, "freshly formatted volume has a bad boot sector")

	table, err := fat16.LoadPrimaryTable(img, bs)
	require.NoError(t, err, "freshly formatted volume has a bad FAT")

	return &ImageBuilder{
		t:     t,
		img:   img,
		bs:    bs,
		table: table,
		dirs:  map[string][]fat16.ClusterID{"": nil},
		slots: map[string]int{"": 0},
	}
}

// BootSector exposes the fixture's parsed geometry.
func (b *ImageBuilder) BootSector() *fat16.BootSector {
	return b.bs
}

// Table exposes the fixture's cluster map. Changes made here end up in the
// image once Bytes is called.
func (b *ImageBuilder) Table() *fat16.Table {
	return b.table
}

// AddDir creates a subdirectory at `dirPath` (forward slashes, parents must
// already exist) occupying exactly `clusters`. The directory gets the usual
// `.` and `..` entries in its first cluster.
func (b *ImageBuilder) AddDir(dirPath string, clusters []fat16.ClusterID) {
	require.NotEmpty(b.t, clusters, "directory %q needs at least one cluster", dirPath)

	parent, name := splitFixturePath(b.t, dirPath)
	_, ok := b.dirs[parent]
	require.True(b.t, ok, "parent directory %q doesn't exist yet", parent)

	b.claimChain(dirPath, clusters)
	b.dirs[dirPath] = clusters
	for _, c := range clusters {
		b.zeroCluster(c)
	}

	dot := fat16.RawDirent{AttributeFlags: fat16.AttrDirectory}
	copyShortName(dot.Name[:], dot.Extension[:], ".")
	dot.FirstClusterLow = uint16(clusters[0])
	b.writeRawDirent(dirPath, 0, &dot)

	dotdot := fat16.RawDirent{AttributeFlags: fat16.AttrDirectory}
	copyShortName(dotdot.Name[:], dotdot.Extension[:], "..")
	if parentChain := b.dirs[parent]; len(parentChain) > 0 {
		dotdot.FirstClusterLow = uint16(parentChain[0])
	}
	b.writeRawDirent(dirPath, 1, &dotdot)
	b.slots[dirPath] = 2

	entry := fat16.RawDirent{AttributeFlags: fat16.AttrDirectory}
	copyShortName(entry.Name[:], entry.Extension[:], name)
	entry.FirstClusterLow = uint16(clusters[0])
	b.appendDirent(parent, &entry)
}

// AddFile places a file at `filePath` occupying exactly `clusters`, in that
// order. Pass nil content to get a deterministic fill pattern covering the
// whole chain; otherwise the content must fit it. The recorded file size is
// len(content).
func (b *ImageBuilder) AddFile(filePath string, clusters []fat16.ClusterID, content []byte) {
	parent, name := splitFixturePath(b.t, filePath)
	_, ok := b.dirs[parent]
	require.True(b.t, ok, "parent directory %q doesn't exist yet", parent)

	if content == nil {
		content = FillPattern(filePath, len(clusters)*int(b.bs.BytesPerCluster))
	}
	require.LessOrEqual(
		b.t,
		len(content),
		len(clusters)*int(b.bs.BytesPerCluster),
		"content for %q doesn't fit in %d clusters", filePath, len(clusters),
	)

	entry := fat16.RawDirent{FileSize: uint32(len(content))}
	copyShortName(entry.Name[:], entry.Extension[:], name)

	if len(clusters) > 0 {
		b.claimChain(filePath, clusters)
		entry.FirstClusterLow = uint16(clusters[0])

		for i, c := range clusters {
			b.zeroCluster(c)
			start := i * int(b.bs.BytesPerCluster)
			if start < len(content) {
				end := start + int(b.bs.BytesPerCluster)
				if end > len(content) {
					end = len(content)
				}
				offset := b.bs.ClusterOffset(c)
				copy(b.img[offset:], content[start:end])
			}
		}
	}

	b.appendDirent(parent, &entry)
}

// AddVolumeLabel drops a volume label entry into the root directory.
func (b *ImageBuilder) AddVolumeLabel(label string) {
	entry := fat16.RawDirent{AttributeFlags: fat16.AttrVolumeLabel}
	upper := strings.ToUpper(label)
	copyPadded(entry.Name[:], upper)
	if len(upper) > 8 {
		copyPadded(entry.Extension[:], upper[8:])
	} else {
		copyPadded(entry.Extension[:], "")
	}
	b.appendDirent("", &entry)
}

// AddDeletedEntry drops a deleted dirent into `dir` that still points at
// `start`. Walkers must ignore it and shufflers must never re-point it.
func (b *ImageBuilder) AddDeletedEntry(dir string, start fat16.ClusterID) {
	entry := fat16.RawDirent{FileSize: 1}
	copyShortName(entry.Name[:], entry.Extension[:], "GONE.OLD")
	entry.Name[0] = fat16.DirentDeletedMarker
	entry.FirstClusterLow = uint16(start)
	b.appendDirent(dir, &entry)
}

// PatchDirent rewrites the raw dirent at `slot` of directory `dir` with an
// arbitrary mutation, for building corrupt fixtures.
func (b *ImageBuilder) PatchDirent(dir string, slot int, mutate func(entry []byte)) {
	offset := b.slotOffset(dir, slot)
	mutate(b.img[offset : offset+fat16.DirentSize])
}

// Bytes serializes the cluster map into every FAT copy and returns the
// finished image. The builder can keep being used; call Bytes again after
// further changes.
func (b *ImageBuilder) Bytes() []byte {
	serialized := b.table.Bytes()
	for k := 0; k < int(b.bs.NumFATs); k++ {
		offset := b.bs.FATOffset(k)
		copy(b.img[offset:offset+int64(len(serialized))], serialized)
	}
	return b.img
}

func (b *ImageBuilder) claimChain(owner string, clusters []fat16.ClusterID) {
	for _, c := range clusters {
		require.GreaterOrEqual(
			b.t, c, fat16.MinCluster,
			"%q: cluster %d is below the data region", owner, c)
		require.LessOrEqual(
			b.t, c, b.bs.MaxCluster,
			"%q: cluster %d is past the end of the data region", owner, c)
		require.EqualValues(
			b.t, 0, b.table.RawValue(c),
			"%q: cluster %d is already taken", owner, c)
	}
	b.table.SetChain(clusters)
}

func (b *ImageBuilder) zeroCluster(c fat16.ClusterID) {
	offset := b.bs.ClusterOffset(c)
	for i := int64(0); i < int64(b.bs.BytesPerCluster); i++ {
		b.img[offset+i] = 0
	}
}

func (b *ImageBuilder) appendDirent(dir string, entry *fat16.RawDirent) {
	slot := b.slots[dir]
	b.writeRawDirent(dir, slot, entry)
	b.slots[dir] = slot + 1
}

func (b *ImageBuilder) writeRawDirent(dir string, slot int, entry *fat16.RawDirent) {
	offset := b.slotOffset(dir, slot)
	copy(b.img[offset:offset+fat16.DirentSize], entry.Bytes())
}

func (b *ImageBuilder) slotOffset(dir string, slot int) int64 {
	if dir == "" {
		require.Less(
			b.t, slot, int(b.bs.RootEntryCount),
			"root directory only holds %d entries", b.bs.RootEntryCount)
		return b.bs.RootDirOffset() + int64(slot)*fat16.DirentSize
	}

	chain, ok := b.dirs[dir]
	require.True(b.t, ok, "directory %q doesn't exist yet", dir)
	require.Less(
		b.t, slot, len(chain)*b.bs.DirentsPerCluster,
		"directory %q only holds %d entries", dir, len(chain)*b.bs.DirentsPerCluster)

	cluster := chain[slot/b.bs.DirentsPerCluster]
	within := int64(slot%b.bs.DirentsPerCluster) * fat16.DirentSize
	return b.bs.ClusterOffset(cluster) + within
}

func splitFixturePath(t *testing.T, p string) (parent, name string) {
	p = strings.Trim(p, "/")
	require.NotEmpty(t, p, "fixture paths can't be empty")
	dir, name := path.Split(p)
	return strings.Trim(dir, "/"), name
}

// copyShortName splits `name` on the last dot and space-pads the pieces into
// the 8-byte name and 3-byte extension fields. Dot entries go entirely into
// the name field.
func copyShortName(nameField, extField []byte, name string) {
	upper := strings.ToUpper(name)
	if upper == "." || upper == ".." {
		copyPadded(nameField, upper)
		copyPadded(extField, "")
		return
	}
	base, ext := upper, ""
	if idx := strings.LastIndexByte(upper, '.'); idx >= 0 {
		base, ext = upper[:idx], upper[idx+1:]
	}
	copyPadded(nameField, base)
	copyPadded(extField, ext)
}

func copyPadded(dst []byte, src string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, src)
}

// FillPattern produces deterministic file content: every byte depends on the
// seed string and its offset, so two different files never share content and
// any relocation slip shows up as a byte mismatch.
func FillPattern(seed string, size int) []byte {
	var acc byte
	for i := 0; i < len(seed); i++ {
		acc = acc*31 + seed[i]
	}
	content := make([]byte, size)
	for i := range content {
		content[i] = acc + byte(i%251)
	}
	return content
}

// LoadImageStream wraps a copy of `image` in a fixed-size stream.
//
//   - Writes to the stream do not affect `image`.
//   - While the stream can be written to, its size is fixed. Attempting to
//     write past the end of the buffer will trigger an error.
func LoadImageStream(t *testing.T, image []byte) io.ReadWriteSeeker {
	require.Greater(t, len(image), 0, "image is empty")

	duplicate := make([]byte, len(image))
	copy(duplicate, image)
	return bytesextra.NewReadWriteSeeker(duplicate)
}
