package shuffle

import (
	"encoding/binary"
	"testing"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	shuffletest "github.com/disktools/fatshuffle/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseVolume(t *testing.T, img []byte) *volume {
	vol, err := parseVolume(img)
	require.NoError(t, err)
	return vol
}

// The canonical small case, worked through by hand: A.TXT sits at clusters
// 5 -> 6 -> 7 and the permutation is the cycle (5 9 7 6), so the payloads
// land at 9 -> 5 -> 6 and free cluster 9's old bytes end up at 7. The FAT
// must read 9 -> 5 -> 6 -> EOC and the dirent must start at 9.
func TestRewrite__RelocatesChainAndMetadata(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	content := shuffletest.FillPattern("A.TXT", 3*512)
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6, 7}, content)
	img := b.Bytes()

	// Free cluster 9 gets recognizable garbage so its travels show up.
	freeNine := shuffletest.FillPattern("free-nine", 512)
	copy(img[b.BootSector().ClusterOffset(9):], freeNine)

	vol := mustParseVolume(t, img)

	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 9, 6: 5, 7: 6, 9: 7,
	})
	require.NoError(t, err)

	out, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)

	after := mustParseVolume(t, out)
	records, err := fat16.Walk(out, after.bs, after.table)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, "A.TXT", records[0].Path)
	assert.Equal(t, []fat16.ClusterID{9, 5, 6}, records[0].Chain)
	assert.EqualValues(t, 9, records[0].Dirent.FirstCluster)
	assert.Equal(t, content, fileContent(out, after.bs, records[0]))

	// The FAT entries spell out the new chain, the old tail cluster is
	// free again, and cluster 9's former payload now sits at 7.
	assert.Equal(t, fat16.EntryNext, after.table.Entry(9).Kind)
	assert.EqualValues(t, 5, after.table.Entry(9).Next)
	assert.EqualValues(t, 6, after.table.Entry(5).Next)
	assert.Equal(t, fat16.EntryEOC, after.table.Entry(6).Kind)
	assert.Equal(t, fat16.EntryFree, after.table.Entry(7).Kind)
	assert.Equal(t, freeNine, out[after.bs.ClusterOffset(7):after.bs.ClusterOffset(7)+512])

	require.NoError(t, verifyImage(vol, out))
}

// Directories move like files, and every start-cluster that referenced
// them moves along: the parent's entry, their own "." entry, and the ".."
// entries of their children.
func TestRewrite__PatchesDotEntries(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddDir("SUB", []fat16.ClusterID{3})
	b.AddDir("SUB/DEEP", []fat16.ClusterID{4})
	b.AddFile("SUB/DEEP/X.DAT", []fat16.ClusterID{20}, nil)
	img := b.Bytes()
	vol := mustParseVolume(t, img)

	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		3: 4, 4: 20, 20: 3,
	})
	require.NoError(t, err)

	out, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)
	require.NoError(t, verifyImage(vol, out))

	after := mustParseVolume(t, out)
	byPath := recordsByPath(after.records)
	require.Contains(t, byPath, "SUB/DEEP/X.DAT")
	assert.Equal(t, []fat16.ClusterID{4}, byPath["SUB"].Chain)
	assert.Equal(t, []fat16.ClusterID{20}, byPath["SUB/DEEP"].Chain)

	// SUB now lives in cluster 4. Its "." entry must say 4 and its ".."
	// must still say 0, the root.
	subPayload := out[after.bs.ClusterOffset(4) : after.bs.ClusterOffset(4)+512]
	assert.EqualValues(t, 4, fat16.RawStartCluster(subPayload[0:32]))
	assert.EqualValues(t, 0, fat16.RawStartCluster(subPayload[32:64]))

	// DEEP lives in cluster 20; its ".." must point at SUB's new home.
	deepPayload := out[after.bs.ClusterOffset(20) : after.bs.ClusterOffset(20)+512]
	assert.EqualValues(t, 20, fat16.RawStartCluster(deepPayload[0:32]))
	assert.EqualValues(t, 4, fat16.RawStartCluster(deepPayload[32:64]))
}

// Deleted entries keep their stale start clusters. They're dead metadata;
// re-pointing them would resurrect garbage.
func TestRewrite__LeavesDeletedEntriesAlone(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6}, nil)
	b.AddDeletedEntry("", 6)
	img := b.Bytes()
	vol := mustParseVolume(t, img)

	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 6, 6: 5,
	})
	require.NoError(t, err)

	out, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)

	// The deleted entry sits in root slot 1 and must still say 6.
	slotOffset := vol.bs.RootDirOffset() + 32
	assert.EqualValues(t, 6,
		fat16.RawStartCluster(out[slotOffset:slotOffset+32]))
	require.NoError(t, verifyImage(vol, out))
}

// The volume label owns no clusters and its start field stays zero.
func TestRewrite__LeavesVolumeLabelAlone(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddVolumeLabel("STIRRED")
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6}, nil)
	img := b.Bytes()
	vol := mustParseVolume(t, img)

	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 6, 6: 5,
	})
	require.NoError(t, err)

	out, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)

	labelSlot := vol.bs.RootDirOffset()
	assert.EqualValues(t, 0, fat16.RawStartCluster(out[labelSlot:labelSlot+32]))
	assert.Equal(t,
		img[labelSlot:labelSlot+32],
		out[labelSlot:labelSlot+32],
		"the label entry must come through byte-identical")
}

// Clusters outside the domain, orphans here, keep both their FAT entries
// and their payload bytes at the original index.
func TestRewrite__OrphansStayPut(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6}, nil)
	b.Table().SetRaw(40, 0xFFFF)
	img := b.Bytes()

	orphanPayload := []byte("orphaned bytes, going nowhere")
	copy(img[b.BootSector().ClusterOffset(40):], orphanPayload)
	vol := mustParseVolume(t, img)

	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 6, 6: 5,
	})
	require.NoError(t, err)

	out, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)

	after := mustParseVolume(t, out)
	assert.Equal(t, fat16.EntryEOC, after.table.Entry(40).Kind)
	start := after.bs.ClusterOffset(40)
	assert.Equal(t, orphanPayload, out[start:start+int64(len(orphanPayload))])
}

// MarkVolumeDirty clears the clean-shutdown bit in every FAT copy; without
// it the flag comes through untouched.
func TestRewrite__DirtyFlag(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddFile("A.TXT", []fat16.ClusterID{5}, nil)
	img := b.Bytes()
	vol := mustParseVolume(t, img)

	perm, err := NewPermutation(vol.inv.Used(), fatshuffle.NewSeededSource(1))
	require.NoError(t, err)

	clean, err := rewriteImage(vol, perm, fatshuffle.Options{})
	require.NoError(t, err)
	dirty, err := rewriteImage(vol, perm, fatshuffle.Options{MarkVolumeDirty: true})
	require.NoError(t, err)

	for copyIndex := 0; copyIndex < 2; copyIndex++ {
		offset := vol.bs.FATOffset(copyIndex)
		assert.EqualValues(t, 0xFFFF,
			binary.LittleEndian.Uint16(clean[offset+2:offset+4]),
			"FAT copy %d, flag untouched", copyIndex)
		assert.EqualValues(t, 0x7FFF,
			binary.LittleEndian.Uint16(dirty[offset+2:offset+4]),
			"FAT copy %d, flag cleared", copyIndex)
	}
}

// Preflight: a volume whose data region hangs past the end of the image
// must be rejected with the write still unstarted and the input unmodified.
func TestRewrite__BoundsPreflight(t *testing.T) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	bs := b.BootSector()
	b.AddFile("TAIL.DAT", []fat16.ClusterID{bs.MaxCluster}, nil)
	img := b.Bytes()

	short := img[:len(img)-10]
	vol := mustParseVolume(t, short)

	snapshot := make([]byte, len(short))
	copy(snapshot, short)

	perm, err := NewPermutation(vol.inv.Used(), fatshuffle.NewSeededSource(1))
	require.NoError(t, err)

	_, err = rewriteImage(vol, perm, fatshuffle.Options{})
	assert.ErrorIs(t, err, fatshuffle.ErrWriteBoundsExceeded)
	assert.Equal(t, snapshot, short, "a failed rewrite must not touch the input")
}
