package shuffle

import (
	"testing"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	shuffletest "github.com/disktools/fatshuffle/testing"
	"github.com/stretchr/testify/assert"
)

func builtVolume(t *testing.T) (*volume, []byte) {
	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddDir("SUB", []fat16.ClusterID{3})
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6, 7}, nil)
	b.AddFile("SUB/B.BIN", []fat16.ClusterID{9}, nil)
	img := b.Bytes()
	return mustParseVolume(t, img), img
}

// An image compared against an untouched copy of itself has nothing to
// complain about.
func TestVerify__IdenticalImagePasses(t *testing.T) {
	vol, img := builtVolume(t)

	duplicate := make([]byte, len(img))
	copy(duplicate, img)
	assert.NoError(t, verifyImage(vol, duplicate))
}

// A flipped payload byte inside a file must surface as a verification
// failure naming the file.
func TestVerify__DetectsContentCorruption(t *testing.T) {
	vol, img := builtVolume(t)

	corrupted := make([]byte, len(img))
	copy(corrupted, img)
	corrupted[vol.bs.ClusterOffset(6)+17] ^= 0xFF

	err := verifyImage(vol, corrupted)
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorContains(t, err, "A.TXT")
}

// Wiping a directory entry makes the file vanish from the re-walk.
func TestVerify__DetectsMissingFile(t *testing.T) {
	vol, img := builtVolume(t)

	corrupted := make([]byte, len(img))
	copy(corrupted, img)
	// A.TXT sits in root slot 1, after SUB. Mark it deleted.
	corrupted[vol.bs.RootDirOffset()+32] = fat16.DirentDeletedMarker

	err := verifyImage(vol, corrupted)
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorContains(t, err, "missing")
}

// A size field that changed is caught even when the content bytes that are
// still declared agree.
func TestVerify__DetectsSizeChange(t *testing.T) {
	vol, img := builtVolume(t)

	corrupted := make([]byte, len(img))
	copy(corrupted, img)
	// Shrink A.TXT's size field (offset 28 of root slot 1) from 1536 to 512.
	offset := vol.bs.RootDirOffset() + 32 + 28
	corrupted[offset] = 0x00
	corrupted[offset+1] = 0x02
	corrupted[offset+2] = 0x00
	corrupted[offset+3] = 0x00

	err := verifyImage(vol, corrupted)
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorContains(t, err, "size")
}

// The FAT copies must agree with each other after a rewrite; a divergent
// second copy fails verification even when copy 0 tells a consistent story.
func TestVerify__DetectsFATCopyMismatch(t *testing.T) {
	vol, img := builtVolume(t)

	corrupted := make([]byte, len(img))
	copy(corrupted, img)
	// Scribble on a free cluster's entry in FAT copy 1 only.
	offset := vol.bs.FATOffset(1) + 2*100
	corrupted[offset] = 0xFF
	corrupted[offset+1] = 0xFF

	err := verifyImage(vol, corrupted)
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorContains(t, err, "FAT copy 1")
}

// An unparseable rewrite is the worst verification failure of all.
func TestVerify__DetectsUnparseableImage(t *testing.T) {
	vol, img := builtVolume(t)

	corrupted := make([]byte, len(img))
	copy(corrupted, img)
	corrupted[510] = 0
	corrupted[511] = 0

	err := verifyImage(vol, corrupted)
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorIs(t, err, fatshuffle.ErrMalformedBootSector)
}

// Extra live entries in the rewrite get reported too.
func TestVerify__DetectsExtraFile(t *testing.T) {
	vol, _ := builtVolume(t)

	b := shuffletest.NewImageBuilder(t, shuffletest.SmallVolumeParams())
	b.AddDir("SUB", []fat16.ClusterID{3})
	b.AddFile("A.TXT", []fat16.ClusterID{5, 6, 7}, nil)
	b.AddFile("SUB/B.BIN", []fat16.ClusterID{9}, nil)
	b.AddFile("EXTRA.TXT", []fat16.ClusterID{30}, nil)

	err := verifyImage(vol, b.Bytes())
	assert.ErrorIs(t, err, fatshuffle.ErrVerificationFailed)
	assert.ErrorContains(t, err, "EXTRA.TXT")
}
