package fatshuffle

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// RandomSource yields the random values the permutation engine consumes. Intn
// must return a uniformly distributed integer in [0, n) and may panic if n is
// not positive, mirroring the contract of math/rand. *math/rand.Rand satisfies
// this interface directly; tests substitute scripted implementations.
type RandomSource interface {
	Intn(n int) int
}

// Options controls a shuffle run. The zero value is NOT the default
// configuration; use DefaultOptions.
type Options struct {
	// ShuffleFreeClusters includes free clusters in the movable set. When
	// false, free FAT entries and free cluster payloads are left
	// byte-identical.
	ShuffleFreeClusters bool

	// VerifyAfterWrite re-walks the rewritten image and byte-compares every
	// file against the original before the result is handed back.
	VerifyAfterWrite bool

	// Seed fixes the random source for reproducible layouts. When nil, a
	// seed is drawn from the operating system's entropy pool.
	Seed *int64

	// RequireRelocation redraws the permutation until at least one cluster
	// actually moves. Ignored when fewer than two clusters are movable.
	RequireRelocation bool

	// MarkVolumeDirty clears the clean-shutdown flag in the FAT so the next
	// consumer of the volume runs its consistency check.
	MarkVolumeDirty bool

	// Random overrides the seeded source entirely. Seed is ignored when this
	// is set.
	Random RandomSource

	// Progress, when set, receives relocation progress as clusters staged out
	// of the total. Called from the goroutine running the shuffle.
	Progress ProgressFunc
}

// ProgressFunc reports long-running progress: done units out of total.
type ProgressFunc func(done, total int)

// DefaultOptions returns the stock configuration: used clusters only,
// verification on, entropy-seeded randomness, volume marked dirty.
func DefaultOptions() Options {
	return Options{
		ShuffleFreeClusters: false,
		VerifyAfterWrite:    true,
		MarkVolumeDirty:     true,
	}
}

// NewSeededSource returns a deterministic RandomSource. Two sources built
// from the same seed yield identical value streams.
func NewSeededSource(seed int64) RandomSource {
	return mrand.New(mrand.NewSource(seed))
}

// NewRandomSeed draws a seed from the operating system's entropy pool.
func NewRandomSeed() (int64, error) {
	var buf [8]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		return 0, ErrIOFailed.Wrap(err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}
