package shuffle

import (
	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
)

// volume bundles the parsed views of one FAT16 image that the pipeline
// stages hand around.
type volume struct {
	img     []byte
	bs      *fat16.BootSector
	table   *fat16.Table
	records []fat16.Record
	inv     *fat16.Inventory
}

// parseVolume runs the whole read side: boot sector, primary FAT copy,
// directory tree, chain inventory. Any structural problem aborts here,
// before a single byte is staged for writing.
func parseVolume(img []byte) (*volume, error) {
	bs, err := fat16.NewBootSectorFromBytes(img)
	if err != nil {
		return nil, err
	}

	table, err := fat16.LoadPrimaryTable(img, bs)
	if err != nil {
		return nil, err
	}

	records, err := fat16.Walk(img, bs, table)
	if err != nil {
		return nil, err
	}

	inv, err := fat16.BuildInventory(bs, table, records)
	if err != nil {
		return nil, err
	}

	return &volume{img: img, bs: bs, table: table, records: records, inv: inv}, nil
}

// Outcome reports what one shuffle run did.
type Outcome struct {
	// Image is the rewritten volume, always a fresh buffer. The input
	// image is untouched whatever happens.
	Image []byte

	// Records is the directory walk of the input image.
	Records []fat16.Record

	// BootSector is the parsed geometry of the input image. The rewrite
	// never changes it.
	BootSector *fat16.BootSector

	// DomainSize is how many clusters were eligible to move; Moved is how
	// many actually changed location.
	DomainSize int
	Moved      int

	// Seed is the seed the permutation was drawn from. SeedKnown is false
	// when the caller supplied its own RandomSource, in which case Seed
	// means nothing.
	Seed      int64
	SeedKnown bool
}

// Shuffle permutes the cluster layout of the FAT16 volume in img and
// returns the rewritten image. The files, directories, names, attributes,
// and contents all survive unchanged; only their physical placement moves.
//
// Every parse or validation failure aborts before anything is staged; a
// verification failure aborts after staging but the input is still
// untouched, so there is no partially-shuffled state to clean up.
func Shuffle(img []byte, opts fatshuffle.Options) (*Outcome, error) {
	vol, err := parseVolume(img)
	if err != nil {
		return nil, err
	}

	source, seed, seedKnown, err := resolveRandom(opts)
	if err != nil {
		return nil, err
	}

	perm, err := drawPermutation(movableSet(vol, opts), source, opts)
	if err != nil {
		return nil, err
	}

	out, err := rewriteImage(vol, perm, opts)
	if err != nil {
		return nil, err
	}

	if opts.VerifyAfterWrite {
		if err := verifyImage(vol, out); err != nil {
			return nil, err
		}
	}

	return &Outcome{
		Image:      out,
		Records:    vol.records,
		BootSector: vol.bs,
		DomainSize: perm.Len(),
		Moved:      perm.MovedCount(),
		Seed:       seed,
		SeedKnown:  seedKnown,
	}, nil
}

func resolveRandom(opts fatshuffle.Options) (fatshuffle.RandomSource, int64, bool, error) {
	if opts.Random != nil {
		return opts.Random, 0, false, nil
	}
	if opts.Seed != nil {
		return fatshuffle.NewSeededSource(*opts.Seed), *opts.Seed, true, nil
	}

	seed, err := fatshuffle.NewRandomSeed()
	if err != nil {
		return nil, 0, false, err
	}
	return fatshuffle.NewSeededSource(seed), seed, true, nil
}

// movableSet is the permutation domain: every cluster owned by a walked
// record, plus the free ones when asked for. Bad, reserved, and orphaned
// clusters never move. Nothing anchors an orphan, and a bad sector stays
// bad wherever its FAT entry points.
func movableSet(vol *volume, opts fatshuffle.Options) []fat16.ClusterID {
	used := vol.inv.Used()
	if !opts.ShuffleFreeClusters {
		domain := make([]fat16.ClusterID, len(used))
		copy(domain, used)
		return domain
	}

	free := vol.inv.Free()
	domain := make([]fat16.ClusterID, 0, len(used)+len(free))
	domain = append(domain, used...)
	domain = append(domain, free...)
	return domain
}

// maxRedrawAttempts caps how often RequireRelocation redraws. An identity
// draw over even a handful of clusters is already vanishingly rare, so the
// cap exists only to bound the loop on one-cluster domains that slip
// through.
const maxRedrawAttempts = 64

func drawPermutation(
	domain []fat16.ClusterID, source fatshuffle.RandomSource, opts fatshuffle.Options,
) (*Permutation, error) {
	perm, err := NewPermutation(domain, source)
	if err != nil || !opts.RequireRelocation || len(domain) < 2 {
		return perm, err
	}

	for attempt := 0; attempt < maxRedrawAttempts && perm.IsIdentity(); attempt++ {
		perm, err = NewPermutation(domain, source)
		if err != nil {
			return nil, err
		}
	}
	return perm, nil
}
