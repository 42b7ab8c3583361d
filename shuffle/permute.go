// Package shuffle relocates the clusters of a FAT16 volume by a random
// permutation and rewrites the metadata so the file system stays exactly
// equivalent: same tree, same names, same content, different layout.
package shuffle

import (
	"fmt"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
)

// Permutation is a bijection over a set of cluster numbers. Clusters outside
// the domain map to themselves, so applying it to an arbitrary cluster is
// always well defined.
type Permutation struct {
	domain  []fat16.ClusterID
	mapping map[fat16.ClusterID]fat16.ClusterID
}

// NewPermutation draws a uniform random permutation over domain using the
// Fisher-Yates shuffle. Every draw comes from source, so two equal sources
// produce the identical permutation over the identical domain.
func NewPermutation(domain []fat16.ClusterID, source fatshuffle.RandomSource) (*Permutation, error) {
	if source == nil {
		return nil, fatshuffle.ErrInvalidArgument.WithMessage(
			"a random source is required to draw a permutation")
	}

	sorted := make([]fat16.ClusterID, len(domain))
	copy(sorted, domain)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i] == sorted[i+1] {
			return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"cluster %d appears twice in the permutation domain", sorted[i]))
		}
	}

	targets := make([]fat16.ClusterID, len(sorted))
	copy(targets, sorted)
	for i := len(targets) - 1; i > 0; i-- {
		j := source.Intn(i + 1)
		targets[i], targets[j] = targets[j], targets[i]
	}

	mapping := make(map[fat16.ClusterID]fat16.ClusterID, len(sorted))
	for i, c := range sorted {
		mapping[c] = targets[i]
	}
	return &Permutation{domain: sorted, mapping: mapping}, nil
}

// PermutationFromMapping builds a permutation from an explicit mapping. The
// targets must be exactly the keys, each hit once; anything else isn't a
// permutation.
func PermutationFromMapping(mapping map[fat16.ClusterID]fat16.ClusterID) (*Permutation, error) {
	domain := make([]fat16.ClusterID, 0, len(mapping))
	var maxCluster fat16.ClusterID
	for c := range mapping {
		domain = append(domain, c)
		if c > maxCluster {
			maxCluster = c
		}
	}
	sort.Slice(domain, func(i, j int) bool { return domain[i] < domain[j] })

	seen := bitmap.New(int(maxCluster) + 1)
	for _, target := range mapping {
		if !containsCluster(domain, target) {
			return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"target cluster %d is not part of the domain", target))
		}
		if seen.Get(int(target)) {
			return nil, fatshuffle.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"cluster %d is the target of two mappings", target))
		}
		seen.Set(int(target), true)
	}

	duplicate := make(map[fat16.ClusterID]fat16.ClusterID, len(mapping))
	for c, target := range mapping {
		duplicate[c] = target
	}
	return &Permutation{domain: domain, mapping: duplicate}, nil
}

func containsCluster(sorted []fat16.ClusterID, c fat16.ClusterID) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= c })
	return i < len(sorted) && sorted[i] == c
}

// Apply maps one cluster. Clusters outside the domain are fixed points.
func (p *Permutation) Apply(c fat16.ClusterID) fat16.ClusterID {
	if target, ok := p.mapping[c]; ok {
		return target
	}
	return c
}

// ApplyChain maps a whole chain, preserving order.
func (p *Permutation) ApplyChain(chain []fat16.ClusterID) []fat16.ClusterID {
	if chain == nil {
		return nil
	}
	mapped := make([]fat16.ClusterID, len(chain))
	for i, c := range chain {
		mapped[i] = p.Apply(c)
	}
	return mapped
}

// Domain returns the clusters eligible to move, in ascending order. The
// slice is shared; callers must not modify it.
func (p *Permutation) Domain() []fat16.ClusterID {
	return p.domain
}

// Len returns the domain size.
func (p *Permutation) Len() int {
	return len(p.domain)
}

// MovedCount returns how many clusters actually change location.
func (p *Permutation) MovedCount() int {
	moved := 0
	for c, target := range p.mapping {
		if c != target {
			moved++
		}
	}
	return moved
}

// IsIdentity reports whether the permutation moves nothing at all.
func (p *Permutation) IsIdentity() bool {
	return p.MovedCount() == 0
}
