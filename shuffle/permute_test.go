package shuffle

import (
	"sort"
	"testing"

	"github.com/disktools/fatshuffle"
	"github.com/disktools/fatshuffle/fat16"
	shuffletest "github.com/disktools/fatshuffle/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two draws from equal seeds must agree exactly; a third from a different
// seed must not. Reproducible layouts hang off this.
func TestPermutation__New__Deterministic(t *testing.T) {
	domain := make([]fat16.ClusterID, 0, 500)
	for c := fat16.ClusterID(2); c < 502; c++ {
		domain = append(domain, c)
	}

	first, err := NewPermutation(domain, fatshuffle.NewSeededSource(1234))
	require.NoError(t, err)
	second, err := NewPermutation(domain, fatshuffle.NewSeededSource(1234))
	require.NoError(t, err)
	other, err := NewPermutation(domain, fatshuffle.NewSeededSource(99))
	require.NoError(t, err)

	same, diff := true, false
	for _, c := range domain {
		same = same && first.Apply(c) == second.Apply(c)
		diff = diff || first.Apply(c) != other.Apply(c)
	}
	assert.True(t, same, "equal seeds must produce equal permutations")
	assert.True(t, diff, "different seeds produced the same permutation")
}

// Whatever the draws, the targets must be a rearrangement of the domain:
// nothing lost, nothing invented.
func TestPermutation__New__IsBijection(t *testing.T) {
	domain := []fat16.ClusterID{2, 9, 17, 30, 31, 400}

	perm, err := NewPermutation(domain, fatshuffle.NewSeededSource(7))
	require.NoError(t, err)

	targets := make([]fat16.ClusterID, 0, len(domain))
	for _, c := range domain {
		targets = append(targets, perm.Apply(c))
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	assert.Equal(t, domain, targets)
}

// The draw order is the classic Fisher-Yates walk over a sorted domain:
// for i from n-1 down to 1, swap position i with a drawn position in
// [0, i]. A scripted source pins the exact mapping down.
func TestPermutation__New__FisherYatesOrder(t *testing.T) {
	domain := []fat16.ClusterID{2, 3, 4, 5}
	source := &shuffletest.ScriptedSource{Values: []int{1, 0, 1}}

	perm, err := NewPermutation(domain, source)
	require.NoError(t, err)

	// Targets start [2 3 4 5]: swap(3,1) -> [2 5 4 3], swap(2,0) ->
	// [4 5 2 3], swap(1,1) is a no-op.
	assert.EqualValues(t, 4, perm.Apply(2))
	assert.EqualValues(t, 5, perm.Apply(3))
	assert.EqualValues(t, 2, perm.Apply(4))
	assert.EqualValues(t, 3, perm.Apply(5))
	assert.Equal(t, 4, perm.MovedCount())
	assert.False(t, perm.IsIdentity())
}

func TestPermutation__New__RejectsDuplicates(t *testing.T) {
	_, err := NewPermutation(
		[]fat16.ClusterID{5, 6, 5}, fatshuffle.NewSeededSource(1))
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)
}

func TestPermutation__New__RejectsNilSource(t *testing.T) {
	_, err := NewPermutation([]fat16.ClusterID{5, 6}, nil)
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)
}

// Empty and single-cluster domains are legal and necessarily identity.
func TestPermutation__New__DegenerateDomains(t *testing.T) {
	empty, err := NewPermutation(nil, fatshuffle.NewSeededSource(1))
	require.NoError(t, err)
	assert.True(t, empty.IsIdentity())
	assert.Equal(t, 0, empty.Len())

	single, err := NewPermutation([]fat16.ClusterID{9}, fatshuffle.NewSeededSource(1))
	require.NoError(t, err)
	assert.True(t, single.IsIdentity())
	assert.EqualValues(t, 9, single.Apply(9))
}

// Clusters outside the domain are fixed points, including zero. That's
// what keeps empty files and absent parents untouched downstream.
func TestPermutation__Apply__IdentityOffDomain(t *testing.T) {
	perm, err := NewPermutation(
		[]fat16.ClusterID{5, 6, 7}, fatshuffle.NewSeededSource(3))
	require.NoError(t, err)

	assert.EqualValues(t, 0, perm.Apply(0))
	assert.EqualValues(t, 2, perm.Apply(2))
	assert.EqualValues(t, 9999, perm.Apply(9999))
}

func TestPermutation__ApplyChain(t *testing.T) {
	perm, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 9, 6: 5, 7: 6, 9: 7,
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]fat16.ClusterID{9, 5, 6},
		perm.ApplyChain([]fat16.ClusterID{5, 6, 7}))
	assert.Nil(t, perm.ApplyChain(nil))
}

func TestPermutation__FromMapping__RejectsNonBijection(t *testing.T) {
	// 9 is a target but not a key.
	_, err := PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 9, 6: 5,
	})
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)

	// Two keys map to the same target.
	_, err = PermutationFromMapping(map[fat16.ClusterID]fat16.ClusterID{
		5: 6, 6: 6,
	})
	assert.ErrorIs(t, err, fatshuffle.ErrInvalidArgument)
}

// One draw per swap, n-1 swaps per draw of an n-cluster domain.
func TestPermutation__New__DrawBudget(t *testing.T) {
	domain := make([]fat16.ClusterID, 0, 100)
	for c := fat16.ClusterID(2); c < 102; c++ {
		domain = append(domain, c)
	}

	counter := &shuffletest.CountingSource{Source: fatshuffle.NewSeededSource(5)}
	_, err := NewPermutation(domain, counter)
	require.NoError(t, err)
	assert.Equal(t, 99, counter.Draws)
}
