package graph

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// SplitNames are the three split names in loader order
var SplitNames = [3]string{"train", "val", "test"}

// Split is a view over a dataset restricted to a set of global indices
type Split struct {
	Name    string
	Dataset *Dataset
	Indices []int
}

func (s *Split) Len() int { return len(s.Indices) }

// Get returns the j-th sample of the split along with its global index
func (s *Split) Get(j int) (*Graph, int) {
	idx := s.Indices[j]
	return s.Dataset.Get(idx), idx
}

// NewSplits shuffles the dataset indices with seed and cuts them by ratios (train, val, test).
func NewSplits(d *Dataset, ratios [3]float64, seed uint64) ([]*Split, error) {
	total := 0.0
	for _, r := range ratios {
		if r < 0 {
			return nil, fmt.Errorf("negative split ratio %v", ratios)
		}
		total += r
	}
	if total <= 0 {
		return nil, fmt.Errorf("split ratios sum to %f", total)
	}

	n := d.Len()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	nTrain := int(math.Round(float64(n) * ratios[0] / total))
	nVal := int(math.Round(float64(n) * ratios[1] / total))
	if nTrain > n {
		nTrain = n
	}
	if nTrain+nVal > n {
		nVal = n - nTrain
	}
	cuts := [4]int{0, nTrain, nTrain + nVal, n}

	splits := make([]*Split, 3)
	for k := 0; k < 3; k++ {
		idx := make([]int, cuts[k+1]-cuts[k])
		copy(idx, perm[cuts[k]:cuts[k+1]])
		splits[k] = &Split{Name: SplitNames[k], Dataset: d, Indices: idx}
	}
	return splits, nil
}

// Owner locates a global index inside the splits
type Owner struct {
	Split int
	Local int
}

// CheckPartition verifies every index in [0,total) belongs to exactly one split and
// returns the owner of each global index.
func CheckPartition(splits []*Split, total int) ([]Owner, error) {
	owners := make([]Owner, total)
	seen := make([]bool, total)
	count := 0
	for s, split := range splits {
		for j, idx := range split.Indices {
			if idx < 0 || idx >= total {
				return nil, fmt.Errorf("%w: index %d of split %q outside [0,%d)", ErrPartition, idx, split.Name, total)
			}
			if seen[idx] {
				return nil, fmt.Errorf("%w: index %d appears twice", ErrPartition, idx)
			}
			seen[idx] = true
			owners[idx] = Owner{Split: s, Local: j}
			count++
		}
	}
	if count != total {
		for idx, ok := range seen {
			if !ok {
				return nil, fmt.Errorf("%w: index %d belongs to no split", ErrPartition, idx)
			}
		}
	}
	return owners, nil
}
