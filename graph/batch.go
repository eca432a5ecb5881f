package graph

import (
	"fmt"
	"math/rand/v2"

	"github.com/openfluke/proxyle/tensor"
)

// Batch is the disjoint union of several graphs
type Batch struct {
	Split     string
	NumGraphs int
	Indices   []int         // global sample indices in batch order
	X         *tensor.Dense // total nodes x dimIn
	EdgeIndex [2][]int      // node ids shifted into batch space
	Assign    []int         // node -> graph position in batch
	Ptr       []int         // graph g owns nodes [Ptr[g], Ptr[g+1])
	Y         *tensor.Dense // NumGraphs x dimY
	attrs     map[string][]float64
}

func (b *Batch) NumNodes() int { return b.Ptr[len(b.Ptr)-1] }

// Attr returns the attribute values concatenated in batch order
func (b *Batch) Attr(name string) ([]float64, bool) {
	v, ok := b.attrs[name]
	return v, ok
}

// Collate builds a batch from the given global indices of d, including every installed
// dataset attribute.
func Collate(d *Dataset, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("collate: empty batch")
	}
	first := d.Get(indices[0])
	dimIn := 0
	if first.X != nil {
		dimIn = first.X.Cols
	}
	dimY := len(first.Y)

	b := &Batch{
		NumGraphs: len(indices),
		Indices:   append([]int(nil), indices...),
		Ptr:       make([]int, len(indices)+1),
		attrs:     make(map[string][]float64),
	}
	for k, idx := range indices {
		b.Ptr[k+1] = b.Ptr[k] + d.Get(idx).NumNodes
	}

	total := b.Ptr[len(indices)]
	b.X = tensor.New(total, dimIn)
	b.Y = tensor.New(len(indices), dimY)
	b.Assign = make([]int, total)

	for k, idx := range indices {
		g := d.Get(idx)
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("collate sample %d: %w", idx, err)
		}
		if g.X != nil {
			if g.X.Cols != dimIn {
				return nil, fmt.Errorf("collate sample %d: feature dim %d, expected %d", idx, g.X.Cols, dimIn)
			}
			copy(b.X.Data[b.Ptr[k]*dimIn:], g.X.Data)
		}
		if len(g.Y) != dimY {
			return nil, fmt.Errorf("collate sample %d: target dim %d, expected %d", idx, len(g.Y), dimY)
		}
		copy(b.Y.Row(k), g.Y)
		for n := b.Ptr[k]; n < b.Ptr[k+1]; n++ {
			b.Assign[n] = k
		}
		shift := b.Ptr[k]
		for e := 0; e < g.NumEdges(); e++ {
			b.EdgeIndex[0] = append(b.EdgeIndex[0], g.EdgeIndex[0][e]+shift)
			b.EdgeIndex[1] = append(b.EdgeIndex[1], g.EdgeIndex[1][e]+shift)
		}
	}

	for _, name := range d.AttrNames() {
		var values []float64
		for _, idx := range indices {
			part, err := d.Attr(name, idx)
			if err != nil {
				return nil, fmt.Errorf("collate attr %q: %w", name, err)
			}
			values = append(values, part...)
		}
		b.attrs[name] = values
	}
	return b, nil
}

// Loader cuts a split into batches
type Loader struct {
	Split     *Split
	BatchSize int
	Shuffle   bool
	rng       *rand.Rand
}

func NewLoader(split *Split, batchSize int, shuffle bool, seed uint64) *Loader {
	return &Loader{
		Split:     split,
		BatchSize: batchSize,
		Shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, uint64(len(split.Indices)))),
	}
}

// Batches collates the split for one pass. Shuffled loaders draw a new order per call.
func (l *Loader) Batches() ([]*Batch, error) {
	order := append([]int(nil), l.Split.Indices...)
	if l.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	size := l.BatchSize
	if size <= 0 {
		size = len(order)
	}

	var batches []*Batch
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		b, err := Collate(l.Split.Dataset, order[start:end])
		if err != nil {
			return nil, err
		}
		b.Split = l.Split.Name
		batches = append(batches, b)
	}
	return batches, nil
}
