package reference

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

// AttrName is the dataset attribute the reference targets are installed under
const AttrName = "eig_vec"

// Strategy selects how reference targets are produced
type Strategy string

const (
	StrategyLaplacian Strategy = "laplacian"
	StrategyRandom    Strategy = "random"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLaplacian, StrategyRandom:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown reference strategy %q", s)
}

// RandomReference draws dim i.i.d. uniform [0,1) values normalised to unit L2 norm
func RandomReference(dim int, rng *rand.Rand) *tensor.Dense {
	v := make([]float64, dim)
	for {
		for i := range v {
			v[i] = rng.Float64()
		}
		if norm := floats.Norm(v, 2); norm > 0 {
			floats.Scale(1/norm, v)
			return tensor.Column(v)
		}
	}
}

// Table is the concatenation of every sample's reference target with its offsets
type Table struct {
	Strategy Strategy
	Values   []float64
	Offsets  []int
}

// Slice returns the target of global sample i
func (t *Table) Slice(i int) []float64 {
	return t.Values[t.Offsets[i]:t.Offsets[i+1]]
}

// Provider computes reference targets for whole datasets
type Provider struct {
	Strategy Strategy
	Dim      int // hidden dimension, used by the random strategy
	rng      *rand.Rand
}

func NewProvider(strategy Strategy, dim int, seed uint64) *Provider {
	return &Provider{
		Strategy: strategy,
		Dim:      dim,
		rng:      rand.New(rand.NewPCG(seed, 0x5eed)),
	}
}

func (p *Provider) target(g *graph.Graph) (*tensor.Dense, error) {
	switch p.Strategy {
	case StrategyLaplacian:
		return ComputeLaplacian(g)
	case StrategyRandom:
		if p.Dim <= 0 {
			return nil, fmt.Errorf("random reference needs a positive dim, got %d", p.Dim)
		}
		return RandomReference(p.Dim, p.rng), nil
	}
	return nil, fmt.Errorf("unknown reference strategy %q", p.Strategy)
}

// Attach computes one target per sample, in increasing global index order across all
// splits, and installs the table on the splits' dataset as AttrName.
func (p *Provider) Attach(splits []*graph.Split) (*Table, error) {
	if len(splits) == 0 {
		return nil, fmt.Errorf("attach: no splits")
	}
	dataset := splits[0].Dataset
	for _, s := range splits[1:] {
		if s.Dataset != dataset {
			return nil, fmt.Errorf("attach: split %q uses a different dataset", s.Name)
		}
	}

	total := dataset.Len()
	owners, err := graph.CheckPartition(splits, total)
	if err != nil {
		return nil, err
	}

	table := &Table{Strategy: p.Strategy}
	for i := 0; i < total; i++ {
		o := owners[i]
		g, _ := splits[o.Split].Get(o.Local)
		vec, err := p.target(g)
		if err != nil {
			return nil, &DecompositionError{Index: i, Err: err}
		}
		table.Values = append(table.Values, vec.Data...)
	}

	switch p.Strategy {
	case StrategyLaplacian:
		table.Offsets = dataset.NodeSlices()
	case StrategyRandom:
		table.Offsets = make([]int, total+1)
		for i := range table.Offsets {
			table.Offsets[i] = i * p.Dim
		}
	}
	if last := table.Offsets[len(table.Offsets)-1]; last != len(table.Values) {
		return nil, fmt.Errorf("%s offsets cover %d values, computed %d", p.Strategy, last, len(table.Values))
	}

	if err := dataset.SetAttr(AttrName, table.Values, table.Offsets); err != nil {
		return nil, err
	}
	return table, nil
}
