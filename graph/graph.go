package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/openfluke/proxyle/tensor"
)

var (
	// ErrPartition is returned when the splits do not partition the dataset indices
	ErrPartition = errors.New("splits do not partition the dataset")
	// ErrNoAttr is returned when a dataset attribute has not been installed
	ErrNoAttr = errors.New("attribute not set")
)

// Graph is one graph sample
type Graph struct {
	NumNodes  int
	X         *tensor.Dense // NumNodes x dimIn
	EdgeIndex [2][]int      // [0]=source, [1]=destination
	Y         []float64     // graph-level targets
}

func (g *Graph) NumEdges() int { return len(g.EdgeIndex[0]) }

// Validate checks that features and edges agree with NumNodes
func (g *Graph) Validate() error {
	if g.NumNodes < 0 {
		return fmt.Errorf("negative node count %d", g.NumNodes)
	}
	if len(g.EdgeIndex[0]) != len(g.EdgeIndex[1]) {
		return fmt.Errorf("edge index rows differ: %d vs %d", len(g.EdgeIndex[0]), len(g.EdgeIndex[1]))
	}
	if g.X != nil && g.X.Rows != g.NumNodes {
		return fmt.Errorf("feature rows %d != num_nodes %d", g.X.Rows, g.NumNodes)
	}
	for k := 0; k < 2; k++ {
		for _, v := range g.EdgeIndex[k] {
			if v < 0 || v >= g.NumNodes {
				return fmt.Errorf("edge endpoint %d out of range [0,%d)", v, g.NumNodes)
			}
		}
	}
	return nil
}

// Attr is a sliceable auxiliary attribute: sample i owns Values[Offsets[i]:Offsets[i+1]]
type Attr struct {
	Values  []float64
	Offsets []int
}

func (a *Attr) Slice(i int) ([]float64, error) {
	if i < 0 || i+1 >= len(a.Offsets) {
		return nil, fmt.Errorf("sample %d outside attribute with %d samples", i, len(a.Offsets)-1)
	}
	return a.Values[a.Offsets[i]:a.Offsets[i+1]], nil
}

// Dataset is an in-memory collection of graphs with node slices and auxiliary attributes
type Dataset struct {
	Graphs []*Graph
	slices []int
	attrs  map[string]*Attr
}

func NewDataset(graphs []*Graph) *Dataset {
	d := &Dataset{Graphs: graphs, attrs: make(map[string]*Attr)}
	d.slices = make([]int, len(graphs)+1)
	for i, g := range graphs {
		rows := g.NumNodes
		if g.X != nil {
			rows = g.X.Rows
		}
		d.slices[i+1] = d.slices[i] + rows
	}
	return d
}

func (d *Dataset) Len() int { return len(d.Graphs) }

func (d *Dataset) Get(i int) *Graph { return d.Graphs[i] }

// NodeSlices returns the row offsets of every sample in the concatenated feature matrix
func (d *Dataset) NodeSlices() []int {
	out := make([]int, len(d.slices))
	copy(out, d.slices)
	return out
}

// SetAttr installs a sliceable attribute. Offsets must start at 0, be non-decreasing,
// address every sample and end at len(values).
func (d *Dataset) SetAttr(name string, values []float64, offsets []int) error {
	if len(offsets) != d.Len()+1 {
		return fmt.Errorf("attr %q: %d offsets for %d samples", name, len(offsets), d.Len())
	}
	if offsets[0] != 0 {
		return fmt.Errorf("attr %q: first offset is %d", name, offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return fmt.Errorf("attr %q: offsets decrease at %d", name, i)
		}
	}
	if last := offsets[len(offsets)-1]; last != len(values) {
		return fmt.Errorf("attr %q: offsets cover %d values, have %d", name, last, len(values))
	}
	d.attrs[name] = &Attr{Values: values, Offsets: offsets}
	return nil
}

// Attr returns the slice of attribute name owned by sample i
func (d *Dataset) Attr(name string, i int) ([]float64, error) {
	a, ok := d.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoAttr, name)
	}
	return a.Slice(i)
}

// AttrNames lists installed attributes
func (d *Dataset) AttrNames() []string {
	names := make([]string, 0, len(d.attrs))
	for name := range d.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
