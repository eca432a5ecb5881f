package reference

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

func undirected(n int, edges [][2]int) *graph.Graph {
	g := &graph.Graph{NumNodes: n, X: tensor.New(n, 2), Y: []float64{0}}
	for _, e := range edges {
		g.EdgeIndex[0] = append(g.EdgeIndex[0], e[0], e[1])
		g.EdgeIndex[1] = append(g.EdgeIndex[1], e[1], e[0])
	}
	return g
}

func TestLaplacianPathGraph(t *testing.T) {
	g := undirected(4, [][2]int{{0, 1}, {1, 2}, {2, 3}})
	lap, err := Laplacian(g)
	if err != nil {
		t.Fatal(err)
	}

	degrees := []float64{1, 2, 2, 1}
	for i, d := range degrees {
		if lap.At(i, i) != d {
			t.Errorf("degree[%d]: expected %f, got %f", i, d, lap.At(i, i))
		}
	}
	if lap.At(0, 1) != -1 || lap.At(1, 0) != -1 || lap.At(0, 2) != 0 {
		t.Errorf("off-diagonal entries are not -A: %v", mat.Formatted(lap))
	}

	vec, err := ComputeLaplacian(g)
	if err != nil {
		t.Fatal(err)
	}
	if vec.Rows != 4 || vec.Cols != 1 {
		t.Fatalf("expected 4x1 column, got %v", vec)
	}

	// largest eigenvalue of the 4-node path Laplacian is 2+sqrt(2)
	lambda := 2 + math.Sqrt2
	var lv mat.VecDense
	lv.MulVec(lap, mat.NewVecDense(4, vec.Data))
	for i := 0; i < 4; i++ {
		if math.Abs(lv.AtVec(i)-lambda*vec.Data[i]) > 1e-9 {
			t.Errorf("L v != λ v at %d: %f vs %f", i, lv.AtVec(i), lambda*vec.Data[i])
		}
	}
	expectedAbs := []float64{0.2706, 0.6533, 0.6533, 0.2706}
	norm := 0.0
	for _, v := range vec.Data {
		norm += v * v
	}
	for i, v := range expectedAbs {
		if math.Abs(math.Abs(vec.Data[i])/math.Sqrt(norm)-v) > 1e-3 {
			t.Errorf("component %d: expected |%f|, got %f", i, v, vec.Data[i])
		}
	}
}

func TestLaplacianPadsIsolatedNodes(t *testing.T) {
	g := undirected(5, [][2]int{{0, 1}, {1, 2}})

	adj := DenseAdjacency(g)
	if r, c := adj.Dims(); r != 3 || c != 3 {
		t.Fatalf("adjacency should cover 3 nodes, got %dx%d", r, c)
	}

	lap, err := Laplacian(g)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := lap.Dims(); r != 5 || c != 5 {
		t.Fatalf("expected 5x5 Laplacian, got %dx%d", r, c)
	}
	for i := 3; i < 5; i++ {
		for j := 0; j < 5; j++ {
			if lap.At(i, j) != 0 || lap.At(j, i) != 0 {
				t.Errorf("padded row/col %d not zero at %d", i, j)
			}
		}
	}

	vec, err := ComputeLaplacian(g)
	if err != nil {
		t.Fatal(err)
	}
	if vec.Rows != 5 {
		t.Errorf("expected 5 components, got %d", vec.Rows)
	}
}

func TestLaplacianRejectsEmptyAndOversizedGraphs(t *testing.T) {
	if _, err := ComputeLaplacian(&graph.Graph{}); !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("expected ErrEmptyGraph, got %v", err)
	}
	g := undirected(2, [][2]int{{0, 3}})
	if _, err := Laplacian(g); err == nil {
		t.Error("edge beyond num_nodes should fail")
	}
}

func TestRandomReferenceUnitNorm(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for trial := 0; trial < 50; trial++ {
		v := RandomReference(16, rng)
		if v.Rows != 16 || v.Cols != 1 {
			t.Fatalf("expected 16x1, got %v", v)
		}
		norm := 0.0
		for _, x := range v.Data {
			if x < 0 {
				t.Fatalf("negative component %f", x)
			}
			norm += x * x
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
			t.Fatalf("norm %f != 1", math.Sqrt(norm))
		}
	}
}

func pathDataset(sizes ...int) *graph.Dataset {
	graphs := make([]*graph.Graph, len(sizes))
	for i, n := range sizes {
		var edges [][2]int
		for u := 0; u+1 < n; u++ {
			edges = append(edges, [2]int{u, u + 1})
		}
		graphs[i] = undirected(n, edges)
	}
	return graph.NewDataset(graphs)
}

func manualSplits(d *graph.Dataset, idx [3][]int) []*graph.Split {
	out := make([]*graph.Split, 3)
	for k := range out {
		out[k] = &graph.Split{Name: graph.SplitNames[k], Dataset: d, Indices: idx[k]}
	}
	return out
}

func TestAttachLaplacianOffsetsCoverTable(t *testing.T) {
	d := pathDataset(3, 4, 2, 5)
	splits := manualSplits(d, [3][]int{{3, 0}, {2}, {1}})

	table, err := NewProvider(StrategyLaplacian, 8, 1).Attach(splits)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Values) != 14 {
		t.Fatalf("expected 14 rows (sum of node counts), got %d", len(table.Values))
	}

	// slices partition the table: contiguous, no gaps, no overlap
	for i := 0; i < d.Len(); i++ {
		if table.Offsets[i+1]-table.Offsets[i] != d.Get(i).NumNodes {
			t.Errorf("sample %d slice width %d", i, table.Offsets[i+1]-table.Offsets[i])
		}
		got, err := d.Attr(AttrName, i)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := ComputeLaplacian(d.Get(i))
		for k := range got {
			if math.Abs(math.Abs(got[k])-math.Abs(want.Data[k])) > 1e-9 {
				t.Errorf("sample %d component %d mismatch", i, k)
			}
		}
	}
	if table.Offsets[0] != 0 || table.Offsets[d.Len()] != len(table.Values) {
		t.Errorf("offsets do not span the table: %v", table.Offsets)
	}
}

func TestAttachRandomUniformOffsets(t *testing.T) {
	d := pathDataset(3, 4, 2)
	splits := manualSplits(d, [3][]int{{0}, {1}, {2}})
	table, err := NewProvider(StrategyRandom, 5, 9).Attach(splits)
	if err != nil {
		t.Fatal(err)
	}
	expected := []int{0, 5, 10, 15}
	for i, v := range expected {
		if table.Offsets[i] != v {
			t.Fatalf("offsets: expected %v, got %v", expected, table.Offsets)
		}
	}
	for i := 0; i < 3; i++ {
		norm := 0.0
		for _, x := range table.Slice(i) {
			norm += x * x
		}
		if math.Abs(norm-1) > 1e-9 {
			t.Errorf("sample %d not unit norm: %f", i, norm)
		}
	}
}

func TestAttachReportsSampleIndex(t *testing.T) {
	d := graph.NewDataset([]*graph.Graph{
		undirected(2, [][2]int{{0, 1}}),
		{NumNodes: 0, Y: []float64{0}},
	})
	splits := manualSplits(d, [3][]int{{0}, {}, {1}})
	_, err := NewProvider(StrategyLaplacian, 4, 1).Attach(splits)
	var decErr *DecompositionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecompositionError, got %v", err)
	}
	if decErr.Index != 1 || !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestAttachRejectsBadPartition(t *testing.T) {
	d := pathDataset(2, 2, 2)
	splits := manualSplits(d, [3][]int{{0, 1}, {1}, {}})
	if _, err := NewProvider(StrategyRandom, 4, 1).Attach(splits); !errors.Is(err, graph.ErrPartition) {
		t.Errorf("expected ErrPartition, got %v", err)
	}
}
