package reference

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

var (
	// ErrEmptyGraph is returned for graphs without nodes
	ErrEmptyGraph = errors.New("graph has no nodes")
	// ErrNotConverged is returned when the eigendecomposition fails
	ErrNotConverged = errors.New("eigendecomposition did not converge")
)

// DecompositionError identifies the sample whose reference target could not be computed
type DecompositionError struct {
	Index int
	Err   error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("reference target for sample %d: %v", e.Index, e.Err)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// DenseAdjacency builds the adjacency matrix from the edge list. Its size is the largest
// referenced node id + 1, so trailing isolated nodes are not covered. Repeated edges add up.
// Returns nil when the graph has no edges.
func DenseAdjacency(g *graph.Graph) *mat.Dense {
	size := 0
	for k := 0; k < 2; k++ {
		for _, v := range g.EdgeIndex[k] {
			if v+1 > size {
				size = v + 1
			}
		}
	}
	if size == 0 {
		return nil
	}
	adj := mat.NewDense(size, size, nil)
	for e := range g.EdgeIndex[0] {
		src, dst := g.EdgeIndex[0][e], g.EdgeIndex[1][e]
		adj.Set(src, dst, adj.At(src, dst)+1)
	}
	return adj
}

// Laplacian returns D - A for g, zero-padding the adjacency up to NumNodes when
// isolated nodes leave it short.
func Laplacian(g *graph.Graph) (*mat.Dense, error) {
	n := g.NumNodes
	if n <= 0 {
		return nil, ErrEmptyGraph
	}

	adj := mat.NewDense(n, n, nil)
	if a := DenseAdjacency(g); a != nil {
		size, _ := a.Dims()
		if size > n {
			return nil, fmt.Errorf("adjacency covers %d nodes, graph declares %d", size, n)
		}
		// pad: copy into the top-left block, rows/cols [size,n) stay zero
		adj.Slice(0, size, 0, size).(*mat.Dense).Copy(a)
	}

	lap := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		degree := 0.0
		for j := 0; j < n; j++ {
			degree += adj.At(i, j)
		}
		for j := 0; j < n; j++ {
			lap.Set(i, j, -adj.At(i, j))
		}
		lap.Set(i, i, lap.At(i, i)+degree)
	}
	return lap, nil
}

// ComputeLaplacian returns the real eigenvector of the graph Laplacian paired with the
// largest real eigenvalue, as a NumNodes x 1 column.
func ComputeLaplacian(g *graph.Graph) (*tensor.Dense, error) {
	lap, err := Laplacian(g)
	if err != nil {
		return nil, err
	}
	n, _ := lap.Dims()

	var eig mat.Eigen
	if ok := eig.Factorize(lap, mat.EigenRight); !ok {
		return nil, ErrNotConverged
	}
	values := eig.Values(nil)
	var vectors mat.CDense
	eig.VectorsTo(&vectors)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return real(values[order[a]]) > real(values[order[b]])
	})
	top := order[0]

	out := tensor.New(n, 1)
	for i := 0; i < n; i++ {
		out.Data[i] = real(vectors.At(i, top))
	}
	return out, nil
}
