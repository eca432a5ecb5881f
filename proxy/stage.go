package proxy

import (
	"fmt"
	"log"
	"math"

	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/reference"
	"github.com/openfluke/proxyle/tensor"
)

// CPUPooler is the host implementation of Pooler
type CPUPooler struct{}

func (CPUPooler) RowMax(data []float64, rows, cols int) ([]float64, []int, error) {
	if len(data) != rows*cols {
		return nil, nil, fmt.Errorf("row max: %d values for [%d,%d]", len(data), rows, cols)
	}
	values := make([]float64, rows)
	index := make([]int, rows)
	for r := 0; r < rows; r++ {
		index[r] = -1
		if cols == 0 {
			continue
		}
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		values[r], index[r] = row[best], best
	}
	return values, index, nil
}

// StageResult is the outcome of one layer's proxy loss
type StageResult struct {
	Loss  float64
	Score []float64
	True  []float64
	Grad  *tensor.Dense // d(loss)/d(h), same shape as h
}

// Stage reduces a layer's node states with a max-pool and scores them against the
// batch's reference targets
type Stage struct {
	Strategy reference.Strategy
	Loss     LossFunc

	// Accel, when set, is tried before the host pooler
	Accel Pooler
}

func (s *Stage) rowMax(data []float64, rows, cols int) ([]float64, []int, error) {
	if s.Accel != nil {
		values, index, err := s.Accel.RowMax(data, rows, cols)
		if err == nil {
			return values, index, nil
		}
		log.Printf("accelerated pooling failed, falling back to cpu: %v", err)
		s.Accel = nil
	}
	return CPUPooler{}.RowMax(data, rows, cols)
}

// Compute pools h and applies the loss. The Laplacian strategy pools over the feature axis
// (one value per node); the random strategy pools over the nodes of each graph (one value
// per channel per graph).
func (s *Stage) Compute(h *tensor.Dense, b *graph.Batch) (*StageResult, error) {
	target, ok := b.Attr(reference.AttrName)
	if !ok {
		return nil, fmt.Errorf("batch has no %q attribute", reference.AttrName)
	}
	if h.Rows != b.NumNodes() {
		return nil, fmt.Errorf("activation has %d rows for %d nodes", h.Rows, b.NumNodes())
	}

	var pooled []float64
	var route func(k int, g float64, grad *tensor.Dense)

	switch s.Strategy {
	case reference.StrategyLaplacian:
		values, index, err := s.rowMax(h.Data, h.Rows, h.Cols)
		if err != nil {
			return nil, err
		}
		pooled = values
		route = func(k int, g float64, grad *tensor.Dense) {
			if index[k] >= 0 {
				grad.Row(k)[index[k]] += g
			}
		}
	case reference.StrategyRandom:
		values, nodes, err := s.poolNodes(h, b)
		if err != nil {
			return nil, err
		}
		pooled = values
		route = func(k int, g float64, grad *tensor.Dense) {
			if nodes[k] >= 0 {
				grad.Row(nodes[k])[k%h.Cols] += g
			}
		}
	default:
		return nil, fmt.Errorf("unknown reference strategy %q", s.Strategy)
	}

	if len(pooled) != len(target) {
		return nil, fmt.Errorf("%s pooling produced %d values for %d reference values", s.Strategy, len(pooled), len(target))
	}
	loss, score, dpooled, err := s.Loss.Compute(pooled, target)
	if err != nil {
		return nil, err
	}

	grad := tensor.New(h.Rows, h.Cols)
	for k, g := range dpooled {
		route(k, g, grad)
	}
	return &StageResult{
		Loss:  loss,
		Score: score,
		True:  append([]float64(nil), target...),
		Grad:  grad,
	}, nil
}

// poolNodes returns, for each (graph, channel), the max over that graph's nodes and the
// batch node it came from (-1 for graphs without nodes)
func (s *Stage) poolNodes(h *tensor.Dense, b *graph.Batch) ([]float64, []int, error) {
	width := 0
	for g := 0; g < b.NumGraphs; g++ {
		if n := b.Ptr[g+1] - b.Ptr[g]; n > width {
			width = n
		}
	}

	// one row per (graph, channel), padded to the largest graph
	rows := b.NumGraphs * h.Cols
	data := make([]float64, rows*width)
	for g := 0; g < b.NumGraphs; g++ {
		n := b.Ptr[g+1] - b.Ptr[g]
		for c := 0; c < h.Cols; c++ {
			row := data[(g*h.Cols+c)*width : (g*h.Cols+c+1)*width]
			for i := range row {
				if i < n {
					row[i] = h.At(b.Ptr[g]+i, c)
				} else {
					row[i] = -math.MaxFloat32
				}
			}
		}
	}

	values, index, err := s.rowMax(data, rows, width)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]int, rows)
	for k := range values {
		g := k / h.Cols
		n := b.Ptr[g+1] - b.Ptr[g]
		if index[k] < 0 || index[k] >= n {
			values[k], nodes[k] = 0, -1
			continue
		}
		nodes[k] = b.Ptr[g] + index[k]
	}
	return values, nodes, nil
}
