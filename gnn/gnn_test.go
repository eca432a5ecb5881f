package gnn

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

func testBatch(t *testing.T) *graph.Batch {
	t.Helper()
	g0 := &graph.Graph{
		NumNodes:  3,
		X:         tensor.FromSlice([]float64{0.1, 0.5, -0.3, 0.8, 0.7, -0.2}, 3, 2),
		EdgeIndex: [2][]int{{0, 1, 1, 2}, {1, 0, 2, 1}},
		Y:         []float64{1},
	}
	g1 := &graph.Graph{
		NumNodes:  2,
		X:         tensor.FromSlice([]float64{-0.6, 0.2, 0.4, 0.9}, 2, 2),
		EdgeIndex: [2][]int{{0, 1}, {1, 0}},
		Y:         []float64{0},
	}
	b, err := graph.Collate(graph.NewDataset([]*graph.Graph{g0, g1}), []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testNetwork(t *testing.T, pooling string, layersMP int) *Network {
	t.Helper()
	n, err := New(Config{
		DimIn: 2, DimInner: 3, DimOut: 1,
		LayersPreMP: 1, LayersMP: layersMP, LayersPostMP: 2,
		Act: ActivationTanh, GraphPooling: pooling, Seed: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// objective is sum_l <c_l, h_l> + <c_p, pred>, whose gradients are exactly the coefficients
func objective(t *testing.T, n *Network, b *graph.Batch, hidden []*tensor.Dense, predCoef *tensor.Dense) float64 {
	t.Helper()
	pred, _, err := n.Forward(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	total := 0.0
	for l, h := range n.MP.Activations() {
		for i, v := range h.Data {
			total += v * hidden[l].Data[i]
		}
	}
	for i, v := range pred.Data {
		total += v * predCoef.Data[i]
	}
	return total
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	b := testBatch(t)
	for _, pooling := range []string{"add", "mean"} {
		t.Run(pooling, func(t *testing.T) {
			n := testNetwork(t, pooling, 2)
			rng := rand.New(rand.NewPCG(1, 2))
			hidden := make([]*tensor.Dense, 2)
			for l := range hidden {
				hidden[l] = tensor.New(b.NumNodes(), 3)
				for i := range hidden[l].Data {
					hidden[l].Data[i] = rng.Float64() - 0.5
				}
			}
			predCoef := tensor.FromSlice([]float64{0.7, -1.3}, 2, 1)

			objective(t, n, b, hidden, predCoef)
			n.ZeroGrad()
			if err := n.Backward(hidden, predCoef); err != nil {
				t.Fatal(err)
			}

			const h = 1e-6
			for _, p := range n.Params() {
				for i := range p.Value.Data {
					orig := p.Value.Data[i]
					p.Value.Data[i] = orig + h
					lp := objective(t, n, b, hidden, predCoef)
					p.Value.Data[i] = orig - h
					lm := objective(t, n, b, hidden, predCoef)
					p.Value.Data[i] = orig
					numeric := (lp - lm) / (2 * h)
					if math.Abs(numeric-p.Grad.Data[i]) > 1e-5 {
						t.Errorf("%s[%d]: analytic %f, numeric %f", p.Name, i, p.Grad.Data[i], numeric)
					}
				}
			}
		})
	}
}

func TestHiddenOnlyBackwardLeavesHeadUntouched(t *testing.T) {
	b := testBatch(t)
	n := testNetwork(t, "max", 2)
	if _, _, err := n.Forward(b, nil); err != nil {
		t.Fatal(err)
	}
	hidden := []*tensor.Dense{nil, tensor.New(b.NumNodes(), 3)}
	for i := range hidden[1].Data {
		hidden[1].Data[i] = 1
	}
	n.ZeroGrad()
	if err := n.Backward(hidden, nil); err != nil {
		t.Fatal(err)
	}
	for _, l := range n.PostMP.MLP {
		for _, v := range l.W.Grad.Data {
			if v != 0 {
				t.Fatalf("%s received gradient without a prediction gradient", l.W.Name)
			}
		}
	}
	nonZero := false
	for _, v := range n.PreMP[0].W.Grad.Data {
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("expected the encoder to receive the hidden gradient")
	}
}

func TestCaptureThroughRegistry(t *testing.T) {
	b := testBatch(t)
	n := testNetwork(t, "mean", 3)

	reg := capture.NewRegistry()
	layers, err := reg.Register(n, "mp")
	if err != nil {
		t.Fatal(err)
	}
	if layers != 3 {
		t.Fatalf("expected 3 hooked layers, got %d", layers)
	}

	cc := capture.NewContext()
	if _, _, err := n.Forward(b, cc); err != nil {
		t.Fatal(err)
	}
	if cc.Len() != 3 {
		t.Fatalf("expected 3 captured layers, got %d", cc.Len())
	}
	acts := n.MP.Activations()
	for l := 0; l < 3; l++ {
		out, _ := cc.Output(l)
		for i, v := range out.Data {
			if v != acts[l].Data[i] {
				t.Fatalf("layer %d: captured output differs from stack activation", l)
			}
		}
	}
	in0, _ := cc.Input(0)
	if in0.Rows != b.NumNodes() || in0.Cols != 3 {
		t.Errorf("layer 0 input: expected [%d,3], got [%d,%d]", b.NumNodes(), in0.Rows, in0.Cols)
	}

	if _, err := reg.Register(n, "mp"); !errors.Is(err, capture.ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestEvalForwardHasNoCache(t *testing.T) {
	b := testBatch(t)
	n := testNetwork(t, "add", 1)
	n.Eval()
	if _, _, err := n.Forward(b, nil); err != nil {
		t.Fatal(err)
	}
	err := n.Backward([]*tensor.Dense{nil}, tensor.New(2, 1))
	if !errors.Is(err, ErrNoCache) {
		t.Errorf("expected ErrNoCache, got %v", err)
	}
}

func TestZeroLayerNetwork(t *testing.T) {
	b := testBatch(t)
	n := testNetwork(t, "mean", 0)
	pred, truth, err := n.Forward(b, capture.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	if pred.Rows != 2 || truth.Rows != 2 {
		t.Errorf("expected one prediction per graph, got %d/%d", pred.Rows, truth.Rows)
	}
	if len(n.MP.Activations()) != 0 {
		t.Errorf("expected no activations, got %d", len(n.MP.Activations()))
	}
}

func TestStateRoundTrip(t *testing.T) {
	src := testNetwork(t, "mean", 2)
	dst, err := New(Config{
		DimIn: 2, DimInner: 3, DimOut: 1,
		LayersPreMP: 1, LayersMP: 2, LayersPostMP: 2,
		Act: ActivationTanh, GraphPooling: "mean", Seed: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.LoadState(src.GetState()); err != nil {
		t.Fatal(err)
	}
	sp, dp := src.Params(), dst.Params()
	for i := range sp {
		for j, v := range sp[i].Value.Data {
			if dp[i].Value.Data[j] != v {
				t.Fatalf("%s differs after LoadState", sp[i].Name)
			}
		}
	}

	if err := dst.LoadState(map[string]interface{}{"type": "mlp"}); err == nil {
		t.Error("expected type mismatch error")
	}
	if src.NumParams() != dst.NumParams() {
		t.Errorf("NumParams: %d vs %d", src.NumParams(), dst.NumParams())
	}
}

func TestNewRejectsBadShape(t *testing.T) {
	if _, err := New(Config{DimIn: 2, DimInner: 3, DimOut: 1, LayersPostMP: 0}); err == nil {
		t.Error("expected error for missing head")
	}
	if _, err := New(Config{DimIn: 2, DimInner: 0, DimOut: 1, LayersPostMP: 1}); err == nil {
		t.Error("expected error for zero inner dim")
	}
}
