package proxy

import (
	"fmt"
	"testing"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/checkpoint"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/reference"
	"github.com/openfluke/proxyle/tensor"
)

type fakeLayer struct{ hook capture.Hook }

func (l *fakeLayer) SetHook(h capture.Hook) { l.hook = h }
func (l *fakeLayer) Hook() capture.Hook { return l.hook }

type fakeStack struct{ layers []*fakeLayer }

func (s *fakeStack) NamedChildren() []capture.Child {
	out := make([]capture.Child, len(s.layers))
	for i, l := range s.layers {
		out[i] = capture.Child{Name: fmt.Sprint(i), Module: l}
	}
	return out
}

// fakeModel emits deterministic layer outputs of width dim through the hooks
type fakeModel struct {
	stack      *fakeStack
	dim        int
	extraCalls int

	training  bool
	forwards  int
	dirty     int
	contexts  []*capture.Context
	hidden    [][]*tensor.Dense
	predGrads []*tensor.Dense
	zeroGrads int
	loaded    map[string]interface{}
}

func newFakeModel(layers, dim int) *fakeModel {
	s := &fakeStack{}
	for i := 0; i < layers; i++ {
		s.layers = append(s.layers, &fakeLayer{})
	}
	return &fakeModel{stack: s, dim: dim}
}

func (m *fakeModel) NamedChildren() []capture.Child {
	return []capture.Child{{Name: "pre_mp", Module: &fakeStack{}}, {Name: "mp", Module: m.stack}}
}

func (m *fakeModel) Forward(b *graph.Batch, cc *capture.Context) (*tensor.Dense, *tensor.Dense, error) {
	m.forwards++
	if !cc.Empty() {
		m.dirty++
	}
	m.contexts = append(m.contexts, cc)
	x := tensor.New(b.NumNodes(), m.dim)
	for l, layer := range m.stack.layers {
		out := tensor.New(b.NumNodes(), m.dim)
		for i := range out.Data {
			out.Data[i] = float64((i*7+l*3)%11) / 11
		}
		if layer.hook != nil {
			layer.hook(cc, capture.Single(x), capture.Composite(x, out))
		}
		x = out
	}
	for i := 0; i < m.extraCalls; i++ {
		cc.Record(capture.Single(x), capture.Single(x))
	}
	return tensor.New(b.NumGraphs, 1), b.Y, nil
}

func (m *fakeModel) Backward(hidden []*tensor.Dense, predGrad *tensor.Dense) error {
	m.hidden = append(m.hidden, hidden)
	m.predGrads = append(m.predGrads, predGrad)
	return nil
}

func (m *fakeModel) ZeroGrad() { m.zeroGrads++ }
func (m *fakeModel) Params() []*tensor.Param { return nil }
func (m *fakeModel) Train() { m.training = true }
func (m *fakeModel) Eval() { m.training = false }
func (m *fakeModel) NumParams() int { return 42 }

func (m *fakeModel) GetState() map[string]interface{} {
	return map[string]interface{}{"type": "fake"}
}

func (m *fakeModel) LoadState(state map[string]interface{}) error {
	m.loaded = state
	return nil
}

// countingLoss returns a fixed loss per call
type countingLoss struct {
	value float64
	calls int
}

func (c *countingLoss) Compute(pred, target []float64) (float64, []float64, []float64, error) {
	c.calls++
	grad := make([]float64, len(pred))
	for i := range grad {
		grad[i] = 1
	}
	return c.value, append([]float64(nil), pred...), grad, nil
}

type fakeLogger struct {
	stats  []BatchStats
	epochs []int
	closed bool
}

func (l *fakeLogger) UpdateStats(s BatchStats) { l.stats = append(l.stats, s) }

func (l *fakeLogger) WriteEpoch(epoch int) error {
	l.epochs = append(l.epochs, epoch)
	return nil
}

func (l *fakeLogger) Close() error {
	l.closed = true
	return nil
}

type fakeOptimizer struct{ steps int }

func (o *fakeOptimizer) Step(params []*tensor.Param, lr float64) { o.steps++ }
func (o *fakeOptimizer) GetState() map[string]interface{} { return map[string]interface{}{} }
func (o *fakeOptimizer) LoadState(map[string]interface{}) error { return nil }

type fakeScheduler struct{ steps int }

func (s *fakeScheduler) Step() { s.steps++ }
func (s *fakeScheduler) LastLR() float64 { return 0.1 }
func (s *fakeScheduler) GetState() map[string]interface{} { return map[string]interface{}{} }
func (s *fakeScheduler) LoadState(map[string]interface{}) error { return nil }

type fakeStore struct {
	start   int
	saved   []int
	cleaned int
}

func (s *fakeStore) Load(model, optimizer, scheduler checkpoint.Stateful, resumeEpoch int) (int, error) {
	return s.start, nil
}

func (s *fakeStore) Save(model, optimizer, scheduler checkpoint.Stateful, epoch int) error {
	s.saved = append(s.saved, epoch)
	return nil
}

func (s *fakeStore) Clean() error {
	s.cleaned++
	return nil
}

// policy follows the usual period rules
type policy struct{ evalPeriod, ckptPeriod, maxEpoch int }

func (p policy) IsEvalEpoch(e int) bool {
	return (e+1)%p.evalPeriod == 0 || e == 0 || e+1 == p.maxEpoch
}
func (p policy) IsTrainEvalEpoch(e int) bool { return p.IsEvalEpoch(e) }
func (p policy) IsCkptEpoch(e int) bool { return (e+1)%p.ckptPeriod == 0 || e+1 == p.maxEpoch }

type staticLoader []*graph.Batch

func (l staticLoader) Batches() ([]*graph.Batch, error) { return l, nil }

func pathGraph(n int) *graph.Graph {
	g := &graph.Graph{NumNodes: n, X: tensor.New(n, 1), Y: []float64{float64(n)}}
	for i := 0; i+1 < n; i++ {
		g.EdgeIndex[0] = append(g.EdgeIndex[0], i, i+1)
		g.EdgeIndex[1] = append(g.EdgeIndex[1], i+1, i)
	}
	return g
}

// laplacianLoaders builds train/val/test loaders over path graphs with eigenvector targets
func laplacianLoaders(t *testing.T, sizes []int, batchSize int) []Loader {
	t.Helper()
	var graphs []*graph.Graph
	for _, n := range sizes {
		graphs = append(graphs, pathGraph(n))
	}
	d := graph.NewDataset(graphs)
	splits, err := graph.NewSplits(d, [3]float64{0.5, 0.25, 0.25}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reference.NewProvider(reference.StrategyLaplacian, 0, 1).Attach(splits); err != nil {
		t.Fatal(err)
	}
	loaders := make([]Loader, len(splits))
	for i, s := range splits {
		loaders[i] = graph.NewLoader(s, batchSize, false, 1)
	}
	return loaders
}
