package gnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

// ErrNoCache is returned when backward runs without a training-mode forward
var ErrNoCache = errors.New("backward without cached forward (eval mode?)")

// Linear is a dense layer: act(x @ W + b)
type Linear struct {
	Name string
	W    *tensor.Param // in x out
	B    *tensor.Param // 1 x out
	Act  ActivationType

	in  *tensor.Dense
	pre *tensor.Dense
}

func NewLinear(name string, in, out int, act ActivationType, rng *rand.Rand) *Linear {
	l := &Linear{
		Name: name,
		W:    tensor.NewParam(name+".weight", in, out),
		B:    tensor.NewParam(name+".bias", 1, out),
		Act:  act,
	}
	l.W.GlorotInit(rng)
	return l
}

func (l *Linear) forward(x *tensor.Dense, train bool) (*tensor.Dense, error) {
	pre, err := tensor.MatMul(x, l.W.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Name, err)
	}
	pre.AddRow(l.B.Value.Data)

	out := pre.Clone()
	for i, v := range out.Data {
		out.Data[i] = activate(v, l.Act)
	}
	if train {
		l.in, l.pre = x, pre
	} else {
		l.in, l.pre = nil, nil
	}
	return out, nil
}

// backward accumulates parameter gradients and returns the gradient w.r.t. the input
func (l *Linear) backward(dout *tensor.Dense) (*tensor.Dense, error) {
	if l.pre == nil {
		return nil, fmt.Errorf("%s: %w", l.Name, ErrNoCache)
	}
	if !dout.SameShape(l.pre) {
		return nil, fmt.Errorf("%s: gradient %v does not match output %v", l.Name, dout, l.pre)
	}
	dz := dout.Clone()
	for i, v := range l.pre.Data {
		dz.Data[i] *= activateDerivative(v, l.Act)
	}

	dW, err := tensor.MatMulTransA(l.in, dz)
	if err != nil {
		return nil, err
	}
	if err := l.W.Grad.AddInPlace(dW); err != nil {
		return nil, err
	}
	for j, v := range dz.SumRows() {
		l.B.Grad.Data[j] += v
	}
	return tensor.MatMulTransB(dz, l.W.Value)
}

// Sequential is an ordered list of dense layers
type Sequential []*Linear

func (s Sequential) NamedChildren() []capture.Child {
	out := make([]capture.Child, len(s))
	for i, l := range s {
		out[i] = capture.Child{Name: fmt.Sprint(i), Module: l}
	}
	return out
}

func (s Sequential) forward(x *tensor.Dense, train bool) (*tensor.Dense, error) {
	var err error
	for _, l := range s {
		if x, err = l.forward(x, train); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s Sequential) backward(d *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		if d, err = s[i].backward(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// propagation is the symmetric-normalised adjacency with self loops, as an edge list
type propagation struct {
	n      int
	src    []int
	dst    []int
	weight []float64
}

func normalize(b *graph.Batch) *propagation {
	n := b.NumNodes()
	p := &propagation{n: n}
	p.src = append(p.src, b.EdgeIndex[0]...)
	p.dst = append(p.dst, b.EdgeIndex[1]...)
	for i := 0; i < n; i++ {
		p.src = append(p.src, i)
		p.dst = append(p.dst, i)
	}

	deg := make([]float64, n)
	for _, d := range p.dst {
		deg[d]++
	}
	p.weight = make([]float64, len(p.src))
	for e := range p.src {
		p.weight[e] = 1 / math.Sqrt(deg[p.src[e]]*deg[p.dst[e]])
	}
	return p
}

// apply computes Â x: messages flow source -> destination
func (p *propagation) apply(x *tensor.Dense) *tensor.Dense {
	out := tensor.New(x.Rows, x.Cols)
	for e := range p.src {
		w := p.weight[e]
		src, dst := x.Row(p.src[e]), out.Row(p.dst[e])
		for j := range dst {
			dst[j] += w * src[j]
		}
	}
	return out
}

// applyT computes Âᵀ g
func (p *propagation) applyT(g *tensor.Dense) *tensor.Dense {
	out := tensor.New(g.Rows, g.Cols)
	for e := range p.src {
		w := p.weight[e]
		dst, src := g.Row(p.dst[e]), out.Row(p.src[e])
		for j := range src {
			src[j] += w * dst[j]
		}
	}
	return out
}

// GCNLayer is one message-passing layer: act((Â x) W + b)
type GCNLayer struct {
	Name string
	lin  *Linear
	hook capture.Hook
}

func NewGCNLayer(name string, in, out int, act ActivationType, rng *rand.Rand) *GCNLayer {
	return &GCNLayer{Name: name, lin: NewLinear(name, in, out, act, rng)}
}

func (l *GCNLayer) SetHook(h capture.Hook) { l.hook = h }

func (l *GCNLayer) Hook() capture.Hook { return l.hook }

// Forward reports (input, [aggregated messages, output]) to the hook
func (l *GCNLayer) Forward(cc *capture.Context, p *propagation, x *tensor.Dense, train bool) (*tensor.Dense, error) {
	agg := p.apply(x)
	out, err := l.lin.forward(agg, train)
	if err != nil {
		return nil, err
	}
	if l.hook != nil {
		l.hook(cc, capture.Single(x), capture.Composite(agg, out))
	}
	return out, nil
}

func (l *GCNLayer) backward(p *propagation, dout *tensor.Dense) (*tensor.Dense, error) {
	dagg, err := l.lin.backward(dout)
	if err != nil {
		return nil, err
	}
	return p.applyT(dagg), nil
}

// Stack is the message-passing stage
type Stack struct {
	Layers []*GCNLayer
	last   []*tensor.Dense
}

func (s *Stack) NamedChildren() []capture.Child {
	out := make([]capture.Child, len(s.Layers))
	for i, l := range s.Layers {
		out[i] = capture.Child{Name: l.Name, Module: l}
	}
	return out
}

// Activations returns the layer outputs of the most recent forward, in layer order
func (s *Stack) Activations() []*tensor.Dense {
	return append([]*tensor.Dense(nil), s.last...)
}

func (s *Stack) forward(cc *capture.Context, p *propagation, x *tensor.Dense, train bool) (*tensor.Dense, error) {
	s.last = s.last[:0]
	var err error
	for _, l := range s.Layers {
		if x, err = l.Forward(cc, p, x, train); err != nil {
			return nil, err
		}
		s.last = append(s.last, x)
	}
	return x, nil
}
