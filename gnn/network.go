package gnn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

// Config describes the network shape
type Config struct {
	DimIn        int
	DimInner     int
	DimOut       int
	LayersPreMP  int
	LayersMP     int
	LayersPostMP int
	Act          ActivationType
	GraphPooling string // "add", "mean" or "max"
	Seed         uint64
}

// Head pools node states per graph and maps them to predictions
type Head struct {
	Pooling string
	MLP     Sequential

	assign []int
	argmax []int // max pooling: source node per (graph, channel)
	counts []float64
	nodes  int
}

func (h *Head) NamedChildren() []capture.Child { return h.MLP.NamedChildren() }

func (h *Head) pool(x *tensor.Dense, b *graph.Batch, train bool) (*tensor.Dense, error) {
	out := tensor.New(b.NumGraphs, x.Cols)
	counts := make([]float64, b.NumGraphs)
	var argmax []int

	switch h.Pooling {
	case "add", "mean":
		for n := 0; n < x.Rows; n++ {
			g := b.Assign[n]
			counts[g]++
			row := out.Row(g)
			for j, v := range x.Row(n) {
				row[j] += v
			}
		}
		if h.Pooling == "mean" {
			for g := 0; g < b.NumGraphs; g++ {
				if counts[g] == 0 {
					continue
				}
				for j := range out.Row(g) {
					out.Row(g)[j] /= counts[g]
				}
			}
		}
	case "max":
		argmax = make([]int, b.NumGraphs*x.Cols)
		for i := range argmax {
			argmax[i] = -1
		}
		for i := range out.Data {
			out.Data[i] = math.Inf(-1)
		}
		for n := 0; n < x.Rows; n++ {
			g := b.Assign[n]
			for j, v := range x.Row(n) {
				if v > out.At(g, j) {
					out.Set(g, j, v)
					argmax[g*x.Cols+j] = n
				}
			}
		}
		for i, a := range argmax {
			if a < 0 {
				out.Data[i] = 0
			}
		}
	default:
		return nil, fmt.Errorf("unknown graph pooling %q", h.Pooling)
	}

	if train {
		h.assign, h.argmax, h.counts, h.nodes = b.Assign, argmax, counts, x.Rows
	}
	return out, nil
}

func (h *Head) unpool(d *tensor.Dense) *tensor.Dense {
	dx := tensor.New(h.nodes, d.Cols)
	switch h.Pooling {
	case "max":
		for i, n := range h.argmax {
			if n >= 0 {
				dx.Row(n)[i%d.Cols] += d.Data[i]
			}
		}
	default:
		for n := 0; n < h.nodes; n++ {
			g := h.assign[n]
			scale := 1.0
			if h.Pooling == "mean" {
				scale = 1 / h.counts[g]
			}
			row := dx.Row(n)
			for j, v := range d.Row(g) {
				row[j] = v * scale
			}
		}
	}
	return dx
}

// Network is a GCN with a dense encoder, a message-passing stack named "mp" and a
// graph-level head.
type Network struct {
	Config Config
	PreMP  Sequential
	MP     *Stack
	PostMP *Head

	training bool
	prop     *propagation
}

func New(cfg Config) (*Network, error) {
	if cfg.DimInner <= 0 || cfg.DimOut <= 0 {
		return nil, fmt.Errorf("invalid network dims %+v", cfg)
	}
	if cfg.LayersPreMP < 0 || cfg.LayersMP < 0 || cfg.LayersPostMP < 1 {
		return nil, fmt.Errorf("invalid layer counts pre=%d mp=%d post=%d", cfg.LayersPreMP, cfg.LayersMP, cfg.LayersPostMP)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xabcdef))
	n := &Network{Config: cfg, MP: &Stack{}, PostMP: &Head{Pooling: cfg.GraphPooling}, training: true}

	dim := cfg.DimIn
	for i := 0; i < cfg.LayersPreMP; i++ {
		n.PreMP = append(n.PreMP, NewLinear(fmt.Sprintf("pre_mp.%d", i), dim, cfg.DimInner, cfg.Act, rng))
		dim = cfg.DimInner
	}
	for i := 0; i < cfg.LayersMP; i++ {
		n.MP.Layers = append(n.MP.Layers, NewGCNLayer(fmt.Sprintf("mp.layer%d", i), dim, cfg.DimInner, cfg.Act, rng))
		dim = cfg.DimInner
	}
	for i := 0; i < cfg.LayersPostMP; i++ {
		out, act := cfg.DimInner, cfg.Act
		if i == cfg.LayersPostMP-1 {
			out, act = cfg.DimOut, ActivationIdentity
		}
		n.PostMP.MLP = append(n.PostMP.MLP, NewLinear(fmt.Sprintf("post_mp.%d", i), dim, out, act, rng))
		dim = out
	}
	return n, nil
}

func (n *Network) NamedChildren() []capture.Child {
	return []capture.Child{
		{Name: "pre_mp", Module: n.PreMP},
		{Name: "mp", Module: n.MP},
		{Name: "post_mp", Module: n.PostMP},
	}
}

func (n *Network) Train() { n.training = true }

func (n *Network) Eval() { n.training = false }

func (n *Network) Training() bool { return n.training }

// Forward runs the batch through the network. Message-passing layers report their
// activations to cc through their hooks.
func (n *Network) Forward(b *graph.Batch, cc *capture.Context) (*tensor.Dense, *tensor.Dense, error) {
	train := n.training
	x, err := n.PreMP.forward(b.X, train)
	if err != nil {
		return nil, nil, err
	}
	prop := normalize(b)
	if x, err = n.MP.forward(cc, prop, x, train); err != nil {
		return nil, nil, err
	}
	pooled, err := n.PostMP.pool(x, b, train)
	if err != nil {
		return nil, nil, err
	}
	pred, err := n.PostMP.MLP.forward(pooled, train)
	if err != nil {
		return nil, nil, err
	}
	if train {
		n.prop = prop
	} else {
		n.prop = nil
	}
	return pred, b.Y, nil
}

// Backward propagates gradients of the loss with respect to each message-passing layer
// output (hidden[l], nil for none) and the prediction (predGrad, nil for none).
func (n *Network) Backward(hidden []*tensor.Dense, predGrad *tensor.Dense) error {
	if n.prop == nil {
		return ErrNoCache
	}
	if len(hidden) != len(n.MP.Layers) {
		return fmt.Errorf("got %d hidden gradients for %d layers", len(hidden), len(n.MP.Layers))
	}

	var d *tensor.Dense
	if predGrad != nil {
		dp, err := n.PostMP.MLP.backward(predGrad)
		if err != nil {
			return err
		}
		d = n.PostMP.unpool(dp)
	}

	for l := len(n.MP.Layers) - 1; l >= 0; l-- {
		if hidden[l] != nil {
			if d == nil {
				d = hidden[l].Clone()
			} else if err := d.AddInPlace(hidden[l]); err != nil {
				return fmt.Errorf("layer %d gradient: %w", l, err)
			}
		}
		if d == nil {
			continue
		}
		var err error
		if d, err = n.MP.Layers[l].backward(n.prop, d); err != nil {
			return err
		}
	}

	if d == nil {
		return nil
	}
	_, err := n.PreMP.backward(d)
	return err
}

// Params lists every trainable tensor in a stable order
func (n *Network) Params() []*tensor.Param {
	var params []*tensor.Param
	for _, l := range n.PreMP {
		params = append(params, l.W, l.B)
	}
	for _, l := range n.MP.Layers {
		params = append(params, l.lin.W, l.lin.B)
	}
	for _, l := range n.PostMP.MLP {
		params = append(params, l.W, l.B)
	}
	return params
}

func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}

// NumParams is the model-size metric reported with every batch
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += p.Value.Size()
	}
	return total
}

func (n *Network) GetState() map[string]interface{} {
	params := make(map[string]interface{}, len(n.Params()))
	for _, p := range n.Params() {
		params[p.Name] = append([]float64(nil), p.Value.Data...)
	}
	return map[string]interface{}{
		"type":   "gcn",
		"params": params,
	}
}

func (n *Network) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "gcn" {
		return fmt.Errorf("invalid model type: expected gcn, got %v", state["type"])
	}
	params, ok := state["params"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("model state has no params")
	}
	for _, p := range n.Params() {
		values, ok := tensor.Floats(params[p.Name])
		if !ok {
			return fmt.Errorf("param %s missing from state", p.Name)
		}
		if len(values) != p.Value.Size() {
			return fmt.Errorf("param %s: %d values, expected %d", p.Name, len(values), p.Value.Size())
		}
		copy(p.Value.Data, values)
	}
	return nil
}
