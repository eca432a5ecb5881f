package optim

import (
	"fmt"
	"math"

	"github.com/openfluke/proxyle/tensor"
)

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters
	Step(params []*tensor.Param, learningRate float64)

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// GetState returns optimizer state for serialization
	GetState() map[string]interface{}

	// LoadState restores optimizer state from serialization
	LoadState(state map[string]interface{}) error

	Name() string
}

// Options collects the hyperparameters shared by every optimizer constructor
type Options struct {
	WeightDecay float64
	Momentum    float64
	Nesterov    bool
}

// New builds an optimizer by config name: sgd, adam, adamw or rmsprop
func New(name string, opts Options) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGDOptimizer(opts.Momentum, 0, opts.Nesterov, opts.WeightDecay), nil
	case "adam":
		return NewAdamOptimizer(0.9, 0.999, 1e-8, opts.WeightDecay), nil
	case "adamw":
		return NewAdamWOptimizer(0.9, 0.999, 1e-8, opts.WeightDecay), nil
	case "rmsprop":
		return NewRMSpropOptimizer(0.99, 1e-8, opts.Momentum, opts.WeightDecay), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

// buffers is per-parameter optimizer memory keyed by parameter name
type buffers map[string][]float64

func (b buffers) get(p *tensor.Param) []float64 {
	buf := b[p.Name]
	if len(buf) != p.Value.Size() {
		buf = make([]float64, p.Value.Size())
		b[p.Name] = buf
	}
	return buf
}

func (b buffers) export() map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func loadBuffers(v interface{}) (buffers, error) {
	b := make(buffers)
	if v == nil {
		return b, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("buffer state is %T", v)
	}
	for k, raw := range m {
		values, ok := tensor.Floats(raw)
		if !ok {
			return nil, fmt.Errorf("buffer %s is %T", k, raw)
		}
		b[k] = values
	}
	return b, nil
}

func checkType(state map[string]interface{}, want string) error {
	if t, ok := state["type"].(string); !ok || t != want {
		return fmt.Errorf("invalid optimizer type: expected %s, got %v", want, state["type"])
	}
	return nil
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum    float64
	dampening   float64
	nesterov    bool
	weightDecay float64
	velocities  buffers
}

func NewSGDOptimizer(momentum, dampening float64, nesterov bool, weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:    momentum,
		dampening:   dampening,
		nesterov:    nesterov,
		weightDecay: weightDecay,
		velocities:  make(buffers),
	}
}

func (opt *SGDOptimizer) Step(params []*tensor.Param, learningRate float64) {
	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		if opt.momentum == 0 {
			for j := range w {
				w[j] -= learningRate * (g[j] + opt.weightDecay*w[j])
			}
			continue
		}

		// v = momentum * v + (1 - dampening) * grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		v := opt.velocities.get(p)
		for j := range w {
			grad := g[j] + opt.weightDecay*w[j]
			v[j] = opt.momentum*v[j] + (1-opt.dampening)*grad
			if opt.nesterov {
				w[j] -= learningRate * (grad + opt.momentum*v[j])
			} else {
				w[j] -= learningRate * v[j]
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(buffers)
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         "sgd",
		"momentum":     opt.momentum,
		"dampening":    opt.dampening,
		"nesterov":     opt.nesterov,
		"weight_decay": opt.weightDecay,
		"velocities":   opt.velocities.export(),
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]interface{}) error {
	if err := checkType(state, "sgd"); err != nil {
		return err
	}
	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = m
	}
	if d, ok := state["dampening"].(float64); ok {
		opt.dampening = d
	}
	if n, ok := state["nesterov"].(bool); ok {
		opt.nesterov = n
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = wd
	}
	v, err := loadBuffers(state["velocities"])
	if err != nil {
		return fmt.Errorf("sgd velocities: %w", err)
	}
	opt.velocities = v
	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// Adam / AdamW Optimizer
// ============================================================================

// AdamOptimizer folds weight decay into the gradient (Adam) or applies it directly to
// the weights (AdamW, decoupled).
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	decoupled   bool
	step        int

	// First moment estimates (momentum)
	m buffers

	// Second moment estimates (variance)
	v buffers
}

func NewAdamOptimizer(beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(buffers),
		v:           make(buffers),
	}
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	opt := NewAdamOptimizer(beta1, beta2, epsilon, weightDecay)
	opt.decoupled = true
	return opt
}

func (opt *AdamOptimizer) typeName() string {
	if opt.decoupled {
		return "adamw"
	}
	return "adam"
}

func (opt *AdamOptimizer) Step(params []*tensor.Param, learningRate float64) {
	opt.step++

	biasCorrection1 := 1.0 - math.Pow(opt.beta1, float64(opt.step))
	biasCorrection2 := 1.0 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		m, v := opt.m.get(p), opt.v.get(p)
		for j := range w {
			grad := g[j]
			if !opt.decoupled {
				grad += opt.weightDecay * w[j]
			}

			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			update := mHat / (math.Sqrt(vHat) + opt.epsilon)
			if opt.decoupled {
				update += opt.weightDecay * w[j]
			}
			w[j] -= learningRate * update
		}
	}
}

func (opt *AdamOptimizer) Reset() {
	opt.step = 0
	opt.m = make(buffers)
	opt.v = make(buffers)
}

func (opt *AdamOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         opt.typeName(),
		"beta1":        opt.beta1,
		"beta2":        opt.beta2,
		"epsilon":      opt.epsilon,
		"weight_decay": opt.weightDecay,
		"step":         float64(opt.step),
		"m":            opt.m.export(),
		"v":            opt.v.export(),
	}
}

func (opt *AdamOptimizer) LoadState(state map[string]interface{}) error {
	if err := checkType(state, opt.typeName()); err != nil {
		return err
	}
	if b1, ok := state["beta1"].(float64); ok {
		opt.beta1 = b1
	}
	if b2, ok := state["beta2"].(float64); ok {
		opt.beta2 = b2
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = eps
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = wd
	}
	if s, ok := state["step"].(float64); ok {
		opt.step = int(s)
	}
	m, err := loadBuffers(state["m"])
	if err != nil {
		return fmt.Errorf("%s first moment: %w", opt.typeName(), err)
	}
	v, err := loadBuffers(state["v"])
	if err != nil {
		return fmt.Errorf("%s second moment: %w", opt.typeName(), err)
	}
	opt.m, opt.v = m, v
	return nil
}

func (opt *AdamOptimizer) Name() string {
	if opt.decoupled {
		return "AdamW"
	}
	return "Adam"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	alpha       float64 // Decay rate
	epsilon     float64
	momentum    float64
	weightDecay float64

	// Running average of squared gradients
	v buffers

	// Momentum buffer (if momentum > 0)
	buf buffers
}

func NewRMSpropOptimizer(alpha, epsilon, momentum, weightDecay float64) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		alpha:       alpha,
		epsilon:     epsilon,
		momentum:    momentum,
		weightDecay: weightDecay,
		v:           make(buffers),
		buf:         make(buffers),
	}
}

func (opt *RMSpropOptimizer) Step(params []*tensor.Param, learningRate float64) {
	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		v := opt.v.get(p)
		var buf []float64
		if opt.momentum > 0 {
			buf = opt.buf.get(p)
		}
		for j := range w {
			grad := g[j] + opt.weightDecay*w[j]

			// v = alpha * v + (1 - alpha) * grad^2
			v[j] = opt.alpha*v[j] + (1-opt.alpha)*grad*grad
			scaled := grad / (math.Sqrt(v[j]) + opt.epsilon)

			if opt.momentum > 0 {
				buf[j] = opt.momentum*buf[j] + scaled
				w[j] -= learningRate * buf[j]
			} else {
				w[j] -= learningRate * scaled
			}
		}
	}
}

func (opt *RMSpropOptimizer) Reset() {
	opt.v = make(buffers)
	opt.buf = make(buffers)
}

func (opt *RMSpropOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         "rmsprop",
		"alpha":        opt.alpha,
		"epsilon":      opt.epsilon,
		"momentum":     opt.momentum,
		"weight_decay": opt.weightDecay,
		"v":            opt.v.export(),
		"buf":          opt.buf.export(),
	}
}

func (opt *RMSpropOptimizer) LoadState(state map[string]interface{}) error {
	if err := checkType(state, "rmsprop"); err != nil {
		return err
	}
	if a, ok := state["alpha"].(float64); ok {
		opt.alpha = a
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = eps
	}
	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = m
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = wd
	}
	v, err := loadBuffers(state["v"])
	if err != nil {
		return fmt.Errorf("rmsprop average: %w", err)
	}
	buf, err := loadBuffers(state["buf"])
	if err != nil {
		return fmt.Errorf("rmsprop momentum: %w", err)
	}
	opt.v, opt.buf = v, buf
	return nil
}

func (opt *RMSpropOptimizer) Name() string {
	if opt.momentum > 0 {
		return "RMSprop (momentum)"
	}
	return "RMSprop"
}
