package capture

import (
	"errors"
	"fmt"

	"github.com/openfluke/proxyle/tensor"
)

// ErrMissingActivation is returned when a hook receives an empty activation
var ErrMissingActivation = errors.New("empty activation")

// Context holds the activations captured during one batch forward.
// It is created by the epoch driver per batch and passed explicitly to the model, so
// no capture state outlives a batch.
type Context struct {
	inputs  []*tensor.Dense
	outputs []*tensor.Dense
	err     error
}

func NewContext() *Context {
	return &Context{}
}

// Record clones the effective input and output tensors and appends them in call order
func (c *Context) Record(input, output Activation) {
	in, out := Effective(input), Effective(output)
	if in == nil || out == nil {
		if c.err == nil {
			c.err = fmt.Errorf("%w at layer %d", ErrMissingActivation, len(c.outputs))
		}
		return
	}
	c.inputs = append(c.inputs, in.Clone())
	c.outputs = append(c.outputs, out.Clone())
}

// Err reports the first recording failure
func (c *Context) Err() error { return c.err }

// Len returns the number of captured layers
func (c *Context) Len() int { return len(c.outputs) }

func (c *Context) Empty() bool { return len(c.inputs) == 0 && len(c.outputs) == 0 }

func (c *Context) Output(i int) (*tensor.Dense, error) {
	if i < 0 || i >= len(c.outputs) {
		return nil, fmt.Errorf("output %d not captured (have %d)", i, len(c.outputs))
	}
	return c.outputs[i], nil
}

func (c *Context) Input(i int) (*tensor.Dense, error) {
	if i < 0 || i >= len(c.inputs) {
		return nil, fmt.Errorf("input %d not captured (have %d)", i, len(c.inputs))
	}
	return c.inputs[i], nil
}

// Drain removes the first n entries of both buffers, oldest first
func (c *Context) Drain(n int) error {
	if n > len(c.inputs) || n > len(c.outputs) {
		return fmt.Errorf("drain %d entries: have %d inputs, %d outputs", n, len(c.inputs), len(c.outputs))
	}
	for i := 0; i < n; i++ {
		c.inputs[i] = nil
		c.outputs[i] = nil
	}
	c.inputs = c.inputs[n:]
	c.outputs = c.outputs[n:]
	return nil
}
