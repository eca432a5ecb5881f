package capture

import "github.com/openfluke/proxyle/tensor"

// Kind tags the shape of a sublayer result
type Kind int

const (
	KindSingle    Kind = 0 // one tensor
	KindComposite Kind = 1 // ordered sequence of tensors, the last one is the layer's output
)

// Activation is what a sublayer hands to its hook for its input and its output.
type Activation struct {
	kind  Kind
	parts []*tensor.Dense
}

func Single(t *tensor.Dense) Activation {
	return Activation{kind: KindSingle, parts: []*tensor.Dense{t}}
}

func Composite(ts ...*tensor.Dense) Activation {
	return Activation{kind: KindComposite, parts: ts}
}

func (a Activation) Kind() Kind { return a.kind }

func (a Activation) Parts() []*tensor.Dense { return a.parts }

// Effective returns the tensor a hook records: the single tensor, or the last element of a
// composite. Nil when the activation is empty.
func Effective(a Activation) *tensor.Dense {
	if len(a.parts) == 0 {
		return nil
	}
	return a.parts[len(a.parts)-1]
}
