package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Dense is a row-major float64 matrix.
// Node feature matrices are Rows=nodes, Cols=features.
type Dense struct {
	Rows int
	Cols int
	Data []float64
}

// New creates a zero-filled rows x cols matrix
func New(rows, cols int) *Dense {
	return &Dense{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromSlice wraps data as a rows x cols matrix. Returns nil if the sizes disagree.
func FromSlice(data []float64, rows, cols int) *Dense {
	if len(data) != rows*cols {
		return nil
	}
	return &Dense{Rows: rows, Cols: cols, Data: data}
}

// Column wraps v as a len(v) x 1 column vector
func Column(v []float64) *Dense {
	return &Dense{Rows: len(v), Cols: 1, Data: v}
}

func (t *Dense) Size() int { return len(t.Data) }

func (t *Dense) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

func (t *Dense) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Row returns a view of row i
func (t *Dense) Row(i int) []float64 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// Clone returns a deep copy
func (t *Dense) Clone() *Dense {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Dense{Rows: t.Rows, Cols: t.Cols, Data: data}
}

func (t *Dense) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

func (t *Dense) SameShape(o *Dense) bool {
	return o != nil && t.Rows == o.Rows && t.Cols == o.Cols
}

// AddInPlace accumulates o into t
func (t *Dense) AddInPlace(o *Dense) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: [%d,%d] vs [%d,%d]", t.Rows, t.Cols, o.Rows, o.Cols)
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// AddRow adds v to every row of t
func (t *Dense) AddRow(v []float64) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		for j := range row {
			row[j] += v[j]
		}
	}
}

// SumRows returns the column-wise sum (one value per column)
func (t *Dense) SumRows() []float64 {
	out := make([]float64, t.Cols)
	for i := 0; i < t.Rows; i++ {
		for j, v := range t.Row(i) {
			out[j] += v
		}
	}
	return out
}

func (t *Dense) String() string {
	return fmt.Sprintf("Dense[%d,%d]", t.Rows, t.Cols)
}

func (t *Dense) view() *mat.Dense {
	return mat.NewDense(t.Rows, t.Cols, t.Data)
}

func fromMat(m *mat.Dense) *Dense {
	r, c := m.Dims()
	out := New(r, c)
	for i := 0; i < r; i++ {
		copy(out.Row(i), m.RawRowView(i))
	}
	return out
}

func empty(t *Dense) bool { return t.Rows == 0 || t.Cols == 0 }

// MatMul returns a @ b
func MatMul(a, b *Dense) (*Dense, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matmul shape mismatch: [%d,%d] @ [%d,%d]", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if empty(a) || empty(b) {
		return New(a.Rows, b.Cols), nil
	}
	var out mat.Dense
	out.Mul(a.view(), b.view())
	return fromMat(&out), nil
}

// MatMulTransA returns aᵀ @ b
func MatMulTransA(a, b *Dense) (*Dense, error) {
	if a.Rows != b.Rows {
		return nil, fmt.Errorf("matmul shape mismatch: [%d,%d]ᵀ @ [%d,%d]", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if empty(a) || empty(b) {
		return New(a.Cols, b.Cols), nil
	}
	var out mat.Dense
	out.Mul(a.view().T(), b.view())
	return fromMat(&out), nil
}

// MatMulTransB returns a @ bᵀ
func MatMulTransB(a, b *Dense) (*Dense, error) {
	if a.Cols != b.Cols {
		return nil, fmt.Errorf("matmul shape mismatch: [%d,%d] @ [%d,%d]ᵀ", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if empty(a) || empty(b) {
		return New(a.Rows, b.Rows), nil
	}
	var out mat.Dense
	out.Mul(a.view(), b.view().T())
	return fromMat(&out), nil
}

// Param is a trainable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Value *Dense
	Grad  *Dense
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{Name: name, Value: New(rows, cols), Grad: New(rows, cols)}
}

func (p *Param) ZeroGrad() { p.Grad.Zero() }

// GlorotInit fills the parameter with uniform values in ±sqrt(6/(fanIn+fanOut))
func (p *Param) GlorotInit(rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(p.Value.Rows+p.Value.Cols))
	for i := range p.Value.Data {
		p.Value.Data[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Floats converts a decoded state value ([]float64 or a JSON/protobuf []interface{}) to []float64
func Floats(v interface{}) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		return s, true
	case []interface{}:
		out := make([]float64, len(s))
		for i, x := range s {
			f, ok := x.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
