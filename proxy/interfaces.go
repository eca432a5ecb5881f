package proxy

import (
	"time"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/checkpoint"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

// Model is a graph network whose message-passing sublayers report to a capture context
type Model interface {
	capture.Module
	checkpoint.Stateful

	// Forward returns the prediction and the ground truth for the batch
	Forward(b *graph.Batch, cc *capture.Context) (*tensor.Dense, *tensor.Dense, error)

	// Backward accumulates gradients given d(loss)/d(layer output) per message-passing
	// layer (nil entries contribute nothing) and d(loss)/d(prediction) (may be nil)
	Backward(hidden []*tensor.Dense, predGrad *tensor.Dense) error

	ZeroGrad()
	Params() []*tensor.Param
	Train()
	Eval()
	NumParams() int
}

// LossFunc compares a prediction with a target, returning the scalar loss, the score
// (prediction in output space) and the gradient of the loss w.r.t. the prediction
type LossFunc interface {
	Compute(pred, target []float64) (float64, []float64, []float64, error)
}

// BatchStats is what the driver reports for each batch
type BatchStats struct {
	True     []float64
	Pred     []float64
	Loss     float64
	LR       float64
	TimeUsed time.Duration
	Params   int
}

type Logger interface {
	UpdateStats(s BatchStats)
	WriteEpoch(epoch int) error
	Close() error
}

type CheckpointStore interface {
	Load(model, optimizer, scheduler checkpoint.Stateful, resumeEpoch int) (int, error)
	Save(model, optimizer, scheduler checkpoint.Stateful, epoch int) error
	Clean() error
}

type EpochPolicy interface {
	IsTrainEvalEpoch(epoch int) bool
	IsEvalEpoch(epoch int) bool
	IsCkptEpoch(epoch int) bool
}

type Loader interface {
	Batches() ([]*graph.Batch, error)
}

type Optimizer interface {
	checkpoint.Stateful
	Step(params []*tensor.Param, learningRate float64)
}

type Scheduler interface {
	checkpoint.Stateful
	Step()
	LastLR() float64
}

// Pooler computes the maximum of each row of a rows x cols row-major matrix and the column
// it was found in
type Pooler interface {
	RowMax(data []float64, rows, cols int) ([]float64, []int, error)
}
