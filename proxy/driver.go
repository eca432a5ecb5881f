package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfluke/proxyle/capture"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/tensor"
)

var (
	// ErrLayerCountMismatch is returned when a forward captured a different number of
	// layers than were registered
	ErrLayerCountMismatch = errors.New("captured layer count does not match registered layers")
	// ErrBufferNotDrained is returned when capture buffers are not empty at a batch boundary
	ErrBufferNotDrained = errors.New("capture buffers not drained")
)

// Driver runs one epoch of batches through the model, computing the per-layer proxy loss
type Driver struct {
	Stage  *Stage
	Layers int

	// PrimaryLoss, weighted by PrimaryWeight > 0, adds the supervised head loss
	PrimaryLoss   LossFunc
	PrimaryWeight float64
}

type batchResult struct {
	loss  float64
	last  *StageResult
	stats bool
}

func (d *Driver) runBatch(b *graph.Batch, model Model, train bool) (*batchResult, []*tensor.Dense, *tensor.Dense, error) {
	cc := capture.NewContext()
	if !cc.Empty() {
		return nil, nil, nil, fmt.Errorf("before forward: %w", ErrBufferNotDrained)
	}
	pred, truth, err := model.Forward(b, cc)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cc.Err(); err != nil {
		return nil, nil, nil, err
	}
	if cc.Len() != d.Layers {
		return nil, nil, nil, fmt.Errorf("%w: captured %d, registered %d", ErrLayerCountMismatch, cc.Len(), d.Layers)
	}

	res := &batchResult{}
	// no proxy layers: the primary loss is skipped as well and the batch contributes nothing
	if d.Layers == 0 {
		return res, nil, nil, nil
	}

	hidden := make([]*tensor.Dense, d.Layers)
	for l := 0; l < d.Layers; l++ {
		h, err := cc.Output(l)
		if err != nil {
			return nil, nil, nil, err
		}
		r, err := d.Stage.Compute(h, b)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("layer %d: %w", l, err)
		}
		res.loss += r.Loss
		hidden[l] = r.Grad
		res.last = r
	}
	if err := cc.Drain(d.Layers); err != nil {
		return nil, nil, nil, err
	}
	if !cc.Empty() {
		return nil, nil, nil, fmt.Errorf("after loss: %w", ErrBufferNotDrained)
	}
	res.stats = true

	var predGrad *tensor.Dense
	if d.PrimaryWeight > 0 && d.PrimaryLoss != nil {
		pl, _, g, err := d.PrimaryLoss.Compute(pred.Data, truth.Data)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("primary loss: %w", err)
		}
		res.loss += d.PrimaryWeight * pl
		if train {
			for i := range g {
				g[i] *= d.PrimaryWeight
			}
			predGrad = tensor.FromSlice(g, pred.Rows, pred.Cols)
		}
	}
	return res, hidden, predGrad, nil
}

// TrainEpoch runs every batch in training mode, stepping the optimizer after each batch
// and the scheduler once at the end. It returns the summed batch losses.
func (d *Driver) TrainEpoch(logger Logger, loader Loader, model Model, optimizer Optimizer, scheduler Scheduler) (float64, error) {
	model.Train()
	batches, err := loader.Batches()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, b := range batches {
		start := time.Now()
		model.ZeroGrad()
		res, hidden, predGrad, err := d.runBatch(b, model, true)
		if err != nil {
			return 0, err
		}
		total += res.loss
		if !res.stats {
			continue
		}
		if err := model.Backward(hidden, predGrad); err != nil {
			return 0, err
		}
		lr := scheduler.LastLR()
		optimizer.Step(model.Params(), lr)
		logger.UpdateStats(BatchStats{
			True:     res.last.True,
			Pred:     res.last.Score,
			Loss:     res.loss,
			LR:       lr,
			TimeUsed: time.Since(start),
			Params:   model.NumParams(),
		})
	}
	scheduler.Step()
	return total, nil
}

// EvalEpoch runs every batch without caching or parameter updates
func (d *Driver) EvalEpoch(logger Logger, loader Loader, model Model) (float64, error) {
	model.Eval()
	batches, err := loader.Batches()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, b := range batches {
		start := time.Now()
		res, _, _, err := d.runBatch(b, model, false)
		if err != nil {
			return 0, err
		}
		total += res.loss
		if !res.stats {
			continue
		}
		logger.UpdateStats(BatchStats{
			True:     res.last.True,
			Pred:     res.last.Score,
			Loss:     res.loss,
			LR:       0,
			TimeUsed: time.Since(start),
			Params:   model.NumParams(),
		})
	}
	return total, nil
}
