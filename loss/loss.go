package loss

import (
	"fmt"
	"math"
)

// Reduction controls how per-element losses are combined
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
)

// Kind names a loss function
type Kind string

const (
	KindMSE          Kind = "mse"
	KindL1           Kind = "l1"
	KindSmoothL1     Kind = "smooth_l1"
	KindCrossEntropy Kind = "cross_entropy" // binary, on logits
)

// Func computes a scalar loss, the prediction score reported to the logger and the
// gradient of the loss with respect to pred.
type Func struct {
	Kind      Kind
	Reduction Reduction
}

func New(kind string, reduction string) (*Func, error) {
	f := &Func{Kind: Kind(kind), Reduction: Reduction(reduction)}
	switch f.Kind {
	case KindMSE, KindL1, KindSmoothL1, KindCrossEntropy:
	default:
		return nil, fmt.Errorf("unknown loss function %q", kind)
	}
	switch f.Reduction {
	case ReductionMean, ReductionSum:
	case "":
		f.Reduction = ReductionMean
	default:
		return nil, fmt.Errorf("unknown reduction %q", reduction)
	}
	return f, nil
}

func (f *Func) Compute(pred, target []float64) (float64, []float64, []float64, error) {
	if len(pred) != len(target) {
		return 0, nil, nil, fmt.Errorf("%s: prediction has %d values, target %d", f.Kind, len(pred), len(target))
	}
	n := len(pred)
	if n == 0 {
		return 0, nil, nil, fmt.Errorf("%s: empty prediction", f.Kind)
	}

	grad := make([]float64, n)
	score := pred
	total := 0.0

	switch f.Kind {
	case KindMSE:
		for i := range pred {
			d := pred[i] - target[i]
			total += d * d
			grad[i] = 2 * d
		}
	case KindL1:
		for i := range pred {
			d := pred[i] - target[i]
			total += math.Abs(d)
			grad[i] = sign(d)
		}
	case KindSmoothL1:
		for i := range pred {
			d := pred[i] - target[i]
			if math.Abs(d) < 1 {
				total += 0.5 * d * d
				grad[i] = d
			} else {
				total += math.Abs(d) - 0.5
				grad[i] = sign(d)
			}
		}
	case KindCrossEntropy:
		score = make([]float64, n)
		for i := range pred {
			// log(1+exp(x)) - y*x, numerically stable
			x, y := pred[i], target[i]
			total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
			score[i] = 1 / (1 + math.Exp(-x))
			grad[i] = score[i] - y
		}
	}

	if f.Reduction == ReductionMean {
		total /= float64(n)
		for i := range grad {
			grad[i] /= float64(n)
		}
	}
	return total, score, grad, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
