package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics are the regression scores of an epoch
type Metrics struct {
	MAE  float64
	MSE  float64
	RMSE float64
	R2   float64
}

// Regression compares predictions with ground truth. R2 follows the usual convention for a
// constant target: 1 for a perfect fit, 0 otherwise.
func Regression(truth, pred []float64) Metrics {
	n := len(truth)
	if n == 0 || len(pred) != n {
		return Metrics{}
	}
	diff := make([]float64, n)
	floats.SubTo(diff, pred, truth)

	var m Metrics
	for _, d := range diff {
		m.MAE += math.Abs(d)
	}
	m.MAE /= float64(n)
	ssRes := floats.Dot(diff, diff)
	m.MSE = ssRes / float64(n)
	m.RMSE = math.Sqrt(m.MSE)

	mean := stat.Mean(truth, nil)
	ssTot := 0.0
	for _, t := range truth {
		ssTot += (t - mean) * (t - mean)
	}
	switch {
	case ssTot > 0:
		m.R2 = 1 - ssRes/ssTot
	case ssRes == 0:
		m.R2 = 1
	}
	return m
}
