package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/openfluke/proxyle/proxy"
)

// Epoch is one line of <run_dir>/<split>/stats.json
type Epoch struct {
	Epoch     int      `json:"epoch"`
	TimeEpoch float64  `json:"time_epoch"`
	ETA       *float64 `json:"eta,omitempty"`
	Loss      float64  `json:"loss"`
	LR        float64  `json:"lr"`
	Params    int      `json:"params"`
	TimeIter  float64  `json:"time_iter"`
	MAE       float64  `json:"mae"`
	MSE       float64  `json:"mse"`
	RMSE      float64  `json:"rmse"`
	R2        float64  `json:"r2"`
}

// Logger accumulates batch statistics for one split and flushes them once per epoch
type Logger struct {
	Name      string
	Dir       string
	MaxEpoch  int
	Precision int
	DB        *SQLite // optional, shared between splits and closed by its owner

	iter      int
	size      int
	loss      float64
	lr        float64
	params    int
	timeUsed  time.Duration
	timeTotal time.Duration
	truth     []float64
	pred      []float64
}

var _ proxy.Logger = (*Logger)(nil)

// NewLogger creates <runDir>/<name>
func NewLogger(runDir, name string, maxEpoch int, db *SQLite) (*Logger, error) {
	dir := filepath.Join(runDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats dir: %w", err)
	}
	return &Logger{Name: name, Dir: dir, MaxEpoch: maxEpoch, Precision: 4, DB: db}, nil
}

func (l *Logger) Path() string { return filepath.Join(l.Dir, "stats.json") }

// UpdateStats weights the batch loss by the number of target values it carries
func (l *Logger) UpdateStats(s proxy.BatchStats) {
	n := len(s.True)
	l.iter++
	l.truth = append(l.truth, s.True...)
	l.pred = append(l.pred, s.Pred...)
	l.size += n
	l.loss += s.Loss * float64(n)
	l.lr = s.LR
	l.params = s.Params
	l.timeUsed += s.TimeUsed
	l.timeTotal += s.TimeUsed
}

func (l *Logger) round(v float64) float64 {
	p := math.Pow(10, float64(l.Precision))
	return math.Round(v*p) / p
}

// eta extrapolates the remaining training time from the epochs seen so far
func (l *Logger) eta(epoch int) float64 {
	done := float64(epoch + 1)
	perEpoch := l.timeTotal.Seconds() / done
	return perEpoch * (float64(l.MaxEpoch) - done)
}

func (l *Logger) reset() {
	l.iter, l.size = 0, 0
	l.loss, l.lr, l.params = 0, 0, 0
	l.timeUsed = 0
	l.truth, l.pred = nil, nil
}

// Summary computes the epoch record without flushing
func (l *Logger) Summary(epoch int) Epoch {
	e := Epoch{Epoch: epoch, TimeEpoch: l.round(l.timeUsed.Seconds()), LR: l.lr, Params: l.params}
	if l.size > 0 {
		e.Loss = l.round(l.loss / float64(l.size))
	}
	if l.iter > 0 {
		e.TimeIter = l.round(l.timeUsed.Seconds() / float64(l.iter))
	}
	if l.Name == "train" {
		eta := l.round(l.eta(epoch))
		e.ETA = &eta
	}
	m := Regression(l.truth, l.pred)
	e.MAE, e.MSE, e.RMSE, e.R2 = l.round(m.MAE), l.round(m.MSE), l.round(m.RMSE), l.round(m.R2)
	return e
}

// WriteEpoch appends the epoch record to stats.json (and the database) and resets
func (l *Logger) WriteEpoch(epoch int) error {
	e := l.Summary(epoch)
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stats file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write stats: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if l.DB != nil {
		if err := l.DB.Insert(l.Name, e); err != nil {
			return err
		}
	}
	log.Printf("%s: %s", l.Name, line)
	l.reset()
	return nil
}

func (l *Logger) Close() error {
	l.reset()
	return nil
}

// ReadEpochs parses a stats.json file
func ReadEpochs(path string) ([]Epoch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Epoch
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Epoch
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
