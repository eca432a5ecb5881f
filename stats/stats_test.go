package stats

import (
	"bytes"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfluke/proxyle/proxy"
)

func quiet(t *testing.T) {
	t.Helper()
	log.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
}

func TestRegression(t *testing.T) {
	m := Regression([]float64{1, 2, 3}, []float64{1, 2, 5})
	if math.Abs(m.MAE-2.0/3) > 1e-12 {
		t.Errorf("mae: expected %f, got %f", 2.0/3, m.MAE)
	}
	if math.Abs(m.MSE-4.0/3) > 1e-12 {
		t.Errorf("mse: expected %f, got %f", 4.0/3, m.MSE)
	}
	if math.Abs(m.RMSE-math.Sqrt(4.0/3)) > 1e-12 {
		t.Errorf("rmse: expected %f, got %f", math.Sqrt(4.0/3), m.RMSE)
	}
	// ss_tot = 2, ss_res = 4
	if math.Abs(m.R2-(-1)) > 1e-12 {
		t.Errorf("r2: expected -1, got %f", m.R2)
	}

	if r := Regression([]float64{2, 2}, []float64{2, 2}); r.R2 != 1 {
		t.Errorf("constant perfect fit: expected r2 1, got %f", r.R2)
	}
	if r := Regression([]float64{2, 2}, []float64{1, 2}); r.R2 != 0 {
		t.Errorf("constant imperfect fit: expected r2 0, got %f", r.R2)
	}
	if r := Regression(nil, nil); r != (Metrics{}) {
		t.Errorf("empty input: expected zero metrics, got %+v", r)
	}
}

func TestLoggerWritesWeightedEpoch(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	l, err := NewLogger(dir, "train", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.UpdateStats(proxy.BatchStats{True: []float64{0, 0}, Pred: []float64{1, 1}, Loss: 1, LR: 0.01, TimeUsed: time.Second, Params: 5})
	l.UpdateStats(proxy.BatchStats{True: []float64{0}, Pred: []float64{0}, Loss: 4, LR: 0.02, TimeUsed: time.Second, Params: 5})
	if err := l.WriteEpoch(0); err != nil {
		t.Fatal(err)
	}

	epochs, err := ReadEpochs(filepath.Join(dir, "train", "stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 1 {
		t.Fatalf("Expected 1 epoch line, got %d", len(epochs))
	}
	e := epochs[0]
	// (1*2 + 4*1) / 3
	if e.Loss != 2 {
		t.Errorf("Expected weighted loss 2, got %f", e.Loss)
	}
	if e.LR != 0.02 || e.Params != 5 || e.TimeIter != 1 || e.TimeEpoch != 2 {
		t.Errorf("unexpected record %+v", e)
	}
	if e.ETA == nil || *e.ETA != 18 {
		t.Errorf("Expected eta 18s, got %v", e.ETA)
	}
	if math.Abs(e.MSE-0.6667) > 1e-9 {
		t.Errorf("Expected mse 0.6667, got %f", e.MSE)
	}

	// stats were reset: the next epoch starts empty
	if err := l.WriteEpoch(1); err != nil {
		t.Fatal(err)
	}
	epochs, _ = ReadEpochs(l.Path())
	if len(epochs) != 2 || epochs[1].Loss != 0 || epochs[1].Epoch != 1 {
		t.Errorf("Expected an empty second epoch, got %+v", epochs)
	}
}

func TestEvalLoggerHasNoETA(t *testing.T) {
	quiet(t)
	l, err := NewLogger(t.TempDir(), "val", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e := l.Summary(3); e.ETA != nil {
		t.Errorf("Expected no eta for val, got %v", *e.ETA)
	}
}

func TestSQLiteMirror(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	db, err := OpenSQLite(filepath.Join(dir, "stats.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	train, _ := NewLogger(dir, "train", 2, db)
	val, _ := NewLogger(dir, "val", 2, db)
	for epoch := 0; epoch < 2; epoch++ {
		train.UpdateStats(proxy.BatchStats{True: []float64{1}, Pred: []float64{1}, Loss: float64(epoch + 1), TimeUsed: time.Millisecond})
		val.UpdateStats(proxy.BatchStats{True: []float64{1}, Pred: []float64{0}, Loss: 3})
		if err := train.WriteEpoch(epoch); err != nil {
			t.Fatal(err)
		}
		if err := val.WriteEpoch(epoch); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.Epochs("train")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].Epoch != 1 || rows[1].Loss != 2 || rows[0].ETA == nil {
		t.Errorf("unexpected train rows %+v", rows)
	}
	rows, err = db.Epochs("val")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ETA != nil || rows[0].MAE != 1 {
		t.Errorf("unexpected val rows %+v", rows)
	}
}

func TestOpenSQLiteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "7", "stats.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("Expected nested db path to open, got %v", err)
	}
	defer db.Close()
	if err := db.Insert("train", Epoch{Epoch: 0, Loss: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected db file at %s: %v", path, err)
	}
}
