package trainer

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfluke/proxyle/config"
	"github.com/openfluke/proxyle/detector"
	"github.com/openfluke/proxyle/stats"
)

func quiet(t *testing.T) {
	t.Helper()
	log.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
}

func smallConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.OutDir = t.TempDir()
	cfg.Seed = 5
	cfg.Dataset.NumGraph = 10
	cfg.Dataset.MinNodes = 4
	cfg.Dataset.MaxNodes = 8
	cfg.Dataset.DimIn = 3
	cfg.Dataset.Split = []float64{0.6, 0.2, 0.2}
	cfg.Train.BatchSize = 4
	cfg.Train.EvalPeriod = 1
	cfg.Train.CkptPeriod = 1
	cfg.Train.StatsDB = "stats.db"
	cfg.GNN.DimInner = 6
	cfg.Optim.MaxEpoch = 3
	return cfg
}

func run(t *testing.T, cfg *config.Config) *Trainer {
	t.Helper()
	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	sum, err := tr.Run()
	if err != nil {
		t.Fatal(err)
	}
	if sum.EpochsRun != cfg.Optim.MaxEpoch {
		t.Fatalf("Expected %d epochs, got %d", cfg.Optim.MaxEpoch, sum.EpochsRun)
	}
	return tr
}

func TestEndToEndLaplacian(t *testing.T) {
	quiet(t)
	cfg := smallConfig(t)
	tr := run(t, cfg)

	for _, split := range []string{"train", "val", "test"} {
		epochs, err := stats.ReadEpochs(filepath.Join(cfg.RunDir(), split, "stats.json"))
		if err != nil {
			t.Fatal(err)
		}
		if len(epochs) != 3 {
			t.Errorf("%s: expected 3 epoch lines, got %d", split, len(epochs))
		}
	}

	// clean keeps only the final checkpoint
	got, err := tr.Store.Epochs()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Expected checkpoints [2], got %v", got)
	}

	rows, err := tr.DB.Epochs("train")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].Params != tr.Model.NumParams() {
		t.Errorf("unexpected sqlite rows %+v", rows)
	}
}

func TestResumeFinishedRun(t *testing.T) {
	quiet(t)
	cfg := smallConfig(t)
	cfg.Train.StatsDB = ""
	first := run(t, cfg)
	first.Close()

	cfg.Train.AutoResume = true
	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	sum, err := tr.Run()
	if err != nil {
		t.Fatal(err)
	}
	if sum.StartEpoch != 3 || sum.EpochsRun != 0 {
		t.Errorf("Expected a finished run to resume at 3 with no epochs, got %+v", sum)
	}
	if tr.Scheduler.Epoch() != 3 {
		t.Errorf("Expected scheduler restored to epoch 3, got %d", tr.Scheduler.Epoch())
	}
}

func TestEndToEndRandomProtoCheckpoints(t *testing.T) {
	quiet(t)
	cfg := smallConfig(t)
	cfg.Proxy.Target = "random"
	cfg.Proxy.PrimaryWeight = 0.5
	cfg.Train.CkptFormat = "proto"
	cfg.Train.CkptClean = false
	cfg.Model.GraphPooling = "mean"
	tr := run(t, cfg)

	got, err := tr.Store.Epochs()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 checkpoints without clean, got %v", got)
	}
	if len(tr.Table.Values) != cfg.Dataset.NumGraph*cfg.GNN.DimInner {
		t.Errorf("Expected one %d-vector per graph, got %d values", cfg.GNN.DimInner, len(tr.Table.Values))
	}
}

func TestAutoDeviceFallsBackToCPU(t *testing.T) {
	quiet(t)
	probe := Probe
	Probe = func() (*detector.Report, error) { return nil, errors.New("no adapter") }
	t.Cleanup(func() { Probe = probe })

	cfg := smallConfig(t)
	cfg.Device = "auto"
	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if tr.Device != "cpu" {
		t.Errorf("Expected cpu, got %s", tr.Device)
	}

	cfg.Device = "gpu"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error when gpu is required but missing")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.GNN.Act = "swish"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown activation")
	}
}

func TestFeaturelessJSONDataset(t *testing.T) {
	quiet(t)
	path := filepath.Join(t.TempDir(), "graphs.json")
	doc := `{"graphs":[`
	for i := 0; i < 5; i++ {
		if i > 0 {
			doc += ","
		}
		doc += `{"num_nodes":3,"edge_index":[[0,1,1,2],[1,0,2,1]],"y":[0.5]}`
	}
	doc += `]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := smallConfig(t)
	cfg.Dataset.Format = "json"
	cfg.Dataset.Path = path
	cfg.Optim.MaxEpoch = 1
	tr := run(t, cfg)
	if tr.Model.Config.DimIn != 1 {
		t.Errorf("Expected one constant input feature, got %d", tr.Model.Config.DimIn)
	}
}

func TestNesterovFromConfig(t *testing.T) {
	quiet(t)
	cfg := smallConfig(t)
	cfg.Optim.Optimizer = "sgd"
	cfg.Optim.Nesterov = true
	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if n, _ := tr.Optimizer.GetState()["nesterov"].(bool); !n {
		t.Errorf("Expected nesterov sgd, got state %v", tr.Optimizer.GetState())
	}
}
