package trainer

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/openfluke/proxyle/checkpoint"
	"github.com/openfluke/proxyle/config"
	"github.com/openfluke/proxyle/detector"
	"github.com/openfluke/proxyle/gnn"
	"github.com/openfluke/proxyle/gpu"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/loss"
	"github.com/openfluke/proxyle/optim"
	"github.com/openfluke/proxyle/proxy"
	"github.com/openfluke/proxyle/reference"
	"github.com/openfluke/proxyle/stats"
)

// Trainer owns every component of one proxy training run
type Trainer struct {
	Config *config.Config
	Device string

	Dataset *graph.Dataset
	Splits  []*graph.Split
	Table   *reference.Table

	Model     *gnn.Network
	Optimizer optim.Optimizer
	Scheduler *optim.EpochScheduler
	Loggers   []*stats.Logger
	DB        *stats.SQLite
	Store     *checkpoint.Store
	Pipeline  *proxy.Pipeline

	pooler *gpu.Pooler
}

// Probe detects the accelerator; tests replace it
var Probe = detector.Detect

func loadDataset(cfg *config.Config) (*graph.Dataset, error) {
	switch cfg.Dataset.Format {
	case "json":
		return graph.LoadJSON(cfg.Dataset.Path)
	case "synthetic":
		return graph.Synthetic(graph.SyntheticConfig{
			NumGraphs: cfg.Dataset.NumGraph,
			MinNodes:  cfg.Dataset.MinNodes,
			MaxNodes:  cfg.Dataset.MaxNodes,
			EdgeProb:  cfg.Dataset.EdgeProb,
			DimIn:     cfg.Dataset.DimIn,
			Seed:      cfg.Seed,
		})
	}
	return nil, fmt.Errorf("unknown dataset format %q", cfg.Dataset.Format)
}

// New builds the dataset, reference targets, model, optimizer and pipeline from cfg
func New(cfg *config.Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			t.Close()
		}
	}()

	device, err := detector.Resolve(cfg.Device, Probe)
	if err != nil {
		return nil, err
	}
	t.Device = device

	if t.Dataset, err = loadDataset(cfg); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if t.Dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	ratios := [3]float64{cfg.Dataset.Split[0], cfg.Dataset.Split[1], cfg.Dataset.Split[2]}
	if t.Splits, err = graph.NewSplits(t.Dataset, ratios, cfg.Seed); err != nil {
		return nil, err
	}

	strategy, err := reference.ParseStrategy(cfg.Proxy.Target)
	if err != nil {
		return nil, err
	}
	if t.Table, err = reference.NewProvider(strategy, cfg.GNN.DimInner, cfg.Seed).Attach(t.Splits); err != nil {
		return nil, fmt.Errorf("reference targets: %w", err)
	}

	act, err := gnn.ParseActivation(cfg.GNN.Act)
	if err != nil {
		return nil, err
	}
	first := t.Dataset.Get(0)
	dimIn := 0
	if first.X != nil {
		dimIn = first.X.Cols
	}
	t.Model, err = gnn.New(gnn.Config{
		DimIn:        dimIn,
		DimInner:     cfg.GNN.DimInner,
		DimOut:       len(first.Y),
		LayersPreMP:  cfg.GNN.LayersPreMP,
		LayersMP:     cfg.GNN.LayersMP,
		LayersPostMP: cfg.GNN.LayersPostMP,
		Act:          act,
		GraphPooling: cfg.Model.GraphPooling,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	if t.Optimizer, err = optim.New(cfg.Optim.Optimizer, optim.Options{
		WeightDecay: cfg.Optim.WeightDecay,
		Momentum:    cfg.Optim.Momentum,
		Nesterov:    cfg.Optim.Nesterov,
	}); err != nil {
		return nil, err
	}
	if t.Scheduler, err = optim.NewScheduler(cfg.Optim.Scheduler, optim.SchedulerOptions{
		BaseLR:   cfg.Optim.BaseLR,
		Steps:    cfg.Optim.Steps,
		LRDecay:  cfg.Optim.LRDecay,
		MaxEpoch: cfg.Optim.MaxEpoch,
	}); err != nil {
		return nil, err
	}

	runDir := cfg.RunDir()
	if cfg.Train.StatsDB != "" {
		path := cfg.Train.StatsDB
		if !filepath.IsAbs(path) {
			path = filepath.Join(runDir, path)
		}
		if t.DB, err = stats.OpenSQLite(path); err != nil {
			return nil, fmt.Errorf("stats db: %w", err)
		}
	}
	for _, name := range graph.SplitNames {
		l, err := stats.NewLogger(runDir, name, cfg.Optim.MaxEpoch, t.DB)
		if err != nil {
			return nil, err
		}
		t.Loggers = append(t.Loggers, l)
	}

	format, err := checkpoint.ParseFormat(cfg.Train.CkptFormat)
	if err != nil {
		return nil, err
	}
	t.Store = checkpoint.NewStore(runDir, format)

	proxyLoss, err := loss.New(cfg.Model.LossFun, cfg.Model.SizeAverage)
	if err != nil {
		return nil, err
	}
	driver := &proxy.Driver{
		Stage: &proxy.Stage{Strategy: strategy, Loss: proxyLoss},
	}
	if cfg.Proxy.PrimaryWeight > 0 {
		driver.PrimaryLoss = proxyLoss
		driver.PrimaryWeight = cfg.Proxy.PrimaryWeight
	}
	if device == "gpu" {
		if t.pooler, err = gpu.NewPooler(); err != nil {
			return nil, fmt.Errorf("gpu pooling: %w", err)
		}
		driver.Stage.Accel = t.pooler
	}

	t.Pipeline = proxy.NewPipeline(proxy.Options{
		MaxEpoch:    cfg.Optim.MaxEpoch,
		AutoResume:  cfg.Train.AutoResume,
		EpochResume: cfg.Train.EpochResume,
		EnableCkpt:  cfg.Train.EnableCkpt,
		CkptClean:   cfg.Train.CkptClean,
		RunDir:      runDir,
	}, cfg, t.Store, driver)

	log.Printf("run dir %s, device %s, %d graphs (%d/%d/%d), %d params",
		runDir, device, t.Dataset.Len(), t.Splits[0].Len(), t.Splits[1].Len(), t.Splits[2].Len(), t.Model.NumParams())
	ok = true
	return t, nil
}

// Run trains on the train split and evaluates on val and test
func (t *Trainer) Run() (proxy.Summary, error) {
	loggers := make([]proxy.Logger, len(t.Loggers))
	loaders := make([]proxy.Loader, len(t.Splits))
	for i, s := range t.Splits {
		loggers[i] = t.Loggers[i]
		loaders[i] = graph.NewLoader(s, t.Config.Train.BatchSize, i == 0, t.Config.Seed)
	}
	return t.Pipeline.Run(loggers, loaders, t.Model, t.Optimizer, t.Scheduler)
}

// Close releases the stats database and the GPU kernel
func (t *Trainer) Close() error {
	if t.pooler != nil {
		t.pooler.Release()
		t.pooler = nil
	}
	if t.DB != nil {
		err := t.DB.Close()
		t.DB = nil
		return err
	}
	return nil
}
