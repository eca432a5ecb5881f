package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. PROXYLE_OPTIM_MAX_EPOCH
const EnvPrefix = "PROXYLE"

type DatasetConfig struct {
	Format   string    `mapstructure:"format"` // "synthetic" or "json"
	Path     string    `mapstructure:"path"`
	Split    []float64 `mapstructure:"split"`
	NumGraph int       `mapstructure:"num_graphs"`
	MinNodes int       `mapstructure:"min_nodes"`
	MaxNodes int       `mapstructure:"max_nodes"`
	EdgeProb float64   `mapstructure:"edge_prob"`
	DimIn    int       `mapstructure:"dim_in"`
}

type TrainConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	EvalPeriod    int    `mapstructure:"eval_period"`
	CkptPeriod    int    `mapstructure:"ckpt_period"`
	AutoResume    bool   `mapstructure:"auto_resume"`
	EpochResume   int    `mapstructure:"epoch_resume"`
	EnableCkpt    bool   `mapstructure:"enable_ckpt"`
	CkptClean     bool   `mapstructure:"ckpt_clean"`
	SkipTrainEval bool   `mapstructure:"skip_train_eval"`
	CkptFormat    string `mapstructure:"ckpt_format"`
	StatsDB       string `mapstructure:"stats_db"` // sqlite file under the run dir, empty disables
}

type ModelConfig struct {
	LossFun      string `mapstructure:"loss_fun"`
	SizeAverage  string `mapstructure:"size_average"`
	GraphPooling string `mapstructure:"graph_pooling"`
}

type GNNConfig struct {
	LayersPreMP  int    `mapstructure:"layers_pre_mp"`
	LayersMP     int    `mapstructure:"layers_mp"`
	LayersPostMP int    `mapstructure:"layers_post_mp"`
	DimInner     int    `mapstructure:"dim_inner"`
	Act          string `mapstructure:"act"`
}

type OptimConfig struct {
	Optimizer   string  `mapstructure:"optimizer"`
	BaseLR      float64 `mapstructure:"base_lr"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	Momentum    float64 `mapstructure:"momentum"`
	Nesterov    bool    `mapstructure:"nesterov"`
	MaxEpoch    int     `mapstructure:"max_epoch"`
	Scheduler   string  `mapstructure:"scheduler"`
	Steps       []int   `mapstructure:"steps"`
	LRDecay     float64 `mapstructure:"lr_decay"`
}

type ProxyConfig struct {
	Target        string  `mapstructure:"target"` // "laplacian" or "random"
	PrimaryWeight float64 `mapstructure:"primary_weight"`
}

// Config is the full run configuration
type Config struct {
	OutDir  string        `mapstructure:"out_dir"`
	Device  string        `mapstructure:"device"` // "cpu", "gpu" or "auto"
	Seed    uint64        `mapstructure:"seed"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	Train   TrainConfig   `mapstructure:"train"`
	Model   ModelConfig   `mapstructure:"model"`
	GNN     GNNConfig     `mapstructure:"gnn"`
	Optim   OptimConfig   `mapstructure:"optim"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
}

// Default returns the configuration used when a key is not set
func Default() *Config {
	return &Config{
		OutDir: "results",
		Device: "cpu",
		Seed:   0,
		Dataset: DatasetConfig{
			Format:   "synthetic",
			Split:    []float64{0.8, 0.1, 0.1},
			NumGraph: 64,
			MinNodes: 6,
			MaxNodes: 16,
			EdgeProb: 0.2,
			DimIn:    4,
		},
		Train: TrainConfig{
			BatchSize:   16,
			EvalPeriod:  10,
			CkptPeriod:  100,
			EpochResume: -1,
			EnableCkpt:  true,
			CkptClean:   true,
			CkptFormat:  "json",
		},
		Model: ModelConfig{
			LossFun:      "mse",
			SizeAverage:  "mean",
			GraphPooling: "add",
		},
		GNN: GNNConfig{
			LayersPreMP:  1,
			LayersMP:     2,
			LayersPostMP: 1,
			DimInner:     16,
			Act:          "relu",
		},
		Optim: OptimConfig{
			Optimizer:   "adam",
			BaseLR:      0.01,
			WeightDecay: 5e-4,
			Momentum:    0.9,
			MaxEpoch:    200,
			Scheduler:   "cos",
			Steps:       []int{30, 60, 90},
			LRDecay:     0.1,
		},
		Proxy: ProxyConfig{Target: "laplacian"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("out_dir", d.OutDir)
	v.SetDefault("device", d.Device)
	v.SetDefault("seed", d.Seed)

	v.SetDefault("dataset.format", d.Dataset.Format)
	v.SetDefault("dataset.path", d.Dataset.Path)
	v.SetDefault("dataset.split", d.Dataset.Split)
	v.SetDefault("dataset.num_graphs", d.Dataset.NumGraph)
	v.SetDefault("dataset.min_nodes", d.Dataset.MinNodes)
	v.SetDefault("dataset.max_nodes", d.Dataset.MaxNodes)
	v.SetDefault("dataset.edge_prob", d.Dataset.EdgeProb)
	v.SetDefault("dataset.dim_in", d.Dataset.DimIn)

	v.SetDefault("train.batch_size", d.Train.BatchSize)
	v.SetDefault("train.eval_period", d.Train.EvalPeriod)
	v.SetDefault("train.ckpt_period", d.Train.CkptPeriod)
	v.SetDefault("train.auto_resume", d.Train.AutoResume)
	v.SetDefault("train.epoch_resume", d.Train.EpochResume)
	v.SetDefault("train.enable_ckpt", d.Train.EnableCkpt)
	v.SetDefault("train.ckpt_clean", d.Train.CkptClean)
	v.SetDefault("train.skip_train_eval", d.Train.SkipTrainEval)
	v.SetDefault("train.ckpt_format", d.Train.CkptFormat)
	v.SetDefault("train.stats_db", d.Train.StatsDB)

	v.SetDefault("model.loss_fun", d.Model.LossFun)
	v.SetDefault("model.size_average", d.Model.SizeAverage)
	v.SetDefault("model.graph_pooling", d.Model.GraphPooling)

	v.SetDefault("gnn.layers_pre_mp", d.GNN.LayersPreMP)
	v.SetDefault("gnn.layers_mp", d.GNN.LayersMP)
	v.SetDefault("gnn.layers_post_mp", d.GNN.LayersPostMP)
	v.SetDefault("gnn.dim_inner", d.GNN.DimInner)
	v.SetDefault("gnn.act", d.GNN.Act)

	v.SetDefault("optim.optimizer", d.Optim.Optimizer)
	v.SetDefault("optim.base_lr", d.Optim.BaseLR)
	v.SetDefault("optim.weight_decay", d.Optim.WeightDecay)
	v.SetDefault("optim.momentum", d.Optim.Momentum)
	v.SetDefault("optim.nesterov", d.Optim.Nesterov)
	v.SetDefault("optim.max_epoch", d.Optim.MaxEpoch)
	v.SetDefault("optim.scheduler", d.Optim.Scheduler)
	v.SetDefault("optim.steps", d.Optim.Steps)
	v.SetDefault("optim.lr_decay", d.Optim.LRDecay)

	v.SetDefault("proxy.target", d.Proxy.Target)
	v.SetDefault("proxy.primary_weight", d.Proxy.PrimaryWeight)
}

// NewViper returns a viper instance carrying the defaults and environment bindings
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a YAML/JSON/TOML file (empty path: defaults and environment only)
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", name, allowed, v)
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if err := oneOf("device", c.Device, "cpu", "gpu", "auto"); err != nil {
		return err
	}
	if err := oneOf("dataset.format", c.Dataset.Format, "synthetic", "json"); err != nil {
		return err
	}
	if c.Dataset.Format == "json" && c.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required for json datasets")
	}
	if len(c.Dataset.Split) != 3 {
		return fmt.Errorf("dataset.split needs 3 ratios, got %d", len(c.Dataset.Split))
	}
	sum := 0.0
	for _, r := range c.Dataset.Split {
		if r < 0 {
			return fmt.Errorf("dataset.split ratios must be >= 0, got %v", c.Dataset.Split)
		}
		sum += r
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("dataset.split must sum to 1, got %v", c.Dataset.Split)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be > 0, got %d", c.Train.BatchSize)
	}
	if c.Train.EvalPeriod <= 0 || c.Train.CkptPeriod <= 0 {
		return fmt.Errorf("train.eval_period and train.ckpt_period must be > 0")
	}
	if err := oneOf("train.ckpt_format", c.Train.CkptFormat, "json", "proto"); err != nil {
		return err
	}
	if err := oneOf("model.graph_pooling", c.Model.GraphPooling, "add", "mean", "max"); err != nil {
		return err
	}
	if c.GNN.LayersMP < 0 || c.GNN.LayersPreMP < 0 {
		return fmt.Errorf("gnn layer counts must be >= 0")
	}
	if c.GNN.LayersPostMP < 1 {
		return fmt.Errorf("gnn.layers_post_mp must be >= 1, got %d", c.GNN.LayersPostMP)
	}
	if c.GNN.DimInner <= 0 {
		return fmt.Errorf("gnn.dim_inner must be > 0, got %d", c.GNN.DimInner)
	}
	if c.Optim.MaxEpoch < 0 {
		return fmt.Errorf("optim.max_epoch must be >= 0, got %d", c.Optim.MaxEpoch)
	}
	if c.Optim.BaseLR <= 0 {
		return fmt.Errorf("optim.base_lr must be > 0, got %f", c.Optim.BaseLR)
	}
	if err := oneOf("proxy.target", c.Proxy.Target, "laplacian", "random"); err != nil {
		return err
	}
	if c.Proxy.PrimaryWeight < 0 {
		return fmt.Errorf("proxy.primary_weight must be >= 0, got %f", c.Proxy.PrimaryWeight)
	}
	return nil
}

// RunDir is <out_dir>/<seed>
func (c *Config) RunDir() string {
	return filepath.Join(c.OutDir, strconv.FormatUint(c.Seed, 10))
}

// IsEvalEpoch: every eval_period epochs, plus the first and the last
func (c *Config) IsEvalEpoch(epoch int) bool {
	return (epoch+1)%c.Train.EvalPeriod == 0 || epoch == 0 || epoch+1 == c.Optim.MaxEpoch
}

// IsTrainEvalEpoch decides whether training statistics are flushed
func (c *Config) IsTrainEvalEpoch(epoch int) bool {
	return c.IsEvalEpoch(epoch) || !c.Train.SkipTrainEval
}

func (c *Config) IsCkptEpoch(epoch int) bool {
	return (epoch+1)%c.Train.CkptPeriod == 0 || epoch+1 == c.Optim.MaxEpoch
}
