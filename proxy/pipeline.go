package proxy

import (
	"fmt"
	"log"

	"github.com/openfluke/proxyle/capture"
)

// Options are the run-level switches the pipeline honours
type Options struct {
	MaxEpoch    int
	AutoResume  bool
	EpochResume int // -1 resumes from the latest checkpoint
	EnableCkpt  bool
	CkptClean   bool
	RunDir      string

	// Target names the model child holding the message-passing layers
	Target string
}

// Summary describes what a Run did
type Summary struct {
	StartEpoch int
	EpochsRun  int
}

// Pipeline is the proxy training loop: capture registration, resume, epochs, checkpoints
type Pipeline struct {
	Options Options
	Policy  EpochPolicy
	Store   CheckpointStore // may be nil when resume and checkpointing are off
	Driver  *Driver

	registry *capture.Registry
}

func NewPipeline(opts Options, policy EpochPolicy, store CheckpointStore, driver *Driver) *Pipeline {
	if opts.Target == "" {
		opts.Target = "mp"
	}
	return &Pipeline{
		Options:  opts,
		Policy:   policy,
		Store:    store,
		Driver:   driver,
		registry: capture.NewRegistry(),
	}
}

// Run trains on loaders[0] and evaluates on the remaining loaders, each paired with the
// logger at the same position.
func (p *Pipeline) Run(loggers []Logger, loaders []Loader, model Model, optimizer Optimizer, scheduler Scheduler) (Summary, error) {
	if len(loaders) == 0 || len(loggers) != len(loaders) {
		return Summary{}, fmt.Errorf("need one logger per loader, got %d loggers for %d loaders", len(loggers), len(loaders))
	}

	layers, err := p.registry.Register(model, p.Options.Target)
	if err != nil {
		return Summary{}, err
	}
	p.Driver.Layers = layers

	start := 0
	if p.Options.AutoResume && p.Store != nil {
		if start, err = p.Store.Load(model, optimizer, scheduler, p.Options.EpochResume); err != nil {
			return Summary{}, fmt.Errorf("resume: %w", err)
		}
	}
	if start == p.Options.MaxEpoch {
		log.Printf("checkpoint found, task already done")
	} else {
		log.Printf("start from epoch %d", start)
	}

	sum := Summary{StartEpoch: start}
	for epoch := start; epoch < p.Options.MaxEpoch; epoch++ {
		if _, err := p.Driver.TrainEpoch(loggers[0], loaders[0], model, optimizer, scheduler); err != nil {
			return sum, fmt.Errorf("epoch %d train: %w", epoch, err)
		}
		if p.Policy.IsTrainEvalEpoch(epoch) {
			if err := loggers[0].WriteEpoch(epoch); err != nil {
				return sum, err
			}
		}
		if p.Policy.IsEvalEpoch(epoch) {
			for i := 1; i < len(loaders); i++ {
				if _, err := p.Driver.EvalEpoch(loggers[i], loaders[i], model); err != nil {
					return sum, fmt.Errorf("epoch %d eval %d: %w", epoch, i, err)
				}
				if err := loggers[i].WriteEpoch(epoch); err != nil {
					return sum, err
				}
			}
		}
		if p.Policy.IsCkptEpoch(epoch) && p.Options.EnableCkpt && p.Store != nil {
			if err := p.Store.Save(model, optimizer, scheduler, epoch); err != nil {
				return sum, fmt.Errorf("epoch %d checkpoint: %w", epoch, err)
			}
		}
		sum.EpochsRun++
	}

	for _, l := range loggers {
		if err := l.Close(); err != nil {
			return sum, err
		}
	}
	if p.Options.CkptClean && p.Store != nil {
		if err := p.Store.Clean(); err != nil {
			return sum, err
		}
	}
	log.Printf("task done, results saved in %s", p.Options.RunDir)
	return sum, nil
}
