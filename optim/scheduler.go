package optim

import (
	"fmt"
	"math"
)

// LRScheduler maps an epoch number to a learning rate
type LRScheduler interface {
	GetLR(epoch int) float64
	Name() string
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float64
}

func NewConstantScheduler(baseLR float64) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(epoch int) float64 { return s.baseLR }

func (s *ConstantScheduler) Name() string { return "none" }

// ============================================================================
// Multi-step Scheduler - decay by a factor at each milestone
// ============================================================================

type MultiStepScheduler struct {
	initialLR   float64
	decayFactor float64
	milestones  []int
}

func NewMultiStepScheduler(initialLR, decayFactor float64, milestones []int) *MultiStepScheduler {
	return &MultiStepScheduler{
		initialLR:   initialLR,
		decayFactor: decayFactor,
		milestones:  append([]int(nil), milestones...),
	}
}

func (s *MultiStepScheduler) GetLR(epoch int) float64 {
	passed := 0
	for _, m := range s.milestones {
		if epoch >= m {
			passed++
		}
	}
	return s.initialLR * math.Pow(s.decayFactor, float64(passed))
}

func (s *MultiStepScheduler) Name() string { return "step" }

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR   float64
	minLR       float64
	totalEpochs int
}

func NewCosineAnnealingScheduler(initialLR, minLR float64, totalEpochs int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{initialLR: initialLR, minLR: minLR, totalEpochs: totalEpochs}
}

func (s *CosineAnnealingScheduler) GetLR(epoch int) float64 {
	if epoch >= s.totalEpochs {
		return s.minLR
	}
	// lr = minLR + (initialLR - minLR) * (1 + cos(pi * progress)) / 2
	progress := float64(epoch) / float64(s.totalEpochs)
	return s.minLR + (s.initialLR-s.minLR)*(1+math.Cos(math.Pi*progress))/2
}

func (s *CosineAnnealingScheduler) Name() string { return "cos" }

// ============================================================================
// Exponential Decay Scheduler
// ============================================================================

type ExponentialDecayScheduler struct {
	initialLR float64
	decayRate float64
}

func NewExponentialDecayScheduler(initialLR, decayRate float64) *ExponentialDecayScheduler {
	return &ExponentialDecayScheduler{initialLR: initialLR, decayRate: decayRate}
}

func (s *ExponentialDecayScheduler) GetLR(epoch int) float64 {
	return s.initialLR * math.Pow(s.decayRate, float64(epoch))
}

func (s *ExponentialDecayScheduler) Name() string { return "exp" }

// SchedulerOptions mirrors the optim.* configuration keys
type SchedulerOptions struct {
	BaseLR   float64
	Steps    []int
	LRDecay  float64
	MaxEpoch int
}

// NewScheduler builds an epoch scheduler by config name: none, step, cos or exp
func NewScheduler(name string, opts SchedulerOptions) (*EpochScheduler, error) {
	var s LRScheduler
	switch name {
	case "none", "":
		s = NewConstantScheduler(opts.BaseLR)
	case "step":
		s = NewMultiStepScheduler(opts.BaseLR, opts.LRDecay, opts.Steps)
	case "cos":
		s = NewCosineAnnealingScheduler(opts.BaseLR, 0, opts.MaxEpoch)
	case "exp":
		s = NewExponentialDecayScheduler(opts.BaseLR, opts.LRDecay)
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
	return &EpochScheduler{LRScheduler: s}, nil
}

// EpochScheduler tracks the epoch counter that drives an LRScheduler
type EpochScheduler struct {
	LRScheduler
	epoch int
}

// Step advances to the next epoch
func (s *EpochScheduler) Step() { s.epoch++ }

// LastLR is the learning rate of the current epoch
func (s *EpochScheduler) LastLR() float64 { return s.GetLR(s.epoch) }

func (s *EpochScheduler) Epoch() int { return s.epoch }

func (s *EpochScheduler) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":       s.Name(),
		"last_epoch": float64(s.epoch),
	}
}

func (s *EpochScheduler) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != s.Name() {
		return fmt.Errorf("invalid scheduler type: expected %s, got %v", s.Name(), state["type"])
	}
	e, ok := state["last_epoch"].(float64)
	if !ok {
		return fmt.Errorf("scheduler state has no last_epoch")
	}
	s.epoch = int(e)
	return nil
}
