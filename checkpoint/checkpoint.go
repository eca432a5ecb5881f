package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNoCheckpoint is returned when a specific epoch was requested but never saved
var ErrNoCheckpoint = errors.New("no checkpoint for epoch")

// Stateful is anything whose state travels through a checkpoint
type Stateful interface {
	GetState() map[string]interface{}
	LoadState(state map[string]interface{}) error
}

// Format defines the on-disk serialization
type Format string

const (
	FormatJSON  Format = "json"
	FormatProto Format = "proto"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatProto:
		return FormatProto, nil
	}
	return "", fmt.Errorf("unsupported checkpoint format: %s", s)
}

// Checkpoint is one saved training state
type Checkpoint struct {
	Epoch          int                    `json:"epoch"`
	ModelState     map[string]interface{} `json:"model_state"`
	OptimizerState map[string]interface{} `json:"optimizer_state"`
	SchedulerState map[string]interface{} `json:"scheduler_state"`
	CreatedAt      time.Time              `json:"created_at"`
}

func (c *Checkpoint) asMap() map[string]interface{} {
	return map[string]interface{}{
		"epoch":           float64(c.Epoch),
		"model_state":     normalize(c.ModelState),
		"optimizer_state": normalize(c.OptimizerState),
		"scheduler_state": normalize(c.SchedulerState),
		"created_at":      c.CreatedAt.Format(time.RFC3339Nano),
	}
}

func fromMap(m map[string]interface{}) (*Checkpoint, error) {
	c := &Checkpoint{}
	e, ok := m["epoch"].(float64)
	if !ok {
		return nil, fmt.Errorf("checkpoint has no epoch")
	}
	c.Epoch = int(e)
	c.ModelState, _ = m["model_state"].(map[string]interface{})
	c.OptimizerState, _ = m["optimizer_state"].(map[string]interface{})
	c.SchedulerState, _ = m["scheduler_state"].(map[string]interface{})
	if s, ok := m["created_at"].(string); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return c, nil
}

// normalize rewrites typed slices and integers into the shapes structpb accepts
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []float64:
		out := make([]interface{}, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out
	case []int:
		out := make([]interface{}, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case int:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

// Store keeps checkpoints as <run_dir>/ckpt/<epoch>.ckpt
type Store struct {
	Dir    string
	Format Format
}

func NewStore(runDir string, format Format) *Store {
	return &Store{Dir: filepath.Join(runDir, "ckpt"), Format: format}
}

func (s *Store) Path(epoch int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%d.ckpt", epoch))
}

// Epochs lists saved epochs in increasing order
func (s *Store) Epochs() ([]int, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var epochs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ckpt") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".ckpt"))
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// Save writes the state of all three components for epoch
func (s *Store) Save(model, optimizer, scheduler Stateful, epoch int) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	c := &Checkpoint{
		Epoch:          epoch,
		ModelState:     model.GetState(),
		OptimizerState: optimizer.GetState(),
		SchedulerState: scheduler.GetState(),
		CreatedAt:      time.Now(),
	}

	var data []byte
	var err error
	switch s.Format {
	case FormatProto:
		data, err = encodeProto(c)
	default:
		data, err = json.Marshal(c.asMap())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := s.Path(epoch) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return os.Rename(tmp, s.Path(epoch))
}

func encodeProto(c *Checkpoint) ([]byte, error) {
	st, err := structpb.NewStruct(c.asMap())
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// Read decodes the checkpoint saved for epoch
func (s *Store) Read(epoch int) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(epoch))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w %d", ErrNoCheckpoint, epoch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var m map[string]interface{}
	switch s.Format {
	case FormatProto:
		st := &structpb.Struct{}
		if err := proto.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		m = st.AsMap()
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	}
	return fromMap(m)
}

// Load restores the checkpoint for resumeEpoch (-1 picks the latest) and returns the
// epoch to start from, which is the saved epoch plus one. With no checkpoints saved it
// returns 0 and leaves the components untouched.
func (s *Store) Load(model, optimizer, scheduler Stateful, resumeEpoch int) (int, error) {
	epochs, err := s.Epochs()
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		return 0, nil
	}
	epoch := resumeEpoch
	if epoch < 0 {
		epoch = epochs[len(epochs)-1]
	}

	c, err := s.Read(epoch)
	if err != nil {
		return 0, err
	}
	if err := model.LoadState(c.ModelState); err != nil {
		return 0, fmt.Errorf("checkpoint %d model: %w", epoch, err)
	}
	if c.OptimizerState != nil {
		if err := optimizer.LoadState(c.OptimizerState); err != nil {
			return 0, fmt.Errorf("checkpoint %d optimizer: %w", epoch, err)
		}
	}
	if c.SchedulerState != nil {
		if err := scheduler.LoadState(c.SchedulerState); err != nil {
			return 0, fmt.Errorf("checkpoint %d scheduler: %w", epoch, err)
		}
	}
	return c.Epoch + 1, nil
}

// Clean removes every checkpoint except the latest
func (s *Store) Clean() error {
	epochs, err := s.Epochs()
	if err != nil {
		return err
	}
	for i := 0; i < len(epochs)-1; i++ {
		if err := os.Remove(s.Path(epochs[i])); err != nil {
			return fmt.Errorf("failed to remove checkpoint %d: %w", epochs[i], err)
		}
	}
	return nil
}
