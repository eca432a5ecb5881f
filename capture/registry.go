package capture

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrAlreadyRegistered is returned when a model or sublayer is hooked twice
	ErrAlreadyRegistered = errors.New("capture hooks already registered")
	// ErrStackNotFound is returned when the model has no child with the target name
	ErrStackNotFound = errors.New("message-passing stack not found")
	// ErrNotPointer is returned for models that are not pointers; registration is keyed on
	// model identity
	ErrNotPointer = errors.New("model must be a non-nil pointer")
)

// Hook is invoked by a sublayer after its forward computation
type Hook func(cc *Context, input, output Activation)

// Hookable is a sublayer that can carry a forward hook
type Hookable interface {
	SetHook(h Hook)
	Hook() Hook
}

// Child is a named sub-component
type Child struct {
	Name   string
	Module any
}

// Module exposes its immediate named children in order
type Module interface {
	NamedChildren() []Child
}

// Registry installs recording hooks on the sublayers of a model's message-passing stack
type Registry struct {
	models map[Module]int
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[Module]int)}
}

// record is the hook every registered sublayer calls
func record(cc *Context, input, output Activation) {
	if cc == nil {
		return
	}
	cc.Record(input, output)
}

// Register hooks every immediate child of model's child named target, in order, and
// returns how many sublayers were hooked.
func (r *Registry) Register(model Module, target string) (int, error) {
	if v := reflect.ValueOf(model); v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, fmt.Errorf("register %T: %w", model, ErrNotPointer)
	}
	if _, ok := r.models[model]; ok {
		return 0, ErrAlreadyRegistered
	}

	for _, child := range model.NamedChildren() {
		if child.Name != target {
			continue
		}
		stack, ok := child.Module.(Module)
		if !ok {
			return 0, fmt.Errorf("child %q has no sublayers", target)
		}

		var layers []Hookable
		for _, sub := range stack.NamedChildren() {
			h, ok := sub.Module.(Hookable)
			if !ok {
				return 0, fmt.Errorf("sublayer %s.%s cannot carry a hook", target, sub.Name)
			}
			if h.Hook() != nil {
				return 0, fmt.Errorf("sublayer %s.%s: %w", target, sub.Name, ErrAlreadyRegistered)
			}
			layers = append(layers, h)
		}
		for _, h := range layers {
			h.SetHook(record)
		}
		r.models[model] = len(layers)
		return len(layers), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrStackNotFound, target)
}

// Layers returns the number of sublayers hooked on model, or -1 if it is not registered
func (r *Registry) Layers(model Module) int {
	if v := reflect.ValueOf(model); v.Kind() != reflect.Pointer {
		return -1
	}
	n, ok := r.models[model]
	if !ok {
		return -1
	}
	return n
}
