package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
)

// Module is the interface that step packages implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry holds the registered steps for a single application instance.
type Registry struct {
	steps map[string]*model.Step
}

// New creates a registry and registers the given modules into it.
func New(modules ...Module) *Registry {
	r := &Registry{steps: make(map[string]*model.Step)}
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// Register adds a step under its name. Malformed steps and duplicate names
// are programmer errors and panic.
func (r *Registry) Register(step *model.Step) {
	if err := step.Validate(); err != nil {
		panic(fmt.Sprintf("invalid step registration: %v", err))
	}
	if _, exists := r.steps[step.Name]; exists {
		panic(fmt.Sprintf("step with name '%s' already registered", step.Name))
	}
	slog.Debug("Registering step.", "name", step.Name, "version", step.Version, "cacheable", !step.NonCacheable)
	r.steps[step.Name] = step
}

// Lookup resolves a step key. A non-empty version must match the
// registered version exactly.
func (r *Registry) Lookup(key, version string) (*model.Step, error) {
	step, ok := r.steps[key]
	if !ok {
		return nil, errs.Validation(errs.CheckRegistry, nil, fmt.Sprintf("unknown step %q", key))
	}
	if version != "" && version != step.Version {
		return nil, errs.Validation(errs.CheckRegistry, nil,
			fmt.Sprintf("step %q is registered at version %s, definition pins %s", key, step.Version, version))
	}
	return step, nil
}

// Keys returns the registered step names in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.steps))
	for k := range r.steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered steps.
func (r *Registry) Len() int { return len(r.steps) }
