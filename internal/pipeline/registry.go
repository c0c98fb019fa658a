package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/busybox42/elemta-core/internal/config"
)

// ClassifierFactory builds a classifier from its configured arguments.
type ClassifierFactory func(args []string) (Classifier, error)

// ActionFactory builds an action from its configured arguments.
type ActionFactory func(args []string) (Action, error)

// Registry maps the names used in configuration to stage factories.
type Registry struct {
	mu          sync.RWMutex
	classifiers map[string]ClassifierFactory
	actions     map[string]ActionFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		classifiers: make(map[string]ClassifierFactory),
		actions:     make(map[string]ActionFactory),
	}
}

// RegisterClassifier adds a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, f ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = f
}

// RegisterAction adds an action factory under name.
func (r *Registry) RegisterAction(name string, f ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = f
}

// Classifier builds the classifier registered under name.
func (r *Registry) Classifier(name string, args []string) (Classifier, error) {
	r.mu.RLock()
	f, ok := r.classifiers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown classifier %q", name)
	}
	c, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for classifier %s: %w", name, err)
	}
	return c, nil
}

// Action builds the action registered under name.
func (r *Registry) Action(name string, args []string) (Action, error) {
	r.mu.RLock()
	f, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	a, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for action %s: %w", name, err)
	}
	return a, nil
}

// Names lists the registered classifier and action names.
func (r *Registry) Names() (classifiers, actions []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.classifiers {
		classifiers = append(classifiers, name)
	}
	for name := range r.actions {
		actions = append(actions, name)
	}
	sort.Strings(classifiers)
	sort.Strings(actions)
	return classifiers, actions
}

// Build creates the configured pipelines, keyed by name.
func Build(cfgs []config.PipelineConfig, reg *Registry, opts ...Option) (map[string]*Pipeline, error) {
	out := make(map[string]*Pipeline, len(cfgs))
	for _, pc := range cfgs {
		if pc.Name == "" {
			return nil, fmt.Errorf("pipeline without a name")
		}
		if _, dup := out[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", pc.Name)
		}

		stages := make([]Stage, 0, len(pc.Stages))
		for i, sc := range pc.Stages {
			name := sc.Name
			if name == "" {
				name = fmt.Sprintf("%d-%s", i, sc.Action)
			}
			c, err := reg.Classifier(sc.Match, sc.MatchArgs)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s stage %s: %w", pc.Name, name, err)
			}
			a, err := reg.Action(sc.Action, sc.ActionArgs)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s stage %s: %w", pc.Name, name, err)
			}
			stages = append(stages, Stage{Name: name, Classifier: c, Action: a})
		}
		out[pc.Name] = New(pc.Name, stages, opts...)
	}
	return out, nil
}
