// Package registry holds the static stage graph of one workflow.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrStageNotFound indicates the stage is not part of the workflow.
	ErrStageNotFound = errors.New("stage not found")
	// ErrInvalidDefinition indicates a workflow definition failed validation.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// Registry is a validated, read-only view of a workflow definition.
// It is safe for concurrent use.
type Registry struct {
	name    string
	initial types.StageID
	stages  map[types.StageID]types.Stage
	ordered []types.StageID
}

// New validates def and builds a registry from it. When evaluator is non-nil
// every edge condition must compile.
func New(def types.Workflow, evaluator rules.Evaluator) (*Registry, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no stages", ErrInvalidDefinition, def.Name)
	}

	r := &Registry{
		name:    def.Name,
		initial: def.Initial,
		stages:  make(map[types.StageID]types.Stage, len(def.Stages)),
	}
	for _, s := range def.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: workflow %q has a stage without a name", ErrInvalidDefinition, def.Name)
		}
		if _, dup := r.stages[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidDefinition, s.Name)
		}
		s = s.Clone()
		s.Kind = types.KindOf(s.Name)
		r.stages[s.Name] = s
		r.ordered = append(r.ordered, s.Name)
	}

	if r.initial == "" {
		r.initial = def.Stages[0].Name
	}
	if _, ok := r.stages[r.initial]; !ok {
		return nil, fmt.Errorf("%w: initial stage %q is not registered", ErrInvalidDefinition, r.initial)
	}

	for _, s := range r.stages {
		seen := make(map[types.StageID]bool, len(s.Next))
		for _, e := range s.Next {
			if _, ok := r.stages[e.To]; !ok {
				return nil, fmt.Errorf("%w: stage %q points to unknown stage %q", ErrInvalidDefinition, s.Name, e.To)
			}
			if seen[e.To] {
				return nil, fmt.Errorf("%w: stage %q lists %q twice", ErrInvalidDefinition, s.Name, e.To)
			}
			seen[e.To] = true
			if evaluator != nil {
				if err := evaluator.Validate(e.Condition); err != nil {
					return nil, fmt.Errorf("%w: condition on %s -> %s: %v", ErrInvalidDefinition, s.Name, e.To, err)
				}
			}
		}
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.stages[r.ordered[i]].Sequence < r.stages[r.ordered[j]].Sequence
	})
	return r, nil
}

// Name returns the workflow name.
func (r *Registry) Name() string { return r.name }

// Initial returns the stage new entities start in.
func (r *Registry) Initial() types.Stage { return r.stages[r.initial].Clone() }

// Stage returns the stage registered under name.
func (r *Registry) Stage(name types.StageID) (types.Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return types.Stage{}, fmt.Errorf("%w: %q in workflow %q", ErrStageNotFound, name, r.name)
	}
	return s.Clone(), nil
}

// AllowedTargets returns the stages reachable from name in definition order.
// An empty slice means name is terminal.
func (r *Registry) AllowedTargets(name types.StageID) ([]types.Stage, error) {
	s, err := r.Stage(name)
	if err != nil {
		return nil, err
	}
	targets := make([]types.Stage, 0, len(s.Next))
	for _, e := range s.Next {
		targets = append(targets, r.stages[e.To].Clone())
	}
	return targets, nil
}

// Edge returns the edge from -> to, if the graph has one.
func (r *Registry) Edge(from, to types.StageID) (types.Edge, bool) {
	s, ok := r.stages[from]
	if !ok {
		return types.Edge{}, false
	}
	for _, e := range s.Next {
		if e.To == to {
			return e, true
		}
	}
	return types.Edge{}, false
}

// IsTerminal reports whether name has no outgoing transitions.
func (r *Registry) IsTerminal(name types.StageID) (bool, error) {
	s, err := r.Stage(name)
	if err != nil {
		return false, err
	}
	return s.Terminal(), nil
}

// Stages returns every stage ordered by sequence.
func (r *Registry) Stages() []types.Stage {
	out := make([]types.Stage, 0, len(r.ordered))
	for _, id := range r.ordered {
		out = append(out, r.stages[id].Clone())
	}
	return out
}

// Definition returns the workflow definition the registry was built from.
func (r *Registry) Definition() types.Workflow {
	return types.Workflow{Name: r.name, Initial: r.initial, Stages: r.Stages()}
}
