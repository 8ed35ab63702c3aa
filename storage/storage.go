package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrEntityExists     = errors.New("entity already exists")
	ErrVersionConflict  = errors.New("entity was modified concurrently")
)

// Storage defines the interface for persisting workflow definitions, governed
// entities and their audit history.
type Storage interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow definition by name.
	GetWorkflow(ctx context.Context, name string) (types.Workflow, error)

	// CreateEntity stores a new entity. It fails with ErrEntityExists if the ID is taken.
	CreateEntity(ctx context.Context, ent types.Entity) error

	// GetEntity retrieves an entity by ID.
	GetEntity(ctx context.Context, id uint64) (types.Entity, error)

	// ApplyTransition writes ent and appends rec as one all-or-nothing update.
	// The stored entity's version must be ent.Version-1, otherwise
	// ErrVersionConflict is returned and nothing is written.
	ApplyTransition(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error

	// History returns the audit records of an entity in creation order.
	History(ctx context.Context, entityID uint64) ([]types.TransitionRecord, error)

	// DeleteEntity removes an entity together with its history.
	DeleteEntity(ctx context.Context, id uint64) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// cloneEntity copies the attribute map so callers cannot alias stored state.
func cloneEntity(ent types.Entity) types.Entity {
	if ent.Attributes != nil {
		attrs := make(map[string]interface{}, len(ent.Attributes))
		for k, v := range ent.Attributes {
			attrs[k] = v
		}
		ent.Attributes = attrs
	}
	return ent
}
