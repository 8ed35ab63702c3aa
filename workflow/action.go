package workflow

import (
	"context"

	"github.com/songzhibin97/approval-engine/types"
)

// Action runs after an entity has entered a stage, e.g. posting a payment
// as soon as it is approved. The transition is already committed when an
// action runs; a failing action is logged and reported as an event but
// never undoes it.
type Action interface {
	Execute(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error {
	return f(ctx, ent, rec)
}

func actionKey(workflow string, stage types.StageID) string {
	return workflow + "/" + string(stage)
}
