package workflow

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

// BulkResult summarises a BulkTransition.
type BulkResult struct {
	Succeeded []uint64
	// Skipped holds entities whose stage does not allow the move.
	Skipped map[uint64]error
	Failed  map[uint64]error
}

// Total returns the number of entities processed.
func (r BulkResult) Total() int {
	return len(r.Succeeded) + len(r.Skipped) + len(r.Failed)
}

// BulkTransition moves each entity to target independently. A failure on
// one entity does not affect the others. A canceled context stops the
// batch and marks the remaining entities as failed.
func (e *Engine) BulkTransition(ctx context.Context, ids []uint64, target types.StageID, actor types.Actor, note string) BulkResult {
	res := BulkResult{
		Skipped: make(map[uint64]error),
		Failed:  make(map[uint64]error),
	}
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		if err := ctx.Err(); err != nil {
			res.Failed[id] = err
			continue
		}
		_, _, err := e.ExecuteTransition(ctx, id, target, actor, note)
		switch {
		case err == nil:
			res.Succeeded = append(res.Succeeded, id)
		case errors.Is(err, ErrIllegalTransition):
			res.Skipped[id] = err
		default:
			res.Failed[id] = err
		}
	}

	e.logger.Info("bulk transition finished",
		"target", target,
		"actor", actor.ID,
		"succeeded", len(res.Succeeded),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed))
	return res
}
