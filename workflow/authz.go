package workflow

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// authorize checks actor against the stage being left. An explicit actor
// list wins over the role; with neither set any authenticated actor may act.
func authorize(stage types.Stage, actor types.Actor) error {
	if !actor.Authenticated() {
		return fmt.Errorf("%w: anonymous actor on stage %s", ErrUnauthorizedActor, stage.Name)
	}

	if len(stage.ResponsibleActors) > 0 {
		for _, id := range stage.ResponsibleActors {
			if id == actor.ID {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not a designated actor for stage %s", ErrUnauthorizedActor, actor.ID, stage.Name)
	}

	if stage.ResponsibleRole != "" && !actor.HasRole(stage.ResponsibleRole) {
		return fmt.Errorf("%w: %s lacks role %q required by stage %s", ErrUnauthorizedActor, actor.ID, stage.ResponsibleRole, stage.Name)
	}
	return nil
}
