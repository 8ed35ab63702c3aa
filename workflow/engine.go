package workflow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/registry"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// tokenBytes is the size of the random part of a verification token.
const tokenBytes = 32

// Engine governs entities through their workflows.
type Engine struct {
	registries map[string]*registry.Registry
	actions    map[string][]Action
	evaluator  rules.Evaluator
	storage    storage.Storage
	eventBus   *events.EventBus
	ownsBus    bool
	mu         sync.RWMutex
	generate   generator.Generator
	logger     *slog.Logger
	now        func() time.Time
	metrics    *Metrics
	tracer     trace.Tracer
}

// NewEngine creates a new Engine with the given ID generator, storage and evaluator.
// A nil store falls back to in-memory storage and a nil evaluator to expr.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		registries: make(map[string]*registry.Registry),
		actions:    make(map[string][]Action),
		evaluator:  evaluator,
		storage:    store,
		generate:   generate,
		logger:     slog.Default(),
		now:        time.Now,
		tracer:     defaultTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	return e, nil
}

// Events returns the bus notifications are published on.
func (e *Engine) Events() *events.EventBus {
	return e.eventBus
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// RegisterAction runs action after every transition into stage of workflow.
func (e *Engine) RegisterAction(workflow string, stage types.StageID, action Action) error {
	if workflow == "" || stage == "" || action == nil {
		return errors.New("workflow, stage and action are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := actionKey(workflow, stage)
	e.actions[key] = append(e.actions[key], action)
	return nil
}

// RegisterWorkflow validates and persists a workflow definition.
func (e *Engine) RegisterWorkflow(ctx context.Context, def types.Workflow) error {
	reg, err := registry.New(def, e.evaluator)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	if err := e.storage.SaveWorkflow(ctx, reg.Definition()); err != nil {
		return err
	}

	e.mu.Lock()
	e.registries[reg.Name()] = reg
	e.mu.Unlock()
	return nil
}

// batchSaver is implemented by stores that can persist many definitions at once.
type batchSaver interface {
	SaveWorkflows(ctx context.Context, wfs []types.Workflow) error
}

// RegisterWorkflows validates every definition before persisting any of them.
func (e *Engine) RegisterWorkflows(ctx context.Context, defs []types.Workflow) error {
	regs := make([]*registry.Registry, 0, len(defs))
	for _, def := range defs {
		reg, err := registry.New(def, e.evaluator)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
		}
		regs = append(regs, reg)
	}

	if bs, ok := e.storage.(batchSaver); ok {
		wfs := make([]types.Workflow, 0, len(regs))
		for _, reg := range regs {
			wfs = append(wfs, reg.Definition())
		}
		if err := bs.SaveWorkflows(ctx, wfs); err != nil {
			return err
		}
	} else {
		for _, reg := range regs {
			if err := e.storage.SaveWorkflow(ctx, reg.Definition()); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	for _, reg := range regs {
		e.registries[reg.Name()] = reg
	}
	e.mu.Unlock()
	return nil
}

// Registry returns the stage registry of a workflow, checking the cache first then storage.
func (e *Engine) Registry(ctx context.Context, name string) (*registry.Registry, error) {
	e.mu.RLock()
	reg, ok := e.registries[name]
	e.mu.RUnlock()
	if ok {
		return reg, nil
	}

	def, err := e.storage.GetWorkflow(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
		}
		return nil, err
	}
	reg, err = registry.New(def, e.evaluator)
	if err != nil {
		return nil, fmt.Errorf("%w: stored definition %s: %w", ErrInvalidWorkflow, name, err)
	}

	e.mu.Lock()
	e.registries[name] = reg
	e.mu.Unlock()
	return reg, nil
}

// CreateEntity starts a new entity at the workflow's initial stage.
// No audit record is written; history starts with the first transition.
func (e *Engine) CreateEntity(ctx context.Context, workflow string, attrs map[string]interface{}, assignee string) (*types.Entity, error) {
	reg, err := e.Registry(ctx, workflow)
	if err != nil {
		return nil, err
	}
	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := e.now()
	ent := types.Entity{
		ID:            id,
		Workflow:      workflow,
		CurrentStage:  reg.Initial().Name,
		AssignedActor: assignee,
		Attributes:    attrs,
		Token:         token,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.storage.CreateEntity(ctx, ent); err != nil {
		return nil, err
	}

	e.logger.Info("entity created", "workflow", workflow, "entity_id", id, "stage", ent.CurrentStage)
	ev := events.NewEvent(events.TypeEntityCreated, id)
	ev.Workflow = workflow
	ev.ToStage = ent.CurrentStage
	e.publish(ctx, ev)
	return &ent, nil
}

// DeleteEntity removes an entity together with its audit history.
func (e *Engine) DeleteEntity(ctx context.Context, id uint64) error {
	ent, err := e.getEntity(ctx, id)
	if err != nil {
		return err
	}
	if err := e.storage.DeleteEntity(ctx, id); err != nil {
		return err
	}

	e.logger.Info("entity deleted", "workflow", ent.Workflow, "entity_id", id)
	ev := events.NewEvent(events.TypeEntityDeleted, id)
	ev.Workflow = ent.Workflow
	ev.FromStage = ent.CurrentStage
	e.publish(ctx, ev)
	return nil
}

// ExecuteTransition moves an entity to target on behalf of actor.
//
// Checks run in order and the first failure is returned: the target must be
// registered (ErrUnknownStage), reachable from the current stage with its
// guard satisfied (ErrIllegalTransition), and actor must be allowed to act
// on the current stage (ErrUnauthorizedActor). On success the stage change
// and its audit record are stored together.
func (e *Engine) ExecuteTransition(ctx context.Context, entityID uint64, target types.StageID, actor types.Actor, note string, opts ...TransitionOption) (*types.Entity, *types.TransitionRecord, error) {
	ctx, span := e.startSpan(ctx, "workflow.ExecuteTransition",
		attribute.String("approval.entity_id", strconv.FormatUint(entityID, 10)),
		attribute.String("approval.target", string(target)),
		attribute.String("approval.actor", actor.ID),
	)
	start := time.Now()

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	ent, rec, err := e.executeTransition(ctx, entityID, target, actor, note, o)

	var workflow string
	var from types.StageID
	if ent != nil {
		workflow, from = ent.Workflow, ent.CurrentStage
	}
	if rec != nil {
		from = rec.FromStage
	}
	e.metrics.observe(workflow, from, target, err, time.Since(start))
	endSpan(span, err)

	if err != nil {
		if IsCallerError(err) {
			e.logger.Debug("transition rejected", "entity_id", entityID, "target", target, "actor", actor.ID, "error", err)
		}
		return nil, nil, err
	}

	e.logger.Info("transition applied",
		"workflow", rec.Workflow,
		"entity_id", entityID,
		"from", rec.FromStage,
		"to", rec.ToStage,
		"actor", actor.ID,
		"record_id", rec.ID)

	ev := events.NewEvent(events.TypeTransition, entityID)
	ev.Workflow = rec.Workflow
	ev.FromStage = rec.FromStage
	ev.ToStage = rec.ToStage
	ev.Actor = rec.Actor
	ev.RecordID = rec.ID
	ev.OccurredAt = rec.Timestamp
	e.publish(ctx, ev)
	e.runActions(ctx, *ent, *rec)

	return ent, rec, nil
}

// executeTransition returns the loaded entity on validation failures so the
// caller can label metrics, and the updated entity on success.
func (e *Engine) executeTransition(ctx context.Context, entityID uint64, target types.StageID, actor types.Actor, note string, o transitionOptions) (*types.Entity, *types.TransitionRecord, error) {
	ent, err := e.getEntity(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}
	reg, err := e.Registry(ctx, ent.Workflow)
	if err != nil {
		return &ent, nil, err
	}
	current, err := reg.Stage(ent.CurrentStage)
	if err != nil {
		return &ent, nil, fmt.Errorf("entity %d holds unregistered stage: %w", entityID, err)
	}

	if _, err := reg.Stage(target); err != nil {
		return &ent, nil, fmt.Errorf("%w: %q in workflow %s", ErrUnknownStage, target, ent.Workflow)
	}
	if err := e.checkEdge(reg, ent, target); err != nil {
		return &ent, nil, err
	}
	if err := authorize(current, actor); err != nil {
		return &ent, nil, err
	}

	ts := e.now()
	if ts.Before(ent.UpdatedAt) {
		ts = ent.UpdatedAt
	}
	recID, err := e.generate.NextID()
	if err != nil {
		return &ent, nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	next := ent
	next.CurrentStage = target
	next.AssignedActor = o.assignee
	next.Version++
	next.UpdatedAt = ts
	rec := types.TransitionRecord{
		ID:        recID,
		EntityID:  entityID,
		Workflow:  ent.Workflow,
		Actor:     actor.ID,
		Timestamp: ts,
		FromStage: ent.CurrentStage,
		ToStage:   target,
		Note:      note,
	}

	if err := e.storage.ApplyTransition(ctx, next, rec); err != nil {
		return &ent, nil, err
	}
	return &next, &rec, nil
}

// checkEdge verifies target is reachable from the entity's stage and the
// edge guard, if any, holds for the entity's attributes.
func (e *Engine) checkEdge(reg *registry.Registry, ent types.Entity, target types.StageID) error {
	edge, ok := reg.Edge(ent.CurrentStage, target)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, ent.CurrentStage, target)
	}
	enabled, err := e.evaluator.Evaluate(edge.Condition, ent.Attributes)
	if err != nil {
		return fmt.Errorf("%w: %s -> %s: condition %q: %v", ErrIllegalTransition, ent.CurrentStage, target, edge.Condition, err)
	}
	if !enabled {
		return fmt.Errorf("%w: %s -> %s: condition %q not met", ErrIllegalTransition, ent.CurrentStage, target, edge.Condition)
	}
	return nil
}

// GetHistory returns an entity's transition records, newest first unless
// filter.OldestFirst is set.
func (e *Engine) GetHistory(ctx context.Context, entityID uint64, filter types.HistoryFilter) ([]types.TransitionRecord, error) {
	all, err := e.storage.History(ctx, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrEntityNotFound, entityID)
		}
		return nil, err
	}

	out := make([]types.TransitionRecord, 0, len(all))
	for i := range all {
		rec := all[i]
		if !filter.OldestFirst {
			rec = all[len(all)-1-i]
		}
		if !filter.Match(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetEntity retrieves an entity by ID.
func (e *Engine) GetEntity(ctx context.Context, id uint64) (*types.Entity, error) {
	ent, err := e.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// GetCurrentStage returns the stage an entity is in.
func (e *Engine) GetCurrentStage(ctx context.Context, id uint64) (types.Stage, error) {
	ent, err := e.getEntity(ctx, id)
	if err != nil {
		return types.Stage{}, err
	}
	reg, err := e.Registry(ctx, ent.Workflow)
	if err != nil {
		return types.Stage{}, err
	}
	return reg.Stage(ent.CurrentStage)
}

// AvailableTransitions lists the stages actor could move the entity to now.
func (e *Engine) AvailableTransitions(ctx context.Context, id uint64, actor types.Actor) ([]types.Stage, error) {
	ent, err := e.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	reg, err := e.Registry(ctx, ent.Workflow)
	if err != nil {
		return nil, err
	}
	current, err := reg.Stage(ent.CurrentStage)
	if err != nil {
		return nil, err
	}
	if authorize(current, actor) != nil {
		return []types.Stage{}, nil
	}

	targets, err := reg.AllowedTargets(current.Name)
	if err != nil {
		return nil, err
	}
	out := make([]types.Stage, 0, len(targets))
	for _, t := range targets {
		if e.checkEdge(reg, ent, t.Name) == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// IsLocked reports whether the entity's record is read-only at its current stage.
func (e *Engine) IsLocked(ctx context.Context, id uint64) (bool, error) {
	stage, err := e.GetCurrentStage(ctx, id)
	if err != nil {
		return false, err
	}
	return !stage.Editable, nil
}

// Verify checks a verification token handed out with the entity.
// An unknown entity verifies as false.
func (e *Engine) Verify(ctx context.Context, id uint64, token string) (bool, error) {
	ent, err := e.getEntity(ctx, id)
	if errors.Is(err, ErrEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ent.Token == "" || token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(ent.Token), []byte(token)) == 1, nil
}

// Stop gracefully stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if e.ownsBus {
			e.eventBus.Stop()
		}
		return nil
	}
}

func (e *Engine) getEntity(ctx context.Context, id uint64) (types.Entity, error) {
	ent, err := e.storage.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return types.Entity{}, fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		return types.Entity{}, err
	}
	return ent, nil
}

// publish hands an event to the bus without waiting on it. Delivery failures
// are logged; they never affect the operation that produced the event.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), ev)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("event dropped", "type", ev.Type, "entity_id", ev.EntityID, "error", err)
	}
}

func (e *Engine) runActions(ctx context.Context, ent types.Entity, rec types.TransitionRecord) {
	e.mu.RLock()
	actions := append([]Action(nil), e.actions[actionKey(ent.Workflow, rec.ToStage)]...)
	e.mu.RUnlock()

	for _, a := range actions {
		if err := executeAction(ctx, a, ent, rec); err != nil {
			e.logger.Warn("stage action failed",
				"workflow", ent.Workflow,
				"entity_id", ent.ID,
				"stage", rec.ToStage,
				"error", err)
			ev := events.NewEvent(events.TypeActionFailed, ent.ID)
			ev.Workflow = ent.Workflow
			ev.ToStage = rec.ToStage
			ev.RecordID = rec.ID
			ev.Data = map[string]interface{}{"error": err.Error()}
			e.publish(ctx, ev)
		}
	}
}

// executeAction runs a, reporting a panic as an error.
func executeAction(ctx context.Context, a Action, ent types.Entity, rec types.TransitionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.Execute(ctx, ent, rec)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
