package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows map[string]types.Workflow
	entities  map[uint64]types.Entity
	history   map[uint64][]types.TransitionRecord
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.Workflow),
		entities:  make(map[uint64]types.Entity),
		history:   make(map[uint64][]types.TransitionRecord),
	}
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.Name] = wf
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, name string) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		wf, ok := s.workflows[name]
		if !ok {
			return types.Workflow{}, fmt.Errorf("%w: name=%s", ErrWorkflowNotFound, name)
		}
		return wf, nil
	})
}

// CreateEntity stores a new entity in memory.
func (s *MemoryStorage) CreateEntity(ctx context.Context, ent types.Entity) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entities[ent.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrEntityExists, ent.ID)
		}
		s.entities[ent.ID] = cloneEntity(ent)
		return nil
	})
}

// GetEntity retrieves an entity from memory.
func (s *MemoryStorage) GetEntity(ctx context.Context, id uint64) (types.Entity, error) {
	return withContext(ctx, func() (types.Entity, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ent, ok := s.entities[id]
		if !ok {
			return types.Entity{}, fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		return cloneEntity(ent), nil
	})
}

// ApplyTransition updates the entity and appends the record under one lock.
func (s *MemoryStorage) ApplyTransition(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.entities[ent.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrEntityNotFound, ent.ID)
		}
		if cur.Version+1 != ent.Version {
			return fmt.Errorf("%w: id=%d stored=%d proposed=%d", ErrVersionConflict, ent.ID, cur.Version, ent.Version)
		}
		s.entities[ent.ID] = cloneEntity(ent)
		s.history[ent.ID] = append(s.history[ent.ID], rec)
		return nil
	})
}

// History returns a copy of the entity's audit records.
func (s *MemoryStorage) History(ctx context.Context, entityID uint64) ([]types.TransitionRecord, error) {
	return withContext(ctx, func() ([]types.TransitionRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.entities[entityID]; !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrEntityNotFound, entityID)
		}
		return append([]types.TransitionRecord(nil), s.history[entityID]...), nil
	})
}

// DeleteEntity removes the entity and its history.
func (s *MemoryStorage) DeleteEntity(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entities[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		delete(s.entities, id)
		delete(s.history, id)
		return nil
	})
}

// SaveWorkflows saves multiple workflows in a single lock.
func (s *MemoryStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, wf := range wfs {
			s.workflows[wf.Name] = wf
		}
		return nil
	})
}
