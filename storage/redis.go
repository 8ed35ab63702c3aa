package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	workflowPrefix = "workflow:"
	entityPrefix   = "entity:"
	historyPrefix  = "history:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Entities are JSON strings and histories are JSON lists, both keyed by entity ID.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Namespace    string        `yaml:"namespace"` // key prefix shared by every key this store writes
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client, namespace: opts.Namespace}, nil
}

func (s *RedisStorage) workflowKey(name string) string {
	return s.namespace + workflowPrefix + name
}

func (s *RedisStorage) entityKey(id uint64) string {
	return fmt.Sprintf("%s%s%d", s.namespace, entityPrefix, id)
}

func (s *RedisStorage) historyKey(id uint64) string {
	return fmt.Sprintf("%s%s%d", s.namespace, historyPrefix, id)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON retrieves and unmarshals the value stored at key.
func getJSON[T any](ctx context.Context, c getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", wf.Name, err)
		}
		key := s.workflowKey(wf.Name)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, name string) (types.Workflow, error) {
	return getJSON[types.Workflow](ctx, s.client, s.workflowKey(name), ErrWorkflowNotFound)
}

// SaveWorkflows saves multiple workflows to Redis using pipelining.
func (s *RedisStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, wf := range wfs {
			data, err := json.Marshal(wf)
			if err != nil {
				return fmt.Errorf("failed to marshal workflow %s: %w", wf.Name, err)
			}
			pipe.Set(ctx, s.workflowKey(wf.Name), data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for workflows: %w", err)
		}
		return nil
	})
}

// CreateEntity stores a new entity; SETNX guards against ID reuse.
func (s *RedisStorage) CreateEntity(ctx context.Context, ent types.Entity) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("failed to marshal entity %d: %w", ent.ID, err)
		}
		key := s.entityKey(ent.ID)
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrEntityExists, ent.ID)
		}
		return nil
	})
}

// GetEntity retrieves an entity from Redis.
func (s *RedisStorage) GetEntity(ctx context.Context, id uint64) (types.Entity, error) {
	return getJSON[types.Entity](ctx, s.client, s.entityKey(id), ErrEntityNotFound)
}

// ApplyTransition watches the entity key, checks its version and then writes
// the entity and pushes the record inside one MULTI/EXEC block.
func (s *RedisStorage) ApplyTransition(ctx context.Context, ent types.Entity, rec types.TransitionRecord) error {
	return withContextError(ctx, func() error {
		entData, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("failed to marshal entity %d: %w", ent.ID, err)
		}
		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record for entity %d: %w", ent.ID, err)
		}

		key := s.entityKey(ent.ID)
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := getJSON[types.Entity](ctx, tx, key, ErrEntityNotFound)
			if err != nil {
				return err
			}
			if cur.Version+1 != ent.Version {
				return fmt.Errorf("%w: id=%d stored=%d proposed=%d", ErrVersionConflict, ent.ID, cur.Version, ent.Version)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, entData, 0)
				pipe.RPush(ctx, s.historyKey(ent.ID), recData)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d", ErrVersionConflict, ent.ID)
		}
		return err
	})
}

// History returns the entity's audit records in creation order.
func (s *RedisStorage) History(ctx context.Context, entityID uint64) ([]types.TransitionRecord, error) {
	return withContext(ctx, func() ([]types.TransitionRecord, error) {
		n, err := s.client.Exists(ctx, s.entityKey(entityID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check entity %d: %w", entityID, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: id=%d", ErrEntityNotFound, entityID)
		}

		key := s.historyKey(entityID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		records := make([]types.TransitionRecord, 0, len(raw))
		for _, item := range raw {
			var rec types.TransitionRecord
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			records = append(records, rec)
		}
		return records, nil
	})
}

// DeleteEntity removes the entity and its history in one DEL.
func (s *RedisStorage) DeleteEntity(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		n, err := s.client.Del(ctx, s.entityKey(id), s.historyKey(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to delete entity %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: id=%d", ErrEntityNotFound, id)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
