package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store.
//
// Suited to fleets of short-lived workers sharing suspended sessions: a
// checkpoint chain lives entirely in Redis, so any worker can resume any
// session. Key layout:
//
//	skein:cp:<session>:<step>     checkpoint document (JSON, write-once)
//	skein:steps:<session>         sorted set of step numbers
//	skein:label:<session>:<name>  save-point label -> step
//	skein:idem:<key>              committed idempotency keys
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing Redis client. The prefix defaults to
// "skein" and namespaces every key.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "skein"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) cpKey(sessionID string, step int) string {
	return fmt.Sprintf("%s:cp:%s:%d", s.prefix, sessionID, step)
}

func (s *RedisStore) stepsKey(sessionID string) string {
	return s.prefix + ":steps:" + sessionID
}

func (s *RedisStore) labelKey(sessionID, label string) string {
	return s.prefix + ":label:" + sessionID + ":" + label
}

// Save appends a checkpoint. Write-once semantics come from SETNX on both
// the idempotency key and the checkpoint document.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.IdempotencyKey != "" {
		ok, err := s.rdb.SetNX(ctx, s.prefix+":idem:"+cp.IdempotencyKey, 1, 0).Result()
		if err != nil {
			return fmt.Errorf("commit idempotency key: %w", err)
		}
		if !ok {
			return ErrDuplicateCommit
		}
	}

	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.cpKey(cp.SessionID, cp.Step), doc, 0).Result()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if !ok {
		return ErrStepExists
	}

	if err := s.rdb.ZAdd(ctx, s.stepsKey(cp.SessionID), redis.Z{
		Score:  float64(cp.Step),
		Member: cp.Step,
	}).Err(); err != nil {
		return fmt.Errorf("index checkpoint step: %w", err)
	}
	if cp.Label != "" {
		if err := s.rdb.Set(ctx, s.labelKey(cp.SessionID, cp.Label), cp.Step, 0).Err(); err != nil {
			return fmt.Errorf("index checkpoint label: %w", err)
		}
	}
	return nil
}

// Load retrieves the checkpoint at a specific step.
func (s *RedisStore) Load(ctx context.Context, sessionID string, step int) (Checkpoint, error) {
	doc, err := s.rdb.Get(ctx, s.cpKey(sessionID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// LoadLatest retrieves the highest-step checkpoint for the session.
func (s *RedisStore) LoadLatest(ctx context.Context, sessionID string) (Checkpoint, error) {
	members, err := s.rdb.ZRevRange(ctx, s.stepsKey(sessionID), 0, 0).Result()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load latest step: %w", err)
	}
	if len(members) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	step, err := strconv.Atoi(members[0])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode step index %q: %w", members[0], err)
	}
	return s.Load(ctx, sessionID, step)
}

// LoadLabel retrieves a checkpoint by save-point label.
func (s *RedisStore) LoadLabel(ctx context.Context, sessionID, label string) (Checkpoint, error) {
	step, err := s.rdb.Get(ctx, s.labelKey(sessionID, label)).Int()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load label: %w", err)
	}
	return s.Load(ctx, sessionID, step)
}

// List returns the session's step numbers in ascending order.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]int, error) {
	members, err := s.rdb.ZRange(ctx, s.stepsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	steps := make([]int, 0, len(members))
	for _, m := range members {
		step, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("decode step index %q: %w", m, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
