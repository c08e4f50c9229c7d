package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	// Prefix for all keys (default: "flowtest")
	Prefix string
	// TaskTTL expires task records (0 = keep forever)
	TaskTTL time.Duration
}

// RedisStore implements Store using Redis. Flows, cases and tasks are
// JSON strings; a set indexes flow ids.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	taskTTL time.Duration
}

// NewRedisStore connects to Redis and checks connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient creates a store using an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flowtest"
	}
	return &RedisStore{client: client, prefix: prefix, taskTTL: cfg.TaskTTL}
}

func (s *RedisStore) flowKey(id string) string { return s.prefix + ":flow:" + id }
func (s *RedisStore) flowsKey() string         { return s.prefix + ":flows" }
func (s *RedisStore) caseKey(id string) string { return s.prefix + ":case:" + id }
func (s *RedisStore) taskKey(id string) string { return s.prefix + ":task:" + id }

func (s *RedisStore) getJSON(ctx context.Context, key string, out any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CreateFlow(ctx context.Context, req *CreateFlowRequest) (*Flow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	flow := &Flow{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Graph:       req.Graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal flow: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.flowKey(id), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("save flow: %w", err)
	}
	if !created {
		return nil, ErrFlowExists
	}
	if err := s.client.SAdd(ctx, s.flowsKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("index flow: %w", err)
	}
	return flow, nil
}

func (s *RedisStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	var flow Flow
	if err := s.getJSON(ctx, s.flowKey(id), &flow, ErrFlowNotFound); err != nil {
		return nil, err
	}
	return &flow, nil
}

// UpdateFlow applies req under WATCH so concurrent updates never lose a
// version bump.
func (s *RedisStore) UpdateFlow(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error) {
	key := s.flowKey(id)
	var updated *Flow

	txf := func(tx *redis.Tx) error {
		var flow Flow
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrFlowNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &flow); err != nil {
			return fmt.Errorf("unmarshal flow: %w", err)
		}
		applyUpdate(&flow, req)
		out, err := json.Marshal(&flow)
		if err != nil {
			return fmt.Errorf("marshal flow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		updated = &flow
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update flow %s: too much contention", id)
}

func (s *RedisStore) DeleteFlow(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.flowKey(id))
	pipe.SRem(ctx, s.flowsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if del.Val() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *RedisStore) ListFlows(ctx context.Context, opts *ListOptions) ([]*Flow, error) {
	ids, err := s.client.SMembers(ctx, s.flowsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list flow ids: %w", err)
	}
	sort.Strings(ids)

	flows := make([]*Flow, 0, len(ids))
	for _, id := range ids {
		flow, err := s.GetFlow(ctx, id)
		if errors.Is(err, ErrFlowNotFound) {
			// stale index entry
			s.client.SRem(ctx, s.flowsKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return paginate(flows, opts), nil
}

func (s *RedisStore) PutCase(ctx context.Context, tc *TestCase) (*TestCase, error) {
	exists, err := s.client.Exists(ctx, s.flowKey(tc.FlowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check flow: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, tc.FlowID)
	}

	stored := *tc
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshal case: %w", err)
	}
	if err := s.client.Set(ctx, s.caseKey(stored.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	return &stored, nil
}

func (s *RedisStore) GetCase(ctx context.Context, id string) (*TestCase, error) {
	var tc TestCase
	if err := s.getJSON(ctx, s.caseKey(id), &tc, ErrCaseNotFound); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (s *RedisStore) PutTask(ctx context.Context, task *Task) error {
	stored := *task
	stored.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, s.taskKey(task.ID), data, s.taskTTL).Err(); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := s.getJSON(ctx, s.taskKey(id), &task, ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &task, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
