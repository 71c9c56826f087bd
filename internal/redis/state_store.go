package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

const (
	liveTTL   = 24 * time.Hour
	reportTTL = time.Hour
)

func liveKey(taskID string) string   { return "analysis:live:" + taskID }
func reportKey(taskID string) string { return "analysis:report:" + taskID }

// LiveStatus is the low-latency status snapshot the gateway serves to
// pollers without touching Postgres. It mirrors, never replaces, the
// persisted task record.
type LiveStatus struct {
	TaskID       string        `json:"task_id"`
	Status       domain.Status `json:"status"`
	Progress     int           `json:"progress"`
	CurrentStage string        `json:"current_stage,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StateStore manages the real-time analysis status mirror in Redis.
type StateStore interface {
	SetLive(ctx context.Context, live *LiveStatus) error
	GetLive(ctx context.Context, taskID string) (*LiveStatus, error)
	// CacheReport keeps a rendered report hot for repeat fetches.
	CacheReport(ctx context.Context, taskID string, report []byte, ttl time.Duration) error
	GetReport(ctx context.Context, taskID string) ([]byte, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) SetLive(ctx context.Context, live *LiveStatus) error {
	live.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live status: %w", err)
	}
	if err := s.client.Set(ctx, liveKey(live.TaskID), data, liveTTL).Err(); err != nil {
		return fmt.Errorf("redis set live status for %s: %w", live.TaskID, err)
	}
	return nil
}

func (s *stateStore) GetLive(ctx context.Context, taskID string) (*LiveStatus, error) {
	data, err := s.client.Get(ctx, liveKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get live status for %s: %w", taskID, err)
	}
	var live LiveStatus
	if err := json.Unmarshal(data, &live); err != nil {
		return nil, fmt.Errorf("unmarshal live status: %w", err)
	}
	return &live, nil
}

func (s *stateStore) CacheReport(ctx context.Context, taskID string, report []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = reportTTL
	}
	if err := s.client.Set(ctx, reportKey(taskID), report, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache report for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetReport(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.client.Get(ctx, reportKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get report for %s: %w", taskID, err)
	}
	return data, nil
}
