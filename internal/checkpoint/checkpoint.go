// Package checkpoint records per-task step completion so long multi-step
// background tasks skip already-completed work on retry. Records live in a
// Redis hash per task id with a TTL; expired records are garbage-collected
// by the store itself.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progress summarizes completion for one task.
type Progress struct {
	Completed  int      `json:"completed"`
	Total      int      `json:"total,omitempty"`
	Percentage float64  `json:"percentage,omitempty"`
	Steps      []string `json:"steps"`
}

// Service is the checkpoint store for one task id.
type Service struct {
	rdb    *redis.Client
	taskID string
	ttl    time.Duration
}

// For opens the checkpoint record for a task id.
func For(rdb *redis.Client, taskID string, ttl time.Duration) *Service {
	return &Service{rdb: rdb, taskID: taskID, ttl: ttl}
}

func (s *Service) key() string { return "checkpoint:" + s.taskID }

// MarkStepComplete records a completed step with optional metadata.
// Re-marking a completed step overwrites its metadata and refreshes the TTL.
func (s *Service) MarkStepComplete(ctx context.Context, step string, metadata map[string]any) error {
	payload := map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range metadata {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("checkpoint encode: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(), step, data)
	pipe.Expire(ctx, s.key(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint mark %s/%s: %w", s.taskID, step, err)
	}
	return nil
}

// IsStepComplete reports whether step has been marked complete.
func (s *Service) IsStepComplete(ctx context.Context, step string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.key(), step).Result()
	if err != nil {
		return false, fmt.Errorf("checkpoint check %s/%s: %w", s.taskID, step, err)
	}
	return ok, nil
}

// GetStepMetadata returns the metadata stored when step completed, or nil
// if the step is not complete.
func (s *Service) GetStepMetadata(ctx context.Context, step string) (map[string]any, error) {
	data, err := s.rdb.HGet(ctx, s.key(), step).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint metadata %s/%s: %w", s.taskID, step, err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint metadata decode: %w", err)
	}
	return meta, nil
}

// GetCompletedSteps lists every completed step name.
func (s *Service) GetCompletedSteps(ctx context.Context) ([]string, error) {
	steps, err := s.rdb.HKeys(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint steps %s: %w", s.taskID, err)
	}
	return steps, nil
}

// GetProgress reports completion against an optional known total. Pass
// total=0 when the step count is not known up front.
func (s *Service) GetProgress(ctx context.Context, total int) (Progress, error) {
	steps, err := s.GetCompletedSteps(ctx)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Completed: len(steps), Steps: steps}
	if total > 0 {
		p.Total = total
		p.Percentage = float64(len(steps)) / float64(total) * 100
	}
	return p, nil
}

// Clear removes the whole checkpoint record.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("checkpoint clear %s: %w", s.taskID, err)
	}
	return nil
}
