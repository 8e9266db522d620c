package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

const (
	// SyncChunkTask runs one scheduler chunk and chains the next one.
	SyncChunkTask = "sync:chunk"
	// SyncCampaignTask starts a new pass over the whole tree when one is due.
	SyncCampaignTask = "sync:campaign"
)

var validate = validator.New()

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ChunkPayload identifies one link in a campaign's chain of chunk tasks.
type ChunkPayload struct {
	CampaignID string `json:"campaign_id" validate:"required"`
	Chunk      int    `json:"chunk" validate:"gte=0"`
	Iteration  int    `json:"iteration" validate:"gte=0"`
}

// CampaignPayload is carried by the periodic kickoff task.
type CampaignPayload struct {
	Force bool `json:"force"`
}

// TaskID is stable per campaign and iteration, so a handler retry that
// re-enqueues the same successor is a no-op.
func (p ChunkPayload) TaskID() string {
	return fmt.Sprintf("sync-%s-%d", p.CampaignID, p.Iteration)
}

// NewChunkTask builds a validated chunk task.
func NewChunkTask(p ChunkPayload) (*asynq.Task, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid chunk payload: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SyncChunkTask, data), nil
}

// EnqueueChunk enqueues a chunk task. An existing task with the same id is
// treated as success.
func EnqueueChunk(ctx context.Context, client Enqueuer, p ChunkPayload) error {
	task, err := NewChunkTask(p)
	if err != nil {
		return err
	}
	_, err = client.EnqueueContext(ctx, task, asynq.MaxRetry(5), asynq.TaskID(p.TaskID()))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue chunk task: %w", err)
	}
	return nil
}

// DecodeChunk parses and validates a chunk task payload.
func DecodeChunk(task *asynq.Task) (ChunkPayload, error) {
	var p ChunkPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("invalid chunk payload: %w", err)
	}
	return p, nil
}

// NewCampaignTask builds the kickoff task.
func NewCampaignTask(force bool) (*asynq.Task, error) {
	data, err := json.Marshal(CampaignPayload{Force: force})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SyncCampaignTask, data), nil
}

// CampaignOptions keep at most one kickoff queued per interval.
func CampaignOptions(interval time.Duration) []asynq.Option {
	return []asynq.Option{asynq.MaxRetry(3), asynq.Unique(interval)}
}

// EnqueueCampaign enqueues a kickoff task. asynq.ErrDuplicateTask is
// returned wrapped when one is already queued.
func EnqueueCampaign(ctx context.Context, client Enqueuer, force bool, interval time.Duration) error {
	task, err := NewCampaignTask(force)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, CampaignOptions(interval)...); err != nil {
		return fmt.Errorf("enqueue campaign task: %w", err)
	}
	return nil
}

// DecodeCampaign parses a kickoff payload. An empty payload means no force.
func DecodeCampaign(task *asynq.Task) (CampaignPayload, error) {
	var p CampaignPayload
	if len(task.Payload()) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
