package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/model"
	"github.com/dharsanguruparan/foliosync/internal/queue"
	"github.com/dharsanguruparan/foliosync/internal/scheduler"
)

// Runner is the part of the scheduler the worker drives.
type Runner interface {
	RunChunk(ctx context.Context, chunk int) (scheduler.Result, error)
	Due(ctx context.Context) (bool, model.SyncMeta, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner        Runner
	client        queue.Enqueuer
	maxIterations int
}

// NewProcessor constructs a worker processor. maxIterations caps the number
// of chunk tasks one campaign may chain.
func NewProcessor(runner Runner, client queue.Enqueuer, maxIterations int) *Processor {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	return &Processor{runner: runner, client: client, maxIterations: maxIterations}
}

// Handler registers the sync task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SyncChunkTask, p.handleChunk)
	mux.HandleFunc(queue.SyncCampaignTask, p.handleCampaign)
	return mux
}

func (p *Processor) handleChunk(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeChunk(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := logging.With().
		Str("campaign_id", payload.CampaignID).
		Int("chunk", payload.Chunk).
		Int("iteration", payload.Iteration).
		Logger()

	res, err := p.runner.RunChunk(ctx, payload.Chunk)
	if err != nil {
		log.Error().Err(err).Msg("chunk failed")
		return err
	}
	if !res.HasMoreChunks {
		log.Info().Str("status", string(res.Status)).Msg("campaign finished")
		return nil
	}
	if payload.Iteration+1 >= p.maxIterations {
		log.Warn().Int("next_chunk", res.NextChunk).Msg("campaign stopped at iteration cap")
		return nil
	}
	next := queue.ChunkPayload{
		CampaignID: payload.CampaignID,
		Chunk:      res.NextChunk,
		Iteration:  payload.Iteration + 1,
	}
	if err := queue.EnqueueChunk(ctx, p.client, next); err != nil {
		log.Error().Err(err).Msg("enqueue next chunk failed")
		return err
	}
	return nil
}

func (p *Processor) handleCampaign(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeCampaign(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	due, meta, err := p.runner.Due(ctx)
	if err != nil {
		return err
	}
	if !due && !payload.Force {
		logging.Debug().Time("last_sync_at", meta.LastSyncAt).Msg("sync not due")
		return nil
	}
	first := queue.ChunkPayload{
		CampaignID: uuid.NewString(),
		Chunk:      scheduler.ResumeChunk(meta),
	}
	if err := queue.EnqueueChunk(ctx, p.client, first); err != nil {
		return err
	}
	logging.Info().
		Str("campaign_id", first.CampaignID).
		Int("chunk", first.Chunk).
		Bool("forced", payload.Force).
		Msg("campaign started")
	return nil
}
