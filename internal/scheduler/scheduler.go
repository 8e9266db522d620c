// Package scheduler runs the sync pipeline one project per invocation under a
// hard wall-clock budget. All progress lives in the catalogue's SyncMeta row,
// so consecutive chunks may run in different processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/materialize"
	"github.com/dharsanguruparan/foliosync/internal/metadata"
	"github.com/dharsanguruparan/foliosync/internal/metrics"
	"github.com/dharsanguruparan/foliosync/internal/model"
	"github.com/dharsanguruparan/foliosync/internal/reconcile"
	"github.com/dharsanguruparan/foliosync/internal/walker"
)

// ErrInvalidChunk is returned for negative chunk indices.
var ErrInvalidChunk = errors.New("chunk index must not be negative")

// Catalogue is everything the scheduler reads and writes.
type Catalogue interface {
	reconcile.Store
	materialize.Store
	PendingAssets(ctx context.Context, q model.PendingQuery) ([]model.Entry, error)
	ProjectNames(ctx context.Context) ([]string, error)
	LoadMeta(ctx context.Context) (model.SyncMeta, error)
	SaveMeta(ctx context.Context, meta model.SyncMeta) error
}

// Options configure a Scheduler.
type Options struct {
	Root             string
	Budget           time.Duration
	OpTimeout        time.Duration
	MaxDepth         int
	MaterializeLimit int
	Interval         time.Duration
}

func (o Options) validate() error {
	switch {
	case o.Budget <= 0:
		return errors.New("scheduler: budget must be positive")
	case o.OpTimeout <= 0 || o.OpTimeout >= o.Budget:
		return fmt.Errorf("scheduler: op timeout %s must be positive and shorter than budget %s", o.OpTimeout, o.Budget)
	case o.Interval <= 0:
		return errors.New("scheduler: interval must be positive")
	}
	return nil
}

// Scheduler drives walker, deriver, reconciler and materializer.
type Scheduler struct {
	walker       *walker.Walker
	reconciler   *reconcile.Reconciler
	materializer *materialize.Materializer
	catalogue    Catalogue
	clock        budget.Clock
	opts         Options
}

// New returns a Scheduler or a configuration error.
func New(w *walker.Walker, r *reconcile.Reconciler, m *materialize.Materializer, c Catalogue, clock budget.Clock, opts Options) (*Scheduler, error) {
	if w == nil || r == nil || m == nil || c == nil {
		return nil, errors.New("scheduler: walker, reconciler, materializer and catalogue are required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = budget.RealClock{}
	}
	if opts.MaterializeLimit <= 0 {
		opts.MaterializeLimit = 40
	}
	return &Scheduler{walker: w, reconciler: r, materializer: m, catalogue: c, clock: clock, opts: opts}, nil
}

// Result is returned to the trigger caller after every chunk.
type Result struct {
	RunID           string           `json:"runId"`
	Chunk           int              `json:"chunk"`
	Project         string           `json:"project,omitempty"`
	TotalProjects   int              `json:"totalProjects"`
	HasMoreChunks   bool             `json:"hasMoreChunks"`
	NextChunk       int              `json:"nextChunk"`
	ImagesProcessed int              `json:"imagesProcessed"`
	Created         int              `json:"created"`
	Updated         int              `json:"updated"`
	Unchanged       int              `json:"unchanged"`
	Deleted         int              `json:"deleted"`
	Materialized    int              `json:"materialized"`
	Measured        int              `json:"measured"`
	Failed          int              `json:"failed"`
	PendingAssets   int              `json:"pendingAssets"`
	PrunedProjects  int              `json:"prunedProjects"`
	BudgetExhausted bool             `json:"budgetExhausted"`
	Status          model.SyncStatus `json:"status"`
	Failures        []model.Failure  `json:"failures"`
	DurationMs      int64            `json:"durationMs"`
}

// RunChunk processes the project at index chunk. Budget exhaustion is
// reported in the result, never as an error. Errors are reserved for the
// catalogue or the remote root being unreachable.
func (s *Scheduler) RunChunk(ctx context.Context, chunk int) (Result, error) {
	if chunk < 0 {
		return Result{}, ErrInvalidChunk
	}
	b := budget.New(s.clock, s.opts.Budget, s.opts.OpTimeout)
	res := Result{RunID: uuid.NewString(), Chunk: chunk, Failures: []model.Failure{}}
	log := logging.With().Str("run_id", res.RunID).Int("chunk", chunk).Logger()

	meta, err := withOp(ctx, b, s.catalogue.LoadMeta)
	if err != nil {
		metrics.Chunks.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("load sync meta: %w", err)
	}
	if chunk == 0 {
		meta.ProjectsSynced = 0
		meta.LastError = ""
	}

	projects, err := withOp(ctx, b, func(ctx context.Context) ([]model.RemoteEntry, error) {
		return s.walker.Projects(ctx, s.opts.Root)
	})
	if err != nil {
		meta.LastError = err.Error()
		meta.Status = model.StatusPartial
		s.saveMeta(ctx, log, meta)
		metrics.Chunks.WithLabelValues("error").Inc()
		return Result{}, err
	}
	res.TotalProjects = len(projects)
	meta.TotalProjects = len(projects)
	if chunk == 0 {
		s.pruneVanished(ctx, b, log, projects, &res)
	}

	next := chunk + 1
	if chunk < len(projects) {
		next = s.runProject(ctx, b, log, projects, chunk, &res, &meta)
	} else {
		next = len(projects)
	}

	res.NextChunk = next
	res.HasMoreChunks = next < len(projects)
	res.Failed = len(res.Failures)
	meta.NextChunk = next
	if res.HasMoreChunks {
		meta.Status = model.StatusPartial
	} else {
		meta.NextChunk = 0
		meta.LastSyncAt = s.clock.Now().UTC()
		meta.Status = model.StatusComplete
		if meta.LastError != "" {
			meta.Status = model.StatusPartial
		}
	}
	res.Status = meta.Status
	s.saveMeta(ctx, log, meta)

	elapsed := b.Elapsed()
	res.DurationMs = elapsed.Milliseconds()
	metrics.ChunkDuration.Observe(elapsed.Seconds())
	metrics.Chunks.WithLabelValues(outcome(res)).Inc()

	log.Info().
		Str("project", res.Project).
		Int("next_chunk", res.NextChunk).
		Bool("has_more", res.HasMoreChunks).
		Bool("budget_exhausted", res.BudgetExhausted).
		Int("images", res.ImagesProcessed).
		Int("failed", res.Failed).
		Dur("duration", elapsed).
		Msg("chunk finished")
	return res, nil
}

// runProject walks, reconciles and materializes one project and returns the
// chunk the next invocation should run.
func (s *Scheduler) runProject(ctx context.Context, b *budget.Budget, log zerolog.Logger, projects []model.RemoteEntry, chunk int, res *Result, meta *model.SyncMeta) int {
	project := projects[chunk]
	res.Project = project.Name
	log = log.With().Str("project", project.Name).Logger()
	now := s.clock.Now()

	var candidates []model.Entry
	report, err := s.walker.Walk(ctx, project.PathDisplay, walker.Options{
		MaxDepth:  s.opts.MaxDepth,
		Stop:      b.Exhausted,
		OpContext: b.OpContext,
	}, func(f walker.File) error {
		candidates = append(candidates, metadata.Derive(f.RemoteEntry, project.Name, metadata.ToolFor(f.Segments), now))
		return nil
	})
	res.ImagesProcessed = len(candidates)
	if err != nil {
		// The scope is skipped as a whole; its rows stay as they are.
		log.Warn().Err(err).Msg("project walk failed")
		res.Failures = append(res.Failures, model.Failure{Scope: "project", Path: project.PathDisplay, Stage: "walk", Message: err.Error()})
		meta.LastError = fmt.Sprintf("%s: %v", project.Name, err)
		return chunk + 1
	}
	for _, f := range report.Failures {
		res.Failures = append(res.Failures, model.Failure{Scope: "folder", Path: f.Path, Stage: "walk", Message: f.Err.Error()})
	}
	if report.Truncated || b.Exhausted() {
		log.Info().Int("folders", report.Folders).Msg("budget exhausted during walk, chunk will resume")
		res.BudgetExhausted = true
		return chunk
	}

	rec, err := s.reconciler.ReconcileWithin(ctx, s.limits(b), project.Name, candidates, report.Complete())
	if err != nil {
		log.Warn().Err(err).Msg("reconcile failed")
		res.Failures = append(res.Failures, model.Failure{Scope: "project", Path: project.PathDisplay, Stage: "reconcile", Message: err.Error()})
		meta.LastError = fmt.Sprintf("%s: %v", project.Name, err)
		return chunk + 1
	}
	res.Created, res.Updated, res.Unchanged = rec.Created, rec.Updated, rec.Unchanged
	res.Deleted += rec.Deleted
	res.Failures = append(res.Failures, rec.Failures...)
	if rec.Interrupted {
		res.BudgetExhausted = true
		return chunk
	}
	if report.Complete() {
		meta.ProjectsSynced++
	} else {
		meta.LastError = fmt.Sprintf("%s: %d folders could not be listed", project.Name, len(report.Failures))
	}

	s.materialize(ctx, b, log, project.Name, "", res)
	if chunk == len(projects)-1 {
		// Last scope: spend what is left on rows earlier chunks did not reach.
		s.materialize(ctx, b, log, "", project.Name, res)
	}
	return chunk + 1
}

// pruneVanished removes the rows of catalogue projects that a successful
// root listing no longer contains, including projects renamed by case only.
// Each is reconciled as a complete scan that found nothing.
func (s *Scheduler) pruneVanished(ctx context.Context, b *budget.Budget, log zerolog.Logger, projects []model.RemoteEntry, res *Result) {
	names, err := withOp(ctx, b, s.catalogue.ProjectNames)
	if err != nil {
		log.Warn().Err(err).Msg("list catalogue projects failed")
		return
	}
	listed := make(map[string]bool, len(projects))
	for _, p := range projects {
		listed[p.Name] = true
	}
	for _, name := range names {
		if listed[name] {
			continue
		}
		rec, err := s.reconciler.ReconcileWithin(ctx, s.limits(b), name, nil, true)
		if err != nil {
			log.Warn().Err(err).Str("vanished", name).Msg("prune failed")
			res.Failures = append(res.Failures, model.Failure{Scope: "project", Path: name, Stage: "prune", Message: err.Error()})
			continue
		}
		res.Deleted += rec.Deleted
		res.Failures = append(res.Failures, rec.Failures...)
		if rec.Interrupted {
			res.BudgetExhausted = true
			return
		}
		res.PrunedProjects++
		log.Info().Str("vanished", name).Int("deleted", rec.Deleted).Msg("pruned project missing from root")
	}
}

func (s *Scheduler) limits(b *budget.Budget) reconcile.Limits {
	return reconcile.Limits{Stop: b.Exhausted, OpTimeout: s.opts.OpTimeout}
}

// materialize selects pending rows of project (all projects when empty),
// leaving out rows of exclude, and materializes them in the remaining budget.
func (s *Scheduler) materialize(ctx context.Context, b *budget.Budget, log zerolog.Logger, project, exclude string, res *Result) {
	if b.Exhausted() {
		res.BudgetExhausted = true
		return
	}
	pending, err := withOp(ctx, b, func(ctx context.Context) ([]model.Entry, error) {
		return s.catalogue.PendingAssets(ctx, s.materializer.Query(project, s.opts.MaterializeLimit))
	})
	if err != nil {
		log.Warn().Err(err).Msg("select pending assets failed")
		res.Failures = append(res.Failures, model.Failure{Scope: "project", Path: project, Stage: "select", Message: err.Error()})
		return
	}
	if exclude != "" {
		kept := pending[:0]
		for _, e := range pending {
			if e.Project != exclude {
				kept = append(kept, e)
			}
		}
		pending = kept
	}
	if len(pending) == 0 {
		return
	}
	sum := s.materializer.Run(ctx, b, pending)
	res.Materialized += sum.Materialized
	res.Measured += sum.Measured
	res.PendingAssets += sum.Skipped
	res.Failures = append(res.Failures, sum.Failures...)
	if sum.Skipped > 0 {
		res.BudgetExhausted = true
	}
}

// saveMeta persists progress under its own deadline, independent of the
// budget.
func (s *Scheduler) saveMeta(ctx context.Context, log zerolog.Logger, meta model.SyncMeta) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.catalogue.SaveMeta(sctx, meta); err != nil {
		log.Error().Err(err).Msg("save sync meta failed")
	}
}

func withOp[T any](ctx context.Context, b *budget.Budget, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := b.OpContext(ctx)
	defer cancel()
	return fn(opCtx)
}

func outcome(res Result) string {
	switch {
	case res.BudgetExhausted:
		return "budget"
	case len(res.Failures) > 0 && res.Project != "" && res.Failures[0].Scope == "project":
		return "scope_failed"
	case res.HasMoreChunks:
		return "more"
	default:
		return "complete"
	}
}

// Due reports whether a new campaign should start: never synced, or the last
// complete pass is older than the interval.
func (s *Scheduler) Due(ctx context.Context) (bool, model.SyncMeta, error) {
	meta, err := s.catalogue.LoadMeta(ctx)
	if err != nil {
		return false, model.SyncMeta{}, fmt.Errorf("load sync meta: %w", err)
	}
	return IsDue(meta, s.clock.Now(), s.opts.Interval), meta, nil
}

// IsDue is the pure form of Due.
func IsDue(meta model.SyncMeta, now time.Time, interval time.Duration) bool {
	if meta.LastSyncAt.IsZero() {
		return true
	}
	return now.Sub(meta.LastSyncAt) >= interval
}

// ResumeChunk returns where a campaign should start given the stored meta.
func ResumeChunk(meta model.SyncMeta) int {
	if meta.Status == model.StatusPartial && meta.NextChunk > 0 {
		return meta.NextChunk
	}
	return 0
}

// DriveSummary aggregates a Drive loop.
type DriveSummary struct {
	Iterations int      `json:"iterations"`
	Capped     bool     `json:"capped"`
	LastChunk  int      `json:"lastChunk"`
	Results    []Result `json:"results"`
}

// Drive invokes RunChunk from start until no chunks remain or maxIterations
// invocations have run.
func (s *Scheduler) Drive(ctx context.Context, start, maxIterations int) (DriveSummary, error) {
	var sum DriveSummary
	chunk := start
	for sum.Iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := s.RunChunk(ctx, chunk)
		if err != nil {
			return sum, err
		}
		sum.Iterations++
		sum.LastChunk = chunk
		sum.Results = append(sum.Results, res)
		if !res.HasMoreChunks {
			return sum, nil
		}
		chunk = res.NextChunk
	}
	sum.Capped = true
	logging.Warn().Int("iterations", sum.Iterations).Int("chunk", chunk).Msg("drive stopped at iteration cap")
	return sum, nil
}
