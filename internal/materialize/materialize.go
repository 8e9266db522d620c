// Package materialize gives catalogue entries a reachable asset URL and,
// where the bytes allow it, measured pixel dimensions.
//
// Two strategies exist. Mirror copies the remote bytes into durable blob
// storage and records the permanent public URL. Passthrough records the
// remote store's temporary link and relies on later passes to refresh it
// before it expires.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/imagesize"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/metrics"
	"github.com/dharsanguruparan/foliosync/internal/model"
	"github.com/dharsanguruparan/foliosync/internal/s3storage"
)

// Strategy selects how asset URLs are obtained.
type Strategy string

const (
	Mirror      Strategy = "mirror"
	Passthrough Strategy = "passthrough"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Mirror, Passthrough:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown materialize strategy %q", s)
}

// Remote mints temporary links and downloads through them.
type Remote interface {
	TemporaryLink(ctx context.Context, path string) (model.TemporaryLink, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Blobs is the durable store used by the mirror strategy.
type Blobs interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// Store persists materializer updates.
type Store interface {
	SaveAsset(ctx context.Context, id string, u model.AssetUpdate) error
}

// Options configure a Materializer.
type Options struct {
	Strategy             Strategy
	Concurrency          int
	RefreshMargin        time.Duration
	MaxDimensionAttempts int
}

// Materializer runs one strategy against the catalogue.
type Materializer struct {
	remote Remote
	blobs  Blobs
	store  Store
	opts   Options
	clock  budget.Clock
}

// New returns a Materializer. blobs may be nil for Passthrough.
func New(remote Remote, blobs Blobs, store Store, opts Options, clock budget.Clock) (*Materializer, error) {
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Strategy == Mirror && blobs == nil {
		return nil, errors.New("mirror strategy requires a blob store")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxDimensionAttempts <= 0 {
		opts.MaxDimensionAttempts = 3
	}
	if clock == nil {
		clock = budget.RealClock{}
	}
	return &Materializer{remote: remote, blobs: blobs, store: store, opts: opts, clock: clock}, nil
}

// Query returns the selection of rows this materializer should visit.
func (m *Materializer) Query(project string, limit int) model.PendingQuery {
	return model.PendingQuery{
		Project:              project,
		RefreshBefore:        m.clock.Now().Add(m.opts.RefreshMargin),
		UpgradeTemporary:     m.opts.Strategy == Mirror,
		MaxDimensionAttempts: m.opts.MaxDimensionAttempts,
		Limit:                limit,
	}
}

// ErrBudgetExhausted is returned when the budget ran out before or while a
// step ran. The entry is left for a later pass.
var ErrBudgetExhausted = errors.New("budget exhausted")

// StageError tags a failure with the step that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Materialize brings one entry up to date and saves the result. Each network
// or store call gets its own deadline from b. The returned update is what was
// saved, which may be partial when an error is also returned.
func (m *Materializer) Materialize(ctx context.Context, b *budget.Budget, e model.Entry) (model.AssetUpdate, error) {
	now := m.clock.Now()
	needAsset := m.needsAsset(e, now)
	needDims := e.NeedsDimensions(m.opts.MaxDimensionAttempts)
	if !needAsset && !needDims {
		return model.AssetUpdate{}, nil
	}
	path := e.RemotePathDisplay
	if path == "" {
		path = e.RemotePath
	}

	link, err := call(ctx, b, func(ctx context.Context) (model.TemporaryLink, error) {
		return m.remote.TemporaryLink(ctx, path)
	})
	if err != nil {
		return model.AssetUpdate{}, stageErr("link", err)
	}

	var update model.AssetUpdate
	if needAsset && m.opts.Strategy == Passthrough {
		url, expires := link.URL, link.ExpiresAt
		update.AssetURL = &url
		update.AssetKind = model.AssetTemporary
		update.AssetExpiresAt = &expires
	}

	var data []byte
	if needDims || (needAsset && m.opts.Strategy == Mirror) {
		data, err = call(ctx, b, func(ctx context.Context) ([]byte, error) {
			return m.remote.Download(ctx, link.URL)
		})
		if err != nil {
			// A passthrough link is still worth keeping without the bytes.
			if !update.Empty() {
				if saveErr := m.save(ctx, b, e.ID, update); saveErr != nil {
					return model.AssetUpdate{}, saveErr
				}
				return update, stageErr("download", err)
			}
			return model.AssetUpdate{}, stageErr("download", err)
		}
	}

	if needAsset && m.opts.Strategy == Mirror {
		key := s3storage.ObjectKey(e.Project, e.Tool, e.Name, e.Extension)
		_, err := call(ctx, b, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.blobs.Upload(ctx, key, data, imagesize.ContentType(e.Extension))
		})
		if err != nil {
			return model.AssetUpdate{}, stageErr("upload", err)
		}
		url := m.blobs.PublicURL(key)
		update.AssetURL = &url
		update.AssetKind = model.AssetMirror
	}

	if needDims && data != nil {
		m.measure(&update, e, data, now)
	}

	if err := m.save(ctx, b, e.ID, update); err != nil {
		return model.AssetUpdate{}, err
	}
	return update, nil
}

func (m *Materializer) needsAsset(e model.Entry, now time.Time) bool {
	if e.AssetURL == nil || *e.AssetURL == "" {
		return true
	}
	if e.AssetKind == model.AssetTemporary && m.opts.Strategy == Mirror {
		return true
	}
	return e.NeedsAsset(now, m.opts.RefreshMargin)
}

// measure fills dimension fields from the downloaded bytes. Unparseable
// bytes count as an attempt; WebP and AVIF variants we cannot parse get a
// size-based estimate when nothing better is stored.
func (m *Materializer) measure(u *model.AssetUpdate, e model.Entry, data []byte, now time.Time) {
	info, ok := imagesize.Sniff(data)
	if ok {
		w, h := info.Width, info.Height
		aspect := info.Aspect()
		at := now.UTC()
		u.Width, u.Height = &w, &h
		u.AspectRatioMeasured = &aspect
		u.AspectEstimated = false
		u.DimensionsCalculatedAt = &at
		return
	}
	u.DimensionAttempted = true
	if e.AspectRatioMeasured == nil && imagesize.Estimable(imagesize.DetectFormat(data)) {
		est := imagesize.EstimateAspect(e.SizeBytes)
		u.AspectRatioMeasured = &est
		u.AspectEstimated = true
	}
}

func (m *Materializer) save(ctx context.Context, b *budget.Budget, id string, u model.AssetUpdate) error {
	if u.Empty() {
		return nil
	}
	_, err := call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.SaveAsset(ctx, id, u)
	})
	if err != nil {
		return stageErr("save", err)
	}
	return nil
}

// call runs fn under a per-operation deadline derived from the budget. No
// step starts once the budget is spent, and a deadline hit because the budget
// ran out is reported as ErrBudgetExhausted.
func call[T any](ctx context.Context, b *budget.Budget, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if b.Exhausted() {
		return zero, ErrBudgetExhausted
	}
	opCtx, cancel := b.OpContext(ctx)
	defer cancel()
	v, err := fn(opCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && b.Exhausted() {
		return zero, fmt.Errorf("%w: %v", ErrBudgetExhausted, err)
	}
	return v, err
}

// Summary reports one Run.
type Summary struct {
	Attempted    int
	Materialized int
	Measured     int
	Estimated    int
	Skipped      int
	Failures     []model.Failure
}

// Run materializes entries with bounded concurrency. The budget is checked
// before each entry and each step starts. Entries cut short by the budget are
// counted as skipped, not failed. Individual failures never stop sibling
// entries.
func (m *Materializer) Run(ctx context.Context, b *budget.Budget, entries []model.Entry) Summary {
	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)
	strategy := string(m.opts.Strategy)

	for i, e := range entries {
		if b.Exhausted() || ctx.Err() != nil {
			mu.Lock()
			sum.Skipped += len(entries) - i
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if b.Exhausted() {
				mu.Lock()
				sum.Skipped++
				mu.Unlock()
				return nil
			}
			update, err := m.Materialize(ctx, b, e)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrBudgetExhausted) {
				sum.Skipped++
				return nil
			}
			sum.Attempted++
			if update.AssetURL != nil {
				sum.Materialized++
			}
			if update.Width != nil {
				sum.Measured++
			}
			if update.AspectEstimated {
				sum.Estimated++
			}
			if err != nil {
				stage := "materialize"
				var se *StageError
				if errors.As(err, &se) {
					stage = se.Stage
				}
				sum.Failures = append(sum.Failures, model.Failure{
					Scope:   "entry",
					Path:    e.RemotePath,
					Stage:   stage,
					Message: err.Error(),
				})
				metrics.Materializations.WithLabelValues(strategy, "failed").Inc()
				logging.Warn().Err(err).Str("path", e.RemotePath).Str("stage", stage).Msg("materialize failed")
				return nil
			}
			metrics.Materializations.WithLabelValues(strategy, "success").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return sum
}
