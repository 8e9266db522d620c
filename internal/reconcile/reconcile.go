// Package reconcile merges the images discovered in one project scope into
// the catalogue. Rows are joined on their lower-cased remote path, writes are
// batched, and rows the scope no longer contains are removed only after a
// complete walk of that scope.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/metrics"
	"github.com/dharsanguruparan/foliosync/internal/model"
)

const (
	MinBatchSize     = 3
	MaxBatchSize     = 100
	DefaultBatchSize = 25
)

// Store is the slice of the catalogue the reconciler writes to. Each call
// with several entries must be all-or-nothing.
type Store interface {
	EntriesByProject(ctx context.Context, project string) ([]model.Entry, error)
	InsertEntries(ctx context.Context, entries []model.Entry) error
	UpdateEntries(ctx context.Context, revisions []model.EntryRevision) error
	TouchEntries(ctx context.Context, ids []string, at time.Time) error
	DeleteEntries(ctx context.Context, project string, ids []string) error
}

// Result counts what one reconciliation did.
type Result struct {
	Created     int
	Updated     int
	Unchanged   int
	Deleted     int
	Collisions  int
	Interrupted bool
	Failures    []model.Failure
}

// Reconciler applies discovered candidates to a Store.
type Reconciler struct {
	store     Store
	batchSize int
	clock     budget.Clock
}

// New returns a Reconciler. batchSize is clamped to [MinBatchSize, MaxBatchSize].
func New(store Store, batchSize int, clock budget.Clock) *Reconciler {
	if clock == nil {
		clock = budget.RealClock{}
	}
	return &Reconciler{store: store, batchSize: ClampBatchSize(batchSize), clock: clock}
}

// ClampBatchSize maps n into the supported batch size range. Zero selects
// the default.
func ClampBatchSize(n int) int {
	switch {
	case n == 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

type plan struct {
	inserts    []model.Entry
	updates    []model.EntryRevision
	touches    []string
	deletes    []string
	collisions int
}

// Limits bound one reconciliation. The zero value is unbounded.
type Limits struct {
	// Stop is consulted before loading and before every batch. Returning
	// true interrupts the reconciliation; batches already written stay.
	Stop func() bool
	// OpTimeout bounds each store call on its own, so a batch that has
	// started may finish after Stop turns true.
	OpTimeout time.Duration
}

func (l Limits) stopped() bool {
	return l.Stop != nil && l.Stop()
}

func (l Limits) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.OpTimeout)
}

// Reconcile merges candidates, all belonging to project, into the catalogue
// without limits.
func (r *Reconciler) Reconcile(ctx context.Context, project string, candidates []model.Entry, complete bool) (Result, error) {
	return r.ReconcileWithin(ctx, Limits{}, project, candidates, complete)
}

// ReconcileWithin merges candidates, all belonging to project, into the
// catalogue. Stale rows are deleted only when complete is true and nothing
// interrupted the pass. Only rows of project are read or written.
func (r *Reconciler) ReconcileWithin(ctx context.Context, limits Limits, project string, candidates []model.Entry, complete bool) (Result, error) {
	if limits.stopped() {
		return Result{Interrupted: true}, nil
	}
	lctx, cancel := limits.op(ctx)
	existing, err := r.store.EntriesByProject(lctx, project)
	cancel()
	if err != nil {
		if limits.stopped() && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Result{Interrupted: true}, nil
		}
		return Result{}, fmt.Errorf("load catalogue for %q: %w", project, err)
	}
	p := buildPlan(candidates, existing, complete)
	res := Result{Collisions: p.collisions}

	log := logging.With().Str("project", project).Logger()
	if p.collisions > 0 {
		log.Warn().Int("collisions", p.collisions).Msg("duplicate ids or paths resolved by last write")
	}

	stopped := func() bool {
		if res.Interrupted || ctx.Err() != nil || limits.stopped() {
			res.Interrupted = true
			return true
		}
		return false
	}
	w := writer{ctx: ctx, limits: limits, failures: &res.Failures}

	for _, batch := range chunk(p.updates, r.batchSize) {
		if stopped() {
			break
		}
		n, cut := applyBatch(w, "update", batch, func(ctx context.Context, items []model.EntryRevision) error {
			return r.store.UpdateEntries(ctx, items)
		}, func(rev model.EntryRevision) string { return rev.Entry.RemotePath })
		res.Updated += n
		res.Interrupted = res.Interrupted || cut
	}
	for _, batch := range chunk(p.inserts, r.batchSize) {
		if stopped() {
			break
		}
		n, cut := applyBatch(w, "insert", batch, func(ctx context.Context, items []model.Entry) error {
			return r.store.InsertEntries(ctx, items)
		}, func(e model.Entry) string { return e.RemotePath })
		res.Created += n
		res.Interrupted = res.Interrupted || cut
	}
	now := r.clock.Now().UTC()
	for _, batch := range chunk(p.touches, r.batchSize) {
		if stopped() {
			break
		}
		n, cut := applyBatch(w, "touch", batch, func(ctx context.Context, ids []string) error {
			return r.store.TouchEntries(ctx, ids, now)
		}, func(id string) string { return id })
		res.Unchanged += n
		res.Interrupted = res.Interrupted || cut
	}
	if complete && !res.Interrupted {
		for _, batch := range chunk(p.deletes, r.batchSize) {
			if stopped() {
				break
			}
			n, cut := applyBatch(w, "delete", batch, func(ctx context.Context, ids []string) error {
				return r.store.DeleteEntries(ctx, project, ids)
			}, func(id string) string { return id })
			res.Deleted += n
			res.Interrupted = res.Interrupted || cut
		}
	}

	metrics.Entries.WithLabelValues("created").Add(float64(res.Created))
	metrics.Entries.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.Entries.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	metrics.Entries.WithLabelValues("deleted").Add(float64(res.Deleted))
	metrics.Entries.WithLabelValues("failed").Add(float64(len(res.Failures)))

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("deleted", res.Deleted).
		Int("failed", len(res.Failures)).
		Bool("complete", complete).
		Bool("interrupted", res.Interrupted).
		Msg("catalogue reconciled")
	return res, nil
}

type writer struct {
	ctx      context.Context
	limits   Limits
	failures *[]model.Failure
}

func (w writer) call(fn func(context.Context) error) error {
	ctx, cancel := w.limits.op(w.ctx)
	defer cancel()
	return fn(ctx)
}

// applyBatch writes items in one call and falls back to one call per item
// when the batch fails. It returns the number of items written and whether
// the fallback was cut short by the limits.
func applyBatch[T any](w writer, stage string, items []T, write func(context.Context, []T) error, label func(T) string) (int, bool) {
	err := w.call(func(ctx context.Context) error { return write(ctx, items) })
	if err == nil {
		return len(items), false
	}
	logging.Warn().Err(err).Str("stage", stage).Int("size", len(items)).Msg("batch write failed, retrying one by one")
	written := 0
	for _, item := range items {
		if w.limits.stopped() {
			return written, true
		}
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = w.call(func(ctx context.Context) error { return write(ctx, []T{item}) })
		}
		if err != nil {
			*w.failures = append(*w.failures, model.Failure{
				Scope:   "entry",
				Path:    label(item),
				Stage:   stage,
				Message: err.Error(),
			})
			continue
		}
		written++
	}
	return written, false
}

// buildPlan decides every write up front so the outcome for a path does not
// depend on the order candidates were discovered in.
func buildPlan(candidates, existing []model.Entry, complete bool) plan {
	var p plan
	winners, dropped := dedupe(candidates)
	p.collisions = dropped

	byPath := make(map[string]model.Entry, len(existing))
	byID := make(map[string]model.Entry, len(existing))
	for _, e := range existing {
		byPath[strings.ToLower(e.RemotePath)] = e
		byID[e.ID] = e
	}

	claimed := make(map[string]bool, len(existing))
	observed := make(map[string]bool, len(winners))
	var unmatched []model.Entry
	for _, c := range winners {
		observed[c.RemotePath] = true
		if prev, ok := byPath[c.RemotePath]; ok {
			claimed[prev.ID] = true
			if changed(prev, c) {
				p.updates = append(p.updates, model.EntryRevision{PrevID: prev.ID, Entry: c})
			} else {
				p.touches = append(p.touches, prev.ID)
			}
			continue
		}
		unmatched = append(unmatched, c)
	}
	for _, c := range unmatched {
		// Same id as a row whose path was not seen: the new file takes it over.
		if prev, ok := byID[c.ID]; ok && !claimed[prev.ID] && !observed[strings.ToLower(prev.RemotePath)] {
			claimed[prev.ID] = true
			p.collisions++
			p.updates = append(p.updates, model.EntryRevision{PrevID: prev.ID, Entry: c})
			continue
		}
		p.inserts = append(p.inserts, c)
	}
	if complete {
		for _, e := range existing {
			if !claimed[e.ID] {
				p.deletes = append(p.deletes, e.ID)
			}
		}
		sort.Strings(p.deletes)
	}
	return p
}

// dedupe keeps one candidate per path and per id. Among duplicates the
// greatest remote path wins. Candidates come back sorted by path.
func dedupe(candidates []model.Entry) ([]model.Entry, int) {
	sorted := make([]model.Entry, 0, len(candidates))
	for _, c := range candidates {
		c.RemotePath = strings.ToLower(c.RemotePath)
		sorted = append(sorted, c)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RemotePath > sorted[j].RemotePath
	})
	seenPath := make(map[string]bool, len(sorted))
	seenID := make(map[string]bool, len(sorted))
	out := make([]model.Entry, 0, len(sorted))
	dropped := 0
	for _, c := range sorted {
		if seenPath[c.RemotePath] || seenID[c.ID] {
			dropped++
			continue
		}
		seenPath[c.RemotePath] = true
		seenID[c.ID] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemotePath < out[j].RemotePath })
	return out, dropped
}

// changed compares the fields the reconciler owns.
func changed(prev, next model.Entry) bool {
	return prev.ID != next.ID ||
		prev.Name != next.Name ||
		prev.Tool != next.Tool ||
		prev.Type != next.Type ||
		prev.TimeBucket != next.TimeBucket ||
		prev.AspectRatioGuess != next.AspectRatioGuess ||
		prev.Extension != next.Extension ||
		prev.SizeBytes != next.SizeBytes ||
		prev.RemotePathDisplay != next.RemotePathDisplay ||
		!sameTime(prev.RemoteModifiedAt, next.RemoteModifiedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
