// Package storage contains the in-memory catalogue. It implements the same
// interfaces as the Postgres repository and backs tests and dry runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/model"
)

var (
	// ErrNotFound is returned when an id does not exist.
	ErrNotFound = errors.New("catalogue entry not found")
	// ErrConflict is returned when an insert or update would duplicate an id
	// or a remote path.
	ErrConflict = errors.New("catalogue entry conflict")
)

// MemoryStore keeps the catalogue in maps guarded by an RWMutex so the API
// can read while a sync writes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*model.Entry
	meta    *model.SyncMeta
	failIDs map[string]error
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*model.Entry),
		failIDs: make(map[string]error),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FailWrites makes every write touching id return err. A nil err clears it.
func (m *MemoryStore) FailWrites(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failIDs, id)
		return
	}
	m.failIDs[id] = err
}

func (m *MemoryStore) injected(ids ...string) error {
	for _, id := range ids {
		if err := m.failIDs[id]; err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
	}
	return nil
}

// Seed stores entries as-is, bypassing conflict checks. Tests use it to
// prepare a catalogue.
func (m *MemoryStore) Seed(entries ...model.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		rec := e
		m.entries[rec.ID] = &rec
	}
}

// Get returns a copy of the entry with id.
func (m *MemoryStore) Get(id string) (model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entries[id]
	if !ok {
		return model.Entry{}, ErrNotFound
	}
	// Copies keep callers from mutating internal state.
	return *rec, nil
}

// All returns every entry sorted by remote path.
func (m *MemoryStore) All() []model.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(func(*model.Entry) bool { return true })
}

func (m *MemoryStore) sortedLocked(keep func(*model.Entry) bool) []model.Entry {
	out := make([]model.Entry, 0, len(m.entries))
	for _, rec := range m.entries {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemotePath < out[j].RemotePath })
	return out
}

func (m *MemoryStore) pathTakenLocked(path, exceptID string) bool {
	for id, rec := range m.entries {
		if id != exceptID && rec.RemotePath == path {
			return true
		}
	}
	return false
}

func (m *MemoryStore) EntriesByProject(ctx context.Context, project string) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(func(e *model.Entry) bool { return e.Project == project }), nil
}

func (m *MemoryStore) ProjectNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for _, e := range m.entries {
		if !seen[e.Project] {
			seen[e.Project] = true
			names = append(names, e.Project)
		}
	}
	sort.Strings(names)
	return names, nil
}

// InsertEntries adds all entries or none of them.
func (m *MemoryStore) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(entries))
	paths := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := m.injected(e.ID); err != nil {
			return err
		}
		if _, exists := m.entries[e.ID]; exists || ids[e.ID] {
			return fmt.Errorf("insert %s: %w", e.ID, ErrConflict)
		}
		if m.pathTakenLocked(e.RemotePath, "") || paths[e.RemotePath] {
			return fmt.Errorf("insert %s: path %s: %w", e.ID, e.RemotePath, ErrConflict)
		}
		ids[e.ID] = true
		paths[e.RemotePath] = true
	}
	now := m.now()
	for _, e := range entries {
		rec := e
		rec.CreatedAt = now
		rec.UpdatedAt = now
		m.entries[rec.ID] = &rec
	}
	return nil
}

// UpdateEntries rewrites classification fields, keeping asset and dimension
// fields, for all revisions or none of them.
func (m *MemoryStore) UpdateEntries(ctx context.Context, revisions []model.EntryRevision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rev := range revisions {
		if err := m.injected(rev.PrevID, rev.Entry.ID); err != nil {
			return err
		}
		if _, ok := m.entries[rev.PrevID]; !ok {
			return fmt.Errorf("update %s: %w", rev.PrevID, ErrNotFound)
		}
		if rev.Entry.ID != rev.PrevID {
			if _, taken := m.entries[rev.Entry.ID]; taken {
				return fmt.Errorf("update %s to %s: %w", rev.PrevID, rev.Entry.ID, ErrConflict)
			}
		}
		if m.pathTakenLocked(rev.Entry.RemotePath, rev.PrevID) {
			return fmt.Errorf("update %s: path %s: %w", rev.PrevID, rev.Entry.RemotePath, ErrConflict)
		}
	}
	now := m.now()
	for _, rev := range revisions {
		prev := m.entries[rev.PrevID]
		next := rev.Entry
		next.AssetURL = prev.AssetURL
		next.AssetKind = prev.AssetKind
		next.AssetExpiresAt = prev.AssetExpiresAt
		next.Width = prev.Width
		next.Height = prev.Height
		next.AspectRatioMeasured = prev.AspectRatioMeasured
		next.AspectEstimated = prev.AspectEstimated
		next.DimensionsCalculatedAt = prev.DimensionsCalculatedAt
		next.DimensionAttempts = prev.DimensionAttempts
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = now
		delete(m.entries, rev.PrevID)
		m.entries[next.ID] = &next
	}
	return nil
}

func (m *MemoryStore) TouchEntries(ctx context.Context, ids []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ids...); err != nil {
		return err
	}
	for _, id := range ids {
		if rec, ok := m.entries[id]; ok {
			rec.ScannedAt = at
		}
	}
	return nil
}

// DeleteEntries removes ids that belong to project. Ids of other projects
// are ignored.
func (m *MemoryStore) DeleteEntries(ctx context.Context, project string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ids...); err != nil {
		return err
	}
	for _, id := range ids {
		if rec, ok := m.entries[id]; ok && rec.Project == project {
			delete(m.entries, id)
		}
	}
	return nil
}

// PendingAssets returns rows selected by q, rows without any asset first.
func (m *MemoryStore) PendingAssets(ctx context.Context, q model.PendingQuery) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sortedLocked(func(e *model.Entry) bool { return e.Pending(q) })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AssetURL == nil && out[j].AssetURL != nil
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SaveAsset applies a materializer update to one row.
func (m *MemoryStore) SaveAsset(ctx context.Context, id string, u model.AssetUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(id); err != nil {
		return err
	}
	rec, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	u.Apply(rec)
	rec.UpdatedAt = m.now()
	return nil
}

// LoadMeta returns the stored SyncMeta or a zero value before the first run.
func (m *MemoryStore) LoadMeta(ctx context.Context) (model.SyncMeta, error) {
	if err := ctx.Err(); err != nil {
		return model.SyncMeta{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.meta == nil {
		return model.SyncMeta{}, nil
	}
	return *m.meta, nil
}

func (m *MemoryStore) SaveMeta(ctx context.Context, meta model.SyncMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := meta
	m.meta = &saved
	return nil
}

// ListImages returns one page ordered like the Postgres repository plus the
// total row count.
func (m *MemoryStore) ListImages(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedLocked(func(*model.Entry) bool { return true })
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Project != b.Project {
			return a.Project < b.Project
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	total := len(all)
	if offset >= total {
		return []model.Entry{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
