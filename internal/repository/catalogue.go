package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/foliosync/internal/model"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("catalogue entry not found")

const entryColumns = `id, name, project, tool, type, time_bucket, aspect_ratio_guess,
	remote_path, remote_path_display, extension, size_bytes, remote_modified_at,
	asset_url, asset_kind, asset_expires_at,
	width, height, aspect_ratio_measured, aspect_estimated, dimensions_calculated_at, dimension_attempts,
	scanned_at, created_at, updated_at`

// CatalogueRepository wraps all SQL against portfolio_images and
// portfolio_meta used by the sync pipeline and the API.
type CatalogueRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogueRepository constructs a repository.
func NewCatalogueRepository(pool *pgxpool.Pool) *CatalogueRepository {
	return &CatalogueRepository{pool: pool}
}

func scanEntry(row pgx.Row) (model.Entry, error) {
	var (
		e    model.Entry
		kind *string
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.Project, &e.Tool, &e.Type, &e.TimeBucket, &e.AspectRatioGuess,
		&e.RemotePath, &e.RemotePathDisplay, &e.Extension, &e.SizeBytes, &e.RemoteModifiedAt,
		&e.AssetURL, &kind, &e.AssetExpiresAt,
		&e.Width, &e.Height, &e.AspectRatioMeasured, &e.AspectEstimated, &e.DimensionsCalculatedAt, &e.DimensionAttempts,
		&e.ScannedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return model.Entry{}, err
	}
	if kind != nil {
		e.AssetKind = model.AssetKind(*kind)
	}
	return e, nil
}

func (r *CatalogueRepository) queryEntries(ctx context.Context, sql string, args ...any) ([]model.Entry, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesByProject returns every row of project.
func (r *CatalogueRepository) EntriesByProject(ctx context.Context, project string) ([]model.Entry, error) {
	entries, err := r.queryEntries(ctx, `SELECT `+entryColumns+` FROM portfolio_images WHERE project=$1 ORDER BY remote_path`, project)
	if err != nil {
		return nil, fmt.Errorf("select project entries: %w", err)
	}
	return entries, nil
}

// ProjectNames returns the distinct project names present in the catalogue.
func (r *CatalogueRepository) ProjectNames(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT project FROM portfolio_images ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("select project names: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan project names: %w", err)
	}
	return names, nil
}

// InsertEntries inserts all entries in one transaction.
func (r *CatalogueRepository) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO portfolio_images (id, name, project, tool, type, time_bucket, aspect_ratio_guess,
				remote_path, remote_path_display, extension, size_bytes, remote_modified_at, scanned_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, e.ID, e.Name, e.Project, e.Tool, e.Type, e.TimeBucket, e.AspectRatioGuess,
			e.RemotePath, e.RemotePathDisplay, e.Extension, e.SizeBytes, e.RemoteModifiedAt, e.ScannedAt)
	}
	if err := r.sendInTx(ctx, batch, nil); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

// UpdateEntries rewrites classification fields in one transaction. Asset
// and dimension columns are not part of the statement.
func (r *CatalogueRepository) UpdateEntries(ctx context.Context, revisions []model.EntryRevision) error {
	if len(revisions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rev := range revisions {
		e := rev.Entry
		batch.Queue(`
			UPDATE portfolio_images
			SET id=$1, name=$2, tool=$3, type=$4, time_bucket=$5, aspect_ratio_guess=$6,
				remote_path=$7, remote_path_display=$8, extension=$9, size_bytes=$10,
				remote_modified_at=$11, scanned_at=$12, updated_at=now()
			WHERE id=$13
		`, e.ID, e.Name, e.Tool, e.Type, e.TimeBucket, e.AspectRatioGuess,
			e.RemotePath, e.RemotePathDisplay, e.Extension, e.SizeBytes,
			e.RemoteModifiedAt, e.ScannedAt, rev.PrevID)
	}
	err := r.sendInTx(ctx, batch, func(i int, affected int64) error {
		if affected == 0 {
			return fmt.Errorf("update %s: %w", revisions[i].PrevID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update entries: %w", err)
	}
	return nil
}

// sendInTx runs batch inside a transaction. check, when set, inspects the
// affected row count of each statement.
func (r *CatalogueRepository) sendInTx(ctx context.Context, batch *pgx.Batch, check func(i int, affected int64) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			if check != nil {
				if err := check(i, tag.RowsAffected()); err != nil {
					results.Close()
					return err
				}
			}
		}
		return results.Close()
	})
}

// TouchEntries marks rows as confirmed present at at.
func (r *CatalogueRepository) TouchEntries(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE portfolio_images SET scanned_at=$1 WHERE id = ANY($2)`, at, ids)
	if err != nil {
		return fmt.Errorf("touch entries: %w", err)
	}
	return nil
}

// DeleteEntries removes ids, restricted to project.
func (r *CatalogueRepository) DeleteEntries(ctx context.Context, project string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM portfolio_images WHERE project=$1 AND id = ANY($2)`, project, ids)
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// PendingAssets selects rows the materializer should visit, rows without
// any asset URL first. It mirrors model.Entry.Pending.
func (r *CatalogueRepository) PendingAssets(ctx context.Context, q model.PendingQuery) ([]model.Entry, error) {
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	entries, err := r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM portfolio_images
		WHERE ($1 = '' OR project = $1)
		  AND (
			asset_url IS NULL OR asset_url = ''
			OR (asset_kind = 'temporary' AND ($2 OR asset_expires_at IS NULL OR asset_expires_at < $3))
			OR (width IS NULL AND dimension_attempts < $4)
		  )
		ORDER BY (asset_url IS NULL) DESC, remote_path
		LIMIT $5
	`, q.Project, q.UpgradeTemporary, q.RefreshBefore, q.MaxDimensionAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending assets: %w", err)
	}
	return entries, nil
}

// SaveAsset applies a materializer update with the same precedence rules as
// model.AssetUpdate.Apply: measured dimensions always win and an estimated
// ratio only fills an empty column.
func (r *CatalogueRepository) SaveAsset(ctx context.Context, id string, u model.AssetUpdate) error {
	var kind *string
	if u.AssetURL != nil {
		k := string(u.AssetKind)
		kind = &k
	}
	measured := u.Width != nil && u.Height != nil
	var width, height *int
	if measured {
		width, height = u.Width, u.Height
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE portfolio_images SET
			asset_url = COALESCE($2::text, asset_url),
			asset_kind = CASE WHEN $2::text IS NULL THEN asset_kind ELSE $3::text END,
			asset_expires_at = CASE WHEN $2::text IS NULL THEN asset_expires_at ELSE $4::timestamptz END,
			width = COALESCE($5::int, width),
			height = COALESCE($6::int, height),
			aspect_ratio_measured = CASE
				WHEN $5::int IS NOT NULL THEN $7::float8
				WHEN $8::bool AND $7::float8 IS NOT NULL AND aspect_ratio_measured IS NULL THEN $7::float8
				ELSE aspect_ratio_measured END,
			aspect_estimated = CASE
				WHEN $5::int IS NOT NULL THEN FALSE
				WHEN $8::bool AND $7::float8 IS NOT NULL AND aspect_ratio_measured IS NULL THEN TRUE
				ELSE aspect_estimated END,
			dimensions_calculated_at = CASE WHEN $5::int IS NOT NULL THEN $9::timestamptz ELSE dimensions_calculated_at END,
			dimension_attempts = dimension_attempts + CASE WHEN $10::bool THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $1
	`, id, u.AssetURL, kind, u.AssetExpiresAt, width, height, u.AspectRatioMeasured, u.AspectEstimated,
		u.DimensionsCalculatedAt, u.DimensionAttempted)
	if err != nil {
		return fmt.Errorf("save asset %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// LoadMeta returns the singleton SyncMeta, or a zero value before the first
// sync.
func (r *CatalogueRepository) LoadMeta(ctx context.Context) (model.SyncMeta, error) {
	var (
		meta     model.SyncMeta
		lastSync *time.Time
		lastErr  *string
		status   string
	)
	row := r.pool.QueryRow(ctx, `
		SELECT last_sync_at, projects_synced, total_projects, status, next_chunk, last_error
		FROM portfolio_meta WHERE id=1
	`)
	if err := row.Scan(&lastSync, &meta.ProjectsSynced, &meta.TotalProjects, &status, &meta.NextChunk, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncMeta{}, nil
		}
		return model.SyncMeta{}, fmt.Errorf("select sync meta: %w", err)
	}
	meta.Status = model.SyncStatus(status)
	if lastSync != nil {
		meta.LastSyncAt = lastSync.UTC()
	}
	if lastErr != nil {
		meta.LastError = *lastErr
	}
	return meta, nil
}

// SaveMeta overwrites the singleton SyncMeta row.
func (r *CatalogueRepository) SaveMeta(ctx context.Context, meta model.SyncMeta) error {
	var lastSync *time.Time
	if !meta.LastSyncAt.IsZero() {
		lastSync = &meta.LastSyncAt
	}
	var lastErr *string
	if meta.LastError != "" {
		lastErr = &meta.LastError
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO portfolio_meta (id, last_sync_at, projects_synced, total_projects, status, next_chunk, last_error, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			projects_synced = EXCLUDED.projects_synced,
			total_projects = EXCLUDED.total_projects,
			status = EXCLUDED.status,
			next_chunk = EXCLUDED.next_chunk,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, lastSync, meta.ProjectsSynced, meta.TotalProjects, string(meta.Status), meta.NextChunk, lastErr)
	if err != nil {
		return fmt.Errorf("upsert sync meta: %w", err)
	}
	return nil
}

// ListImages returns one page of the catalogue and the total row count.
func (r *CatalogueRepository) ListImages(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM portfolio_images`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count images: %w", err)
	}
	entries, err := r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM portfolio_images
		ORDER BY project, tool, name, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("select images: %w", err)
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	return entries, total, nil
}

// Ping checks the pool can reach the database.
func (r *CatalogueRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
