package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/database"
	"github.com/dharsanguruparan/foliosync/internal/model"
)

// newTestRepository connects to FOLIOSYNC_TEST_DATABASE_URL, migrates it and
// empties the catalogue tables. Tests are skipped when it is unset.
func newTestRepository(t *testing.T) *CatalogueRepository {
	t.Helper()
	dsn := os.Getenv("FOLIOSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FOLIOSYNC_TEST_DATABASE_URL not set")
	}
	if err := database.Migrate(dsn); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, config.DatabaseConfig{URL: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `TRUNCATE portfolio_images, portfolio_meta`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewCatalogueRepository(pool)
}

func sample(id, path string) model.Entry {
	mod := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	return model.Entry{
		ID:                id,
		Name:              "hero",
		Project:           "Alpha",
		Tool:              "Figma",
		Type:              "Design",
		TimeBucket:        "2024-Q1",
		AspectRatioGuess:  "4:3",
		RemotePath:        path,
		RemotePathDisplay: path,
		Extension:         "png",
		SizeBytes:         1024,
		RemoteModifiedAt:  &mod,
		ScannedAt:         mod,
	}
}

func TestCatalogueLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	e := sample("Alpha-Figma-hero-png", "/portfolio/alpha/figma/hero.png")
	if err := repo.InsertEntries(ctx, []model.Entry{e}); err != nil {
		t.Fatalf("InsertEntries() error = %v", err)
	}

	w, h, r := 800, 600, 800.0/600.0
	url := "https://cdn.example/alpha/figma/hero.png"
	now := time.Now().UTC().Truncate(time.Second)
	if err := repo.SaveAsset(ctx, e.ID, model.AssetUpdate{
		AssetURL:               &url,
		AssetKind:              model.AssetMirror,
		Width:                  &w,
		Height:                 &h,
		AspectRatioMeasured:    &r,
		DimensionsCalculatedAt: &now,
	}); err != nil {
		t.Fatalf("SaveAsset() error = %v", err)
	}

	next := e
	next.Type = "Brand"
	if err := repo.UpdateEntries(ctx, []model.EntryRevision{{PrevID: e.ID, Entry: next}}); err != nil {
		t.Fatalf("UpdateEntries() error = %v", err)
	}
	rows, err := repo.EntriesByProject(ctx, "Alpha")
	if err != nil {
		t.Fatalf("EntriesByProject() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Type != "Brand" || rows[0].Width == nil || *rows[0].Width != 800 || rows[0].AssetURL == nil {
		t.Fatalf("rows = %+v", rows)
	}

	if names, err := repo.ProjectNames(ctx); err != nil || len(names) != 1 || names[0] != "Alpha" {
		t.Fatalf("ProjectNames() = %v, %v", names, err)
	}

	pending, err := repo.PendingAssets(ctx, model.PendingQuery{Project: "Alpha", MaxDimensionAttempts: 3})
	if err != nil || len(pending) != 0 {
		t.Fatalf("PendingAssets() = %+v, %v", pending, err)
	}

	if err := repo.DeleteEntries(ctx, "Beta", []string{e.ID}); err != nil {
		t.Fatalf("DeleteEntries() error = %v", err)
	}
	if page, total, _ := repo.ListImages(ctx, 0, 10); total != 1 || len(page) != 1 {
		t.Fatalf("delete crossed project scope: %d rows", total)
	}
	if err := repo.DeleteEntries(ctx, "Alpha", []string{e.ID}); err != nil {
		t.Fatalf("DeleteEntries() error = %v", err)
	}
	if _, total, _ := repo.ListImages(ctx, 0, 10); total != 0 {
		t.Fatalf("rows left = %d", total)
	}

	missing := model.EntryRevision{PrevID: "gone", Entry: sample("gone", "/gone.png")}
	if err := repo.UpdateEntries(ctx, []model.EntryRevision{missing}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing row error = %v", err)
	}
}

func TestMetaUpsert(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	meta, err := repo.LoadMeta(ctx)
	if err != nil || meta.Status != "" {
		t.Fatalf("initial meta = %+v, %v", meta, err)
	}
	want := model.SyncMeta{
		LastSyncAt:     time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC),
		ProjectsSynced: 3,
		TotalProjects:  4,
		Status:         model.StatusPartial,
		NextChunk:      3,
		LastError:      "Beta: 503",
	}
	for i := 0; i < 2; i++ {
		if err := repo.SaveMeta(ctx, want); err != nil {
			t.Fatalf("SaveMeta() error = %v", err)
		}
	}
	got, err := repo.LoadMeta(ctx)
	if err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	if !got.LastSyncAt.Equal(want.LastSyncAt) || got.NextChunk != 3 || got.Status != model.StatusPartial || got.LastError != want.LastError {
		t.Fatalf("meta = %+v", got)
	}
}
