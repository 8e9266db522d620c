package materialize_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/materialize"
	"github.com/dharsanguruparan/foliosync/internal/metadata"
	"github.com/dharsanguruparan/foliosync/internal/model"
	"github.com/dharsanguruparan/foliosync/internal/s3storage"
	"github.com/dharsanguruparan/foliosync/internal/storage"
	"github.com/dharsanguruparan/foliosync/internal/testutil"
)

type fixture struct {
	clock  *testutil.StubClock
	remote *testutil.FakeRemote
	blobs  *s3storage.Memory
	store  *storage.MemoryStore
}

func newFixture() *fixture {
	clock := testutil.FixedClock()
	return &fixture{
		clock:  clock,
		remote: testutil.NewFakeRemote(clock),
		blobs:  s3storage.NewMemory("portfolio", ""),
		store:  storage.NewMemoryStore(),
	}
}

// add places data in the remote store and seeds the derived catalogue row.
func (f *fixture) add(project, tool, file string, data []byte) model.Entry {
	display := "/Portfolio/" + project + "/" + tool + "/" + file
	f.remote.AddFile(display, data, f.clock.Now())
	e := metadata.Derive(model.RemoteEntry{
		Name:        file,
		PathLower:   strings.ToLower(display),
		PathDisplay: display,
		Size:        int64(len(data)),
		ModifiedAt:  f.clock.Now(),
	}, project, tool, f.clock.Now())
	f.store.Seed(e)
	return e
}

func (f *fixture) materializer(t *testing.T, strategy materialize.Strategy) *materialize.Materializer {
	t.Helper()
	m, err := materialize.New(f.remote, f.blobs, f.store, materialize.Options{
		Strategy:             strategy,
		Concurrency:          2,
		RefreshMargin:        30 * time.Minute,
		MaxDimensionAttempts: 3,
	}, f.clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func (f *fixture) budget() *budget.Budget {
	return budget.New(f.clock, 20*time.Second, 5*time.Second)
}

func TestMirrorUploadsAndMeasures(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "hero.png", testutil.PNG(800, 600))
	m := f.materializer(t, materialize.Mirror)

	sum := m.Run(context.Background(), f.budget(), []model.Entry{e})
	if sum.Materialized != 1 || sum.Measured != 1 || len(sum.Failures) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := f.store.Get(e.ID)
	if got.AssetURL == nil || *got.AssetURL != "memory://portfolio/alpha/figma/hero.png" || got.AssetKind != model.AssetMirror {
		t.Fatalf("asset = %v (%s)", got.AssetURL, got.AssetKind)
	}
	if got.AssetExpiresAt != nil {
		t.Error("mirrored assets must not expire")
	}
	if *got.Width != 800 || *got.Height != 600 || *got.AspectRatioMeasured != 800.0/600.0 || got.AspectEstimated {
		t.Fatalf("dimensions = %dx%d %v est=%v", *got.Width, *got.Height, *got.AspectRatioMeasured, got.AspectEstimated)
	}
	if got.DimensionsCalculatedAt == nil || !got.DimensionsCalculatedAt.Equal(f.clock.Now()) {
		t.Errorf("DimensionsCalculatedAt = %v", got.DimensionsCalculatedAt)
	}
	data, ct, ok := f.blobs.Object("alpha/figma/hero.png")
	if !ok || ct != "image/png" || len(data) == 0 {
		t.Fatalf("blob = %d bytes %q %v", len(data), ct, ok)
	}
}

func TestPassthroughRecordsExpiringLink(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "hero.png", testutil.PNG(800, 600))
	m := f.materializer(t, materialize.Passthrough)

	if _, err := m.Materialize(context.Background(), f.budget(), e); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	got, _ := f.store.Get(e.ID)
	if got.AssetKind != model.AssetTemporary || got.AssetExpiresAt == nil {
		t.Fatalf("entry = %+v", got)
	}
	if want := f.clock.Now().Add(4 * time.Hour); !got.AssetExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", got.AssetExpiresAt, want)
	}
	if objs, _ := f.blobs.List(context.Background(), ""); len(objs) != 0 {
		t.Errorf("passthrough uploaded %d blobs", len(objs))
	}

	// Fresh link with dimensions: nothing to do.
	fresh, _ := f.store.Get(e.ID)
	if fresh.Pending(m.Query("", 0)) {
		t.Fatal("fresh entry should not be pending")
	}

	// Close to expiry the link is selected and refreshed.
	f.clock.Advance(3*time.Hour + 45*time.Minute)
	stale, _ := f.store.Get(e.ID)
	if !stale.Pending(m.Query("", 0)) {
		t.Fatal("expiring link should be pending")
	}
	links := f.remote.Links
	if _, err := m.Materialize(context.Background(), f.budget(), stale); err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if f.remote.Links != links+1 {
		t.Errorf("links minted = %d, want %d", f.remote.Links, links+1)
	}
	refreshed, _ := f.store.Get(e.ID)
	if !refreshed.AssetExpiresAt.After(*got.AssetExpiresAt) {
		t.Errorf("expiry not extended: %v", refreshed.AssetExpiresAt)
	}
}

func TestMirrorUpgradesTemporaryLinks(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "hero.png", testutil.PNG(800, 600))
	pass := f.materializer(t, materialize.Passthrough)
	if _, err := pass.Materialize(context.Background(), f.budget(), e); err != nil {
		t.Fatalf("passthrough error = %v", err)
	}
	temp, _ := f.store.Get(e.ID)

	mirror := f.materializer(t, materialize.Mirror)
	if !temp.Pending(mirror.Query("Alpha", 10)) {
		t.Fatal("temporary link should be pending under mirror")
	}
	if _, err := mirror.Materialize(context.Background(), f.budget(), temp); err != nil {
		t.Fatalf("mirror error = %v", err)
	}
	got, _ := f.store.Get(e.ID)
	if got.AssetKind != model.AssetMirror || got.AssetExpiresAt != nil {
		t.Fatalf("entry = %+v", got)
	}
}

func TestUnparseableBytesCountAttempts(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "vector.svg", []byte("<svg xmlns='http://www.w3.org/2000/svg'/>"))
	m := f.materializer(t, materialize.Mirror)

	for i := 0; i < 3; i++ {
		cur, _ := f.store.Get(e.ID)
		if !cur.Pending(m.Query("", 0)) {
			t.Fatalf("pass %d: entry should still be pending", i)
		}
		if _, err := m.Materialize(context.Background(), f.budget(), cur); err != nil {
			t.Fatalf("Materialize() error = %v", err)
		}
	}
	got, _ := f.store.Get(e.ID)
	if got.Width != nil || got.AspectRatioMeasured != nil {
		t.Fatalf("svg must stay unmeasured: %+v", got)
	}
	if got.DimensionAttempts != 3 || got.Pending(m.Query("", 0)) {
		t.Fatalf("attempts = %d, still pending = %v", got.DimensionAttempts, got.Pending(m.Query("", 0)))
	}
}

func TestLosslessWebPGetsFlaggedEstimate(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "shot.webp", testutil.WebPLossless())
	m := f.materializer(t, materialize.Mirror)

	update, err := m.Materialize(context.Background(), f.budget(), e)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if !update.AspectEstimated {
		t.Fatal("expected estimated aspect")
	}
	got, _ := f.store.Get(e.ID)
	if !got.AspectEstimated || got.AspectRatioMeasured == nil || *got.AspectRatioMeasured != 1 || got.Width != nil {
		t.Fatalf("entry = %+v", got)
	}

	// A measured ratio is never replaced by an estimate.
	measured := 1.5
	got.AspectRatioMeasured = &measured
	got.AspectEstimated = false
	f.store.Seed(got)
	if _, err := m.Materialize(context.Background(), f.budget(), got); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	again, _ := f.store.Get(e.ID)
	if *again.AspectRatioMeasured != 1.5 || again.AspectEstimated {
		t.Fatalf("measured ratio overwritten: %+v", again)
	}
}

func TestFailuresDoNotStopSiblings(t *testing.T) {
	f := newFixture()
	ok := f.add("Alpha", "Figma", "ok.png", testutil.PNG(10, 20))
	bad := f.add("Alpha", "Figma", "bad.png", testutil.PNG(10, 20))
	f.remote.FailLink(bad.RemotePathDisplay, errors.New("rate limited"))
	m := f.materializer(t, materialize.Mirror)

	sum := m.Run(context.Background(), f.budget(), []model.Entry{bad, ok})
	if sum.Attempted != 2 || sum.Materialized != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Stage != "link" || sum.Failures[0].Path != bad.RemotePath {
		t.Fatalf("failures = %+v", sum.Failures)
	}
}

func TestUploadFailureLeavesEntryPending(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "hero.png", testutil.PNG(8, 8))
	f.blobs.FailUploads(errors.New("bucket offline"))
	m := f.materializer(t, materialize.Mirror)

	_, err := m.Materialize(context.Background(), f.budget(), e)
	var se *materialize.StageError
	if !errors.As(err, &se) || se.Stage != "upload" {
		t.Fatalf("error = %v, want upload stage", err)
	}
	got, _ := f.store.Get(e.ID)
	if got.AssetURL != nil || got.Width != nil {
		t.Fatalf("failed mirror wrote fields: %+v", got)
	}
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	f := newFixture()
	var entries []model.Entry
	for _, n := range []string{"a.png", "b.png", "c.png"} {
		entries = append(entries, f.add("Alpha", "Figma", n, testutil.PNG(4, 4)))
	}
	m := f.materializer(t, materialize.Mirror)
	b := f.budget()
	f.clock.Advance(time.Minute)

	sum := m.Run(context.Background(), b, entries)
	if sum.Attempted != 0 || sum.Skipped != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.remote.Links != 0 {
		t.Errorf("links minted after exhaustion: %d", f.remote.Links)
	}
}

// slowLinks advances the clock whenever a link is minted.
type slowLinks struct {
	*testutil.FakeRemote
	clock *testutil.StubClock
	step  time.Duration
}

func (s slowLinks) TemporaryLink(ctx context.Context, p string) (model.TemporaryLink, error) {
	s.clock.Advance(s.step)
	return s.FakeRemote.TemporaryLink(ctx, p)
}

func TestBudgetSpentMidEntryIsSkippedNotFailed(t *testing.T) {
	f := newFixture()
	e := f.add("Alpha", "Figma", "hero.png", testutil.PNG(8, 8))
	remote := slowLinks{FakeRemote: f.remote, clock: f.clock, step: 25 * time.Second}
	m, err := materialize.New(remote, f.blobs, f.store, materialize.Options{Strategy: materialize.Mirror}, f.clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sum := m.Run(context.Background(), f.budget(), []model.Entry{e})
	if sum.Skipped != 1 || sum.Attempted != 0 || len(sum.Failures) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.remote.Downloads != 0 {
		t.Errorf("download started after exhaustion")
	}
	if got, _ := f.store.Get(e.ID); got.AssetURL != nil || got.DimensionAttempts != 0 {
		t.Fatalf("row changed: %+v", got)
	}

	_, err = m.Materialize(context.Background(), f.budget(), e)
	if !errors.Is(err, materialize.ErrBudgetExhausted) {
		t.Errorf("Materialize() error = %v, want ErrBudgetExhausted", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	f := newFixture()
	if _, err := materialize.New(f.remote, nil, f.store, materialize.Options{Strategy: materialize.Mirror}, f.clock); err == nil {
		t.Error("mirror without blobs should fail")
	}
	if _, err := materialize.New(f.remote, nil, f.store, materialize.Options{Strategy: "copy"}, f.clock); err == nil {
		t.Error("unknown strategy should fail")
	}
	if _, err := materialize.ParseStrategy("passthrough"); err != nil {
		t.Errorf("ParseStrategy() error = %v", err)
	}
}
