package dropbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(context.Background(), Config{
		APIBaseURL:        srv.URL,
		RequestsPerSecond: 1000,
		MaxDownloadBytes:  64,
		HTTPClient:        srv.Client(),
		DownloadClient:    srv.Client(),
	})
}

func TestListFolderFollowsCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/files/list_folder", func(w http.ResponseWriter, r *http.Request) {
		var arg listFolderArg
		if err := json.NewDecoder(r.Body).Decode(&arg); err != nil {
			t.Errorf("decode arg: %v", err)
		}
		if arg.Path != "/Portfolio" || arg.Recursive {
			t.Errorf("unexpected arg %+v", arg)
		}
		io.WriteString(w, `{"entries":[
			{".tag":"folder","name":"Alpha","path_lower":"/portfolio/alpha","path_display":"/Portfolio/Alpha"},
			{".tag":"deleted","name":"gone.png","path_lower":"/portfolio/gone.png"}
		],"cursor":"c1","has_more":true}`)
	})
	mux.HandleFunc("/2/files/list_folder/continue", func(w http.ResponseWriter, r *http.Request) {
		var arg listFolderContinueArg
		_ = json.NewDecoder(r.Body).Decode(&arg)
		if arg.Cursor != "c1" {
			t.Errorf("cursor = %q", arg.Cursor)
		}
		io.WriteString(w, `{"entries":[
			{".tag":"file","name":"cover.png","path_lower":"/portfolio/cover.png","path_display":"/Portfolio/cover.png","size":1234,"client_modified":"2024-01-02T03:04:05Z","server_modified":"2024-02-01T00:00:00Z"}
		],"cursor":"c2","has_more":false}`)
	})
	c := newTestClient(t, mux)

	entries, err := c.ListFolder(context.Background(), "/Portfolio")
	if err != nil {
		t.Fatalf("ListFolder() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	if !entries[0].IsFolder || entries[0].Name != "Alpha" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	f := entries[1]
	if f.IsFolder || f.Size != 1234 || !f.ModifiedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("entries[1] = %+v", f)
	}
}

func TestListFolderRootUsesEmptyPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var arg listFolderArg
		_ = json.NewDecoder(r.Body).Decode(&arg)
		if arg.Path != "" {
			t.Errorf("path = %q, want empty", arg.Path)
		}
		io.WriteString(w, `{"entries":[],"cursor":"x","has_more":false}`)
	}))
	if _, err := c.ListFolder(context.Background(), "/"); err != nil {
		t.Fatalf("ListFolder() error = %v", err)
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error_summary":"path/not_found/..","error":{".tag":"path"}}`)
	}))
	_, err := c.TemporaryLink(context.Background(), "/missing.png")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("TemporaryLink() error = %v, want ErrNotFound", err)
	}
	// Not-found answers count as successes for the breaker.
	if c.cb.State() != gobreaker.StateClosed {
		t.Fatalf("breaker state = %s", c.cb.State())
	}
}

func TestTemporaryLinkExpiry(t *testing.T) {
	issued := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"metadata":{},"link":"https://dl.example/abc"}`)
	}))
	c.now = func() time.Time { return issued }

	link, err := c.TemporaryLink(context.Background(), "/a.png")
	if err != nil {
		t.Fatalf("TemporaryLink() error = %v", err)
	}
	if link.URL != "https://dl.example/abc" || !link.ExpiresAt.Equal(issued.Add(4*time.Hour)) {
		t.Fatalf("link = %+v", link)
	}
}

func TestRetryAfterHonouredOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"link":"https://dl.example/ok"}`)
	}))
	if _, err := c.TemporaryLink(context.Background(), "/a.png"); err != nil {
		t.Fatalf("TemporaryLink() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error_summary":"internal_error/"}`)
	}))
	for i := 0; i < 5; i++ {
		_, err := c.ListFolder(context.Background(), "/p")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	_, err := c.ListFolder(context.Background(), "/p")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("server calls = %d, want 5", calls.Load())
	}
}

func TestDownloadEnforcesLimit(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("download must not send credentials")
		}
		switch r.URL.Path {
		case "/small":
			io.WriteString(w, "tiny")
		case "/big":
			io.WriteString(w, strings.Repeat("x", 65))
		default:
			http.NotFound(w, r)
		}
	}))
	base := strings.TrimSuffix(c.baseURL, "/")

	data, err := c.Download(context.Background(), base+"/small")
	if err != nil || string(data) != "tiny" {
		t.Fatalf("Download(small) = %q, %v", data, err)
	}
	if _, err := c.Download(context.Background(), base+"/big"); err == nil {
		t.Fatal("Download(big) should fail")
	}
	if _, err := c.Download(context.Background(), base+"/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download(missing) = %v, want ErrNotFound", err)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	tests := map[string]time.Duration{
		"":    time.Second,
		"abc": time.Second,
		"3":   3 * time.Second,
		"600": maxRetryAfter,
	}
	for in, want := range tests {
		if got := retryAfter(in); got != want {
			t.Errorf("retryAfter(%q) = %s, want %s", in, got, want)
		}
	}
}
