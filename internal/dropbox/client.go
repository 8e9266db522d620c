/*
Package dropbox is a small client for the parts of the Dropbox HTTP API the
sync pipeline needs:

  - files/list_folder and files/list_folder/continue (cursor pagination)
  - files/get_temporary_link (4 hour signed download URLs)
  - plain GET of a temporary link to fetch bytes

Access tokens come from the refresh-token grant through golang.org/x/oauth2.
Every RPC passes through a rate limiter and a circuit breaker so a struggling
API is not hammered by every worker at once.
*/
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/metrics"
	"github.com/dharsanguruparan/foliosync/internal/model"
)

// ErrNotFound is returned when a path does not exist in Dropbox.
var ErrNotFound = errors.New("dropbox: path not found")

// LinkTTL is how long Dropbox keeps a temporary link valid.
const LinkTTL = 4 * time.Hour

const (
	breakerName     = "dropbox-api"
	maxRetryAfter   = 10 * time.Second
	listFolderLimit = 2000
)

// Config configures a Client.
type Config struct {
	AppKey            string
	AppSecret         string
	RefreshToken      string
	APIBaseURL        string
	TokenURL          string
	RequestsPerSecond float64
	MaxDownloadBytes  int64

	// HTTPClient replaces the OAuth2 client, mainly for tests.
	HTTPClient *http.Client
	// DownloadClient is used for temporary links, which need no auth.
	DownloadClient *http.Client
}

// APIError is a non-success response from an RPC endpoint.
type APIError struct {
	Status  int
	Summary string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dropbox api: status %d: %s", e.Status, e.Summary)
}

// Client talks to the Dropbox API.
type Client struct {
	api         *http.Client
	download    *http.Client
	baseURL     string
	limiter     *rate.Limiter
	cb          *gobreaker.CircuitBreaker[any]
	maxDownload int64
	now         func() time.Time
}

// New constructs a Client. The context only seeds the OAuth2 transport.
func New(ctx context.Context, cfg Config) *Client {
	api := cfg.HTTPClient
	if api == nil {
		oc := &oauth2.Config{
			ClientID:     cfg.AppKey,
			ClientSecret: cfg.AppSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		api = oauth2.NewClient(ctx, ts)
	}
	download := cfg.DownloadClient
	if download == nil {
		download = &http.Client{}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	maxDownload := cfg.MaxDownloadBytes
	if maxDownload <= 0 {
		maxDownload = 50 << 20
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	return &Client{
		api:         api,
		download:    download,
		baseURL:     strings.TrimRight(cfg.APIBaseURL, "/"),
		limiter:     rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		cb:          newBreaker(),
		maxDownload: maxDownload,
		now:         time.Now,
	}
}

func newBreaker() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing path is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type listFolderArg struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Limit     int    `json:"limit,omitempty"`
}

type listFolderContinueArg struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []apiEntry `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

type apiEntry struct {
	Tag            string `json:".tag"`
	Name           string `json:"name"`
	PathLower      string `json:"path_lower"`
	PathDisplay    string `json:"path_display"`
	Size           int64  `json:"size"`
	ClientModified string `json:"client_modified"`
	ServerModified string `json:"server_modified"`
}

type temporaryLinkArg struct {
	Path string `json:"path"`
}

type temporaryLinkResult struct {
	Link string `json:"link"`
}

type errorBody struct {
	ErrorSummary string `json:"error_summary"`
}

// ListFolder returns every child of path, following cursors until the
// listing is exhausted. Deleted entries are skipped.
func (c *Client) ListFolder(ctx context.Context, path string) ([]model.RemoteEntry, error) {
	var page listFolderResult
	if err := c.rpc(ctx, "files/list_folder", listFolderArg{Path: apiPath(path), Limit: listFolderLimit}, &page); err != nil {
		return nil, fmt.Errorf("list %q: %w", path, err)
	}
	out := convertEntries(nil, page.Entries)
	for page.HasMore {
		cursor := page.Cursor
		page = listFolderResult{}
		if err := c.rpc(ctx, "files/list_folder/continue", listFolderContinueArg{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("list %q (continue): %w", path, err)
		}
		out = convertEntries(out, page.Entries)
	}
	return out, nil
}

// TemporaryLink mints a signed download URL for path.
func (c *Client) TemporaryLink(ctx context.Context, path string) (model.TemporaryLink, error) {
	issued := c.now()
	var res temporaryLinkResult
	if err := c.rpc(ctx, "files/get_temporary_link", temporaryLinkArg{Path: apiPath(path)}, &res); err != nil {
		return model.TemporaryLink{}, fmt.Errorf("temporary link %q: %w", path, err)
	}
	if res.Link == "" {
		return model.TemporaryLink{}, fmt.Errorf("temporary link %q: empty link", path)
	}
	return model.TemporaryLink{URL: res.Link, ExpiresAt: issued.Add(LinkTTL)}, nil
}

// Download fetches the bytes behind a temporary link, refusing bodies larger
// than the configured maximum.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("download", "error").Inc()
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RemoteRequests.WithLabelValues("download", "error").Inc()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("download: status %d: %w", resp.StatusCode, ErrNotFound)
		}
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("download", "error").Inc()
		return nil, fmt.Errorf("read download: %w", err)
	}
	if int64(len(data)) > c.maxDownload {
		metrics.RemoteRequests.WithLabelValues("download", "too_large").Inc()
		return nil, fmt.Errorf("download exceeds %d bytes", c.maxDownload)
	}
	metrics.RemoteRequests.WithLabelValues("download", "success").Inc()
	return data, nil
}

// rpc executes one API call behind the limiter and breaker and decodes the
// JSON result into out.
func (c *Client) rpc(ctx context.Context, endpoint string, arg, out any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", endpoint, err)
	}
	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.doRPC(ctx, endpoint, body, out)
	})
	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	metrics.RemoteRequests.WithLabelValues(endpoint, outcome).Inc()
	return err
}

func (c *Client) doRPC(ctx context.Context, endpoint string, body []byte, out any) error {
	retried := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/"+endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.api.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests && !retried {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			retried = true
			logging.Debug().Str("endpoint", endpoint).Dur("wait", wait).Msg("dropbox rate limited, retrying once")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		err = decodeResponse(resp, out)
		resp.Body.Close()
		return err
	}
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	summary := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &eb) == nil && eb.ErrorSummary != "" {
		summary = eb.ErrorSummary
	}
	apiErr := &APIError{Status: resp.StatusCode, Summary: summary}
	if resp.StatusCode == http.StatusConflict && strings.Contains(summary, "not_found") {
		return fmt.Errorf("%w (%s)", ErrNotFound, summary)
	}
	return apiErr
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return time.Second
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// apiPath converts a path to the API's form, where the root is "".
func apiPath(p string) string {
	if p == "/" {
		return ""
	}
	return p
}

func convertEntries(dst []model.RemoteEntry, entries []apiEntry) []model.RemoteEntry {
	for _, e := range entries {
		if e.Tag != "file" && e.Tag != "folder" {
			continue
		}
		dst = append(dst, model.RemoteEntry{
			Name:        e.Name,
			PathLower:   e.PathLower,
			PathDisplay: e.PathDisplay,
			IsFolder:    e.Tag == "folder",
			Size:        e.Size,
			ModifiedAt:  parseTime(e.ClientModified, e.ServerModified),
		})
	}
	return dst
}

// parseTime returns the first parseable timestamp, or the zero time.
func parseTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
