package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/model"
	"github.com/dharsanguruparan/foliosync/internal/scheduler"
	"github.com/dharsanguruparan/foliosync/internal/signing"
)

const (
	maxPageSize      = 500
	maxBatch         = 1_000_000
	imagesCacheValue = "public, max-age=60"

	HeaderSyncExpires   = "X-Sync-Expires"
	HeaderSyncSignature = "X-Sync-Signature"
)

// Catalogue is the read side the API serves from.
type Catalogue interface {
	ListImages(ctx context.Context, offset, limit int) ([]model.Entry, int, error)
	LoadMeta(ctx context.Context) (model.SyncMeta, error)
	Ping(ctx context.Context) error
}

// ChunkRunner executes one scheduler step.
type ChunkRunner interface {
	RunChunk(ctx context.Context, chunk int) (scheduler.Result, error)
}

// Server exposes the gallery read endpoint and the sync trigger.
type Server struct {
	addr      string
	cfg       config.APIConfig
	catalogue Catalogue
	runner    ChunkRunner
	signer    *signing.Signer
	validate  *validator.Validate
	now       func() time.Time
	server    *http.Server
	once      sync.Once
}

// New constructs a Server.
func New(addr string, cfg config.APIConfig, catalogue Catalogue, runner ChunkRunner) *Server {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Server{
		addr:      addr,
		cfg:       cfg,
		catalogue: catalogue,
		runner:    runner,
		signer:    signing.NewSigner([]byte(cfg.TriggerSecret)),
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", HeaderSyncExpires, HeaderSyncSignature},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Get("/images", s.handleImages)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.addr,
			Handler:           s.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	logging.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogue.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type imagesResponse struct {
	Images    []model.Entry  `json:"images"`
	Meta      model.SyncMeta `json:"meta"`
	Batch     int            `json:"batch"`
	Size      int            `json:"size"`
	Total     int            `json:"total"`
	HasMore   bool           `json:"hasMore"`
	NextBatch *int           `json:"nextBatch"`
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	batch, err := intParam(r, "batch", 0)
	if err != nil || batch < 0 || batch > maxBatch {
		respondError(w, http.StatusBadRequest, "batch must be between 0 and "+strconv.Itoa(maxBatch))
		return
	}
	size, err := intParam(r, "size", s.cfg.PageSize)
	if err != nil || size < 1 || size > maxPageSize {
		respondError(w, http.StatusBadRequest, "size must be between 1 and "+strconv.Itoa(maxPageSize))
		return
	}

	images, total, err := s.catalogue.ListImages(r.Context(), batch*size, size)
	if err != nil {
		logging.Error().Err(err).Msg("list images failed")
		respondError(w, http.StatusInternalServerError, "failed to load images")
		return
	}
	// A failed meta read still serves the images.
	meta, err := s.catalogue.LoadMeta(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("load sync meta failed, serving images without it")
		meta = model.SyncMeta{}
	}
	resp := imagesResponse{
		Images: images,
		Meta:   meta,
		Batch:  batch,
		Size:   size,
		Total:  total,
	}
	if resp.Images == nil {
		resp.Images = []model.Entry{}
	}
	if (batch+1)*size < total {
		next := batch + 1
		resp.HasMore = true
		resp.NextBatch = &next
	}
	w.Header().Set("Cache-Control", imagesCacheValue)
	respondJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	Chunk *int `json:"chunk" validate:"required,gte=0"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Chunk == nil {
		zero := 0
		req.Chunk = &zero
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "chunk must be a non-negative integer")
		return
	}
	chunk := *req.Chunk

	if s.signer.Enabled() {
		expires := r.Header.Get(HeaderSyncExpires)
		signature := r.Header.Get(HeaderSyncSignature)
		if !s.signer.Validate(chunk, expires, signature, s.now(), s.cfg.SignatureTTL) {
			respondError(w, http.StatusUnauthorized, "invalid or expired signature")
			return
		}
	}

	res, err := s.runner.RunChunk(r.Context(), chunk)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, scheduler.ErrInvalidChunk) {
			status = http.StatusBadRequest
		}
		logging.Error().Err(err).Int("chunk", chunk).Msg("sync chunk failed")
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("encode response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
