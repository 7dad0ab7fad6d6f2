// Package http serves the engine's admin surface: table lifecycle, writes,
// reads, and the debug endpoints operators use to force flushes and
// compactions. The routes mirror the engine-level calls one to one; query
// planning and client protocols live upstream.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"strata/internal/config"
	"strata/pkg/batch"
	"strata/pkg/codec"
	"strata/pkg/dberrors"
	"strata/pkg/engine"
	"strata/pkg/types"
)

const contentTypeJSON = "application/json"

// Server exposes one engine over HTTP.
type Server struct {
	eng        *engine.Engine
	log        *zap.Logger
	httpServer *http.Server
	addr       string
	stopWait   time.Duration
}

func NewServer(eng *engine.Engine, cfg config.ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		eng:      eng,
		log:      log.Named("http"),
		addr:     cfg.Addr,
		stopWait: cfg.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() error {
	s.httpServer.Handler = s.createRouter()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
	s.log.Info("http server started", zap.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests up to the shutdown timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopWait)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.eng.Metrics().Handler())

	r.Route("/tables", func(r chi.Router) {
		r.Get("/", s.handleListTables)
		r.Put("/{table}", s.handleCreateTable)
		r.Delete("/{table}", s.handleDropTable)
		r.Post("/{table}/write", s.handleWrite)
		r.Post("/{table}/scan", s.handleScan)
		r.Get("/{table}/rows/{series}", s.handleGetRow)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/tables/{table}/flush", s.handleFlush)
		r.Post("/tables/{table}/compact", s.handleCompact)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrTableNotFound), errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrTableExists):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, dberrors.ErrTableDropped):
		return http.StatusGone
	case errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (*engine.Table, bool) {
	t, err := s.eng.Table(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, TablesResponse{Status: StatusSuccess, Tables: s.eng.Tables()})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	if _, err := s.eng.CreateTable(r.Context(), chi.URLParam(r, "table")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}

func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DropTable(r.Context(), chi.URLParam(r, "table")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed write body: "+err.Error()))
		return
	}
	if len(req.Rows) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("write carries no rows"))
		return
	}

	b := batch.New()
	for _, row := range req.Rows {
		if row.Series == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("row without series"))
			return
		}
		if row.Delete {
			b.Delete([]byte(row.Series), types.TimestampMs(row.Timestamp))
		} else {
			b.Put([]byte(row.Series), types.TimestampMs(row.Timestamp), []byte(row.Value))
		}
	}
	if err := t.Write(r.Context(), b); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed scan body: "+err.Error()))
		return
	}

	opts := engine.ScanOptions{
		Snapshot: types.Seq(req.Snapshot),
		Limit:    req.Limit,
	}
	from, to := timeBounds(req.From, req.To)
	if req.Series != "" {
		opts.Range = codec.TimeRange([]byte(req.Series), from, to)
	}
	if req.From != nil || req.To != nil {
		// Also prune data blocks by their timestamp span.
		opts.Bounds = &types.TimeRange{Min: from, Max: to}
	}

	rows, err := t.Scan(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]RowJSON, 0, len(rows))
	for _, row := range rows {
		rj, err := rowJSON(row)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, rj)
	}
	s.writeJSON(w, http.StatusOK, ScanResponse{Status: StatusSuccess, Rows: out, Count: len(out)})
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	series := chi.URLParam(r, "series")
	ts, err := strconv.ParseInt(r.URL.Query().Get("ts"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("ts query parameter must be an integer timestamp"))
		return
	}
	var snap types.Seq
	if raw := r.URL.Query().Get("snapshot"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("snapshot query parameter must be an unsigned integer"))
			return
		}
		snap = types.Seq(v)
	}

	key := codec.EncodeRowKey(nil, []byte(series), types.TimestampMs(ts))
	row, found, err := t.Get(r.Context(), key, snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("row not found"))
		return
	}
	rj, err := rowJSON(row)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RowResponse{Status: StatusSuccess, Row: rj})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	if err := t.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	if err := t.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	names := s.eng.Tables()
	stats := make([]engine.TableStats, 0, len(names))
	for _, name := range names {
		t, err := s.eng.Table(name)
		if err != nil {
			continue // dropped between listing and lookup
		}
		stats = append(stats, t.Stats())
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Status: StatusSuccess, Tables: stats})
}

// timeBounds widens absent bounds to the whole timestamp domain.
func timeBounds(from, to *int64) (types.TimestampMs, types.TimestampMs) {
	lo := types.TimestampMs(-1 << 63)
	hi := types.TimestampMs(1<<63 - 1)
	if from != nil {
		lo = types.TimestampMs(*from)
	}
	if to != nil {
		hi = types.TimestampMs(*to)
	}
	return lo, hi
}
