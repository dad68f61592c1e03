package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"calbridge/internal/bridge"
	"calbridge/internal/config"
	"calbridge/internal/ics"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
)

const maxBodyBytes = 1 << 20

// Server exposes the bridge over HTTP.
type Server struct {
	cfg    *config.Config
	router *bridge.Router
	mux    chi.Router
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, router *bridge.Router) *Server {
	s := &Server{
		cfg:    cfg,
		router: router,
		mux:    chi.NewRouter(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen,
			"basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.mux
	r.Use(requestIDMiddleware, accessLogMiddleware, recoverMiddleware)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuthMiddleware)
		}
		r.Post("/api/channel/{method}", s.handleChannel)
		r.Get("/api/events", s.handleEvents)
		r.Get("/calendar.ics", s.handleCalendar)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calbridge", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleChannel dispatches POST /api/channel/{method}. The body is the
// argument object; an empty body is an empty argument bag.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeBridgeError(w, invalid("read body: "+err.Error()))
		return
	}
	if len(body) > maxBodyBytes {
		writeBridgeError(w, invalid("request body too large"))
		return
	}

	var bag bridge.ArgumentBag
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&bag); err != nil {
			writeBridgeError(w, invalid("malformed JSON body: "+err.Error()))
			return
		}
	}

	writeResponse(w, s.router.Dispatch(r.Context(), method, bag))
}

// handleEvents is a read-only shortcut for queryEvents:
//
//	GET /api/events?start=<ms>&end=<ms>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, s.query(r))
}

// handleCalendar renders the queryEvents result as an iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	resp := s.query(r)
	if !resp.OK() {
		writeResponse(w, resp)
		return
	}
	records, _ := resp.Result.([]model.EventRecord)

	body, err := ics.Export(records, s.now())
	if err != nil {
		appLog.Error("calendar export failed", err)
		writeBridgeError(w, &bridge.Error{Code: bridge.CodeQueryError, Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// query passes the raw start/end parameters through the bridge so they
// are validated exactly like channel arguments.
func (s *Server) query(r *http.Request) bridge.Response {
	q := r.URL.Query()
	bag := bridge.ArgumentBag{}
	if v := q.Get("start"); v != "" {
		bag[bridge.KeyStartMillis] = json.Number(v)
	}
	if v := q.Get("end"); v != "" {
		bag[bridge.KeyEndMillis] = json.Number(v)
	}
	return s.router.Dispatch(r.Context(), bridge.NameQueryEvents, bag)
}

type resultBody struct {
	Result any `json:"result"`
}

type errorBody struct {
	Error *bridge.Error `json:"error"`
}

func writeResponse(w http.ResponseWriter, resp bridge.Response) {
	if !resp.OK() {
		writeBridgeError(w, resp.Err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Result: resp.Result})
}

func writeBridgeError(w http.ResponseWriter, e *bridge.Error) {
	writeJSON(w, statusFor(e.Code), errorBody{Error: e})
}

// statusFor maps bridge error codes onto HTTP status codes.
func statusFor(code bridge.Code) int {
	switch code {
	case bridge.CodeInvalidArguments:
		return http.StatusBadRequest
	case bridge.CodeEventNotFound:
		return http.StatusNotFound
	case bridge.CodePermissionError:
		return http.StatusForbidden
	case bridge.CodeMethodNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func invalid(msg string) *bridge.Error {
	return &bridge.Error{Code: bridge.CodeInvalidArguments, Message: msg}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		appLog.Error("failed to encode JSON response", err)
	}
}

type ctxKey int

const requestIDKey ctxKey = iota

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				appLog.Error("http handler panicked", fmt.Errorf("%v", p),
					"path", r.URL.Path,
					"request_id", requestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
