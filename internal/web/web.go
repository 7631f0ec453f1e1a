package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/config"
	"calsync/internal/feed"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/query"
	"calsync/internal/reconcile"
	"calsync/internal/resource"
	"calsync/internal/session"
)

const maxRequestBody = 1 << 20

// Refresher pulls the configured feeds into the calendar.
type Refresher interface {
	Refresh(ctx context.Context) (feed.Result, error)
}

// Server exposes the calendar session to browser widgets. Each widget
// attaches once, then polls for commands with the surface id it was given.
// Entry mutations only change the calendar; their commands reach every
// widget through its next poll.
type Server struct {
	cfg       *config.Config
	sess      *session.Session
	refresher Refresher
	resources *resource.Catalog
	loc       *time.Location
	mux       *http.ServeMux
	now       func() time.Time
}

//go:embed all:static
var embeddedStatic embed.FS

type Option func(*Server)

func WithRefresher(r Refresher) Option {
	return func(s *Server) { s.refresher = r }
}

func WithResources(c *resource.Catalog) Option {
	return func(s *Server) { s.resources = c }
}

func NewServer(cfg *config.Config, sess *session.Session, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg,
		sess: sess,
		loc:  cfg.Location(),
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in Basic Auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/attach", s.handleAttach)
	s.mux.HandleFunc("GET /api/commands", s.handleCommands)
	s.mux.HandleFunc("POST /api/detach", s.handleDetach)
	s.mux.HandleFunc("GET /api/entries", s.handleListEntries)
	s.mux.HandleFunc("POST /api/entries", s.handleCreateEntry)
	s.mux.HandleFunc("PATCH /api/entries/{id}", s.handleUpdateEntry)
	s.mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/resources", s.handleResources)
	s.mux.HandleFunc("GET /calendar.ics", s.handleExport)

	s.mux.Handle("GET /", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type commandsResponse struct {
	Surface  string              `json:"surface,omitempty"`
	Commands []reconcile.Command `json:"commands"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) writeCommands(w http.ResponseWriter, surface string, cmds []reconcile.Command, err error) {
	resp := commandsResponse{Surface: surface, Commands: cmds}
	if resp.Commands == nil {
		resp.Commands = []reconcile.Command{}
	}
	if err != nil {
		// Commands that did go out are still delivered.
		appLog.Error("flush failed", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAttach starts a fresh widget: everything is resent from scratch.
func (s *Server) handleAttach(w http.ResponseWriter, _ *http.Request) {
	id, cmds, err := s.sess.Attach()
	appLog.Info("widget attached", "surface", id, "commands", len(cmds), "surfaces", s.sess.Surfaces())
	s.writeCommands(w, id, cmds, err)
}

// handleCommands hands a widget what changed since its last poll.
// An unknown or expired surface gets 410 and has to attach again.
//
// GET /api/commands?surface=<id>
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("surface")
	if id == "" {
		writeError(w, http.StatusBadRequest, "surface is required")
		return
	}
	cmds, err := s.sess.Poll(id)
	if errors.Is(err, session.ErrUnknownSurface) {
		writeError(w, http.StatusGone, "surface not attached")
		return
	}
	s.writeCommands(w, id, cmds, err)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("surface"); id != "" {
		s.sess.Detach(id)
		appLog.Info("widget detached", "surface", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// keyResources carries the resolved catalog entries in listings.
const keyResources = "resources"

type entriesResponse struct {
	Entries []model.Payload `json:"entries"`
}

// handleListEntries returns the stored entries overlapping a window, each
// with its resource ids resolved against the catalog.
//
// GET /api/entries?start=2025-03-01&end=2025-03-08&allday=timed
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := s.parseBound(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := s.parseBound(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	sel, err := query.ParseSelector(q.Get("allday"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := entriesResponse{Entries: []model.Payload{}}
	_ = s.sess.Do(func(cal *calendar.Calendar) error {
		for e := range cal.Fetch(start, end, sel) {
			p := e.SerializeFull()
			if res := cal.Resources(e); len(res) > 0 {
				p[keyResources] = res
			}
			resp.Entries = append(resp.Entries, p)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseBound(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, s.loc)
	if err != nil {
		return nil, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	return &t, nil
}

var errConflict = errors.New("entry already exists")

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	p, ok := readPayload(w, r)
	if !ok {
		return
	}
	e, err := model.FromPayload(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, set := p[model.KeyEditable]; !set {
		e.SetEditable(true)
	}

	var out model.Payload
	err = s.sess.Do(func(cal *calendar.Calendar) error {
		if _, exists := cal.Get(e.ID()); exists {
			return errConflict
		}
		if err := cal.AddEntries(e); err != nil {
			return err
		}
		out = e.SerializeFull()
		return nil
	})
	switch {
	case errors.Is(err, errConflict):
		writeError(w, http.StatusConflict, fmt.Sprintf("entry %q already exists", e.ID()))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	appLog.Info("entry created", "id", e.ID())
	writeJSON(w, http.StatusCreated, out)
}

var errNotFound = errors.New("entry not found")

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := readPayload(w, r)
	if !ok {
		return
	}

	var out model.Payload
	err := s.sess.Do(func(cal *calendar.Calendar) error {
		stored, found := cal.Get(id)
		if !found {
			return errNotFound
		}
		if err := stored.Apply(p); err != nil {
			return err
		}
		out = stored.SerializeFull()
		return cal.UpdateEntries(stored)
	})
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("entry %q not found", id))
	case errors.Is(err, model.ErrInvalidField):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sess.Do(func(cal *calendar.Calendar) error {
		stored, found := cal.Get(id)
		if !found {
			return errNotFound
		}
		return cal.RemoveEntries(stored)
	})
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("entry %q not found", id))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		appLog.Info("entry deleted", "id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

type refreshResponse struct {
	Stats  map[string]calendar.SyncStats `json:"stats"`
	Failed []string                      `json:"failed,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no feeds configured")
		return
	}
	res, err := s.refresher.Refresh(r.Context())
	resp := refreshResponse{Stats: res.Stats, Failed: res.Failed}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResources lists the catalog, or the direct children of one
// resource.
//
// GET /api/resources?parent=<id>
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	var list []resource.Resource
	if parent := r.URL.Query().Get("parent"); parent != "" {
		if _, ok := s.resources.Lookup(parent); !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("resource %q not found", parent))
			return
		}
		list = s.resources.Children(parent)
	} else {
		list = s.resources.All()
	}
	if list == nil {
		list = []resource.Resource{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	var body string
	_ = s.sess.Do(func(cal *calendar.Calendar) error {
		body = ics.Export(cal.Fetch(nil, nil, query.Both), s.now())
		return nil
	})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// staticFileServer serves the embedded widget. Unknown /api paths stay 404
// instead of falling through to HTML.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func readPayload(w http.ResponseWriter, r *http.Request) (model.Payload, bool) {
	var p model.Payload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	if p == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
