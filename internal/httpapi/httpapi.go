// Package httpapi serves the JSON and websocket API of sonicared.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/entry"
	"github.com/trymwestin/sonicare/internal/core/state"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// EntryManager is the part of the entry manager the API drives.
type EntryManager interface {
	Entries() []entry.Info
	Get(id string) (entry.Info, error)
	UpdateEntry(ctx context.Context, id string, fn func(*entry.Entry)) (entry.Entry, error)
	Reload(ctx context.Context, id string) error
}

// DeviceSource lists advertisements seen by the scanner.
type DeviceSource interface {
	Devices() []bluetooth.ServiceInfo
}

// Server is the HTTP API server.
type Server struct {
	entries EntryManager
	devices DeviceSource
	store   state.StateReader
	bus     *state.EventBus
	version string
	corsAll bool
	started time.Time
	log     *slog.Logger
	mux     *http.ServeMux
	quit    chan struct{}
	once    sync.Once
}

// NewServer creates a new HTTP API server.
func NewServer(
	entries EntryManager,
	devices DeviceSource,
	store state.StateReader,
	bus *state.EventBus,
	version string,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		entries: entries,
		devices: devices,
		store:   store,
		bus:     bus,
		version: version,
		corsAll: corsAll,
		started: time.Now(),
		log:     log,
		mux:     http.NewServeMux(),
		quit:    make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// Close ends open websocket streams. http.Server.Shutdown does not track
// hijacked connections.
func (s *Server) Close() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/entries", s.handleListEntries)
	s.mux.HandleFunc("GET /api/entries/{id}", s.handleGetEntry)
	s.mux.HandleFunc("PUT /api/entries/{id}", s.handleUpdateEntry)
	s.mux.HandleFunc("POST /api/entries/{id}/reload", s.handleReloadEntry)
	s.mux.HandleFunc("GET /api/entities", s.handleListEntities)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEntryError maps entry errors to status codes.
func (s *Server) writeEntryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, entry.ErrNotReady):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, entry.ErrDisabled):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
	Entries  int       `json:"entries"`
	Loaded   int       `json:"loaded"`
	Entities int       `json:"entities"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	infos := s.entries.Entries()
	loaded := 0
	for _, info := range infos {
		if info.Status == entry.StatusLoaded {
			loaded++
		}
	}
	s.writeJSON(w, statusResponse{
		Version:  s.version,
		Started:  s.started,
		Entries:  len(infos),
		Loaded:   loaded,
		Entities: len(s.store.Snapshot()),
	})
}

type entryResponse struct {
	entry.Entry
	PollInterval string `json:"poll_interval,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

func toEntryResponse(info entry.Info) entryResponse {
	resp := entryResponse{Entry: info.Entry, Status: string(info.Status), Reason: info.Reason}
	if info.PollInterval > 0 {
		resp.PollInterval = info.PollInterval.String()
	}
	return resp
}

func (s *Server) handleListEntries(w http.ResponseWriter, _ *http.Request) {
	infos := s.entries.Entries()
	out := make([]entryResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, toEntryResponse(info))
	}
	s.writeJSON(w, map[string]interface{}{"entries": out})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	info, err := s.entries.Get(r.PathValue("id"))
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	s.writeJSON(w, toEntryResponse(info))
}

type updateEntryBody struct {
	Title        *string `json:"title"`
	PollInterval *string `json:"poll_interval"`
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var body updateEntryBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Title != nil && *body.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	var poll time.Duration
	if body.PollInterval != nil {
		d, err := time.ParseDuration(*body.PollInterval)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid poll_interval")
			return
		}
		poll = d
	}

	id := r.PathValue("id")
	_, err := s.entries.UpdateEntry(r.Context(), id, func(e *entry.Entry) {
		if body.Title != nil {
			e.Title = *body.Title
		}
		if body.PollInterval != nil {
			e.PollInterval = poll
		}
	})
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	info, err := s.entries.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	s.writeJSON(w, toEntryResponse(info))
}

func (s *Server) handleReloadEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.entries.Reload(r.Context(), id); err != nil {
		s.writeEntryError(w, err)
		return
	}
	info, err := s.entries.Get(id)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	s.writeJSON(w, toEntryResponse(info))
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entryID := r.URL.Query().Get("entry_id")
	snap := s.store.Snapshot()
	out := make([]state.Entity, 0, len(snap))
	for _, e := range snap {
		if entryID != "" && e.Info.EntryID != entryID {
			continue
		}
		out = append(out, e)
	}
	s.writeJSON(w, map[string]interface{}{"entities": out})
}

type deviceResponse struct {
	Address    string    `json:"address"`
	Name       string    `json:"name,omitempty"`
	RSSI       int16     `json:"rssi"`
	LastSeen   time.Time `json:"last_seen"`
	Supported  bool      `json:"supported"`
	Configured bool      `json:"configured"`
}

// handleListDevices lists nearby Sonicare handles so they can be added as
// entries. ?all=true includes every advertising device.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	configured := make(map[string]bool)
	for _, info := range s.entries.Entries() {
		configured[bluetooth.NormalizeAddress(info.Address)] = true
	}

	out := make([]deviceResponse, 0)
	if s.devices != nil {
		for _, info := range s.devices.Devices() {
			supported := toothbrush.Supported(info)
			if !supported && !all {
				continue
			}
			out = append(out, deviceResponse{
				Address:    info.Address,
				Name:       info.Name,
				RSSI:       info.RSSI,
				LastSeen:   info.Time,
				Supported:  supported,
				Configured: configured[info.Address],
			})
		}
	}
	slices.SortFunc(out, func(a, b deviceResponse) int { return strings.Compare(a.Address, b.Address) })
	s.writeJSON(w, map[string]interface{}{"devices": out})
}
