package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bootflux/bootflux/internal/events"
	"github.com/bootflux/bootflux/internal/store"
	"github.com/bootflux/bootflux/internal/streams"
	"github.com/bootflux/bootflux/pkg/artifact"
)

// Boot firmware never talks to the admin surface; the event feed is for
// operator tooling on the provisioning network, so origins are not checked.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// maxStreamDocBytes bounds how much of a stream metadata document the admin
// endpoint will parse.
const maxStreamDocBytes = 8 << 20

// Admin serves the non-artifact endpoints: health, the websocket event
// feed, stream-metadata extraction, and the artifact index.
type Admin struct {
	store    *store.Store
	hub      *events.Hub
	sessions func() int // live TFTP session count
	logger   *slog.Logger
}

// NewAdmin creates the admin surface. sessions may be nil when TFTP is
// disabled.
func NewAdmin(st *store.Store, hub *events.Hub, sessions func() int, logger *slog.Logger) *Admin {
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: st, hub: hub, sessions: sessions, logger: logger}
}

// NewMux assembles the full HTTP surface: admin endpoints plus the artifact
// namespace at the root.
func NewMux(h *Handler, a *Admin) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/events", a.handleEvents)
	mux.HandleFunc("/admin/streams", a.handleStreams)
	mux.HandleFunc("/admin/artifacts", a.handleArtifacts)
	mux.Handle("/", h)
	return mux
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":            true,
		"tftp_sessions": a.sessions(),
		"subscribers":   a.hub.SubscriberCount(),
	})
}

// handleEvents upgrades the connection and relays transfer events until the
// subscriber disconnects.
func (a *Admin) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, remove := a.hub.Subscribe()
	defer remove()

	// Reader goroutine: only to detect the peer going away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				remove()
				conn.Close()
				return
			}
		}
	}()

	a.logger.Info("event subscriber connected", "client", r.RemoteAddr)
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug("event write failed", "client", r.RemoteAddr, "error", err)
			}
			return
		}
	}
}

// handleStreams resolves a JSON stream-metadata artifact and returns its
// normalized boot locations.
func (a *Admin) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		sendJSONError(w, http.StatusBadRequest, "missing name")
		return
	}

	art, err := a.store.Resolve(name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "stream document not found")
		return
	case errors.Is(err, store.ErrForbidden):
		sendJSONError(w, http.StatusForbidden, "forbidden")
		return
	case err != nil:
		sendJSONError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	rc, err := a.store.OpenRange(art, 0, -1)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "open failed")
		return
	}
	defer rc.Close()

	loc, err := streams.Decode(io.LimitReader(rc, maxStreamDocBytes))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "not a stream document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loc)
}

func (a *Admin) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	idx, err := artifact.Scan(a.store.Root())
	if err != nil {
		a.logger.Error("artifact scan failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(idx)
}

func sendJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
