// Package httpd serves the artifact namespace over HTTP: GET/HEAD with
// conditional and single-range support, plus the admin surface (health,
// event feed, stream metadata, artifact index).
package httpd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bootflux/bootflux/internal/events"
	"github.com/bootflux/bootflux/internal/store"
)

// Handler serves boot artifacts from the store. It shares the artifact
// namespace with the TFTP engine; a path that resolves for one protocol
// resolves identically for the other.
type Handler struct {
	store  *store.Store
	hub    *events.Hub
	logger *slog.Logger
}

// NewHandler creates the artifact handler.
func NewHandler(st *store.Store, hub *events.Hub, logger *slog.Logger) *Handler {
	if hub == nil {
		hub = events.NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, hub: hub, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	art, err := h.store.Resolve(r.URL.Path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
		return
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case err != nil:
		h.logger.Error("resolve failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	etag := fmt.Sprintf(`"%x-%x"`, art.ModTime.UnixNano(), art.Size)
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Last-Modified", art.ModTime.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")

	if notModified(r, etag, art.ModTime) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	offset, length, status, ok := evalRange(r.Header.Get("Range"), art.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", art.Size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, art.Size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	rc, err := h.store.OpenRange(art, offset, length)
	if err != nil {
		// Headers are out; abort instead of signaling success with no body.
		h.logger.Error("open failed", "path", art.LogicalPath, "error", err)
		panic(http.ErrAbortHandler)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		h.logger.Error("stream aborted", "path", art.LogicalPath, "bytes", n, "error", err)
		panic(http.ErrAbortHandler)
	}

	h.logger.Info("served",
		"client", r.RemoteAddr,
		"method", r.Method,
		"path", art.LogicalPath,
		"status", status,
		"bytes", n,
	)
	h.hub.Publish(events.Event{
		Type:     events.TypeRequestServed,
		Protocol: "http",
		Client:   r.RemoteAddr,
		Path:     art.LogicalPath,
		Bytes:    n,
	})
}

// notModified evaluates If-None-Match and If-Modified-Since against the
// artifact's validators. If-None-Match wins when both are present.
func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == etag || candidate == "*" {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !modTime.Truncate(time.Second).After(t) {
			return true
		}
	}
	return false
}

// evalRange interprets a Range header for a body of the given size.
// Returns the span to serve and the response status. ok=false means the
// range was syntactically valid but unsatisfiable (416). Multi-range
// requests and malformed headers fall back to the full body.
func evalRange(header string, size int64) (offset, length int64, status int, ok bool) {
	full := func() (int64, int64, int, bool) {
		return 0, size, http.StatusOK, true
	}

	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return full()
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		// Single range only; multipart responses are not worth their
		// weight for boot loaders.
		return full()
	}
	dash := strings.Index(spec, "-")
	if dash < 0 {
		return full()
	}
	startRaw, endRaw := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])

	if startRaw == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil {
			return full()
		}
		if n <= 0 {
			return 0, 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, n, http.StatusPartialContent, true
	}

	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return full()
	}
	if start >= size {
		return 0, 0, 0, false
	}
	end := size - 1
	if endRaw != "" {
		e, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || e < start {
			return full()
		}
		if e < end {
			end = e
		}
	}
	return start, end - start + 1, http.StatusPartialContent, true
}
