package httpd

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bootflux/bootflux/internal/events"
	"github.com/bootflux/bootflux/internal/store"
	"github.com/bootflux/bootflux/pkg/artifact"
)

func newTestAdmin(t *testing.T) (*Admin, *events.Hub) {
	t.Helper()
	root := t.TempDir()
	doc := `{"pxe":{"format":"ipxe"},"disk":{"location":"images/disk.img"}}`
	if err := os.WriteFile(filepath.Join(root, "stream.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "vmlinuz"), []byte("kernel"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(root)
	if err != nil {
		t.Fatal(err)
	}
	hub := events.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdmin(st, hub, func() int { return 3 }, logger), hub
}

func TestAdmin_Health(t *testing.T) {
	a, _ := newTestAdmin(t)

	rr := httptest.NewRecorder()
	a.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		OK           bool `json:"ok"`
		TFTPSessions int  `json:"tftp_sessions"`
		Subscribers  int  `json:"subscribers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || body.TFTPSessions != 3 || body.Subscribers != 0 {
		t.Errorf("health body = %+v", body)
	}

	rr = httptest.NewRecorder()
	a.handleHealth(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("post status = %d, want 405", rr.Code)
	}
}

func TestAdmin_Streams(t *testing.T) {
	a, _ := newTestAdmin(t)

	rr := httptest.NewRecorder()
	a.handleStreams(rr, httptest.NewRequest(http.MethodGet, "/admin/streams?name=stream.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body)
	}
	var body struct {
		PXEFormat    string `json:"pxe_format"`
		DiskLocation string `json:"disk_location"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.PXEFormat != "ipxe" || body.DiskLocation != "images/disk.img" {
		t.Errorf("streams body = %+v", body)
	}
}

func TestAdmin_StreamsErrors(t *testing.T) {
	a, _ := newTestAdmin(t)

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"missing name", "/admin/streams", http.StatusBadRequest},
		{"unknown document", "/admin/streams?name=nope.json", http.StatusNotFound},
		{"traversal", "/admin/streams?name=../secret", http.StatusForbidden},
		{"not json", "/admin/streams?name=vmlinuz", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			a.handleStreams(rr, httptest.NewRequest(http.MethodGet, tc.target, nil))
			if rr.Code != tc.status {
				t.Errorf("status = %d, want %d", rr.Code, tc.status)
			}
		})
	}
}

func TestAdmin_Artifacts(t *testing.T) {
	a, _ := newTestAdmin(t)

	rr := httptest.NewRecorder()
	a.handleArtifacts(rr, httptest.NewRequest(http.MethodGet, "/admin/artifacts", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var idx artifact.Index
	if err := json.NewDecoder(rr.Body).Decode(&idx); err != nil {
		t.Fatal(err)
	}
	if idx.FileCount != 2 {
		t.Errorf("file count = %d, want 2", idx.FileCount)
	}
	var paths []string
	for _, e := range idx.Entries {
		paths = append(paths, e.Path)
	}
	if strings.Join(paths, ",") != "stream.json,vmlinuz" {
		t.Errorf("entries = %v", paths)
	}
}

func TestAdmin_EventsFeed(t *testing.T) {
	a, hub := newTestAdmin(t)
	srv := httptest.NewServer(http.HandlerFunc(a.handleEvents))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Subscription happens inside the handler; wait for it to register.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(events.Event{
		Type:     events.TypeTransferCompleted,
		Protocol: "tftp",
		Client:   "192.0.2.1:2000",
		Path:     "vmlinuz",
		Bytes:    6,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Type != events.TypeTransferCompleted || ev.Path != "vmlinuz" || ev.Bytes != 6 {
		t.Errorf("event = %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewMux_Routing(t *testing.T) {
	a, _ := newTestAdmin(t)
	h := NewHandler(a.store, a.hub, a.logger)
	mux := NewMux(h, a)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/vmlinuz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "kernel" {
		t.Errorf("artifact status = %d body = %q", rr.Code, rr.Body)
	}
}
