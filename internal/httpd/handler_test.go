package httpd

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bootflux/bootflux/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, []byte) {
	t.Helper()
	root := t.TempDir()
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(root)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(st, nil, logger), content
}

func doRequest(h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_GetFull(t *testing.T) {
	h, content := newTestHandler(t)

	rr := doRequest(h, http.MethodGet, "/blob.bin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.Bytes(); string(got) != string(content) {
		t.Error("body does not match the artifact")
	}
	if rr.Header().Get("Content-Length") != "1000" {
		t.Errorf("content-length = %q", rr.Header().Get("Content-Length"))
	}
	if rr.Header().Get("Accept-Ranges") != "bytes" {
		t.Errorf("accept-ranges = %q", rr.Header().Get("Accept-Ranges"))
	}
	if rr.Header().Get("ETag") == "" {
		t.Error("missing etag")
	}
	if rr.Header().Get("Last-Modified") == "" {
		t.Error("missing last-modified")
	}
}

func TestHandler_Head(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := doRequest(h, http.MethodHead, "/blob.bin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("head response carried %d body bytes", rr.Body.Len())
	}
	if rr.Header().Get("Content-Length") != "1000" {
		t.Errorf("content-length = %q", rr.Header().Get("Content-Length"))
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := doRequest(h, http.MethodPost, "/blob.bin", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if rr.Header().Get("Allow") != "GET, HEAD" {
		t.Errorf("allow = %q", rr.Header().Get("Allow"))
	}
}

func TestHandler_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	if rr := doRequest(h, http.MethodGet, "/missing.bin", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandler_TraversalForbidden(t *testing.T) {
	h, _ := newTestHandler(t)
	if rr := doRequest(h, http.MethodGet, "/../secret", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestHandler_Range(t *testing.T) {
	h, content := newTestHandler(t)

	cases := []struct {
		name         string
		header       string
		status       int
		body         []byte
		contentRange string
	}{
		{"middle span", "bytes=100-199", http.StatusPartialContent, content[100:200], "bytes 100-199/1000"},
		{"open ended", "bytes=900-", http.StatusPartialContent, content[900:], "bytes 900-999/1000"},
		{"suffix", "bytes=-100", http.StatusPartialContent, content[900:], "bytes 900-999/1000"},
		{"suffix larger than body", "bytes=-5000", http.StatusPartialContent, content, "bytes 0-999/1000"},
		{"end clamped", "bytes=990-5000", http.StatusPartialContent, content[990:], "bytes 990-999/1000"},
		{"start past end", "bytes=2000-", http.StatusRequestedRangeNotSatisfiable, nil, "bytes */1000"},
		{"zero suffix", "bytes=-0", http.StatusRequestedRangeNotSatisfiable, nil, "bytes */1000"},
		{"multi range falls back", "bytes=0-99,200-299", http.StatusOK, content, ""},
		{"malformed falls back", "bytes=abc", http.StatusOK, content, ""},
		{"non bytes unit", "chunks=0-99", http.StatusOK, content, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"Range": tc.header})
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if got := rr.Header().Get("Content-Range"); got != tc.contentRange {
				t.Errorf("content-range = %q, want %q", got, tc.contentRange)
			}
			if tc.body != nil {
				if got := rr.Body.Bytes(); string(got) != string(tc.body) {
					t.Errorf("body = %d bytes, want %d and matching content", len(got), len(tc.body))
				}
				if cl := rr.Header().Get("Content-Length"); cl != fmt.Sprint(len(tc.body)) {
					t.Errorf("content-length = %q, want %d", cl, len(tc.body))
				}
			}
		})
	}
}

func TestHandler_Conditional(t *testing.T) {
	h, _ := newTestHandler(t)

	first := doRequest(h, http.MethodGet, "/blob.bin", nil)
	etag := first.Header().Get("ETag")
	lastMod := first.Header().Get("Last-Modified")

	rr := doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-None-Match": etag})
	if rr.Code != http.StatusNotModified {
		t.Errorf("matching etag: status = %d, want 304", rr.Code)
	}
	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-None-Match": `"stale", ` + etag})
	if rr.Code != http.StatusNotModified {
		t.Errorf("etag in list: status = %d, want 304", rr.Code)
	}
	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-None-Match": "*"})
	if rr.Code != http.StatusNotModified {
		t.Errorf("wildcard: status = %d, want 304", rr.Code)
	}
	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-None-Match": `"stale"`})
	if rr.Code != http.StatusOK {
		t.Errorf("stale etag: status = %d, want 200", rr.Code)
	}

	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-Modified-Since": lastMod})
	if rr.Code != http.StatusNotModified {
		t.Errorf("unmodified since: status = %d, want 304", rr.Code)
	}
	old := time.Now().Add(-24 * time.Hour).UTC().Format(http.TimeFormat)
	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{"If-Modified-Since": old})
	if rr.Code != http.StatusOK {
		t.Errorf("modified since: status = %d, want 200", rr.Code)
	}

	// If-None-Match takes precedence over If-Modified-Since.
	rr = doRequest(h, http.MethodGet, "/blob.bin", map[string]string{
		"If-None-Match":     `"stale"`,
		"If-Modified-Since": lastMod,
	})
	if rr.Code != http.StatusOK {
		t.Errorf("precedence: status = %d, want 200", rr.Code)
	}
}

func TestEvalRange(t *testing.T) {
	offset, length, status, ok := evalRange("", 100)
	if !ok || offset != 0 || length != 100 || status != http.StatusOK {
		t.Errorf("empty header: %d/%d/%d/%v", offset, length, status, ok)
	}
	offset, length, status, ok = evalRange("bytes=10-19", 100)
	if !ok || offset != 10 || length != 10 || status != http.StatusPartialContent {
		t.Errorf("span: %d/%d/%d/%v", offset, length, status, ok)
	}
	if _, _, _, ok := evalRange("bytes=100-", 100); ok {
		t.Error("start at size should be unsatisfiable")
	}
	if _, _, _, ok := evalRange("bytes=5-2", 100); !ok {
		t.Error("inverted span should fall back to the full body")
	}
}
