package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bootflux/bootflux/internal/config"
)

func startTestServer(t *testing.T, mutate func(*config.ServerConfig)) *Server {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "vmlinuz"), []byte("kernel bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.ServerConfig{
		RootDir:      root,
		HTTPAddr:     "127.0.0.1:0",
		TFTPAddr:     "127.0.0.1:0",
		EnableTFTP:   true,
		MaxBlockSize: config.DefaultMaxBlockSize,
		MaxSessions:  config.DefaultMaxSessions,
		Timeout:      config.DefaultTimeout,
		Retries:      config.DefaultRetries,
		IdleTimeout:  config.DefaultIdleTimeout,
		Grace:        config.DefaultGrace,
		LogLevel:     "info",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return srv
}

func TestServer_ServesArtifactsOverHTTP(t *testing.T) {
	srv := startTestServer(t, nil)
	base := "http://" + srv.HTTPAddr().String()

	resp, err := http.Get(base + "/vmlinuz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "kernel bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_Health(t *testing.T) {
	srv := startTestServer(t, nil)
	base := "http://" + srv.HTTPAddr().String()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.OK {
		t.Error("health endpoint reported not ok")
	}
}

func TestServer_ServesArtifactsOverTFTP(t *testing.T) {
	srv := startTestServer(t, nil)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	rrq := append([]byte{0x00, 0x01}, "vmlinuz\x00octet\x00"...)
	if _, err := conn.WriteToUDP(rrq, srv.TFTPAddr()); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, tid, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if op := binary.BigEndian.Uint16(buf[:2]); op != 3 {
		t.Fatalf("opcode = %d, want DATA", op)
	}
	if got := string(buf[4:n]); got != "kernel bytes" {
		t.Errorf("payload = %q", got)
	}
	if _, err := conn.WriteToUDP([]byte{0x00, 0x04, 0x00, 0x01}, tid); err != nil {
		t.Fatal(err)
	}
}

func TestServer_TFTPDisabled(t *testing.T) {
	srv := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.EnableTFTP = false
	})
	if srv.TFTPAddr() != nil {
		t.Error("tftp address reported while disabled")
	}

	// The HTTP side still serves, and health reports zero sessions.
	resp, err := http.Get("http://" + srv.HTTPAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		TFTPSessions int `json:"tftp_sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.TFTPSessions != 0 {
		t.Errorf("tftp_sessions = %d, want 0", body.TFTPSessions)
	}
}

func TestServer_MissingRoot(t *testing.T) {
	cfg := config.ServerConfig{
		RootDir:  filepath.Join(t.TempDir(), "does-not-exist"),
		HTTPAddr: "127.0.0.1:0",
	}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for a missing artifact root")
	}
}
