package httpd

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

// NewServer builds the HTTP server around a handler with sane timeouts for
// long artifact downloads: header reads are bounded, bodies are not, since
// a slow firmware fetching a disk image is normal operation.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewTLSConfig loads the certificate pair for the HTTPS (and HTTP/3)
// listeners. TLS 1.2 is the floor.
func NewTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
