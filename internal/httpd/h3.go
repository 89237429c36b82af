package httpd

import (
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// NewH3Server builds the optional HTTP/3 listener over the same handler and
// TLS material as the HTTPS listener. PXE/iPXE firmware cannot speak QUIC;
// this serves later-stage fetchers and mirror tooling on the provisioning
// network.
func NewH3Server(addr string, tlsConf *tls.Config, handler http.Handler) *http3.Server {
	return &http3.Server{
		Addr:      addr,
		TLSConfig: http3.ConfigureTLSConfig(tlsConf.Clone()),
		Handler:   handler,
	}
}
