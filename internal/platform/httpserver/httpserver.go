package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for the orchestrator. Long
// read/write timeouts are deliberate: the poll endpoint can hold a request for
// the full confirmation window.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
