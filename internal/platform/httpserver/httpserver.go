// Package httpserver builds the protocol's API server.
package httpserver

import (
	"net/http"
	"time"
)

// New builds the server with defaults sized for this API. The write timeout
// is generous because a release request can wait on a custody transfer with
// retries before responding.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
