// Package health exposes session liveness as an HTTP readiness check.
package health

import (
	"net/http"

	"github.com/clambin/lightstream/lightstreamer"
)

// Handler reports 200 while the session's stream is live (a stalled session
// still counts: it may recover without losing data) and 503 otherwise.
func Handler(session *lightstreamer.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch session.State() {
		case lightstreamer.Connected, lightstreamer.Stalled:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
