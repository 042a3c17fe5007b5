package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// StartUpstream serves handler on a local listener and returns its base URL.
func StartUpstream(t testing.TB, handler http.Handler) (string, func()) {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server.URL, server.Close
}
