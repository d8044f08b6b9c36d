package util

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingRoundTripper(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// the logger must not have consumed the body
		if string(body) != "ping" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(ts.Close)

	var logged bytes.Buffer
	client := http.Client{Transport: LoggingRoundTripper{
		Next:   http.DefaultTransport,
		Logger: slog.New(slog.NewTextHandler(&logged, nil)),
	}}

	resp, err := client.Post(ts.URL, "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.Contains(t, logged.String(), "ping")
	assert.Contains(t, logged.String(), "200")
}
