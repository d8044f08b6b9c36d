// Package util holds debugging helpers for HTTP traffic.
package util

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

// DumpRequest logs a request including its body, leaving the body readable.
func DumpRequest(l *slog.Logger, req *http.Request) {
	var body bytes.Buffer
	tee := io.TeeReader(req.Body, &body)
	payload, _ := io.ReadAll(tee)
	req.Body = io.NopCloser(&body)
	l.Info("request", "url", req.URL.String(), "headers", req.Header, "body", string(payload))
}

// DumpResponse logs a response's status and headers. The body is left alone:
// it may be a live stream.
func DumpResponse(l *slog.Logger, resp *http.Response) {
	if resp == nil {
		return
	}
	l.Info("response", "status", resp.Status, "headers", resp.Header)
}

var _ http.RoundTripper = &LoggingRoundTripper{}

// LoggingRoundTripper logs every exchange passing through it.
type LoggingRoundTripper struct {
	Next   http.RoundTripper
	Logger *slog.Logger
}

func (l LoggingRoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	DumpRequest(l.Logger, request)
	resp, err := l.Next.RoundTrip(request)
	DumpResponse(l.Logger, resp)
	return resp, err
}
