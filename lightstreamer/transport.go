package lightstreamer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
)

// TransportKind selects how the engine talks to the server.
type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

const (
	lsProtocol    = "TLCP-2.1.0"
	wsSubprotocol = lsProtocol + ".lightstreamer.com"

	endpointCreateSession = "create_session.txt"
	endpointBindSession   = "bind_session.txt"
	endpointControl       = "control.txt"
	endpointMessage       = "msg.txt"
)

// Transport moves protocol lines between the engine and the server. The
// engine assumes nothing about the framing beyond an ordered sequence of
// lines: OpenStream yields the streaming connection, SendControl submits a
// control request. Control acknowledgments either come back directly (HTTP)
// or arrive on the stream (WebSocket), in which case SendControl returns no
// frames.
type Transport interface {
	OpenStream(ctx context.Context, endpoint string, form url.Values) (io.ReadCloser, error)
	SendControl(ctx context.Context, endpoint string, form url.Values) ([]protocol.Frame, error)
	Close() error
}

// httpTransport implements Transport over plain HTTP: the stream is a
// long-lived chunked response, control requests go over side POST requests.
type httpTransport struct {
	client *http.Client
	logger *slog.Logger
	base   string

	mu      sync.Mutex
	cookies []string
}

func newHTTPTransport(base string, client *http.Client, cookies []string, logger *slog.Logger) *httpTransport {
	return &httpTransport{
		base:    base,
		client:  client,
		cookies: cookies,
		logger:  logger,
	}
}

func (t *httpTransport) OpenStream(ctx context.Context, endpoint string, form url.Values) (io.ReadCloser, error) {
	resp, err := t.post(ctx, endpoint, form)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		err = lsError(resp)
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (t *httpTransport) SendControl(ctx context.Context, endpoint string, form url.Values) ([]protocol.Frame, error) {
	resp, err := t.post(ctx, endpoint, form)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, lsError(resp)
	}
	var frames []protocol.Frame
	lines := bufio.NewScanner(resp.Body)
	for lines.Scan() {
		line := lines.Text()
		if line == "" {
			continue
		}
		frame, err := protocol.ParseControlResponse(line)
		if err != nil {
			return nil, fmt.Errorf("invalid control response: %w", err)
		}
		frames = append(frames, frame)
	}
	if err := lines.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	return frames, nil
}

func (t *httpTransport) Close() error {
	// stream bodies are closed by their readers
	return nil
}

func (t *httpTransport) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	args := make(url.Values)
	args.Set("LS_protocol", lsProtocol)
	reqURL := t.base + "/" + endpoint + "?" + args.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookies := t.cookieHeader(); cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	t.storeCookies(resp.Header.Values("Set-Cookie"))
	return resp, nil
}

// Cookies are treated as opaque strings: whatever the server set is echoed
// back verbatim on subsequent requests.
func (t *httpTransport) cookieHeader() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.cookies, "; ")
}

func (t *httpTransport) storeCookies(setCookies []string) {
	if len(setCookies) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = mergeCookies(t.cookies, setCookies)
}

// mergeCookies folds Set-Cookie values into the stored list. A cookie the
// server refreshes replaces the stored one of the same name instead of piling
// up next to it.
func mergeCookies(cookies []string, setCookies []string) []string {
	for _, c := range setCookies {
		cookie, _, _ := strings.Cut(c, ";")
		if cookie == "" {
			continue
		}
		name, _, _ := strings.Cut(cookie, "=")
		stored := false
		for i, existing := range cookies {
			if existingName, _, _ := strings.Cut(existing, "="); existingName == name {
				cookies[i] = cookie
				stored = true
				break
			}
		}
		if !stored {
			cookies = append(cookies, cookie)
		}
	}
	return cookies
}

// lsError turns a failed HTTP exchange into an error, preferring the
// Lightstreamer error line in the body over the HTTP status.
func lsError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if line := strings.TrimRight(string(body), "\r\n"); line != "" {
		return fmt.Errorf("lightstreamer: %s", line)
	}
	status := resp.Status
	if status == "" {
		status = http.StatusText(resp.StatusCode)
	}
	if !strings.HasPrefix(status, strconv.Itoa(resp.StatusCode)) {
		status = fmt.Sprintf("%d %s", resp.StatusCode, status)
	}
	return fmt.Errorf("http: %s", status)
}
