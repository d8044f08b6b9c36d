package lightstreamer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
	"github.com/gorilla/websocket"
)

// wsTransport implements Transport over a single WebSocket connection: the
// stream and the control link share the socket, so control acknowledgments
// arrive as REQOK/REQERR frames on the stream rather than as a SendControl
// response.
type wsTransport struct {
	dialer *websocket.Dialer
	logger *slog.Logger
	url    string

	mu      sync.Mutex
	conn    *websocket.Conn
	cookies []string
}

func newWSTransport(base string, dialer *websocket.Dialer, cookies []string, logger *slog.Logger) *wsTransport {
	wsURL := base
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &wsTransport{
		url:     wsURL,
		dialer:  dialer,
		cookies: cookies,
		logger:  logger,
	}
}

// OpenStream dials a fresh connection (closing any previous one: a session
// has at most one active stream), performs the wsok preamble and submits the
// create or bind request. All server frames, WSOK included, arrive on the
// returned reader.
func (t *wsTransport) OpenStream(ctx context.Context, endpoint string, form url.Values) (io.ReadCloser, error) {
	dialer := *t.dialer
	dialer.Subprotocols = []string{wsSubprotocol}

	header := make(http.Header)
	if cookies := t.cookieHeader(); cookies != "" {
		header.Set("Cookie", cookies)
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("dial %s: %w", t.url, err)}
	}
	if resp != nil {
		t.storeCookies(resp.Header.Values("Set-Cookie"))
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	if err = t.write(ctx, "wsok"); err != nil {
		return nil, err
	}
	if err = t.write(ctx, verb(endpoint)+"\r\n"+form.Encode()); err != nil {
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

// SendControl submits a control request on the shared socket. The
// acknowledgment comes back on the stream, so no frames are returned here.
func (t *wsTransport) SendControl(ctx context.Context, endpoint string, form url.Values) ([]protocol.Frame, error) {
	if err := t.write(ctx, verb(endpoint)+"\r\n"+form.Encode()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *wsTransport) write(ctx context.Context, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return &TransportError{Err: fmt.Errorf("no open connection")}
	}
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (t *wsTransport) cookieHeader() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.cookies, "; ")
}

func (t *wsTransport) storeCookies(setCookies []string) {
	if len(setCookies) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = mergeCookies(t.cookies, setCookies)
}

// verb strips the ".txt" suffix: over WebSocket, requests are named by their
// bare verb on the first line of a text message.
func verb(endpoint string) string {
	return strings.TrimSuffix(endpoint, ".txt")
}

// wsStream presents the connection's text messages as a plain line stream.
type wsStream struct {
	conn *websocket.Conn
	buf  []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		// messages may carry several lines; make sure the last one is terminated
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
