package lightstreamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAdapter is an Adapter that lets tests publish updates to subscribed
// sessions.
type testAdapter struct {
	mu    sync.Mutex
	feeds map[int]chan<- AdapterUpdate
}

func (a *testAdapter) Subscribe(ch chan<- AdapterUpdate, subID int, _ string, group string, schema []string) (int, int, error) {
	if group == "unknown" {
		return 0, 0, errors.New("unknown item group")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.feeds == nil {
		a.feeds = make(map[int]chan<- AdapterUpdate)
	}
	a.feeds[subID] = ch
	return 1, len(schema), nil
}

func (a *testAdapter) Unsubscribe(subID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.feeds, subID)
}

func (a *testAdapter) publish(subID int, item int, fields ...string) {
	a.mu.Lock()
	feed := a.feeds[subID]
	a.mu.Unlock()
	if feed != nil {
		feed <- AdapterUpdate{SubscriptionID: subID, Item: item, Fields: fields}
	}
}

func (a *testAdapter) subscribed(subID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.feeds[subID]
	return ok
}

func testServer(t *testing.T, adapter Adapter, opts ...ServerOption) *httptest.Server {
	t.Helper()
	server := NewServer("mySet", "myCID", adapter, slog.New(slog.DiscardHandler), opts...)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts
}

func connect(t *testing.T, ts *httptest.Server, opts ...Option) *Session {
	t.Helper()
	session, err := NewClientSession(t.Context(), append([]Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithServerURL(ts.URL),
		WithHTTPClient(ts.Client()),
		WithAdapterSet("mySet"),
		WithCID("myCID"),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		session.Disconnect()
		<-session.Done()
	})
	return session
}

func TestClient(t *testing.T) {
	adapter := &testAdapter{}
	ts := testServer(t, adapter)
	session := connect(t, ts)

	assert.True(t, session.Connected())
	assert.NotEmpty(t, session.SessionID())

	listener := &recordingListener{}
	sub, err := session.Subscribe(t.Context(), SubscriptionSpec{Group: "item1", Schema: []string{"last", "time"}}, listener)
	require.NoError(t, err)

	adapter.publish(sub.ID(), 1, "100", "12:00")
	require.Eventually(t, func() bool { return listener.updateCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "100,12:00", listener.update(0).Values.String())

	require.NoError(t, session.Unsubscribe(t.Context(), sub))
	assert.Eventually(t, func() bool { return !adapter.subscribed(sub.ID()) }, time.Second, 10*time.Millisecond)
}

func TestClient_WebSocket(t *testing.T) {
	adapter := &testAdapter{}
	ts := testServer(t, adapter)
	session := connect(t, ts, WithTransport(TransportWebSocket))

	assert.True(t, session.Connected())

	listener := &recordingListener{}
	sub, err := session.Subscribe(t.Context(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, listener)
	require.NoError(t, err)

	adapter.publish(sub.ID(), 1, "100")
	require.Eventually(t, func() bool { return listener.updateCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, session.SendMessage(t.Context(), "hello"))
}

func TestClient_Rebind(t *testing.T) {
	adapter := &testAdapter{}
	ts := testServer(t, adapter)
	server := ts.Config.Handler.(*Server)
	session := connect(t, ts)

	listener := &recordingListener{}
	sub, err := session.Subscribe(t.Context(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, listener)
	require.NoError(t, err)

	// the server closes the stream; the client rebinds the same session
	server.CloseStream(session.SessionID())
	require.Eventually(t, func() bool { return session.Connected() }, 5*time.Second, 10*time.Millisecond)

	adapter.publish(sub.ID(), 1, "100")
	require.Eventually(t, func() bool { return listener.updateCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestClient_ServerEndsSession(t *testing.T) {
	ts := testServer(t, nil)
	server := ts.Config.Handler.(*Server)
	session := connect(t, ts)

	server.EndSession(session.SessionID(), 31, "retired")
	<-session.Done()
	var endErr *SessionEndError
	require.ErrorAs(t, session.Err(), &endErr)
	assert.Equal(t, 31, endErr.Code)
}

func TestClient_ConnectionRefused(t *testing.T) {
	ts := testServer(t, nil)
	_, err := NewClientSession(t.Context(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithServerURL(ts.URL),
		WithHTTPClient(ts.Client()),
		WithAdapterSet("otherSet"),
		WithCID("myCID"),
	)
	var endErr *SessionEndError
	require.ErrorAs(t, err, &endErr)
	assert.Equal(t, 2, endErr.Code)
}

func TestClient_Timeout(t *testing.T) {
	// a server that accepts the stream but never confirms the session
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(time.Minute):
		}
	}))
	t.Cleanup(ts.Close)

	_, err := NewClientSession(t.Context(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithServerURL(ts.URL),
		WithHTTPClient(ts.Client()),
		WithBindTimeout(time.Second),
	)
	assert.Error(t, err)
}

func TestClient_SubscribeRefused(t *testing.T) {
	ts := testServer(t, &testAdapter{})
	session := connect(t, ts)

	_, err := session.Subscribe(t.Context(), SubscriptionSpec{Group: "unknown", Schema: []string{"last"}}, nil)
	var controlErr *ControlError
	require.ErrorAs(t, err, &controlErr)
	assert.Equal(t, 17, controlErr.Code)
}

func TestClient_SendMessage(t *testing.T) {
	ts := testServer(t, nil)
	server := ts.Config.Handler.(*Server)
	server.MessageHandler = func(text string) error {
		if strings.Contains(text, "drop") {
			return fmt.Errorf("rejected %q", text)
		}
		return nil
	}
	session := connect(t, ts)

	require.NoError(t, session.SendMessage(t.Context(), "hello", AsIdempotent()))

	err := session.SendMessage(t.Context(), "drop tables")
	var controlErr *ControlError
	require.ErrorAs(t, err, &controlErr)
	assert.Equal(t, 34, controlErr.Code)
}

func TestClient_BadTransport(t *testing.T) {
	_, err := NewClientSession(context.Background(), WithTransport(TransportKind("carrier pigeon")))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func Test_lsError(t *testing.T) {
	tests := []struct {
		name     string
		response *http.Response
		want     string
	}{
		{
			name:     "lightstreamer error",
			response: &http.Response{Body: io.NopCloser(strings.NewReader("8: Configured maximum number of actively started sessions reached.\r\n"))},
			want:     "lightstreamer: 8: Configured maximum number of actively started sessions reached.",
		},
		{
			name:     "http error w/ status text",
			response: &http.Response{StatusCode: http.StatusBadRequest, Status: "missing LS_foo", Body: io.NopCloser(strings.NewReader(""))},
			want:     "http: 400 missing LS_foo",
		},
		{
			name:     "http error",
			response: &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader(""))},
			want:     "http: 400 Bad Request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := lsError(tt.response); err.Error() != tt.want {
				t.Errorf("lsError() error = %v, wantErr %v", err.Error(), tt.want)
			}
		})
	}
}
