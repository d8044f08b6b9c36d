package lightstreamer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream feeds scripted protocol lines to a session's receive loop. Read
// blocks until a line is pushed; end simulates the server dropping the
// connection.
type fakeStream struct {
	lines  chan string
	closed chan struct{}
	once   sync.Once
	buf    []byte
}

func newFakeStream(lines ...string) *fakeStream {
	f := &fakeStream{lines: make(chan string, 64), closed: make(chan struct{})}
	f.push(lines...)
	return f
}

func (f *fakeStream) push(lines ...string) {
	for _, line := range lines {
		f.lines <- line
	}
}

func (f *fakeStream) end() { close(f.lines) }

func (f *fakeStream) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		select {
		case line, ok := <-f.lines:
			if !ok {
				return 0, io.EOF
			}
			f.buf = append(f.buf, line+"\r\n"...)
		case <-f.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func testSessionConfig(clk clock.Clock) config {
	return config{
		logger:              slog.New(slog.DiscardHandler),
		clock:               clk,
		bindTimeout:         5 * time.Second,
		stallTimeout:        5 * time.Second,
		recoveryTimeout:     time.Minute,
		recoveryBackoff:     100 * time.Millisecond,
		maxRecoveryAttempts: 5,
		controlTimeout:      time.Second,
		controlRetries:      1,
		unsubGrace:          time.Second,
		dispatchBuffer:      16,
	}
}

func startTestSession(t *testing.T, cfg config, transport Transport, stream io.ReadCloser) *Session {
	t.Helper()
	s := newSession(cfg, transport)
	s.start(context.Background(), stream)
	t.Cleanup(func() {
		s.Disconnect()
		<-s.Done()
	})
	return s
}

func TestSession_Connect(t *testing.T) {
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), newScriptedTransport(), stream)

	<-s.ready
	assert.True(t, s.Connected())
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, "sid", s.SessionID())
	assert.NoError(t, s.Err())

	s.Disconnect()
	<-s.Done()
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
}

func TestSession_ConnectionRefused(t *testing.T) {
	stream := newFakeStream("CONERR,2,requested%20Adapter%20Set%20not%20available")
	s := startTestSession(t, testSessionConfig(clock.New()), newScriptedTransport(), stream)

	<-s.Done()
	assert.Equal(t, Failed, s.State())
	var endErr *SessionEndError
	require.ErrorAs(t, s.Err(), &endErr)
	assert.Equal(t, 2, endErr.Code)
}

func TestSession_DuplicateConOK(t *testing.T) {
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), newScriptedTransport(), stream)
	<-s.ready

	// a duplicate confirmation and informational frames leave the session as is
	stream.push(
		"CONOK,sid,50000,5000,*",
		"SERVNAME,Lightstreamer",
		"CLIENTIP,10.0.0.1",
		"CONS,unlimited",
		"SYNC,2",
		"NOOP,preamble",
		"EXTENSION,whatever",
		"PROBE",
	)

	assert.Never(t, func() bool { return !s.Connected() }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, "sid", s.SessionID())
}

func TestSession_BindTimeout(t *testing.T) {
	mock := clock.NewMock()
	stream := newFakeStream() // server never confirms
	s := startTestSession(t, testSessionConfig(mock), newScriptedTransport(), stream)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Failed, s.State())
	assert.ErrorContains(t, s.Err(), "no session confirmation")
}

func TestSession_StallAndRevive(t *testing.T) {
	mock := clock.NewMock()
	stream := newFakeStream("CONOK,sid,50000,1000,*") // keepalive 1s
	s := startTestSession(t, testSessionConfig(mock), newScriptedTransport(), stream)
	<-s.ready

	// no frame for twice the keepalive interval
	mock.Add(2100 * time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == Stalled }, time.Second, 10*time.Millisecond)

	// a late keepalive revives the session
	stream.push("PROBE")
	require.Eventually(t, func() bool { return s.Connected() }, time.Second, 10*time.Millisecond)
}

func TestSession_StallEscalates(t *testing.T) {
	mock := clock.NewMock()
	cfg := testSessionConfig(mock)
	cfg.maxRecoveryAttempts = 1
	stream := newFakeStream("CONOK,sid,50000,1000,*")
	// no streams scripted: every recovery attempt fails
	s := startTestSession(t, cfg, newScriptedTransport(), stream)
	<-s.ready

	mock.Add(2100 * time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == Stalled }, time.Second, 10*time.Millisecond)

	// the stall window passes without a frame, and recovery runs out of attempts
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Failed, s.State())
	require.Error(t, s.Err())
}

func TestSession_Rebind(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	listener := &recordingListener{}
	sub, err := s.Subscribe(context.Background(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, listener)
	require.NoError(t, err)
	stream.push("SUBOK,1,1,1", "U,1,1,100")
	require.Eventually(t, func() bool { return listener.updateCount() == 1 }, time.Second, 10*time.Millisecond)

	// the server asks for a rebind: same session, new stream connection
	rebound := newFakeStream("CONOK,sid,50000,5000,*")
	transport.streams <- rebound
	stream.push("LOOP,0")
	stream.end()

	rebound.push("U,1,1,200")
	require.Eventually(t, func() bool { return listener.updateCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, s.Connected())
	assert.Equal(t, "sid", s.SessionID())
	assert.Equal(t, "200", sub.LastValues(1).String())

	opens := transport.recordedOpens()
	require.Len(t, opens, 1)
	assert.Equal(t, "sid", opens[0].Get("LS_session"))
}

func TestSession_DisconnectDuringRebind(t *testing.T) {
	mock := clock.NewMock()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(mock), newScriptedTransport(), stream)
	<-s.ready

	// the server asks for a rebind after a long delay
	stream.push("LOOP,3000")
	stream.end()
	assert.Never(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	// disconnecting must not wait out the rebind delay
	s.Disconnect()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("disconnect held up by the rebind delay")
	}
	assert.Equal(t, Closed, s.State())
}

func TestSession_Recovery(t *testing.T) {
	mock := clock.NewMock()
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(mock), transport, stream)
	<-s.ready

	listener := &recordingListener{}
	_, err := s.Subscribe(context.Background(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, listener)
	require.NoError(t, err)
	stream.push("SUBOK,1,1,1", "U,1,1,100")
	require.Eventually(t, func() bool { return listener.updateCount() == 1 }, time.Second, 10*time.Millisecond)

	// the connection drops without LOOP or END
	recovered := newFakeStream("CONOK,sid,50000,5000,*")
	transport.streams <- recovered
	stream.end()
	require.Eventually(t, func() bool { return s.State() == Recovering }, time.Second, 10*time.Millisecond)

	for i := 0; i < 20 && !s.Connected(); i++ {
		mock.Add(100 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, s.Connected())

	// the session resumed from the last data notification it received
	opens := transport.recordedOpens()
	require.Len(t, opens, 1)
	assert.Equal(t, "sid", opens[0].Get("LS_session"))
	assert.Equal(t, "1", opens[0].Get("LS_recovery_from"))

	recovered.push("U,1,1,200")
	require.Eventually(t, func() bool { return listener.updateCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestSession_ServerEnd(t *testing.T) {
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), newScriptedTransport(), stream)
	<-s.ready

	listener := &recordingListener{}
	sub, err := s.Subscribe(context.Background(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, listener)
	require.NoError(t, err)

	stream.push("END,31,retired")
	<-s.Done()
	assert.Equal(t, Closed, s.State())
	var endErr *SessionEndError
	require.ErrorAs(t, s.Err(), &endErr)
	assert.Equal(t, 31, endErr.Code)

	// listeners are told, and the subscription survives detached
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.ended) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, sub.Detached())

	// the session takes no further requests
	_, err = s.Subscribe(context.Background(), SubscriptionSpec{Group: "item2", Schema: []string{"last"}}, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.SendMessage(context.Background(), "hello"), ErrSessionClosed)
}

func TestSession_Subscribe_Invalid(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	_, err := s.Subscribe(context.Background(), SubscriptionSpec{Group: "", Schema: []string{"last"}}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	// rejected before anything reaches the server
	assert.Empty(t, transport.recorded())
}

func TestSession_Unsubscribe(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	sub, err := s.Subscribe(context.Background(), SubscriptionSpec{Group: "item1", Schema: []string{"last"}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(context.Background(), sub))
	require.NoError(t, s.Unsubscribe(context.Background(), nil))

	requests := transport.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "add", requests[0].Get("LS_op"))
	assert.Equal(t, "delete", requests[1].Get("LS_op"))
	assert.Equal(t, requests[0].Get("LS_subId"), requests[1].Get("LS_subId"))
}

func TestSession_SendMessage(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "hello") }()
	require.Eventually(t, func() bool { return len(transport.recorded()) == 1 }, time.Second, 10*time.Millisecond)
	stream.push("MSGDONE,UNORDERED_MESSAGES,1")
	assert.NoError(t, <-done)

	form := transport.recorded()[0]
	assert.Equal(t, "hello", form.Get("LS_message"))
	assert.Equal(t, "UNORDERED_MESSAGES", form.Get("LS_sequence"))
	assert.Equal(t, "true", form.Get("LS_outcome"))
}

func TestSession_SendMessage_Denied(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "drop tables", WithSequence("orders")) }()
	require.Eventually(t, func() bool { return len(transport.recorded()) == 1 }, time.Second, 10*time.Millisecond)
	stream.push("MSGFAIL,orders,1,34,denied")

	err := <-done
	var controlErr *ControlError
	require.ErrorAs(t, err, &controlErr)
	assert.Equal(t, 34, controlErr.Code)
	assert.Equal(t, "orders", transport.recorded()[0].Get("LS_sequence"))
}

func TestSession_SendMessage_Sequences(t *testing.T) {
	transport := newScriptedTransport()
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), transport, stream)
	<-s.ready

	orders := make(chan error, 1)
	go func() { orders <- s.SendMessage(context.Background(), "buy", WithSequence("orders")) }()
	require.Eventually(t, func() bool { return len(transport.recorded()) == 1 }, time.Second, 10*time.Millisecond)

	unordered := make(chan error, 1)
	go func() { unordered <- s.SendMessage(context.Background(), "ping") }()
	require.Eventually(t, func() bool { return len(transport.recorded()) == 2 }, time.Second, 10*time.Millisecond)

	// each sequence numbers its own messages
	requests := transport.recorded()
	assert.Equal(t, "orders", requests[0].Get("LS_sequence"))
	assert.Equal(t, "1", requests[0].Get("LS_msg_prog"))
	assert.Equal(t, "UNORDERED_MESSAGES", requests[1].Get("LS_sequence"))
	assert.Equal(t, "1", requests[1].Get("LS_msg_prog"))

	// an outcome is matched on sequence and number, not number alone
	stream.push("MSGDONE,UNORDERED_MESSAGES,1")
	assert.NoError(t, <-unordered)
	select {
	case err := <-orders:
		t.Fatalf("outcome delivered to the wrong sequence: %v", err)
	default:
	}

	stream.push("MSGFAIL,orders,1,34,denied")
	var controlErr *ControlError
	require.ErrorAs(t, <-orders, &controlErr)
	assert.Equal(t, 34, controlErr.Code)

	// a follow-up on a sequence continues its numbering
	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "sell", WithSequence("orders")) }()
	require.Eventually(t, func() bool { return len(transport.recorded()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "2", transport.recorded()[2].Get("LS_msg_prog"))
	stream.push("MSGDONE,orders,2")
	assert.NoError(t, <-done)
}

func TestSession_MalformedSessionFrame(t *testing.T) {
	stream := newFakeStream("CONOK,sid,50000,5000,*")
	s := startTestSession(t, testSessionConfig(clock.New()), newScriptedTransport(), stream)
	<-s.ready

	// a malformed data frame is dropped; the stream goes on
	stream.push("U,not-a-number,1,100", "PROBE")
	assert.Never(t, func() bool { return !s.Connected() }, 100*time.Millisecond, 10*time.Millisecond)

	// a malformed session-control frame is fatal
	stream.push("END,not-a-number,reason")
	<-s.Done()
	assert.Equal(t, Failed, s.State())
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		Connecting: "connecting",
		Connected:  "connected",
		Stalled:    "stalled",
		Recovering: "recovering",
		Closed:     "closed",
		Failed:     "failed",
		State(42):  "unknown",
	}
	for state, want := range states {
		assert.Equal(t, want, state.String())
	}
}
