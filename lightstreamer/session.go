package lightstreamer

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// Connecting: create_session sent, waiting for CONOK.
	Connecting State = iota
	// Connected: the stream is live.
	Connected
	// Stalled: no frame (not even a keepalive) for twice the keepalive
	// interval. The session waits a little longer before recovering.
	Stalled
	// Recovering: the stream was lost; the session tries to resume it with
	// the server replaying missed updates.
	Recovering
	// Closed: the session ended normally (explicit disconnect, or END from
	// the server).
	Closed
	// Failed: the session ended because an unrecoverable error occurred.
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stalled:
		return "stalled"
	case Recovering:
		return "recovering"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

const maxRecoveryBackoff = 30 * time.Second

type streamFrame struct {
	frame protocol.Frame
	gen   int
}

type streamError struct {
	err   error
	gen   int
	fatal bool
}

type bindResult struct {
	stream io.ReadCloser
	err    error
	gen    int
}

// msgKey identifies a pending message: LS_msg_prog is progressive within its
// sequence, so the outcome must be matched on both.
type msgKey struct {
	sequence string
	prog     int
}

// Session is a live connection to a Lightstreamer server. A single loop owns
// all session state (identity, timers, recovery); other goroutines interact
// with it through channels and the pipeline, never by sharing its state.
type Session struct {
	cfg        config
	logger     *slog.Logger
	metrics    *Metrics
	clk        clock.Clock
	transport  Transport
	registry   *registry
	pipeline   *pipeline
	dispatcher *dispatcher

	frames     chan streamFrame
	streamErrs chan streamError
	binds      chan bindResult
	disconnect chan struct{}
	ready      chan struct{}
	done       chan struct{}

	disconnectOnce sync.Once
	readyOnce      sync.Once

	stateVal  atomic.Int32
	sessionID atomic.Value // string

	msgMu      sync.Mutex
	msgWaiters map[msgKey]chan error
	msgProg    map[string]int

	// loop-owned
	gen              int
	keepAlive        time.Duration
	controlLink      string
	prog             uint64
	recoveryAttempts int
	recoveryDeadline time.Time
	endErr           error
	stall            *clock.Timer
	retry            *clock.Timer
}

func newSession(cfg config, transport Transport) *Session {
	logger := cfg.logger
	reg := newRegistry(cfg.clock, cfg.unsubGrace, logger)
	s := Session{
		cfg:        cfg,
		logger:     logger,
		metrics:    cfg.metrics,
		clk:        cfg.clock,
		transport:  transport,
		registry:   reg,
		dispatcher: newDispatcher(reg, cfg.dispatchBuffer, cfg.metrics, logger),
		frames:     make(chan streamFrame),
		streamErrs: make(chan streamError, 1),
		binds:      make(chan bindResult, 1),
		disconnect: make(chan struct{}),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		msgWaiters: make(map[msgKey]chan error),
		msgProg:    make(map[string]int),
	}
	s.sessionID.Store("")
	s.pipeline = newPipeline(transport, cfg.clock, s.SessionID, cfg.controlTimeout, cfg.controlRetries, cfg.metrics, logger)
	return &s
}

func (s *Session) start(ctx context.Context, stream io.ReadCloser) {
	s.setState(Connecting)
	s.startStream(stream)
	go s.pipeline.run()
	go s.dispatcher.run()
	go s.run(ctx)
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.stateVal.Load())
}

// Connected reports whether the stream is currently live.
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// SessionID returns the server-assigned session id, or "" before the first
// CONOK.
func (s *Session) SessionID() string {
	return s.sessionID.Load().(string)
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended. It is meaningful once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.endErr
	default:
		return nil
	}
}

// Disconnect closes the session. It is honored immediately in any state;
// pending control requests fail with ErrSessionClosed. Disconnect does not
// wait for shutdown to complete: use Done for that.
func (s *Session) Disconnect() {
	s.disconnectOnce.Do(func() { close(s.disconnect) })
}

func (s *Session) setState(state State) {
	old := State(s.stateVal.Swap(int32(state)))
	if old != state {
		s.metrics.state(state)
		s.logger.Debug("session state changed", "from", old, "to", state)
	}
}

// Subscribe registers a subscription and submits it to the server. It
// returns once the server acknowledged the request; updates start flowing
// after the matching SUBOK. A nil listener discards all events.
func (s *Session) Subscribe(ctx context.Context, spec SubscriptionSpec, listener Listener) (*Subscription, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	sub := s.registry.register(spec, listener)

	form := make(url.Values)
	form.Set("LS_op", "add")
	form.Set("LS_subId", strconv.Itoa(sub.id))
	form.Set("LS_data_adapter", cmp.Or(spec.DataAdapter, "DEFAULT"))
	form.Set("LS_group", spec.Group)
	form.Set("LS_schema", strings.Join(spec.Schema, " "))
	form.Set("LS_mode", string(spec.mode()))
	if spec.Snapshot {
		form.Set("LS_snapshot", "true")
	}
	if spec.MaxFrequency > 0 {
		form.Set("LS_requested_max_frequency", strconv.FormatFloat(spec.MaxFrequency, 'f', -1, 64))
	}
	if err := s.pipeline.submit(ctx, endpointControl, form, true); err != nil {
		s.registry.remove(sub.id)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Its last item state stays readable;
// frames already in flight for its id are absorbed silently for a grace
// period.
func (s *Session) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	form := make(url.Values)
	form.Set("LS_op", "delete")
	form.Set("LS_subId", strconv.Itoa(sub.id))
	if err := s.pipeline.submit(ctx, endpointControl, form, true); err != nil {
		return err
	}
	s.registry.retire(sub.id)
	return nil
}

type messageOptions struct {
	sequence   string
	idempotent bool
}

// MessageOption modifies how a message is sent.
type MessageOption func(*messageOptions)

// AsIdempotent marks the message as safe to redeliver: the session may then
// retry it on timeout. Without it delivery is at most once and a timeout is
// surfaced to the caller, who decides whether to resend.
func AsIdempotent() MessageOption {
	return func(o *messageOptions) { o.idempotent = true }
}

// WithSequence assigns the message to a named sequence; the server processes
// messages of a sequence in order. The default sequence imposes no ordering.
func WithSequence(sequence string) MessageOption {
	return func(o *messageOptions) { o.sequence = sequence }
}

// SendMessage delivers a message to the server and waits for its outcome
// (MSGDONE or MSGFAIL).
func (s *Session) SendMessage(ctx context.Context, text string, opts ...MessageOption) error {
	o := messageOptions{sequence: "UNORDERED_MESSAGES"}
	for _, opt := range opts {
		opt(&o)
	}

	s.msgMu.Lock()
	s.msgProg[o.sequence]++
	key := msgKey{sequence: o.sequence, prog: s.msgProg[o.sequence]}
	waiter := make(chan error, 1)
	s.msgWaiters[key] = waiter
	s.msgMu.Unlock()
	defer func() {
		s.msgMu.Lock()
		delete(s.msgWaiters, key)
		s.msgMu.Unlock()
	}()

	form := make(url.Values)
	form.Set("LS_message", text)
	form.Set("LS_sequence", o.sequence)
	form.Set("LS_msg_prog", strconv.Itoa(key.prog))
	form.Set("LS_outcome", "true")
	if err := s.pipeline.submit(ctx, endpointMessage, form, o.idempotent); err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) resolveMessage(sequence string, prog int, outcome error) {
	s.msgMu.Lock()
	waiter, ok := s.msgWaiters[msgKey{sequence: sequence, prog: prog}]
	s.msgMu.Unlock()
	if !ok {
		s.logger.Warn("outcome for unknown message", "sequence", sequence, "prog", prog, "err", outcome)
		return
	}
	waiter <- outcome
}

func (s *Session) run(ctx context.Context) {
	defer s.shutdown()
	s.stall = s.clk.Timer(s.cfg.bindTimeout)
	defer s.stall.Stop()
	s.retry = s.clk.Timer(time.Hour)
	s.retry.Stop()
	defer s.retry.Stop()

	for {
		select {
		case <-ctx.Done():
			s.end(ErrSessionClosed, Closed)
		case <-s.disconnect:
			s.end(ErrSessionClosed, Closed)
		case sf := <-s.frames:
			if sf.gen != s.gen {
				break
			}
			s.touch()
			s.handleFrame(sf.frame)
		case se := <-s.streamErrs:
			if se.gen != s.gen {
				break
			}
			if se.fatal {
				s.end(se.err, Failed)
				break
			}
			s.beginRecovery(se.err)
		case br := <-s.binds:
			if br.gen != s.gen {
				if br.stream != nil {
					_ = br.stream.Close()
				}
				break
			}
			s.onBindResult(br)
		case <-s.stall.C:
			s.onStallTimer()
		case <-s.retry.C:
			s.attemptRecovery()
		}
		if state := s.State(); state == Closed || state == Failed {
			return
		}
	}
}

// touch records life on the stream: it revives a stalled session and re-arms
// the stall timer.
func (s *Session) touch() {
	if s.State() == Stalled {
		s.logger.Info("session revived")
		s.setState(Connected)
	}
	if s.keepAlive > 0 {
		s.stall.Reset(2 * s.keepAlive)
	}
}

func (s *Session) onStallTimer() {
	switch s.State() {
	case Connecting:
		s.end(fmt.Errorf("no session confirmation within %v", s.cfg.bindTimeout), Failed)
	case Connected:
		s.logger.Warn("server went silent", "keepalive", s.keepAlive)
		s.setState(Stalled)
		s.stall.Reset(s.cfg.stallTimeout)
	case Stalled:
		s.beginRecovery(ErrStalled)
	}
}

func (s *Session) handleFrame(frame protocol.Frame) {
	s.metrics.frame(frame.Tag())
	switch f := frame.(type) {
	case protocol.ConOK:
		s.onConOK(f)
	case protocol.ConErr:
		s.end(&SessionEndError{Code: f.Code, Reason: f.Message}, Failed)
	case protocol.End:
		s.end(&SessionEndError{Code: f.Code, Reason: f.Message}, Closed)
	case protocol.Loop:
		s.rebind(f.ExpectedDelay)
	case protocol.Probe, protocol.Noop, protocol.WSOK:
	case protocol.Sync:
		s.logger.Debug("SYNC", "elapsed", f.Elapsed)
	case protocol.ServName:
		s.logger.Debug("server name", "name", f.Name)
	case protocol.ClientIP:
		s.logger.Debug("client address", "ip", f.IP)
	case protocol.Cons:
		s.logger.Debug("effective bandwidth", "bandwidth", f.Bandwidth)
	case protocol.Prog:
		if f.Prog != s.prog {
			s.logger.Warn("data notification count out of sync", "server", f.Prog, "local", s.prog)
			s.prog = f.Prog
		}
	case protocol.ReqOK, protocol.ReqErr, protocol.Error:
		s.pipeline.ack(frame)
	case protocol.MsgDone:
		s.prog++
		s.resolveMessage(f.Sequence, f.Prog, nil)
	case protocol.MsgFail:
		s.prog++
		s.resolveMessage(f.Sequence, f.Prog, &ControlError{Code: f.Code, Message: f.Message})
	case protocol.U, protocol.EOS, protocol.CS, protocol.OV:
		s.prog++
		s.dispatcher.handle(frame)
	case protocol.SubOK, protocol.SubCmd, protocol.Unsub, protocol.Conf:
		s.dispatcher.handle(frame)
	case protocol.Unknown:
		s.logger.Debug("ignoring unknown frame", "tag", f.RawTag, "args", f.Args)
	}
}

func (s *Session) onConOK(f protocol.ConOK) {
	if s.State() == Connected && s.SessionID() == f.SessionID {
		// duplicate confirmation; nothing changes
		s.logger.Debug("duplicate CONOK ignored", "sessionID", f.SessionID)
		return
	}
	s.sessionID.Store(f.SessionID)
	s.keepAlive = f.KeepAlive
	if f.ControlLink != "" && f.ControlLink != "*" {
		s.controlLink = f.ControlLink
		s.logger.Debug("control link", "address", f.ControlLink)
	}
	s.recoveryAttempts = 0
	s.setState(Connected)
	s.logger.Info("session established", "sessionID", f.SessionID, "keepalive", f.KeepAlive)
	s.stall.Reset(2 * s.keepAlive)
	s.readyOnce.Do(func() { close(s.ready) })
}

// rebind reattaches a new stream to the session after a LOOP frame. The
// session id and all subscriptions carry over; only the transport connection
// is replaced. The dial runs off the loop, so a disconnect is never held up
// by the rebind delay or a slow server.
func (s *Session) rebind(delay time.Duration) {
	s.metrics.reconnect("rebind")
	s.gen++ // the old stream is gone; anything it still reports is stale
	form := make(url.Values)
	form.Set("LS_session", s.SessionID())
	go s.dial(s.gen, delay, form)
	s.stall.Reset(delay + s.cfg.bindTimeout)
}

func (s *Session) beginRecovery(cause error) {
	if s.State() != Recovering {
		s.logger.Warn("stream lost, recovering session", "err", cause)
		s.setState(Recovering)
		s.recoveryAttempts = 0
		s.recoveryDeadline = s.clk.Now().Add(s.cfg.recoveryTimeout)
		s.metrics.reconnect("recovery")
	}
	s.scheduleRecovery()
}

func (s *Session) scheduleRecovery() {
	if s.recoveryAttempts >= s.cfg.maxRecoveryAttempts {
		s.end(fmt.Errorf("recovery abandoned after %d attempts", s.recoveryAttempts), Failed)
		return
	}
	if s.clk.Now().After(s.recoveryDeadline) {
		s.end(fmt.Errorf("recovery window of %v exhausted", s.cfg.recoveryTimeout), Failed)
		return
	}
	delay := s.backoff(s.recoveryAttempts)
	s.logger.Debug("scheduling recovery attempt", "attempt", s.recoveryAttempts+1, "delay", delay)
	s.retry.Reset(delay)
}

// backoff doubles per attempt up to a cap, with jitter so that many clients
// losing the same server do not reconnect in lockstep.
func (s *Session) backoff(attempt int) time.Duration {
	delay := min(s.cfg.recoveryBackoff<<attempt, maxRecoveryBackoff)
	return delay + rand.N(delay/4+1)
}

// attemptRecovery resumes the session with the server replaying everything
// after the last data notification we received.
func (s *Session) attemptRecovery() {
	s.recoveryAttempts++
	s.gen++
	form := make(url.Values)
	form.Set("LS_session", s.SessionID())
	form.Set("LS_recovery_from", strconv.FormatUint(s.prog, 10))
	go s.dial(s.gen, 0, form)
}

// dial opens a replacement stream off the run loop. The result is
// generation-tagged: the loop discards it if the session has moved on, and a
// disconnect aborts the dial rather than waiting it out.
func (s *Session) dial(gen int, delay time.Duration, form url.Values) {
	if delay > 0 {
		t := s.clk.Timer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.disconnect:
			return
		case <-s.done:
			return
		}
	}
	ctx, cancel := s.clk.WithTimeout(context.Background(), s.cfg.bindTimeout)
	defer cancel()
	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-s.disconnect:
			cancel()
		case <-settled:
		}
	}()
	stream, err := s.transport.OpenStream(ctx, endpointBindSession, form)
	select {
	case s.binds <- bindResult{gen: gen, stream: stream, err: err}:
	case <-s.disconnect:
		if stream != nil {
			_ = stream.Close()
		}
	case <-s.done:
		if stream != nil {
			_ = stream.Close()
		}
	}
}

func (s *Session) onBindResult(br bindResult) {
	if br.err != nil {
		if s.State() == Recovering {
			s.logger.Warn("recovery attempt failed", "attempt", s.recoveryAttempts, "err", br.err)
			s.scheduleRecovery()
			return
		}
		s.logger.Warn("rebind failed", "err", br.err)
		s.beginRecovery(br.err)
		return
	}
	// after a recovery dial the session stays in Recovering until the server
	// confirms with CONOK
	s.logger.Debug("stream reattached", "sessionID", s.SessionID())
	s.startStream(br.stream)
	s.stall.Reset(s.cfg.bindTimeout)
}

func (s *Session) startStream(stream io.ReadCloser) {
	s.gen++
	go s.receive(stream, s.gen)
}

func (s *Session) receive(stream io.ReadCloser, gen int) {
	defer func() { _ = stream.Close() }()
	lines := bufio.NewScanner(stream)
	for lines.Scan() {
		line := strings.TrimSuffix(lines.Text(), "\r")
		if line == "" {
			continue
		}
		frame, err := protocol.Parse(line)
		if err != nil {
			// a malformed session-control frame leaves the session identity
			// in doubt; anything else is dropped and the stream goes on
			if protocol.SessionControl(lineTag(line)) {
				s.sendStreamError(streamError{gen: gen, err: err, fatal: true})
				return
			}
			s.metrics.decodeError()
			s.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		select {
		case s.frames <- streamFrame{gen: gen, frame: frame}:
		case <-s.done:
			return
		}
	}
	err := lines.Err()
	if err == nil {
		// server closed the stream without LOOP or END
		err = io.ErrUnexpectedEOF
	}
	s.sendStreamError(streamError{gen: gen, err: &TransportError{Err: err}})
}

func (s *Session) sendStreamError(se streamError) {
	select {
	case s.streamErrs <- se:
	case <-s.done:
	}
}

func lineTag(line string) protocol.Tag {
	tag, _, _ := strings.Cut(line, ",")
	return protocol.Tag(tag)
}

func (s *Session) end(reason error, state State) {
	if s.endErr == nil {
		s.endErr = reason
	}
	s.setState(state)
}

func (s *Session) shutdown() {
	s.pipeline.close()
	subs := s.registry.detachAll()
	s.dispatcher.sessionEnd(s.endErr, subs)
	s.dispatcher.close()
	s.failMessageWaiters()
	_ = s.transport.Close()
	s.logger.Info("session closed", "state", s.State(), "reason", s.endErr)
	close(s.done)
}

func (s *Session) failMessageWaiters() {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	for key, waiter := range s.msgWaiters {
		waiter <- ErrSessionClosed
		delete(s.msgWaiters, key)
	}
}
