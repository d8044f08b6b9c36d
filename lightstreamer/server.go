package lightstreamer

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server is a minimal Lightstreamer server, sufficient to exercise a client
// against: it supports session creation, rebinding, subscriptions fed by an
// Adapter, client messages, and both HTTP streaming and WebSocket transports.
type Server struct {
	http.Handler
	adapter Adapter
	logger  *slog.Logger
	set     string
	cid     string

	// MessageHandler decides the outcome of client messages. nil accepts
	// everything.
	MessageHandler func(text string) error

	keepAlive time.Duration
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*serverSession
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerKeepAlive sets the keepalive interval announced in CONOK and the
// PROBE interval. Defaults to 5s.
func WithServerKeepAlive(interval time.Duration) ServerOption {
	return func(s *Server) { s.keepAlive = interval }
}

// NewServer returns a server for one adapter set. adapter may be nil if no
// subscriptions will be made.
func NewServer(set string, cid string, adapter Adapter, logger *slog.Logger, opts ...ServerOption) *Server {
	s := Server{
		set:       set,
		cid:       cid,
		adapter:   adapter,
		logger:    logger,
		keepAlive: 5 * time.Second,
		sessions:  make(map[string]*serverSession),
	}
	for _, opt := range opts {
		opt(&s)
	}
	m := http.NewServeMux()
	m.HandleFunc("POST /create_session.txt", s.createSession)
	m.HandleFunc("POST /bind_session.txt", s.bindSession)
	m.HandleFunc("POST /control.txt", s.control)
	m.HandleFunc("POST /msg.txt", s.message)
	m.HandleFunc("GET /", s.websocket)
	s.Handler = m
	return &s
}

// CloseStream makes the session's current stream terminate with a LOOP
// frame, forcing the client to rebind.
func (s *Server) CloseStream(sessionID string) {
	if sess := s.session(sessionID); sess != nil {
		sess.push(protocol.Encode(protocol.Loop{}))
		sess.detach()
	}
}

// EndSession terminates a session with an END frame.
func (s *Server) EndSession(sessionID string, code int, reason string) {
	if sess := s.session(sessionID); sess != nil {
		sess.push(protocol.Encode(protocol.End{Code: code, Message: reason}))
		sess.detach()
	}
}

func (s *Server) session(id string) *serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if set := form.Get("LS_adapter_set"); set != s.set {
		s.streamError(w, protocol.ConErr{Code: 2, Message: fmt.Sprintf("unknown adapter set %q", set)})
		return
	}
	if cid := form.Get("LS_cid"); cid != s.cid {
		s.streamError(w, protocol.ConErr{Code: 2, Message: "invalid cid"})
		return
	}

	sess := s.newSession()
	s.logger.Debug("session created", "sessionID", sess.id)
	s.stream(w, r, sess)
}

func (s *Server) bindSession(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.session(form.Get("LS_session"))
	if sess == nil {
		s.streamError(w, protocol.ConErr{Code: 11, Message: "session not found"})
		return
	}
	s.logger.Debug("session rebound", "sessionID", sess.id, "recoveryFrom", form.Get("LS_recovery_from"))
	s.stream(w, r, sess)
}

func (s *Server) newSession() *serverSession {
	sess := &serverSession{
		id:      uuid.NewString(),
		server:  s,
		out:     make(chan string, 64),
		updates: make(chan AdapterUpdate, 64),
		subs:    make(map[int]struct{}),
	}
	go sess.pump()
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// stream writes the session's frames to an HTTP streaming response until the
// client goes away or the session detaches the stream.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sess *serverSession) {
	w.Header().Set("Content-Type", "text/enriched; charset=UTF-8")
	w.Header().Add("Cache-Control", "no-store")
	w.Header().Add("Cache-Control", "no-transform")
	w.Header().Add("Cache-Control", "no-cache")
	w.Header().Add("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(line string) error {
		if _, err := io.WriteString(w, line+"\r\n"); err != nil {
			return err
		}
		w.(http.Flusher).Flush()
		return nil
	}
	s.serveStream(r.Context().Done(), sess, write)
}

func (s *Server) serveStream(closed <-chan struct{}, sess *serverSession, write func(string) error) {
	detached := sess.attach()
	_ = write(protocol.Encode(protocol.ConOK{
		SessionID:    sess.id,
		RequestLimit: 50000,
		KeepAlive:    s.keepAlive,
		ControlLink:  "*",
	}))
	_ = write(protocol.Encode(protocol.ServName{Name: "fake server"}))
	_ = write(protocol.Encode(protocol.Cons{Bandwidth: math.Inf(1)}))

	probe := time.NewTicker(s.keepAlive)
	defer probe.Stop()

	for {
		select {
		case <-closed:
			return
		case <-detached:
			// flush whatever is already queued (e.g. the LOOP frame)
			for {
				select {
				case line := <-sess.out:
					if write(line) != nil {
						return
					}
				default:
					return
				}
			}
		case line := <-sess.out:
			if write(line) != nil {
				return
			}
		case <-probe.C:
			if write(protocol.Encode(protocol.Probe{})) != nil {
				return
			}
		}
	}
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	response := s.handleControl(form)
	_, _ = io.WriteString(w, protocol.Encode(response)+"\r\n")
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	response := s.handleMessage(form)
	_, _ = io.WriteString(w, protocol.Encode(response)+"\r\n")
}

func (s *Server) handleControl(form url.Values) protocol.Frame {
	reqID, _ := strconv.Atoi(form.Get("LS_reqId"))
	sess := s.session(form.Get("LS_session"))
	if sess == nil {
		return protocol.ReqErr{ReqID: reqID, Code: 11, Message: "session not found"}
	}
	subID, err := strconv.Atoi(form.Get("LS_subId"))
	if err != nil {
		return protocol.ReqErr{ReqID: reqID, Code: 23, Message: "invalid subscription id"}
	}
	switch op := form.Get("LS_op"); op {
	case "add":
		if s.adapter == nil {
			return protocol.ReqErr{ReqID: reqID, Code: 17, Message: "no data adapter available"}
		}
		schema := strings.Fields(form.Get("LS_schema"))
		items, fields, err := s.adapter.Subscribe(sess.updates, subID, form.Get("LS_data_adapter"), form.Get("LS_group"), schema)
		if err != nil {
			return protocol.ReqErr{ReqID: reqID, Code: 17, Message: err.Error()}
		}
		sess.addSub(subID)
		sess.push(protocol.Encode(protocol.SubOK{SubID: subID, Items: items, Fields: fields}))
		return protocol.ReqOK{ReqID: reqID}
	case "delete":
		if !sess.hasSub(subID) {
			return protocol.ReqErr{ReqID: reqID, Code: 19, Message: "unknown subscription"}
		}
		if s.adapter != nil {
			s.adapter.Unsubscribe(subID)
		}
		sess.removeSub(subID)
		sess.push(protocol.Encode(protocol.Unsub{SubID: subID}))
		return protocol.ReqOK{ReqID: reqID}
	default:
		return protocol.ReqErr{ReqID: reqID, Code: 23, Message: fmt.Sprintf("unsupported operation %q", op)}
	}
}

func (s *Server) handleMessage(form url.Values) protocol.Frame {
	reqID, _ := strconv.Atoi(form.Get("LS_reqId"))
	sess := s.session(form.Get("LS_session"))
	if sess == nil {
		return protocol.ReqErr{ReqID: reqID, Code: 11, Message: "session not found"}
	}
	sequence := form.Get("LS_sequence")
	prog, _ := strconv.Atoi(form.Get("LS_msg_prog"))
	outcome := protocol.Encode(protocol.MsgDone{Sequence: sequence, Prog: prog})
	if s.MessageHandler != nil {
		if err := s.MessageHandler(form.Get("LS_message")); err != nil {
			outcome = protocol.Encode(protocol.MsgFail{Sequence: sequence, Prog: prog, Code: 34, Message: err.Error()})
		}
	}
	sess.push(outcome)
	return protocol.ReqOK{ReqID: reqID}
}

func (s *Server) parseRequest(r *http.Request) (url.Values, error) {
	if proto := r.URL.Query().Get("LS_protocol"); proto != lsProtocol {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	if contentType := r.Header.Get("Content-Type"); contentType != "application/x-www-form-urlencoded" {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("io.ReadAll: %w", err)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("url.ParseQuery: %w", err)
	}
	return form, nil
}

func (s *Server) streamError(w http.ResponseWriter, frame protocol.Frame) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, protocol.Encode(frame)+"\r\n")
}

// websocket serves the whole protocol over a single socket: requests arrive
// as text messages (verb on the first line, form-encoded body on the
// second), responses and stream frames go back as messages.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.upgrader.Subprotocols = []string{wsSubprotocol}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	var writeMu sync.Mutex
	write := func(line string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
	}
	closed := make(chan struct{})
	defer close(closed)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		verb, body, _ := strings.Cut(string(data), "\r\n")
		form, err := url.ParseQuery(strings.TrimSpace(body))
		if err != nil {
			s.logger.Warn("invalid websocket request", "err", err)
			return
		}
		switch strings.TrimSpace(verb) {
		case "wsok":
			_ = write(protocol.Encode(protocol.WSOK{}))
		case "create_session":
			sess := s.newSession()
			s.logger.Debug("session created", "sessionID", sess.id, "transport", "websocket")
			go s.serveStream(closed, sess, write)
		case "bind_session":
			sess := s.session(form.Get("LS_session"))
			if sess == nil {
				_ = write(protocol.Encode(protocol.ConErr{Code: 11, Message: "session not found"}))
				return
			}
			go s.serveStream(closed, sess, write)
		case "control":
			_ = write(protocol.Encode(s.handleControl(form)))
		case "msg":
			_ = write(protocol.Encode(s.handleMessage(form)))
		default:
			s.logger.Warn("unsupported websocket request", "verb", verb)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// serverSession is the server-side state of one session.
type serverSession struct {
	server  *Server
	out     chan string
	updates chan AdapterUpdate
	id      string

	mu       sync.Mutex
	subs     map[int]struct{}
	detachCh chan struct{}
}

// pump converts adapter updates into U frames on the session's stream.
func (s *serverSession) pump() {
	for update := range s.updates {
		if !s.hasSub(update.SubscriptionID) {
			continue
		}
		tokens := make([]protocol.FieldToken, len(update.Fields))
		for i, field := range update.Fields {
			tokens[i] = protocol.FieldToken{Kind: protocol.TokenValue, Value: field}
		}
		s.push(protocol.Encode(protocol.U{SubID: update.SubscriptionID, Item: update.Item, Tokens: tokens}))
	}
}

func (s *serverSession) push(line string) {
	select {
	case s.out <- line:
	default:
		s.server.logger.Warn("dropping frame: stream buffer full", "sessionID", s.id)
	}
}

// attach claims the session's stream for a new connection, detaching any
// previous one: a session has at most one active stream.
func (s *serverSession) attach() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detachCh != nil {
		close(s.detachCh)
	}
	s.detachCh = make(chan struct{})
	return s.detachCh
}

func (s *serverSession) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detachCh != nil {
		close(s.detachCh)
		s.detachCh = nil
	}
}

func (s *serverSession) addSub(subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[subID] = struct{}{}
}

func (s *serverSession) removeSub(subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subID)
}

func (s *serverSession) hasSub(subID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subID]
	return ok
}
