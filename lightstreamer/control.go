package lightstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/clambin/lightstream/lightstreamer/internal/protocol"
)

// controlRequest is one pending control operation. done receives exactly one
// result: nil on REQOK, the server's refusal, or the delivery failure.
type controlRequest struct {
	done       chan error
	form       url.Values
	endpoint   string
	reqID      int
	idempotent bool
}

// pipeline serializes control requests for one session. A single sender
// goroutine assigns request ids (monotonically increasing, no gaps for
// submitted requests) and delivers requests one at a time, so the server
// observes them in assignment order.
type pipeline struct {
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	sessionID func() string
	timeout   time.Duration
	retries   int

	submitCh  chan *controlRequest
	ackCh     chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once

	nextReqID int
}

func newPipeline(transport Transport, c clock.Clock, sessionID func() string, timeout time.Duration, retries int, metrics *Metrics, logger *slog.Logger) *pipeline {
	return &pipeline{
		transport: transport,
		clock:     c,
		logger:    logger,
		metrics:   metrics,
		sessionID: sessionID,
		timeout:   timeout,
		retries:   retries,
		submitCh:  make(chan *controlRequest),
		ackCh:     make(chan protocol.Frame, 16),
		closed:    make(chan struct{}),
	}
}

func (p *pipeline) run() {
	for {
		select {
		case <-p.closed:
			return
		case req := <-p.submitCh:
			p.nextReqID++
			req.reqID = p.nextReqID
			req.done <- p.send(req)
		}
	}
}

// submit queues a request and waits for its outcome. Once the pipeline
// accepted the request, cancelling ctx abandons the wait but cannot recall
// the request: delivery stays at-most-once.
func (p *pipeline) submit(ctx context.Context, endpoint string, form url.Values, idempotent bool) error {
	req := &controlRequest{
		endpoint:   endpoint,
		form:       form,
		idempotent: idempotent,
		done:       make(chan error, 1),
	}
	select {
	case p.submitCh <- req:
	case <-p.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-p.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeline) send(req *controlRequest) error {
	form := make(url.Values, len(req.form)+2)
	for k, v := range req.form {
		form[k] = v
	}
	form.Set("LS_reqId", strconv.Itoa(req.reqID))
	if id := p.sessionID(); id != "" {
		form.Set("LS_session", id)
	}

	for attempt := 0; ; attempt++ {
		err := p.attempt(req, form)
		if err == nil {
			p.metrics.controlRequest(req.endpoint, "ok")
			return nil
		}
		var controlErr *ControlError
		if errors.As(err, &controlErr) {
			p.metrics.controlRequest(req.endpoint, "refused")
			return err
		}
		if !req.idempotent || attempt >= p.retries {
			p.metrics.controlRequest(req.endpoint, "failed")
			return err
		}
		p.metrics.controlRetry()
		p.logger.Warn("retrying control request", "reqID", req.reqID, "attempt", attempt+1, "err", err)
	}
}

// attempt delivers the request once and waits for its acknowledgment. With an
// HTTP control link the acknowledgment is the response body; over WebSocket
// it arrives on the stream and is routed here through ack.
func (p *pipeline) attempt(req *controlRequest, form url.Values) error {
	ctx, cancel := p.clock.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	frames, err := p.transport.SendControl(ctx, req.endpoint, form)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if outcome, resolved := p.match(req.reqID, frame); resolved {
			return outcome
		}
	}
	if len(frames) > 0 {
		return fmt.Errorf("control request %d: response carried no matching acknowledgment", req.reqID)
	}

	timer := p.clock.Timer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case <-p.closed:
			return ErrSessionClosed
		case frame := <-p.ackCh:
			if outcome, resolved := p.match(req.reqID, frame); resolved {
				return outcome
			}
		case <-timer.C:
			return fmt.Errorf("control request %d: no acknowledgment within %v", req.reqID, p.timeout)
		}
	}
}

// match resolves an acknowledgment frame against the in-flight request.
// Acknowledgments for any other request id are a protocol anomaly: logged
// and dropped, never fatal.
func (p *pipeline) match(reqID int, frame protocol.Frame) (error, bool) {
	switch f := frame.(type) {
	case protocol.ReqOK:
		if f.ReqID == reqID {
			return nil, true
		}
	case protocol.ReqErr:
		if f.ReqID == reqID {
			return &ControlError{ReqID: f.ReqID, Code: f.Code, Message: f.Message}, true
		}
	case protocol.Error:
		// ERROR responses carry no request id; they refer to the request
		// being answered
		return &ControlError{ReqID: reqID, Code: f.Code, Message: f.Message}, true
	default:
		p.logger.Warn("unexpected frame on control link", "tag", frame.Tag())
		return nil, false
	}
	p.logger.Warn("out-of-order control acknowledgment", "want", reqID, "frame", protocol.Encode(frame))
	return nil, false
}

// ack feeds a REQOK/REQERR frame received on the stream to the sender.
func (p *pipeline) ack(frame protocol.Frame) {
	select {
	case p.ackCh <- frame:
	default:
		p.logger.Warn("dropping unmatched control acknowledgment", "frame", protocol.Encode(frame))
	}
}

// close fails the in-flight request and all future submissions with
// ErrSessionClosed.
func (p *pipeline) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
