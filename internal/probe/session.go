package probe

import (
	"context"
	"errors"
	"fmt"
)

// Phase is the position of a session in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseSending
	PhaseAwaitingReply
	PhaseReporting
	PhaseClosed
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseConnected:     "connected",
	PhaseSending:       "sending",
	PhaseAwaitingReply: "awaiting-reply",
	PhaseReporting:     "reporting",
	PhaseClosed:        "closed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Session owns exactly one transport handle for the lifetime of a run.
// It is not safe for concurrent use; trials are strictly sequential.
type Session struct {
	target Target
	opts   Options
	dial   DialFunc
	conn   Conn
	phase  Phase
	broken error
	trials int
}

// NewSession returns an idle session for target.
func NewSession(target Target, opts Options) *Session {
	return &Session{target: target, opts: opts, dial: Connect, phase: PhaseIdle}
}

func (s *Session) Target() Target { return s.target }

func (s *Session) Phase() Phase { return s.phase }

// Trials is the number of payloads sent on this session.
func (s *Session) Trials() int { return s.trials }

// Broken returns the fault that made the stream unusable, if any.
func (s *Session) Broken() error { return s.broken }

// Open acquires the transport handle. A failure leaves the session closed.
func (s *Session) Open(ctx context.Context) error {
	if s.phase != PhaseIdle {
		return fmt.Errorf("open: session is %s", s.phase)
	}
	conn, err := s.dial(ctx, s.target, s.opts)
	if err != nil {
		s.phase = PhaseClosed
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) {
			err = &ConnectError{Target: s.target, Err: err}
		}
		return err
	}
	s.conn = conn
	s.phase = PhaseConnected
	return nil
}

// Trial runs one send/receive cycle. report, when set, sees the result
// while the session is in PhaseReporting. A session that is not connected
// reports ErrNotConnected and keeps its phase.
func (s *Session) Trial(ctx context.Context, payload []byte, report func(Result)) Result {
	if s.phase != PhaseConnected {
		result := Result{Kind: KindTransportError, Payload: payload, Err: ErrNotConnected}
		if report != nil {
			report(result)
		}
		return result
	}

	var result Result
	switch {
	case s.broken != nil:
		result = Result{Kind: KindTransportError, Payload: payload, Err: fmt.Errorf("%w: %v", ErrConnectionLost, s.broken)}
	default:
		s.phase = PhaseSending
		result = exchange(ctx, s.conn, payload, s.opts.timeoutFor(s.target), func() {
			s.phase = PhaseAwaitingReply
		})
		if len(payload) > 0 {
			s.trials++
		}
		if s.breaksStream(ctx, result) {
			s.broken = result.Err
		}
	}

	if s.phase != PhaseClosed {
		s.phase = PhaseReporting
	}
	if report != nil {
		report(result)
	}
	if s.phase == PhaseReporting {
		s.phase = PhaseConnected
	}
	return result
}

// breaksStream reports whether a trial fault leaves a TCP connection unusable.
// Datagram sockets have no connection state to lose.
func (s *Session) breaksStream(ctx context.Context, result Result) bool {
	if s.target.Transport != TransportStream || result.Kind != KindTransportError {
		return false
	}
	if ctx.Err() != nil || errors.Is(result.Err, ErrEmptyPayload) {
		return false
	}
	return true
}

// Close releases the transport handle. Only the first call closes it.
func (s *Session) Close() error {
	if s.phase == PhaseClosed && s.conn == nil {
		return nil
	}
	s.phase = PhaseClosed
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
