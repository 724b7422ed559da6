// Package session owns one long-lived notification stream: it frames the
// bytes, classifies each notification and hands the resulting events to a
// handler in stream order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/trymwestin/beoremote/internal/core/notify"
	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/core/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect on a session that is
	// connecting or streaming.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrSessionClosed is returned by Connect on a closed session, and when a
	// session is closed while its connect is in flight.
	ErrSessionClosed = errors.New("session: closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives classified events, one at a time, in stream order.
type Handler func(state.Event)

// ErrorHandler receives notifications that could not be parsed.
type ErrorHandler func(error)

// Session is a single-use notification stream. Reconnecting means creating a
// new Session; a closed one cannot be reopened.
type Session struct {
	dialer  transport.Dialer
	addr    *transport.Address
	handler Handler
	onError ErrorHandler
	log     *slog.Logger

	mu     sync.Mutex
	state  State
	stream transport.Stream
	cancel context.CancelFunc
	done   chan struct{}

	parseErrors atomic.Int64
	dispatched  atomic.Int64
}

// New creates an idle session. onError may be nil.
func New(dialer transport.Dialer, addr *transport.Address, handler Handler, onError ErrorHandler, log *slog.Logger) *Session {
	return &Session{
		dialer:  dialer,
		addr:    addr,
		handler: handler,
		onError: onError,
		log:     log,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session stops reading, whether the stream ended,
// failed or was disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ParseErrors returns how many frames were rejected.
func (s *Session) ParseErrors() int64 {
	return s.parseErrors.Load()
}

// Dispatched returns how many events were handed to the handler.
func (s *Session) Dispatched() int64 {
	return s.dispatched.Load()
}

// Connect opens the stream and starts dispatching. ctx bounds only the
// connect; the stream stays open until Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateStreaming:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	stream, err := s.dialer.Dial(streamCtx, s.addr)
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// From here on the reader either starts or never will; every path that
	// does not start it closes done.
	fail := func(err error) error {
		cancel()
		if stream != nil {
			stream.Close()
		}
		s.state = StateClosed
		close(s.done)
		return err
	}

	switch {
	case s.state != StateConnecting:
		return fail(ErrSessionClosed)
	case ctx.Err() != nil:
		return fail(fmt.Errorf("session: connect: %w", ctx.Err()))
	case err != nil:
		return fail(fmt.Errorf("session: connect: %w", err))
	}

	s.stream = stream
	s.state = StateStreaming
	go s.readLoop(stream)

	s.log.Info("notification session streaming", "address", s.addr.HostPort())
	return nil
}

// Disconnect closes the stream and waits for the reader to stop. After it
// returns no further events are dispatched. Safe to call in any state and
// more than once, but not from inside the event handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	if s.cancel != nil {
		s.cancel()
	}
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	switch prev {
	case StateIdle:
		close(s.done)
		return
	case StateConnecting, StateClosed:
		// A pending Connect sees the state change and cleans up itself.
		return
	}

	if stream != nil {
		stream.Close()
	}
	// The reader checks the state before every event, so once it exits
	// nothing else is dispatched.
	<-s.done
	s.log.Info("notification session closed", "address", s.addr.HostPort())
}

func (s *Session) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming
}

func (s *Session) readLoop(stream transport.Stream) {
	defer func() {
		s.mu.Lock()
		s.state = StateClosed
		s.stream = nil
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		stream.Close()
		close(s.done)
	}()

	// The framer lives and dies with this loop; no bytes cross sessions.
	var framer notify.Framer
	buf := make([]byte, 32*1024)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				if !s.dispatch(frame) {
					return
				}
			}
		}
		if err != nil {
			if s.streaming() {
				s.log.Warn("notification stream ended", "error", err, "buffered", framer.Buffered())
			}
			return
		}
	}
}

// dispatch decodes and delivers one frame. It returns false once the session
// is no longer streaming.
func (s *Session) dispatch(frame []byte) bool {
	if !s.streaming() {
		return false
	}

	evt, ok, err := notify.Decode(frame)
	if err != nil {
		s.parseErrors.Add(1)
		s.log.Warn("dropping malformed notification", "error", err, "frame", string(frame))
		if s.onError != nil {
			s.onError(err)
		}
		return true
	}
	if !ok {
		s.log.Debug("ignoring unhandled notification")
		return true
	}

	s.dispatched.Add(1)
	s.handler(evt)
	return true
}
