// Package session keeps the chat session alive and reconnects it with bounded
// exponential backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by SendText while the session is not open.
	ErrNotConnected = errors.New("session not connected")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("session supervisor stopped")
)

// DefaultCommand is the token that makes the supervisor reply with the
// conversation identifier.
const DefaultCommand = "!groupid"

// State is the supervisor connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Supervisor.
type Options struct {
	Policy       Policy
	Command      string
	ReplyTimeout time.Duration
	AfterFunc    AfterFunc
	Now          func() time.Time
}

// Status is a point-in-time view for health reporting.
type Status struct {
	State             State
	ReconnectAttempts int
	Exhausted         bool
	ConnectedSince    time.Time
}

// Supervisor owns the transport and its connection state.
type Supervisor struct {
	transport    Transport
	policy       Policy
	command      string
	replyTimeout time.Duration
	afterFunc    AfterFunc
	now          func() time.Time
	logger       zerolog.Logger

	mu             sync.Mutex
	state          State
	attempts       int
	exhausted      bool
	stopped        bool
	gen            uint64
	timer          Timer
	runCtx         context.Context
	connectedSince time.Time
	openCh         chan struct{}
	stopCh         chan struct{}
}

// NewSupervisor wires a transport. A zero Policy selects DefaultPolicy.
func NewSupervisor(t Transport, opts Options, logger zerolog.Logger) *Supervisor {
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	command := strings.ToLower(strings.TrimSpace(opts.Command))
	replyTimeout := opts.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = 10 * time.Second
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		transport:    t,
		policy:       policy.withDefaults(),
		command:      command,
		replyTimeout: replyTimeout,
		afterFunc:    afterFunc,
		now:          now,
		logger:       logger.With().Str("component", "session").Logger(),
		state:        Disconnected,
		runCtx:       context.Background(),
		openCh:       make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
}

// Start records ctx for scheduled reconnects and makes the first attempt.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Connect moves Disconnected to Connecting and starts a transport session. It
// supersedes any pending reconnect. Calling it in any other state is a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = Connecting
	s.gen++
	gen := s.gen
	attempts := s.attempts
	s.mu.Unlock()

	s.logger.Info().Int("attempt", attempts).Msg("connecting chat session")
	if err := s.transport.Connect(ctx, &attemptHandler{s: s, gen: gen}); err != nil {
		s.terminated(gen, err)
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// SendText delivers text while the session is open. Otherwise it fails with
// ErrNotConnected and leaves the state untouched.
func (s *Supervisor) SendText(ctx context.Context, destination, text string) error {
	state := s.State()
	if state != Open {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	if err := s.transport.SendText(ctx, destination, text); err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

// Stop closes the session and disables reconnects.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.state = Closing
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	err := s.transport.Close()

	s.mu.Lock()
	s.state = Disconnected
	s.connectedSince = time.Time{}
	s.mu.Unlock()
	s.logger.Info().Msg("chat session stopped")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// AwaitOpen blocks until the session is open, ctx ends, or Stop is called.
func (s *Supervisor) AwaitOpen(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return ErrStopped
		}
		if s.state == Open {
			s.mu.Unlock()
			return nil
		}
		if s.exhausted {
			s.mu.Unlock()
			return fmt.Errorf("%w: reconnect attempts exhausted", ErrNotConnected)
		}
		openCh := s.openCh
		s.mu.Unlock()

		select {
		case <-openCh:
		case <-s.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns the number of scheduled reconnects since the last
// successful open.
func (s *Supervisor) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Exhausted reports whether the supervisor gave up reconnecting.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// ConnectedSince returns when the session last opened, zero if not open.
func (s *Supervisor) ConnectedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedSince
}

// Status returns every accessor at once.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state,
		ReconnectAttempts: s.attempts,
		Exhausted:         s.exhausted,
		ConnectedSince:    s.connectedSince,
	}
}

func (s *Supervisor) opened(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped || s.state != Connecting {
		return
	}
	s.state = Open
	s.attempts = 0
	s.exhausted = false
	s.connectedSince = s.now()
	close(s.openCh)
	s.logger.Info().Msg("chat session open")
}

// terminated handles the end of session gen, scheduling a reconnect while
// attempts remain.
func (s *Supervisor) terminated(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.stopped {
		return
	}
	if s.state != Open && s.state != Connecting {
		return
	}
	if s.state == Open {
		s.openCh = make(chan struct{})
	}
	s.state = Disconnected
	s.connectedSince = time.Time{}

	if s.attempts >= s.policy.MaxAttempts {
		s.exhausted = true
		s.logger.WithLevel(zerolog.FatalLevel).Err(cause).
			Int("attempts", s.attempts).
			Msg("reconnect attempts exhausted; session stays disconnected")
		return
	}

	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.logger.Warn().Err(cause).
		Int("attempt", s.attempts).
		Dur("delay", delay).
		Msg("chat session closed; reconnect scheduled")
	s.timer = s.afterFunc(delay, s.reconnect)
}

func (s *Supervisor) reconnect() {
	s.mu.Lock()
	ctx := s.runCtx
	s.timer = nil
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil && !errors.Is(err, ErrStopped) {
		s.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (s *Supervisor) incoming(msg IncomingMessage) {
	if s.command == "" || strings.ToLower(strings.TrimSpace(msg.Text)) != s.command {
		return
	}

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, s.replyTimeout)
	defer cancel()

	reply := fmt.Sprintf("👥 This conversation ID is:\n*%s*", msg.ConversationID)
	if err := s.SendText(ctx, msg.ConversationID, reply); err != nil {
		s.logger.Error().Err(err).Str("conversation", msg.ConversationID).Msg("command reply failed")
		return
	}
	s.logger.Info().Str("conversation", msg.ConversationID).Msg("sent conversation id")
}

// attemptHandler ties transport callbacks to one connection attempt so late
// events from an older session are ignored.
type attemptHandler struct {
	s   *Supervisor
	gen uint64
}

func (h *attemptHandler) OnConnectionEvent(ev ConnectionEvent) {
	switch ev.Kind {
	case EventOpen:
		h.s.opened(h.gen)
	case EventClosed:
		h.s.terminated(h.gen, ev.Err)
	}
}

func (h *attemptHandler) OnIncomingMessage(msg IncomingMessage) {
	h.s.mu.Lock()
	current := h.gen == h.s.gen
	h.s.mu.Unlock()
	if current {
		h.s.incoming(msg)
	}
}

var _ Handler = (*attemptHandler)(nil)
