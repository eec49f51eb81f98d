package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type sent struct {
	to   string
	text string
}

type fakeTransport struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	autoOpen   bool
	handler    Handler
	sent       []sent
	closed     int
}

func (f *fakeTransport) Connect(ctx context.Context, h Handler) error {
	f.mu.Lock()
	f.connects++
	f.handler = h
	err, auto := f.connectErr, f.autoOpen
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		h.OnConnectionEvent(ConnectionEvent{Kind: EventOpen})
	}
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, destination, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: destination, text: text})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) emit(ev ConnectionEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnConnectionEvent(ev)
}

func (f *fakeTransport) receive(msg IncomingMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnIncomingMessage(msg)
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	delays []time.Duration
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{fn: fn}
	f.delays = append(f.delays, d)
	f.timers = append(f.timers, t)
	return t
}

// fire runs the most recent timer unless it was stopped.
func (f *fakeTimers) fire(t *testing.T) {
	t.Helper()
	if len(f.timers) == 0 {
		t.Fatal("no timer scheduled")
	}
	last := f.timers[len(f.timers)-1]
	if last.stopped {
		t.Fatal("latest timer was stopped")
	}
	last.fn()
}

func newTestSupervisor(tr Transport, timers *fakeTimers, policy Policy) *Supervisor {
	return NewSupervisor(tr, Options{Policy: policy, Command: DefaultCommand, AfterFunc: timers.AfterFunc}, zerolog.Nop())
}

func TestPolicyDelaySequence(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := p.Delay(i); got != w*time.Second {
			t.Fatalf("attempt %d: got %v want %v", i, got, w*time.Second)
		}
	}
	if got := p.Delay(200); got != time.Minute {
		t.Fatalf("large attempt must cap, got %v", got)
	}
}

func TestConnectOpensAndResetsAttempts(t *testing.T) {
	tr := &fakeTransport{}
	timers := &fakeTimers{}
	s := newTestSupervisor(tr, timers, DefaultPolicy())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != Connecting {
		t.Fatalf("expected connecting, got %s", s.State())
	}
	tr.emit(ConnectionEvent{Kind: EventOpen})
	if s.State() != Open || s.ConnectedSince().IsZero() {
		t.Fatalf("expected open, got %s", s.State())
	}

	tr.emit(ConnectionEvent{Kind: EventClosed, Err: errors.New("reset")})
	if s.State() != Disconnected || s.ReconnectAttempts() != 1 {
		t.Fatalf("expected disconnected with 1 attempt, got %s %d", s.State(), s.ReconnectAttempts())
	}
	if timers.delays[0] != time.Second {
		t.Fatalf("first backoff should be base delay, got %v", timers.delays[0])
	}

	timers.fire(t)
	tr.emit(ConnectionEvent{Kind: EventOpen})
	if s.State() != Open || s.ReconnectAttempts() != 0 {
		t.Fatalf("open must reset attempts, got %s %d", s.State(), s.ReconnectAttempts())
	}
}

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	timers := &fakeTimers{}
	s := newTestSupervisor(tr, timers, Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 8})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("connect error should be returned")
	}
	for i := 0; i < 8; i++ {
		timers.fire(t)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	if len(timers.delays) != len(want) {
		t.Fatalf("expected %d scheduled reconnects, got %v", len(want), timers.delays)
	}
	for i, w := range want {
		if timers.delays[i] != w*time.Second {
			t.Fatalf("delay %d: got %v want %v", i, timers.delays[i], w*time.Second)
		}
	}
	if !s.Exhausted() || s.State() != Disconnected {
		t.Fatalf("expected exhausted disconnected, got %v %s", s.Exhausted(), s.State())
	}
	if tr.connects != 9 {
		t.Fatalf("expected initial attempt plus 8 reconnects, got %d", tr.connects)
	}
}

func TestSendTextRequiresOpen(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSupervisor(tr, &fakeTimers{}, DefaultPolicy())

	err := s.SendText(context.Background(), "chat-1", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("send must not change state, got %s", s.State())
	}

	_ = s.Connect(context.Background())
	err = s.SendText(context.Background(), "chat-1", "hi")
	if !errors.Is(err, ErrNotConnected) || s.State() != Connecting {
		t.Fatalf("connecting is not open: %v %s", err, s.State())
	}

	tr.emit(ConnectionEvent{Kind: EventOpen})
	if err := s.SendText(context.Background(), "chat-1", "hi"); err != nil {
		t.Fatalf("send while open: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].to != "chat-1" {
		t.Fatalf("unexpected sends: %+v", tr.sent)
	}
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{autoOpen: true}
	timers := &fakeTimers{}
	s := newTestSupervisor(tr, timers, DefaultPolicy())

	_ = s.Start(context.Background())
	tr.emit(ConnectionEvent{Kind: EventClosed})
	if len(timers.timers) != 1 {
		t.Fatal("expected a pending reconnect")
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("manual connect: %v", err)
	}
	if !timers.timers[0].stopped {
		t.Fatal("manual connect should cancel the pending timer")
	}
	if s.State() != Open {
		t.Fatalf("expected open, got %s", s.State())
	}
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	tr := &fakeTransport{autoOpen: true}
	timers := &fakeTimers{}
	s := newTestSupervisor(tr, timers, DefaultPolicy())

	_ = s.Start(context.Background())
	old := tr.handler
	tr.emit(ConnectionEvent{Kind: EventClosed})
	timers.fire(t)
	if s.State() != Open {
		t.Fatalf("expected reopened session, got %s", s.State())
	}

	old.OnConnectionEvent(ConnectionEvent{Kind: EventClosed})
	if s.State() != Open || len(timers.delays) != 1 {
		t.Fatalf("late close from an old session must be ignored: %s %v", s.State(), timers.delays)
	}
}

func TestStopDisablesReconnect(t *testing.T) {
	tr := &fakeTransport{autoOpen: true}
	timers := &fakeTimers{}
	s := newTestSupervisor(tr, timers, DefaultPolicy())
	_ = s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.closed != 1 || s.State() != Disconnected {
		t.Fatalf("stop should close transport: closed=%d state=%s", tr.closed, s.State())
	}

	tr.emit(ConnectionEvent{Kind: EventClosed})
	if len(timers.delays) != 0 {
		t.Fatal("no reconnect after stop")
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := s.AwaitOpen(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestCommandReplyWithConversationID(t *testing.T) {
	tr := &fakeTransport{autoOpen: true}
	s := newTestSupervisor(tr, &fakeTimers{}, DefaultPolicy())
	_ = s.Start(context.Background())

	tr.receive(IncomingMessage{ConversationID: "-100123", Text: "hello"})
	if len(tr.sent) != 0 {
		t.Fatal("ordinary messages get no reply")
	}

	tr.receive(IncomingMessage{ConversationID: "-100123", Text: "  !GroupID \n"})
	if len(tr.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(tr.sent))
	}
	if tr.sent[0].to != "-100123" || tr.sent[0].text != "👥 This conversation ID is:\n*-100123*" {
		t.Fatalf("unexpected reply: %+v", tr.sent[0])
	}
}

func TestAwaitOpen(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSupervisor(tr, &fakeTimers{}, DefaultPolicy())
	_ = s.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.AwaitOpen(context.Background()) }()
	tr.emit(ConnectionEvent{Kind: EventOpen})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitOpen did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.emit(ConnectionEvent{Kind: EventClosed})
	if err := s.AwaitOpen(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
