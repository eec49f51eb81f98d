// Package wsgateway implements the chat session over a WebSocket chat gateway.
//
// Frames are JSON text messages. Outbound: {"type":"send","to":"<id>","text":"..."}.
// Inbound: {"type":"message","from":"<id>","sender":"...","text":"..."}. Other
// inbound types are ignored.
package wsgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-digest/internal/session"
)

// ErrNoSession is returned by SendText before Connect succeeds.
var ErrNoSession = errors.New("wsgateway: no active session")

// Frame is the gateway wire message.
type Frame struct {
	Type   string `json:"type"`
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Options configure the gateway transport.
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

// Transport keeps one WebSocket connection per session.
type Transport struct {
	opts   Options
	dialer websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
}

// New validates opts and constructs the transport.
func New(opts Options, logger zerolog.Logger) (*Transport, error) {
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("websocket url must start with ws:// or wss://, got %q", opts.URL)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Transport{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.With().Str("component", "wsgateway").Logger(),
	}, nil
}

// Connect implements session.Transport.
func (t *Transport) Connect(ctx context.Context, h session.Handler) error {
	t.teardown(false)

	header := http.Header{}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.mu.Unlock()

	t.logger.Info().Str("url", t.opts.URL).Msg("gateway session established")
	h.OnConnectionEvent(session.ConnectionEvent{Kind: session.EventOpen})
	go t.readLoop(conn, done, h)
	go t.pingLoop(conn, done)
	return nil
}

// SendText implements session.Transport.
func (t *Transport) SendText(ctx context.Context, destination, text string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNoSession
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(Frame{Type: "send", To: destination, Text: text}); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close implements session.Transport.
func (t *Transport) Close() error {
	t.teardown(true)
	return nil
}

// teardown detaches the current connection before closing it, so its read
// loop exits without reporting an event.
func (t *Transport) teardown(graceful bool) {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	t.mu.Unlock()
	if done != nil {
		close(done)
	}
	if conn == nil {
		return
	}
	if graceful {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	}
	_ = conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}, h session.Handler) {
	pongWait := 2 * t.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
				return
			default:
			}
			t.logger.Warn().Err(err).Msg("gateway read failed")
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.done = nil
				close(done)
			}
			t.mu.Unlock()
			_ = conn.Close()
			h.OnConnectionEvent(session.ConnectionEvent{Kind: session.EventClosed, Err: err})
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if frame.Type != "message" || frame.From == "" {
			continue
		}
		h.OnIncomingMessage(session.IncomingMessage{
			ConversationID: frame.From,
			Sender:         frame.Sender,
			Text:           frame.Text,
		})
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			if err != nil {
				// The read loop observes the broken connection and reports it.
				t.logger.Debug().Err(err).Msg("gateway ping failed")
				return
			}
		}
	}
}

var _ session.Transport = (*Transport)(nil)
