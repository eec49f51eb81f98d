// Package telegram implements the chat session over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"

	"market-digest/internal/session"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrNoSession is returned by SendText before Connect succeeds.
var ErrNoSession = errors.New("telegram: no active session")

// Options configure the Telegram transport.
type Options struct {
	Token            string
	APIBase          string
	PollTimeout      time.Duration
	FailureThreshold int
	RetryDelay       time.Duration
	ParseMode        string
}

// Transport long-polls getUpdates for incoming messages and sends through
// sendMessage. The getMe handshake performed by telebot marks the session
// open; FailureThreshold consecutive poll failures close it.
type Transport struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	cancel context.CancelFunc
}

// New constructs a transport. Nothing is contacted until Connect.
func New(opts Options, logger zerolog.Logger) (*Transport, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.PollTimeout < 0 {
		opts.PollTimeout = 0
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Transport{
		opts:   opts,
		logger: logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// Connect implements session.Transport.
func (t *Transport) Connect(ctx context.Context, h session.Handler) error {
	t.teardown()

	bot, err := tele.NewBot(tele.Settings{
		URL:       t.opts.APIBase,
		Token:     t.opts.Token,
		ParseMode: tele.ParseMode(t.opts.ParseMode),
		Client:    &http.Client{Timeout: t.opts.PollTimeout + 10*time.Second},
	})
	if err != nil {
		return fmt.Errorf("telegram handshake: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.bot = bot
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info().Str("bot", bot.Me.Username).Msg("telegram session established")
	h.OnConnectionEvent(session.ConnectionEvent{Kind: session.EventOpen})
	go t.poll(sessCtx, bot, h)
	return nil
}

// SendText implements session.Transport.
func (t *Transport) SendText(ctx context.Context, destination, text string) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return ErrNoSession
	}
	_, err := bot.Send(chat(destination), text)
	if err != nil && t.opts.ParseMode != "" && isEntityParseError(err) {
		// Unbalanced markup in upstream text (usually the quote) rejects the
		// whole message; resend it verbatim without a parse mode.
		t.logger.Warn().Err(err).Str("destination", destination).Msg("markup rejected; resending as plain text")
		_, err = bot.Raw("sendMessage", map[string]string{
			"chat_id": destination,
			"text":    text,
		})
	}
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func isEntityParseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// Close implements session.Transport.
func (t *Transport) Close() error {
	t.teardown()
	return nil
}

func (t *Transport) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.bot = nil
}

func (t *Transport) poll(ctx context.Context, bot *tele.Bot, h session.Handler) {
	offset := 0
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.getUpdates(bot, offset)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			t.logger.Warn().Err(err).Int("failures", failures).Msg("getUpdates failed")
			if failures >= t.opts.FailureThreshold {
				h.OnConnectionEvent(session.ConnectionEvent{Kind: session.EventClosed, Err: err})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.opts.RetryDelay):
			}
			continue
		}

		failures = 0
		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			msg := u.Message
			if msg == nil {
				msg = u.ChannelPost
			}
			if msg == nil || msg.Chat == nil {
				continue
			}
			in := session.IncomingMessage{
				ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
				Text:           msg.Text,
			}
			if msg.Sender != nil {
				in.Sender = msg.Sender.Username
			}
			t.logger.Debug().Str("conversation", in.ConversationID).Msg("message received")
			h.OnIncomingMessage(in)
		}
	}
}

func (t *Transport) getUpdates(bot *tele.Bot, offset int) ([]tele.Update, error) {
	params := map[string]string{
		"offset":          strconv.Itoa(offset),
		"timeout":         strconv.Itoa(int(t.opts.PollTimeout / time.Second)),
		"allowed_updates": `["message","channel_post"]`,
	}
	data, err := bot.Raw("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return resp.Result, nil
}

// chat addresses a conversation by its numeric ID or @username.
type chat string

func (c chat) Recipient() string { return string(c) }

var _ session.Transport = (*Transport)(nil)
