// Package chat keeps an IRC connection to the user's own Twitch channel.
//
// The connection logs incoming messages and raid notices, and posts raid
// announcements on behalf of the raid controller. The user access token is
// re-read from the token source on every connect so refreshed tokens are
// picked up after a disconnect.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/oauth2"
)

// ircClient is the subset of *twitch.Client used here.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnUserNoticeMessage(func(twitch.UserNoticeMessage))
	SetIRCToken(string)
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Raid is an incoming raid into the own channel.
type Raid struct {
	From    string
	Viewers int
}

// Client is the own-channel chat connection.
type Client struct {
	channel string
	tokens  oauth2.TokenSource
	irc     ircClient

	// OnRaid is called for incoming raids when set.
	OnRaid func(Raid)

	connected atomic.Bool
	mu        sync.Mutex
	wired     bool
}

// New returns a client for channel authenticating with tokens.
func New(channel string, tokens oauth2.TokenSource) *Client {
	channel = strings.ToLower(strings.TrimSpace(channel))
	return &Client{channel: channel, tokens: tokens, irc: twitch.NewClient(channel, "")}
}

// Connected reports whether the IRC session is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Say posts message into the own channel. Messages are dropped while
// disconnected.
func (c *Client) Say(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if !c.connected.Load() {
		slog.Warn("chat not connected; message dropped", slog.String("component", "chat"), slog.String("channel", c.channel))
		return
	}
	c.irc.Say(c.channel, message)
}

// Run connects and reconnects with backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.channel == "" {
		return errors.New("chat: channel empty")
	}
	c.wire()
	log := slog.Default().With(slog.String("component", "chat"), slog.String("channel", c.channel))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute

	for {
		start := time.Now()
		err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			log.Info("chat stopped")
			return nil
		}
		if time.Since(start) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warn("chat connection lost", slog.Any("err", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("chat token: %w", err)
	}
	c.irc.SetIRCToken("oauth:" + strings.TrimPrefix(tok.AccessToken, "oauth:"))

	errCh := make(chan error, 1)
	go func() { errCh <- c.irc.Connect() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := c.irc.Disconnect(); err != nil {
			slog.Debug("chat disconnect", slog.String("component", "chat"), slog.Any("err", err))
		}
		<-errCh
		return ctx.Err()
	}
}

func (c *Client) wire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wired {
		return
	}
	c.wired = true
	c.irc.OnConnect(func() {
		c.connected.Store(true)
		slog.Info("chat connected", slog.String("component", "chat"), slog.String("channel", c.channel))
	})
	c.irc.OnPrivateMessage(c.handleMessage)
	c.irc.OnUserNoticeMessage(c.handleNotice)
	c.irc.Join(c.channel)
}

func (c *Client) handleMessage(msg twitch.PrivateMessage) {
	slog.Debug("chat message",
		slog.String("component", "chat"),
		slog.String("user", msg.User.DisplayName),
		slog.String("text", msg.Message))
}

func (c *Client) handleNotice(msg twitch.UserNoticeMessage) {
	r, ok := parseRaid(msg)
	if !ok {
		return
	}
	slog.Info("incoming raid", slog.String("component", "chat"), slog.String("from", r.From), slog.Int("viewers", r.Viewers))
	if c.OnRaid != nil {
		c.OnRaid(r)
	}
}

func parseRaid(msg twitch.UserNoticeMessage) (Raid, bool) {
	if msg.MsgID != "raid" {
		return Raid{}, false
	}
	from := msg.MsgParams["msg-param-displayName"]
	if from == "" {
		from = msg.User.DisplayName
	}
	viewers, _ := strconv.Atoi(msg.MsgParams["msg-param-viewerCount"])
	return Raid{From: from, Viewers: viewers}, true
}
