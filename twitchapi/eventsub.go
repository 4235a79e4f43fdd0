package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// DefaultEventSubURL is the Twitch EventSub WebSocket endpoint.
const DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// Subscription types used for live-state pushes.
const (
	EventStreamOnline  = "stream.online"
	EventStreamOffline = "stream.offline"
)

const keepaliveMargin = 5 * time.Second

// Event is a stream.online or stream.offline notification.
type Event struct {
	Type          string
	BroadcasterID string
	Login         string
	DisplayName   string
	StartedAt     time.Time
}

// Creator manages EventSub subscriptions; HelixClient implements it.
type Creator interface {
	CreateEventSubSubscription(ctx context.Context, typ, version, broadcasterID, sessionID string) (string, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

type registration struct {
	handler func(Event)
	subIDs  []string
}

// EventSub maintains one WebSocket session and the subscriptions bound to it.
// Notifications are handled on the session's reader goroutine, so handlers for
// one broadcaster run in delivery order.
type EventSub struct {
	URL    string
	API    Creator
	Dialer *websocket.Dialer

	mu        sync.Mutex
	sessionID string
	ready     chan struct{}
	regs      map[string]*registration
	bySubID   map[string]string
}

// NewEventSub returns an EventSub using url (DefaultEventSubURL when empty).
func NewEventSub(api Creator, url string) *EventSub {
	if url == "" {
		url = DefaultEventSubURL
	}
	return &EventSub{
		URL:     url,
		API:     api,
		ready:   make(chan struct{}),
		regs:    map[string]*registration{},
		bySubID: map[string]string{},
	}
}

type wsMessage struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event struct {
		BroadcasterUserID    string    `json:"broadcaster_user_id"`
		BroadcasterUserLogin string    `json:"broadcaster_user_login"`
		BroadcasterUserName  string    `json:"broadcaster_user_name"`
		StartedAt            time.Time `json:"started_at"`
	} `json:"event"`
}

// errReconnect asks Run to switch to a new URL without backing off.
type errReconnect struct{ url string }

func (e *errReconnect) Error() string { return "eventsub: reconnect requested" }

// Run keeps the session alive until ctx is canceled. Lost connections are
// redialed with exponential backoff; a fresh session re-creates every
// registered subscription.
func (es *EventSub) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "eventsub"))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute

	url := es.URL
	carryOver := false
	for {
		welcomed, err := es.session(ctx, url, carryOver)
		if ctx.Err() != nil {
			es.clearSession()
			return nil
		}
		var rc *errReconnect
		if errors.As(err, &rc) {
			log.Info("eventsub reconnect requested", slog.String("url", rc.url))
			url, carryOver = rc.url, true
			continue
		}
		es.clearSession()
		url, carryOver = es.URL, false
		if welcomed {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warn("eventsub connection lost", slog.Any("err", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session serves one connection. carryOver marks a reconnect where Twitch
// moves existing subscriptions to the new session.
func (es *EventSub) session(ctx context.Context, url string, carryOver bool) (welcomed bool, err error) {
	dialer := es.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("eventsub dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	keepalive := 10 * time.Second
	for {
		if err := conn.SetReadDeadline(time.Now().Add(keepalive + keepaliveMargin)); err != nil {
			return welcomed, err
		}
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return welcomed, fmt.Errorf("eventsub read: %w", err)
		}
		switch msg.Metadata.MessageType {
		case "session_welcome":
			var p sessionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return welcomed, fmt.Errorf("eventsub welcome: %w", err)
			}
			if p.Session.KeepaliveTimeoutSeconds > 0 {
				keepalive = time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second
			}
			welcomed = true
			es.setSession(p.Session.ID)
			slog.Info("eventsub session established", slog.String("component", "eventsub"), slog.String("session", p.Session.ID), slog.Duration("keepalive", keepalive))
			if !carryOver {
				go es.resubscribe(ctx, p.Session.ID)
			}
		case "session_keepalive":
		case "session_reconnect":
			var p sessionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
				return welcomed, fmt.Errorf("eventsub reconnect without url")
			}
			return welcomed, &errReconnect{url: p.Session.ReconnectURL}
		case "notification":
			es.dispatch(msg)
		case "revocation":
			var p notificationPayload
			if err := json.Unmarshal(msg.Payload, &p); err == nil {
				slog.Warn("eventsub subscription revoked", slog.String("component", "eventsub"),
					slog.String("id", p.Subscription.ID), slog.String("type", p.Subscription.Type), slog.String("status", p.Subscription.Status))
				es.forget(p.Subscription.ID)
			}
		default:
			slog.Debug("eventsub message ignored", slog.String("type", msg.Metadata.MessageType))
		}
	}
}

func (es *EventSub) dispatch(msg wsMessage) {
	var p notificationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Warn("eventsub notification decode failed", slog.Any("err", err))
		return
	}
	id := p.Event.BroadcasterUserID
	es.mu.Lock()
	reg := es.regs[id]
	es.mu.Unlock()
	if reg == nil {
		slog.Debug("eventsub notification for unknown broadcaster", slog.String("broadcaster", id))
		return
	}
	reg.handler(Event{
		Type:          msg.Metadata.SubscriptionType,
		BroadcasterID: id,
		Login:         p.Event.BroadcasterUserLogin,
		DisplayName:   p.Event.BroadcasterUserName,
		StartedAt:     p.Event.StartedAt,
	})
}

// Subscribe registers handler for online/offline events of broadcasterID. It
// waits for the session to be established.
func (es *EventSub) Subscribe(ctx context.Context, broadcasterID string, handler func(Event)) ([]string, error) {
	sessionID, err := es.waitSession(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := es.create(ctx, broadcasterID, sessionID)
	if err != nil {
		return nil, err
	}
	es.mu.Lock()
	if old := es.regs[broadcasterID]; old != nil {
		for _, id := range old.subIDs {
			delete(es.bySubID, id)
		}
	}
	es.regs[broadcasterID] = &registration{handler: handler, subIDs: ids}
	for _, id := range ids {
		es.bySubID[id] = broadcasterID
	}
	es.mu.Unlock()
	return ids, nil
}

// Unsubscribe deletes the current subscriptions of broadcasterID and drops its
// handler. Unknown broadcasters are a no-op.
func (es *EventSub) Unsubscribe(ctx context.Context, broadcasterID string) error {
	es.mu.Lock()
	reg := es.regs[broadcasterID]
	delete(es.regs, broadcasterID)
	if reg != nil {
		for _, id := range reg.subIDs {
			delete(es.bySubID, id)
		}
	}
	es.mu.Unlock()
	if reg == nil {
		return nil
	}
	var errs []error
	for _, id := range reg.subIDs {
		if err := es.API.DeleteEventSubSubscription(ctx, id); err != nil {
			var he *HelixError
			if errors.As(err, &he) && he.StatusCode == 404 {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registered returns the number of broadcasters with a handler.
func (es *EventSub) Registered() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.regs)
}

func (es *EventSub) create(ctx context.Context, broadcasterID, sessionID string) ([]string, error) {
	var ids []string
	for _, typ := range []string{EventStreamOnline, EventStreamOffline} {
		id, err := es.API.CreateEventSubSubscription(ctx, typ, "1", broadcasterID, sessionID)
		if err != nil {
			for _, created := range ids {
				_ = es.API.DeleteEventSubSubscription(context.WithoutCancel(ctx), created)
			}
			return nil, fmt.Errorf("create %s subscription: %w", typ, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// resubscribe re-creates subscriptions for every registration on a new session.
func (es *EventSub) resubscribe(ctx context.Context, sessionID string) {
	es.mu.Lock()
	ids := make([]string, 0, len(es.regs))
	for id := range es.regs {
		ids = append(ids, id)
	}
	es.mu.Unlock()
	for _, broadcasterID := range ids {
		subIDs, err := es.create(ctx, broadcasterID, sessionID)
		if err != nil {
			slog.Warn("eventsub resubscribe failed", slog.String("component", "eventsub"), slog.String("broadcaster", broadcasterID), slog.Any("err", err))
			continue
		}
		es.mu.Lock()
		reg := es.regs[broadcasterID]
		if reg == nil {
			es.mu.Unlock()
			for _, id := range subIDs {
				_ = es.API.DeleteEventSubSubscription(ctx, id)
			}
			continue
		}
		for _, id := range reg.subIDs {
			delete(es.bySubID, id)
		}
		reg.subIDs = subIDs
		for _, id := range subIDs {
			es.bySubID[id] = broadcasterID
		}
		es.mu.Unlock()
	}
}

func (es *EventSub) forget(subID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	broadcasterID, ok := es.bySubID[subID]
	if !ok {
		return
	}
	delete(es.bySubID, subID)
	if reg := es.regs[broadcasterID]; reg != nil {
		kept := reg.subIDs[:0]
		for _, id := range reg.subIDs {
			if id != subID {
				kept = append(kept, id)
			}
		}
		reg.subIDs = kept
	}
}

func (es *EventSub) setSession(id string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.sessionID = id
	select {
	case <-es.ready:
	default:
		close(es.ready)
	}
}

func (es *EventSub) clearSession() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.sessionID = ""
	select {
	case <-es.ready:
		es.ready = make(chan struct{})
	default:
	}
}

func (es *EventSub) waitSession(ctx context.Context) (string, error) {
	for {
		es.mu.Lock()
		id, ready := es.sessionID, es.ready
		es.mu.Unlock()
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("eventsub session not established: %w", ctx.Err())
		case <-ready:
		}
	}
}
