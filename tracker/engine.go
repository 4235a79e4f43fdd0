// Package tracker is the channel synchronization engine. A single goroutine
// (Run) owns the channel status cache; periodic ticks, lookup results, push
// events and track/untrack requests all reach it through one ordered inbox.
// Remote calls run on helper goroutines and post their results back, so a
// slow lookup never stalls push delivery or readers.
//
// Readers use Snapshot, which returns the latest immutable copy of the cache.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/channel"
	"github.com/Citiga/BetterRaid/telemetry"
)

// DefaultInterval is the periodic refresh interval.
const DefaultInterval = 10 * time.Second

// Options tunes the engine. Zero values select defaults.
type Options struct {
	Interval             time.Duration
	LookupTimeout        time.Duration
	SubscribeTimeout     time.Duration
	SubscribeConcurrency int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 8 * time.Second
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.SubscribeConcurrency <= 0 {
		o.SubscribeConcurrency = 4
	}
	return o
}

type (
	trackMsg   struct{ name string }
	untrackMsg struct{ name string }
	refreshMsg struct{}
	pushMsg    struct {
		key   string
		state channel.State
	}
	lookupMsg struct {
		names   []string
		results map[string]channel.LookupResult
		err     error
		full    bool
		track   bool
	}
	subscribedMsg struct {
		name string
		sub  channel.Subscription
		err  error
	}
)

// Engine keeps the channel status cache in sync with the remote service.
type Engine struct {
	svc  channel.Service
	opts Options

	inbox    chan any
	changes  chan struct{}
	ready    chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	snap     atomic.Pointer[Snapshot]

	// Owned by the Run goroutine.
	entries     map[string]*Entry
	subs        map[string]channel.Subscription
	pendingSubs map[string]bool
	refreshing  bool
	initialized bool
	version     uint64
}

// New creates an engine seeded with names. Nothing happens until Run.
func New(svc channel.Service, seed []string, opts Options) *Engine {
	e := &Engine{
		svc:         svc,
		opts:        opts.withDefaults(),
		inbox:       make(chan any, 256),
		changes:     make(chan struct{}, 1),
		ready:       make(chan struct{}),
		stopping:    make(chan struct{}),
		entries:     map[string]*Entry{},
		subs:        map[string]channel.Subscription{},
		pendingSubs: map[string]bool{},
	}
	for _, name := range seed {
		key := channel.Key(name)
		if key == "" {
			continue
		}
		if _, ok := e.entries[key]; ok {
			continue
		}
		e.entries[key] = &Entry{Name: name, Status: StatusLoading}
	}
	e.publish()
	return e
}

// Ready is closed once the initial refresh and event registration finished.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Initialized reports whether Ready is closed.
func (e *Engine) Initialized() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Changes receives a value after every cache change. Signals coalesce.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// Snapshot returns the latest published cache copy.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Interval returns the periodic refresh interval in use.
func (e *Engine) Interval() time.Duration { return e.opts.Interval }

// Track starts tracking name: single-channel refresh, then event registration.
// It does not wait for either.
func (e *Engine) Track(name string) { e.send(trackMsg{name: name}) }

// Untrack stops tracking name and tears down its push subscription.
func (e *Engine) Untrack(name string) { e.send(untrackMsg{name: name}) }

// Refresh requests an immediate bulk refresh of all tracked channels.
func (e *Engine) Refresh() { e.send(refreshMsg{}) }

func (e *Engine) send(m any) {
	select {
	case e.inbox <- m:
	case <-e.stopping:
	}
}

// Run drives the engine until ctx is canceled. It first refreshes every seeded
// channel and registers for their push events; only then does it serve the
// inbox and the periodic cycle.
func (e *Engine) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "tracker"))
	log.Info("engine starting", slog.Int("channels", len(e.entries)), slog.Duration("interval", e.opts.Interval))

	e.initialize(ctx)
	if ctx.Err() != nil {
		e.shutdown(ctx)
		return nil
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			log.Info("engine stopped")
			return nil
		case <-ticker.C:
			e.startRefresh(ctx)
		case m := <-e.inbox:
			e.handle(ctx, m)
		}
	}
}

func (e *Engine) initialize(ctx context.Context) {
	names := e.names()
	if len(names) > 0 {
		results, err := e.lookup(ctx, names)
		e.applyLookup(names, results, err)
	}

	type outcome struct {
		name string
		sub  channel.Subscription
		err  error
	}
	outcomes := make([]outcome, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.SubscribeConcurrency)
	for i, name := range names {
		e.pendingSubs[channel.Key(name)] = true
		g.Go(func() error {
			sub, err := e.subscribe(gctx, name)
			outcomes[i] = outcome{name: name, sub: sub, err: err}
			return nil
		})
	}
	_ = g.Wait()
	for _, o := range outcomes {
		e.handleSubscribed(ctx, subscribedMsg(o))
	}

	e.initialized = true
	e.publish()
	close(e.ready)
	e.notify()
	slog.Info("engine initialized", slog.String("component", "tracker"), slog.Int("channels", len(e.entries)), slog.Int("subscribed", len(e.subs)))
}

func (e *Engine) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case trackMsg:
		e.handleTrack(ctx, m.name)
	case untrackMsg:
		e.handleUntrack(ctx, m.name)
	case refreshMsg:
		e.startRefresh(ctx)
	case lookupMsg:
		if m.full {
			e.refreshing = false
		}
		e.applyLookup(m.names, m.results, m.err)
		if m.track {
			for _, name := range m.names {
				if _, ok := e.entries[channel.Key(name)]; ok {
					e.startSubscribe(ctx, name)
				}
			}
		}
	case pushMsg:
		e.applyPush(m.key, m.state)
	case subscribedMsg:
		e.handleSubscribed(ctx, m)
	default:
		slog.Warn("engine: unknown message", slog.Any("msg", m))
	}
}

func (e *Engine) handleTrack(ctx context.Context, name string) {
	key := channel.Key(name)
	if key == "" {
		return
	}
	if _, ok := e.entries[key]; ok {
		e.startSubscribe(ctx, name)
		return
	}
	e.entries[key] = &Entry{Name: name, Status: StatusLoading}
	e.publish()
	e.notify()
	e.async(func() {
		results, err := e.lookup(ctx, []string{name})
		e.send(lookupMsg{names: []string{name}, results: results, err: err, track: true})
	})
}

func (e *Engine) handleUntrack(ctx context.Context, name string) {
	key := channel.Key(name)
	if _, ok := e.entries[key]; !ok {
		return
	}
	delete(e.entries, key)
	if sub, ok := e.subs[key]; ok {
		delete(e.subs, key)
		e.async(func() { e.unsubscribe(ctx, sub) })
	}
	e.publish()
	e.notify()
}

func (e *Engine) startRefresh(ctx context.Context) {
	if !e.initialized {
		return
	}
	if e.refreshing {
		slog.Debug("engine: refresh already in flight, skipping", slog.String("component", "tracker"))
		return
	}
	names := e.names()
	if len(names) == 0 {
		e.notify()
		return
	}
	e.refreshing = true
	e.async(func() {
		results, err := e.lookup(ctx, names)
		e.send(lookupMsg{names: names, results: results, err: err, full: true})
	})
}

// lookup runs on a helper goroutine (or inside initialize) and must not touch
// actor-owned fields.
func (e *Engine) lookup(ctx context.Context, names []string) (map[string]channel.LookupResult, error) {
	telemetry.Inc(telemetry.RefreshCycles)
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "bulk_refresh", telemetry.ChannelCountAttr(len(names)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.LookupTimeout)
	defer cancel()

	var (
		results map[string]channel.LookupResult
		err     error
	)
	d := telemetry.TimeFunc(telemetry.RefreshDuration, func() {
		results, err = e.svc.LookupMany(ctx, names)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if !apperr.IsRemoteLookup(err) {
			err = &apperr.RemoteLookupError{Err: err}
		}
	} else {
		telemetry.SetSpanSuccess(span)
	}
	telemetry.LoggerWithCorr(ctx).Debug("bulk refresh finished",
		slog.String("component", "tracker"),
		slog.Int("requested", len(names)),
		slog.Int("returned", len(results)),
		slog.Duration("took", d))
	return results, err
}

func (e *Engine) applyLookup(names []string, results map[string]channel.LookupResult, err error) {
	now := time.Now().UTC()
	if err != nil {
		telemetry.Inc(telemetry.LookupFailures)
		slog.Warn("channel refresh failed", slog.String("component", "tracker"), slog.Int("channels", len(names)), slog.Any("err", err))
	}
	changed := false
	for _, name := range names {
		key := channel.Key(name)
		ent, ok := e.entries[key]
		if !ok {
			continue
		}
		changed = true
		res, got := results[key]
		switch {
		case got && res.Found:
			ent.State = channel.Merge(ent.State, res.State)
			ent.Status = statusFor(ent.State)
			ent.Found = true
			ent.Stale = false
			ent.LastError = ""
			ent.UpdatedAt = now
		case got:
			e.markFailed(ent, "channel not found")
		default:
			msg := "no result"
			if err != nil {
				msg = err.Error()
			}
			e.markFailed(ent, msg)
		}
	}
	if changed {
		e.publish()
		e.notify()
	}
}

// markFailed keeps the last good values of a previously found channel and
// flags it stale; a channel never found drops back to unknown.
func (e *Engine) markFailed(ent *Entry, reason string) {
	ent.LastError = reason
	if ent.Found {
		ent.Stale = true
		return
	}
	ent.Status = StatusUnknown
}

func (e *Engine) applyPush(key string, st channel.State) {
	ent, ok := e.entries[key]
	if !ok {
		slog.Debug("engine: push for untracked channel dropped", slog.String("channel", key))
		return
	}
	telemetry.Inc(telemetry.PushEvents)
	ent.State = channel.Merge(ent.State, st)
	ent.Status = statusFor(ent.State)
	ent.Found = true
	ent.Stale = false
	ent.LastError = ""
	ent.UpdatedAt = time.Now().UTC()
	e.publish()
	e.notify()
}

func (e *Engine) startSubscribe(ctx context.Context, name string) {
	key := channel.Key(name)
	if _, ok := e.subs[key]; ok {
		return
	}
	if e.pendingSubs[key] {
		return
	}
	e.pendingSubs[key] = true
	e.async(func() {
		sub, err := e.subscribe(ctx, name)
		select {
		case e.inbox <- subscribedMsg{name: name, sub: sub, err: err}:
		case <-e.stopping:
			// The actor is gone; nobody else will tear this one down.
			if err == nil {
				e.unsubscribe(ctx, sub)
			}
		}
	})
}

// subscribe runs off the actor goroutine.
func (e *Engine) subscribe(ctx context.Context, name string) (channel.Subscription, error) {
	key := channel.Key(name)
	ctx, cancel := context.WithTimeout(ctx, e.opts.SubscribeTimeout)
	defer cancel()
	sub, err := e.svc.Subscribe(ctx, name, func(st channel.State) {
		e.send(pushMsg{key: key, state: st})
	})
	if err != nil && !apperr.IsRemoteSubscription(err) {
		err = &apperr.RemoteSubscriptionError{Channel: name, Op: "subscribe", Err: err}
	}
	return sub, err
}

func (e *Engine) handleSubscribed(ctx context.Context, m subscribedMsg) {
	key := channel.Key(m.name)
	delete(e.pendingSubs, key)
	ent, tracked := e.entries[key]
	if m.err != nil {
		telemetry.Inc(telemetry.SubscriptionErrors)
		slog.Warn("push subscription failed; channel stays on periodic refresh",
			slog.String("component", "tracker"), slog.String("channel", m.name), slog.Any("err", m.err))
		if tracked {
			ent.Subscribed = false
			e.publish()
		}
		return
	}
	if !tracked {
		sub := m.sub
		e.async(func() { e.unsubscribe(ctx, sub) })
		return
	}
	e.subs[key] = m.sub
	ent.Subscribed = true
	e.publish()
}

// unsubscribe runs off the actor goroutine. It outlives ctx cancellation so
// that shutdown can still tear subscriptions down.
func (e *Engine) unsubscribe(ctx context.Context, sub channel.Subscription) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.SubscribeTimeout)
	defer cancel()
	if err := e.svc.Unsubscribe(uctx, sub); err != nil {
		telemetry.Inc(telemetry.SubscriptionErrors)
		var subErr *apperr.RemoteSubscriptionError
		if !errors.As(err, &subErr) {
			err = &apperr.RemoteSubscriptionError{Channel: sub.Channel, Op: "unsubscribe", Err: err}
		}
		slog.Warn("push unsubscribe failed", slog.String("component", "tracker"), slog.String("channel", sub.Channel), slog.Any("err", err))
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopping) })
	for key, sub := range e.subs {
		delete(e.subs, key)
		e.unsubscribe(ctx, sub)
	}
	e.wg.Wait()
	// Subscriptions that completed while shutdown began may still sit in the
	// inbox.
	for {
		select {
		case m := <-e.inbox:
			if sm, ok := m.(subscribedMsg); ok && sm.err == nil {
				e.unsubscribe(ctx, sm.sub)
			}
		default:
			return
		}
	}
}

func (e *Engine) async(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) names() []string {
	out := make([]string, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.Name)
	}
	return out
}

func (e *Engine) publish() {
	e.version++
	entries := make(map[string]Entry, len(e.entries))
	live := 0
	for k, ent := range e.entries {
		entries[k] = *ent
		if ent.Status == StatusLive {
			live++
		}
	}
	e.snap.Store(&Snapshot{Version: e.version, Initialized: e.initialized, Entries: entries})
	telemetry.SetChannelGauges(len(entries), live)
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}
