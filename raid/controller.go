// Package raid is the command surface behind the dashboard: adding and
// removing channels, display preferences, manual refreshes and raids.
package raid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/telemetry"
)

var (
	// ErrDuplicateChannel is returned when adding a channel already stored.
	ErrDuplicateChannel = errors.New("channel already tracked")
	// ErrUnknownChannel is returned for channels not in the store.
	ErrUnknownChannel = errors.New("channel not tracked")
	// ErrNoSourceChannel is returned by Raid when the own channel is unknown.
	ErrNoSourceChannel = errors.New("own channel not configured")
)

// Tracker is the engine side of the commands.
type Tracker interface {
	Track(name string)
	Untrack(name string)
	Refresh()
}

// Raider starts a raid on the remote service.
type Raider interface {
	StartRaid(ctx context.Context, from, to string) error
}

// Announcer posts a message into the own channel's chat.
type Announcer interface {
	Say(message string)
}

// Options configures optional collaborators.
type Options struct {
	// Own is the channel raids originate from.
	Own       string
	Raider    Raider
	Announcer Announcer
	// AnnounceTemplate is posted on raid with {channel} replaced; empty disables it.
	AnnounceTemplate string
	Now              func() time.Time
}

// Controller executes user commands against the store and the engine.
type Controller struct {
	store  *store.Store
	engine Tracker
	opts   Options
}

// New returns a controller.
func New(st *store.Store, engine Tracker, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{store: st, engine: engine, opts: opts}
}

// AddChannel validates and stores name, then starts tracking it. The engine
// work happens in the background.
func (c *Controller) AddChannel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if !store.ValidName(name) {
		return fmt.Errorf("%w: %q", store.ErrInvalidChannel, name)
	}
	added, err := c.store.AddChannel(name)
	if !added {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
	}
	c.reportSaveError(ctx, "add channel", err)
	c.engine.Track(name)
	telemetry.LoggerWithCorr(ctx).Info("channel added", slog.String("channel", name))
	return nil
}

// RemoveChannel drops name from the store and stops tracking it.
func (c *Controller) RemoveChannel(ctx context.Context, name string) error {
	removed, err := c.store.RemoveChannel(name)
	if !removed {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	c.reportSaveError(ctx, "remove channel", err)
	c.engine.Untrack(name)
	telemetry.LoggerWithCorr(ctx).Info("channel removed", slog.String("channel", name))
	return nil
}

// SetOnlyOnline toggles the online-only preference.
func (c *Controller) SetOnlyOnline(ctx context.Context, v bool) {
	_, err := c.store.SetOnlyOnline(v)
	c.reportSaveError(ctx, "set only online", err)
}

// SetAutoSave toggles autosave.
func (c *Controller) SetAutoSave(ctx context.Context, v bool) {
	_, err := c.store.SetAutoSave(v)
	c.reportSaveError(ctx, "set autosave", err)
}

// Save persists the store explicitly.
func (c *Controller) Save(ctx context.Context) error {
	if err := c.store.Save(""); err != nil {
		return err
	}
	telemetry.LoggerWithCorr(ctx).Info("store saved", slog.String("path", c.store.Path()))
	return nil
}

// Refresh asks the engine for an immediate bulk refresh.
func (c *Controller) Refresh(context.Context) { c.engine.Refresh() }

// Raid raids name. With a Raider configured the remote raid must succeed
// before the last-raided time is recorded.
func (c *Controller) Raid(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if !c.store.Contains(name) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", name))

	if c.opts.Raider != nil {
		if c.opts.Own == "" {
			return ErrNoSourceChannel
		}
		if err := c.opts.Raider.StartRaid(ctx, c.opts.Own, name); err != nil {
			log.Warn("raid failed", slog.Any("err", err))
			return fmt.Errorf("raid %s: %w", name, err)
		}
	}
	err := c.store.SetRaided(name, c.opts.Now())
	c.reportSaveError(ctx, "record raid", err)
	telemetry.Inc(telemetry.RaidsIssued)
	log.Info("raid issued", slog.String("from", c.opts.Own))

	if c.opts.Announcer != nil && c.opts.AnnounceTemplate != "" {
		c.opts.Announcer.Say(strings.ReplaceAll(c.opts.AnnounceTemplate, "{channel}", name))
	}
	return nil
}

// LastRaided returns when name was last raided, or nil.
func (c *Controller) LastRaided(name string) *time.Time { return c.store.GetLastRaided(name) }

// reportSaveError logs autosave failures; the in-memory change stands.
func (c *Controller) reportSaveError(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	telemetry.LoggerWithCorr(ctx).Warn("change not persisted", slog.String("op", op), slog.Any("err", err))
}
