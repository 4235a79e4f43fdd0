// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/Citiga/BetterRaid/dashboard"
	"github.com/Citiga/BetterRaid/tracker"
)

// Engine is the read side of the synchronization engine.
type Engine interface {
	Initialized() bool
	Snapshot() *tracker.Snapshot
}

// Commands mutate the channel list and issue raids.
type Commands interface {
	AddChannel(ctx context.Context, name string) error
	RemoveChannel(ctx context.Context, name string) error
	Raid(ctx context.Context, name string) error
	Refresh(ctx context.Context)
	SetOnlyOnline(ctx context.Context, v bool)
	SetAutoSave(ctx context.Context, v bool)
	Save(ctx context.Context) error
	LastRaided(name string) *time.Time
}

// Dashboard is the reconciled view plus the session filter.
type Dashboard interface {
	View() dashboard.View
	Subscribe() (<-chan dashboard.View, func())
	SetFilter(f string)
}

// Actions invokes handlers bound to grid elements.
type Actions interface {
	Invoke(ctx context.Context, id, arg string) error
}

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	Engine    Engine
	Commands  Commands
	Dashboard Dashboard
	Actions   Actions
	// ControlToken, when set, is required in X-Control-Token on mutating requests.
	ControlToken string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps
	// sseKeepalive is the comment interval on event streams.
	sseKeepalive time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{ctx: ctx, deps: deps, sseKeepalive: 15 * time.Second}
}
