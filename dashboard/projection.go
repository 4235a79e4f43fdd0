package dashboard

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Columns is the fixed grid width.
const Columns = 3

// Position returns the zero-based grid cell of the i-th visible channel.
func Position(i int) (row, col int) { return i / Columns, i % Columns }

// Rows returns the row count for n channels, reserving one trailing cell for
// the add-channel affordance.
func Rows(n int) int { return (n + 1 + Columns - 1) / Columns }

// Tile is a channel placed on the grid.
type Tile struct {
	Entry
	Row          int    `json:"row"`
	Col          int    `json:"col"`
	RaidAction   string `json:"raid_action"`
	RemoveAction string `json:"remove_action"`
}

// AddCell is the trailing add-channel cell.
type AddCell struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Action string `json:"action"`
}

// Grid is one rendering of the dashboard.
type Grid struct {
	Columns int     `json:"columns"`
	Rows    int     `json:"rows"`
	Tiles   []Tile  `json:"tiles"`
	Add     AddCell `json:"add"`
}

// Handler runs when an interactive grid element is invoked. arg carries the
// caller payload (the channel name for the add cell).
type Handler func(ctx context.Context, arg string) error

// Binder attaches handlers to grid elements.
type Binder interface {
	Bind(h Handler) (id string, unbind func())
}

// Actions is the command surface tiles are wired to.
type Actions interface {
	AddChannel(ctx context.Context, name string) error
	RemoveChannel(ctx context.Context, name string) error
	Raid(ctx context.Context, name string) error
}

// Projector builds grids and owns the handler bindings of the current one.
// Each Project call detaches every binding made by the previous call first.
type Projector struct {
	binder  Binder
	actions Actions
	unbind  []func()
}

// NewProjector returns a projector binding tile actions through binder.
func NewProjector(binder Binder, actions Actions) *Projector {
	return &Projector{binder: binder, actions: actions}
}

// Project lays entries out in a Columns-wide grid with a trailing add cell.
func (p *Projector) Project(entries []Entry) Grid {
	p.Detach()

	g := Grid{Columns: Columns, Rows: Rows(len(entries)), Tiles: make([]Tile, 0, len(entries))}
	for i, e := range entries {
		row, col := Position(i)
		name := e.Name
		g.Tiles = append(g.Tiles, Tile{
			Entry:        e,
			Row:          row,
			Col:          col,
			RaidAction:   p.bind(func(ctx context.Context, _ string) error { return p.actions.Raid(ctx, name) }),
			RemoveAction: p.bind(func(ctx context.Context, _ string) error { return p.actions.RemoveChannel(ctx, name) }),
		})
	}
	row, col := Position(len(entries))
	g.Add = AddCell{Row: row, Col: col, Action: p.bind(p.actions.AddChannel)}
	return g
}

// Detach releases every binding of the current grid.
func (p *Projector) Detach() {
	for _, fn := range p.unbind {
		fn()
	}
	p.unbind = p.unbind[:0]
}

func (p *Projector) bind(h Handler) string {
	if p.binder == nil || p.actions == nil {
		return ""
	}
	id, unbind := p.binder.Bind(h)
	p.unbind = append(p.unbind, unbind)
	return id
}

// ErrUnknownAction is returned by Invoke for ids not bound to the current grid.
var ErrUnknownAction = errors.New("dashboard: unknown action")

// Registry is a Binder keyed by random ids.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Bind registers h under a fresh id.
func (r *Registry) Bind(h Handler) (string, func()) {
	id := uuid.NewString()
	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
	return id, func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// Invoke runs the handler bound to id.
func (r *Registry) Invoke(ctx context.Context, id, arg string) error {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownAction
	}
	return h(ctx, arg)
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
