package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/tracker"
)

// Cache is the engine side the reconciler reads from.
type Cache interface {
	Ready() <-chan struct{}
	Changes() <-chan struct{}
	Snapshot() *tracker.Snapshot
}

// Records is the store side the reconciler reads from.
type Records interface {
	Records() []store.Record
	OnlyOnline() bool
	Changes() <-chan store.Change
}

// View is the latest reconciled dashboard.
type View struct {
	Version     uint64    `json:"version"`
	Initialized bool      `json:"initialized"`
	Filter      string    `json:"filter"`
	OnlyOnline  bool      `json:"only_online"`
	Entries     []Entry   `json:"entries"`
	Grid        Grid      `json:"grid"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reconciler is the single point that recomputes the visible list and grid.
// Engine changes, store changes and filter edits all funnel into Run; nothing
// else touches the projector.
type Reconciler struct {
	cache Cache
	recs  Records
	proj  *Projector
	kick  chan struct{}

	mu      sync.RWMutex
	filter  string
	view    View
	version uint64
	subs    map[chan View]struct{}
}

// NewReconciler wires a reconciler. proj may be nil when no grid is needed.
func NewReconciler(cache Cache, recs Records, proj *Projector) *Reconciler {
	if proj == nil {
		proj = NewProjector(nil, nil)
	}
	return &Reconciler{
		cache: cache,
		recs:  recs,
		proj:  proj,
		kick:  make(chan struct{}, 1),
		subs:  map[chan View]struct{}{},
	}
}

// SetFilter replaces the session-only free-text filter.
func (r *Reconciler) SetFilter(f string) {
	r.mu.Lock()
	changed := r.filter != f
	r.filter = f
	r.mu.Unlock()
	if changed {
		r.Kick()
	}
}

// Filter returns the current free-text filter.
func (r *Reconciler) Filter() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter
}

// Kick requests a recompute.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// View returns the latest reconciled view. Before the engine finished
// initializing it is empty with Initialized unset.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Subscribe returns a channel receiving every new view. Slow readers only see
// the most recent one. The returned func cancels the subscription.
func (r *Reconciler) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	r.mu.Lock()
	if r.subs == nil {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.subs[ch] = struct{}{}
	if r.view.Initialized {
		ch <- r.view
	}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
		})
	}
}

// Run blocks until the engine is ready, renders once, then re-renders on every
// change until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "dashboard"))
	select {
	case <-ctx.Done():
		r.stop()
		return nil
	case <-r.cache.Ready():
	}
	r.reconcile(log)
	for {
		select {
		case <-ctx.Done():
			r.stop()
			return nil
		case <-r.cache.Changes():
		case c := <-r.recs.Changes():
			log.Debug("store changed", slog.String("kind", c.Kind.String()), slog.String("channel", c.Channel))
		case <-r.kick:
		}
		r.reconcile(log)
	}
}

func (r *Reconciler) reconcile(log *slog.Logger) {
	filter := r.Filter()
	onlyOnline := r.recs.OnlyOnline()
	snap := r.cache.Snapshot()
	entries := Visible(r.recs.Records(), snap, filter, onlyOnline)
	grid := r.proj.Project(entries)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.view = View{
		Version:     r.version,
		Initialized: true,
		Filter:      filter,
		OnlyOnline:  onlyOnline,
		Entries:     entries,
		Grid:        grid,
		UpdatedAt:   time.Now().UTC(),
	}
	for ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r.view:
		default:
		}
	}
	log.Debug("dashboard reconciled", slog.Uint64("version", r.version), slog.Int("visible", len(entries)), slog.Int("rows", grid.Rows))
}

func (r *Reconciler) stop() {
	r.proj.Detach()
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}
