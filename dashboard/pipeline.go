// Package dashboard turns the store and the engine cache into what the
// presentation layer shows: an ordered list of visible channels (Visible), a
// three-column grid of tiles (Projector) and a single reconciliation loop that
// recomputes both whenever anything they depend on changes (Reconciler).
package dashboard

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/tracker"
)

// Entry is one visible channel.
type Entry struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Status      tracker.Status `json:"status"`
	Live        bool           `json:"live"`
	Viewers     int            `json:"viewers"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Game        string         `json:"game,omitempty"`
	Title       string         `json:"title,omitempty"`
	Found       bool           `json:"found"`
	Stale       bool           `json:"stale"`
	LastRaided  *time.Time     `json:"last_raided"`
}

// Visible computes the ordered list of channels to show. It starts from the
// store records, so a cached channel that is no longer stored never appears.
// Filter matches display name or identifier as a case-insensitive substring,
// whitespace included, so "al " does not match "alice"; onlyOnline drops everything not live. The result is sorted by viewers
// descending, then display name ascending (ordinal).
func Visible(records []store.Record, snap *tracker.Snapshot, filter string, onlyOnline bool) []Entry {
	needle := strings.ToLower(filter)
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		e := entryFor(rec, snap)
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(e.Name), needle) {
			continue
		}
		if onlyOnline && !e.Live {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(b.Viewers, a.Viewers); c != 0 {
			return c
		}
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	return out
}

func entryFor(rec store.Record, snap *tracker.Snapshot) Entry {
	e := Entry{
		Name:        rec.Name,
		DisplayName: rec.Name,
		Status:      tracker.StatusUnknown,
		LastRaided:  rec.LastRaided,
	}
	cached, ok := snap.Get(rec.Name)
	if !ok {
		return e
	}
	e.Status = cached.Status
	e.Found = cached.Found
	e.Stale = cached.Stale
	if !cached.Found {
		return e
	}
	st := cached.State
	if st.DisplayName != "" {
		e.DisplayName = st.DisplayName
	}
	e.Live = st.Live
	if st.Live {
		e.Viewers = st.Viewers
	}
	e.AvatarURL = st.AvatarURL
	e.Game = st.Game
	e.Title = st.Title
	return e
}
