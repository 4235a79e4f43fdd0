// Package channel holds the live channel state shared between the remote
// service, the synchronization engine and the dashboard, plus the contract
// the engine consumes from the remote service.
package channel

import (
	"context"
	"strings"
	"time"
)

// State is the live state of one channel as reported by the remote service.
type State struct {
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
	Live        bool      `json:"live"`
	Viewers     int       `json:"viewers"`
	AvatarURL   string    `json:"avatar_url"`
	Game        string    `json:"game"`
	Title       string    `json:"title"`
	StartedAt   time.Time `json:"started_at"`
}

// Merge returns next applied on top of prev. Live flag and viewer count always
// come from next; descriptive fields keep their previous value when next does
// not carry one.
func Merge(prev, next State) State {
	out := next
	if out.Login == "" {
		out.Login = prev.Login
	}
	if out.DisplayName == "" {
		out.DisplayName = prev.DisplayName
	}
	if out.AvatarURL == "" {
		out.AvatarURL = prev.AvatarURL
	}
	if !out.Live {
		out.Viewers = 0
		out.StartedAt = time.Time{}
	}
	if out.Live && out.Game == "" {
		out.Game = prev.Game
	}
	return out
}

// Key normalizes a channel name for case-insensitive comparison.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Equal reports whether two channel names refer to the same channel.
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}

// LookupResult is the outcome of a lookup for one name. Found is false when
// the remote service does not know the channel.
type LookupResult struct {
	State State
	Found bool
}

// Subscription identifies an established push subscription. RemoteID is the
// service's own id for the channel; IDs are the subscription ids at the time
// it was established.
type Subscription struct {
	Channel  string
	RemoteID string
	IDs      []string
}

// Service is the remote channel service consumed by the engine. Every call may
// fail with a transport or not-found error.
type Service interface {
	// LookupMany fetches state for names in as few requests as possible. The
	// result is keyed by Key(name). Names missing from the result could not be
	// fetched; a non-nil error describes why.
	LookupMany(ctx context.Context, names []string) (map[string]LookupResult, error)
	// Subscribe registers onChange for live-state changes of name. onChange is
	// called from the service's delivery goroutine, in order per channel.
	Subscribe(ctx context.Context, name string, onChange func(State)) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}
