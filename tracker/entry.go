package tracker

import (
	"time"

	"github.com/Citiga/BetterRaid/channel"
)

// Status is the per-channel synchronization state.
type Status int

const (
	StatusUnknown Status = iota
	StatusLoading
	StatusLive
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLive:
		return "live"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name; unrecognized names become StatusUnknown.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "loading":
		*s = StatusLoading
	case "live":
		*s = StatusLive
	case "offline":
		*s = StatusOffline
	default:
		*s = StatusUnknown
	}
	return nil
}

// Entry is the cached state of one tracked channel. Stale is set when the most
// recent refresh failed; State then still holds the last good values.
type Entry struct {
	Name       string        `json:"name"`
	State      channel.State `json:"state"`
	Status     Status        `json:"status"`
	Found      bool          `json:"found"`
	Stale      bool          `json:"stale"`
	Subscribed bool          `json:"subscribed"`
	LastError  string        `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Snapshot is an immutable copy of the cache published after every change.
type Snapshot struct {
	Version     uint64
	Initialized bool
	Entries     map[string]Entry
}

// Get returns the entry for name (case-insensitive).
func (s *Snapshot) Get(name string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.Entries[channel.Key(name)]
	return e, ok
}

// Len returns the number of cached entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

func statusFor(st channel.State) Status {
	if st.Live {
		return StatusLive
	}
	return StatusOffline
}
