// Package store persists the user's tracked channel list, per-channel
// last-raided timestamps and display preferences as a single JSON document.
//
// Channel names are unique case-insensitively. When AutoSave is enabled every
// mutation is written synchronously to the established path; a failed write is
// reported to the caller but the in-memory mutation is kept.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/channel"
	"github.com/Citiga/BetterRaid/telemetry"
)

// DefaultPath is used when no store path is configured.
const DefaultPath = "db.json"

// ErrInvalidChannel is returned when a channel name is not a Twitch login.
var ErrInvalidChannel = errors.New("invalid channel name")

// fileMode is applied to the saved document.
const fileMode fs.FileMode = 0o644

var loginPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

// ValidName reports whether name (already trimmed) is a well-formed Twitch
// login. A malformed login fails the whole Helix batch it is sent in.
func ValidName(name string) bool { return loginPattern.MatchString(name) }

// document is the on-disk schema. Field names are part of the file format.
type document struct {
	OnlyOnline bool
	Channels   []string
	LastRaided map[string]*time.Time
	AutoSave   bool
}

// ChangeKind describes what a mutation touched.
type ChangeKind int

const (
	ChannelAdded ChangeKind = iota
	ChannelRemoved
	ChannelRaided
	PreferencesChanged
)

func (k ChangeKind) String() string {
	switch k {
	case ChannelAdded:
		return "channel_added"
	case ChannelRemoved:
		return "channel_removed"
	case ChannelRaided:
		return "channel_raided"
	case PreferencesChanged:
		return "preferences_changed"
	default:
		return "unknown"
	}
}

// Change is emitted after every effective mutation.
type Change struct {
	Kind    ChangeKind
	Channel string
}

// Record is a read-only view of one tracked channel.
type Record struct {
	Name       string
	LastRaided *time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	doc     document
	changes chan Change
}

// New returns an empty store. path may be empty; Save then requires an
// explicit path.
func New(path string) *Store {
	return &Store{
		path:    path,
		doc:     document{LastRaided: map[string]*time.Time{}},
		changes: make(chan Change, 32),
	}
}

// Load reads the store at path. Relative paths resolve against the working
// directory. Channels without a LastRaided entry get a nil entry.
func Load(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &apperr.ConfigurationError{Field: "store path", Reason: "empty"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &apperr.ConfigurationError{Field: "store path", Err: err}
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &apperr.NotFoundError{Path: abs, Err: err}
		}
		return nil, fmt.Errorf("read store %s: %w", abs, err)
	}
	var doc *document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &apperr.ParseError{Path: abs, Err: err}
	}
	if doc == nil {
		return nil, &apperr.ParseError{Path: abs, Err: errors.New("empty document")}
	}

	s := New(abs)
	s.doc.OnlyOnline = doc.OnlyOnline
	s.doc.AutoSave = doc.AutoSave
	for k, v := range doc.LastRaided {
		s.doc.LastRaided[k] = v
	}
	for _, name := range doc.Channels {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !ValidName(name) {
			slog.Warn("store: dropping invalid channel", slog.String("channel", name), slog.String("path", abs))
			continue
		}
		if s.indexLocked(name) >= 0 {
			slog.Warn("store: dropping duplicate channel", slog.String("channel", name), slog.String("path", abs))
			continue
		}
		s.doc.Channels = append(s.doc.Channels, name)
		if _, ok := s.lastRaidedKeyLocked(name); !ok {
			s.doc.LastRaided[name] = nil
		}
	}
	slog.Debug("store loaded", slog.String("path", abs), slog.Int("channels", len(s.doc.Channels)))
	return s, nil
}

// Save writes the store to path, or to the established path when path is
// empty. The first explicit path becomes the established path.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" && s.path == "" {
		return &apperr.ConfigurationError{Field: "store path", Reason: "no target path to save store at"}
	}
	if path != "" && s.path == "" {
		s.path = path
	}
	target := path
	if target == "" {
		target = s.path
	}
	return s.writeLocked(target)
}

func (s *Store) writeLocked(target string) error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".betterraid-*.json")
	if err != nil {
		return fmt.Errorf("save store %s: %w", target, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("save store %s: %w", target, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("save store %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save store %s: %w", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save store %s: %w", target, err)
	}
	slog.Debug("store saved", slog.String("path", target))
	return nil
}

// Path returns the established path (may be empty).
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Changes delivers one Change per effective mutation. Sends never block; when
// the buffer is full the change is dropped, which is harmless for consumers
// that recompute from a fresh snapshot.
func (s *Store) Changes() <-chan Change { return s.changes }

// AddChannel appends name unless it is already present (case-insensitive).
// It reports whether the store changed. A non-nil error with added=true is an
// autosave failure; the channel stays added.
func (s *Store) AddChannel(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if !ValidName(name) {
		return false, ErrInvalidChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(name) >= 0 {
		return false, nil
	}
	s.doc.Channels = append(s.doc.Channels, name)
	if _, ok := s.lastRaidedKeyLocked(name); !ok {
		s.doc.LastRaided[name] = nil
	}
	return true, s.commitLocked(Change{Kind: ChannelAdded, Channel: name})
}

// RemoveChannel removes name if present and reports whether it did.
func (s *Store) RemoveChannel(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(name)
	if i < 0 {
		return false, nil
	}
	stored := s.doc.Channels[i]
	s.doc.Channels = slices.Delete(s.doc.Channels, i, i+1)
	return true, s.commitLocked(Change{Kind: ChannelRemoved, Channel: stored})
}

// SetRaided records when name was last raided.
func (s *Store) SetRaided(name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.lastRaidedKeyLocked(name)
	if !ok {
		key = strings.TrimSpace(name)
		if i := s.indexLocked(name); i >= 0 {
			key = s.doc.Channels[i]
		}
	}
	ts := at.UTC()
	s.doc.LastRaided[key] = &ts
	return s.commitLocked(Change{Kind: ChannelRaided, Channel: key})
}

// GetLastRaided returns the last raid time for name, or nil.
func (s *Store) GetLastRaided(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.lastRaidedKeyLocked(name)
	if !ok || s.doc.LastRaided[key] == nil {
		return nil
	}
	ts := *s.doc.LastRaided[key]
	return &ts
}

// SetOnlyOnline toggles the online-only display preference.
func (s *Store) SetOnlyOnline(v bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.OnlyOnline == v {
		return false, nil
	}
	s.doc.OnlyOnline = v
	return true, s.commitLocked(Change{Kind: PreferencesChanged})
}

// SetAutoSave toggles autosave. The flag itself is written out either way so
// that a restart sees the new value.
func (s *Store) SetAutoSave(v bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.AutoSave == v {
		return false, nil
	}
	s.doc.AutoSave = v
	if err := s.commitLocked(Change{Kind: PreferencesChanged}); err != nil || v || s.path == "" {
		return true, err
	}
	if err := s.writeLocked(s.path); err != nil {
		return true, fmt.Errorf("autosave: %w", err)
	}
	return true, nil
}

// OnlyOnline returns the online-only preference.
func (s *Store) OnlyOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.OnlyOnline
}

// AutoSave returns the autosave flag.
func (s *Store) AutoSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AutoSave
}

// Channels returns a copy of the ordered channel list.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.doc.Channels)
}

// Contains reports whether name is tracked (case-insensitive).
func (s *Store) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(name) >= 0
}

// Len returns the number of tracked channels.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Channels)
}

// Records returns every tracked channel with its last raid time, in order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.doc.Channels))
	for _, name := range s.doc.Channels {
		rec := Record{Name: name}
		if key, ok := s.lastRaidedKeyLocked(name); ok && s.doc.LastRaided[key] != nil {
			ts := *s.doc.LastRaided[key]
			rec.LastRaided = &ts
		}
		out = append(out, rec)
	}
	return out
}

// commitLocked emits the change and autosaves when enabled.
func (s *Store) commitLocked(c Change) error {
	select {
	case s.changes <- c:
	default:
		slog.Debug("store: change buffer full, dropping", slog.String("kind", c.Kind.String()))
	}
	if !s.doc.AutoSave || s.path == "" {
		return nil
	}
	if err := s.writeLocked(s.path); err != nil {
		telemetry.Inc(telemetry.AutosaveFailures)
		slog.Warn("store autosave failed", slog.String("path", s.path), slog.String("change", c.Kind.String()), slog.Any("err", err))
		return fmt.Errorf("autosave: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(name string) int {
	return slices.IndexFunc(s.doc.Channels, func(c string) bool { return channel.Equal(c, name) })
}

func (s *Store) lastRaidedKeyLocked(name string) (string, bool) {
	if _, ok := s.doc.LastRaided[name]; ok {
		return name, true
	}
	for k := range s.doc.LastRaided {
		if channel.Equal(k, name) {
			return k, true
		}
	}
	return "", false
}
