package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/channel"
)

// ErrPushUnavailable is returned by Subscribe when no EventSub session is
// configured (no user token).
var ErrPushUnavailable = errors.New("push updates unavailable without a user token")

// Service implements channel.Service on top of Helix and EventSub.
type Service struct {
	helix  *HelixClient
	events *EventSub
	// PushLookupTimeout bounds the lookup run when a stream goes online.
	PushLookupTimeout time.Duration

	mu  sync.Mutex
	ids map[string]string
}

// NewService returns a service. events may be nil; channels then rely on
// periodic refresh only.
func NewService(helix *HelixClient, events *EventSub) *Service {
	return &Service{helix: helix, events: events, PushLookupTimeout: 5 * time.Second, ids: map[string]string{}}
}

// LookupMany fetches users and streams in batches of 100. A failing batch
// leaves its names out of the result and is reported in a RemoteLookupError;
// the other batches are still returned. Helix answers 400 for a whole batch
// when one login is malformed, so such a batch is retried name by name and
// only the rejected names fail.
func (s *Service) LookupMany(ctx context.Context, names []string) (map[string]channel.LookupResult, error) {
	out := make(map[string]channel.LookupResult, len(names))
	var (
		failed []string
		errs   []error
	)
	for start := 0; start < len(names); start += helixBatchSize {
		batch := names[start:min(start+helixBatchSize, len(names))]
		err := s.lookupBatch(ctx, batch, out)
		switch {
		case err == nil:
		case isBadRequest(err) && len(batch) > 1:
			slog.Debug("helix rejected batch, looking up names singly",
				slog.String("component", "twitchapi"), slog.Int("batch", len(batch)), slog.Any("err", err))
			for _, name := range batch {
				if err := s.lookupBatch(ctx, []string{name}, out); err != nil {
					failed = append(failed, name)
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
		default:
			failed = append(failed, batch...)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		return out, &apperr.RemoteLookupError{Channels: failed, Err: errors.Join(errs...)}
	}
	return out, nil
}

func (s *Service) lookupBatch(ctx context.Context, batch []string, out map[string]channel.LookupResult) error {
	users, err := s.helix.GetUsers(ctx, batch)
	if err != nil {
		return err
	}
	streams, err := s.helix.GetStreams(ctx, batch)
	if err != nil {
		return err
	}
	byLogin := make(map[string]User, len(users))
	s.mu.Lock()
	for _, u := range users {
		key := channel.Key(u.Login)
		byLogin[key] = u
		s.ids[key] = u.ID
	}
	s.mu.Unlock()
	live := make(map[string]Stream, len(streams))
	for _, st := range streams {
		if st.Type == "" || st.Type == "live" {
			live[channel.Key(st.UserLogin)] = st
		}
	}
	for _, name := range batch {
		key := channel.Key(name)
		u, ok := byLogin[key]
		if !ok {
			out[key] = channel.LookupResult{Found: false}
			continue
		}
		state := channel.State{Login: u.Login, DisplayName: u.DisplayName, AvatarURL: u.ProfileImageURL}
		if st, ok := live[key]; ok {
			state.Live = true
			state.Viewers = st.ViewerCount
			state.Game = st.GameName
			state.Title = st.Title
			state.StartedAt = st.StartedAt
		}
		out[key] = channel.LookupResult{State: state, Found: true}
	}
	return nil
}

// Subscribe registers for stream.online/offline of name. Online events trigger
// a single lookup for viewers and metadata, falling back to a bare live state
// when it fails.
func (s *Service) Subscribe(ctx context.Context, name string, onChange func(channel.State)) (channel.Subscription, error) {
	if s.events == nil {
		return channel.Subscription{}, &apperr.RemoteSubscriptionError{Channel: name, Op: "subscribe", Err: ErrPushUnavailable}
	}
	id, err := s.userID(ctx, name)
	if err != nil {
		return channel.Subscription{}, &apperr.RemoteSubscriptionError{Channel: name, Op: "subscribe", Err: err}
	}
	subIDs, err := s.events.Subscribe(ctx, id, func(ev Event) {
		onChange(s.stateFromEvent(name, ev))
	})
	if err != nil {
		return channel.Subscription{}, &apperr.RemoteSubscriptionError{Channel: name, Op: "subscribe", Err: err}
	}
	return channel.Subscription{Channel: name, RemoteID: id, IDs: subIDs}, nil
}

// Unsubscribe tears down the subscriptions established for sub.
func (s *Service) Unsubscribe(ctx context.Context, sub channel.Subscription) error {
	if s.events == nil || sub.RemoteID == "" {
		return nil
	}
	if err := s.events.Unsubscribe(ctx, sub.RemoteID); err != nil {
		return &apperr.RemoteSubscriptionError{Channel: sub.Channel, Op: "unsubscribe", Err: err}
	}
	return nil
}

// StartRaid forwards to Helix.
func (s *Service) StartRaid(ctx context.Context, from, to string) error {
	return s.helix.StartRaid(ctx, from, to)
}

func (s *Service) stateFromEvent(name string, ev Event) channel.State {
	base := channel.State{Login: ev.Login, DisplayName: ev.DisplayName}
	if ev.Type == EventStreamOffline {
		return base
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.PushLookupTimeout)
	defer cancel()
	res, err := s.LookupMany(ctx, []string{name})
	if r, ok := res[channel.Key(name)]; err == nil && ok && r.Found && r.State.Live {
		return r.State
	}
	if err != nil {
		slog.Debug("lookup after stream.online failed", slog.String("channel", name), slog.Any("err", err))
	}
	base.Live = true
	base.StartedAt = ev.StartedAt
	return base
}

func (s *Service) userID(ctx context.Context, name string) (string, error) {
	key := channel.Key(name)
	s.mu.Lock()
	id, ok := s.ids[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := s.helix.GetUserID(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	s.mu.Lock()
	s.ids[key] = id
	s.mu.Unlock()
	return id, nil
}

var _ channel.Service = (*Service)(nil)
