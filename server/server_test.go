package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/Citiga/BetterRaid/dashboard"
	"github.com/Citiga/BetterRaid/raid"
	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/testutil"
	"github.com/Citiga/BetterRaid/tracker"
	"github.com/Citiga/BetterRaid/twitchapi"
)

type stack struct {
	mock    *testutil.MockTwitchServer
	store   *store.Store
	engine  *tracker.Engine
	rec     *dashboard.Reconciler
	handler http.Handler
}

// newStack wires the real store, engine, controller and reconciler against
// the mock Helix API. Push updates are disabled, so subscriptions fail
// softly and state comes from bulk lookups only.
func newStack(t *testing.T, controlToken string) *stack {
	t.Helper()
	mock := testutil.NewMockTwitchServer(t)
	mock.AddChannel("1", "streamer", "Streamer")
	mock.AddChannel("2", "alice", "Alice")
	mock.AddChannel("3", "bob", "BOB")
	mock.SetLive("alice", 200, "Just Chatting", "hi")

	hc := &twitchapi.HelixClient{
		AppTokenSource:  &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: mock.HTTPClient()},
		UserTokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "user-token"}),
		ClientID:        "cid",
		HTTPClient:      mock.HTTPClient(),
		RetryDelay:      time.Millisecond,
	}
	svc := twitchapi.NewService(hc, nil)

	st := store.New(filepath.Join(t.TempDir(), "db.json"))
	for _, name := range []string{"alice", "bob"} {
		if _, err := st.AddChannel(name); err != nil {
			t.Fatal(err)
		}
	}
	eng := tracker.New(svc, st.Channels(), tracker.Options{Interval: time.Hour})
	ctrl := raid.New(st, eng, raid.Options{Own: "streamer", Raider: svc})
	reg := dashboard.NewRegistry()
	rec := dashboard.NewReconciler(eng, st, dashboard.NewProjector(reg, ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	engDone := make(chan struct{})
	recDone := make(chan struct{})
	go func() { _ = eng.Run(ctx); close(engDone) }()
	go func() { _ = rec.Run(ctx); close(recDone) }()
	t.Cleanup(func() {
		cancel()
		<-engDone
		<-recDone
	})

	s := &stack{
		mock:   mock,
		store:  st,
		engine: eng,
		rec:    rec,
		handler: NewMux(ctx, Deps{
			Engine:       eng,
			Commands:     ctrl,
			Dashboard:    rec,
			Actions:      reg,
			ControlToken: controlToken,
		}),
	}
	s.waitFor(t, "dashboard initialized", func() bool { return rec.View().Initialized })
	s.settle(t)
	return s
}

// settle waits until the reconciler stops producing new views.
func (s *stack) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	last := s.rec.View().Version
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		v := s.rec.View().Version
		if v == last {
			return
		}
		last = v
	}
	t.Fatal("dashboard never settled")
}

func (s *stack) dashboard(t *testing.T) dashboard.View {
	t.Helper()
	s.settle(t)
	var view dashboard.View
	rr := s.do(t, http.MethodGet, "/dashboard", "")
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	return view
}

func (s *stack) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *stack) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *stack) visibleNames(t *testing.T) []string {
	t.Helper()
	rr := s.do(t, http.MethodGet, "/channels", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /channels = %d", rr.Code)
	}
	var entries []dashboard.Entry
	if err := json.NewDecoder(rr.Body).Decode(&entries); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.DisplayName)
	}
	return names
}

func sameNames(a []string, b ...string) bool {
	return strings.Join(a, ",") == strings.Join(b, ",")
}

func TestHealthzOK(t *testing.T) {
	h := NewMux(context.Background(), Deps{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

type idleEngine struct{}

func (idleEngine) Initialized() bool           { return false }
func (idleEngine) Snapshot() *tracker.Snapshot { return nil }

func TestReadyzInitializing(t *testing.T) {
	h := NewMux(context.Background(), Deps{Engine: idleEngine{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "initializing" {
		t.Errorf("resp = %v", resp)
	}
}

func TestReadyzReady(t *testing.T) {
	s := newStack(t, "")
	rr := s.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestChannelsLifecycle(t *testing.T) {
	s := newStack(t, "")
	if got := s.visibleNames(t); !sameNames(got, "Alice", "BOB") {
		t.Fatalf("initial channels = %v", got)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate", http.MethodPost, "/channels", `{"name":"BOB"}`, http.StatusConflict},
		{"blank", http.MethodPost, "/channels", `{"name":"   "}`, http.StatusBadRequest},
		{"not a login", http.MethodPost, "/channels", `{"name":"foo bar"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/channels", `{`, http.StatusBadRequest},
		{"add", http.MethodPost, "/channels", `{"name":" carol "}`, http.StatusCreated},
		{"remove absent", http.MethodDelete, "/channels/dave", "", http.StatusNotFound},
		{"wrong method", http.MethodPatch, "/channels", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := s.do(t, tt.method, tt.path, tt.body); rr.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.path, rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	// carol is unknown to Twitch: shown with unknown status after her lookup.
	s.waitFor(t, "carol visible", func() bool { return sameNames(s.visibleNames(t), "Alice", "BOB", "carol") })

	if rr := s.do(t, http.MethodDelete, "/channels/Carol", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rr.Code)
	}
	s.waitFor(t, "carol gone", func() bool { return sameNames(s.visibleNames(t), "Alice", "BOB") })
	if s.store.Contains("carol") {
		t.Error("carol still stored")
	}
}

func TestRaidEndpoint(t *testing.T) {
	s := newStack(t, "")

	rr := s.do(t, http.MethodPost, "/raids/alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /raids/alice = %d (%s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Channel    string     `json:"channel"`
		LastRaided *time.Time `json:"last_raided"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.LastRaided == nil {
		t.Error("last_raided not recorded")
	}
	if raids := s.mock.Raids(); len(raids) != 1 || raids[0] != (testutil.MockRaid{FromID: "1", ToID: "2"}) {
		t.Errorf("raids = %+v", raids)
	}

	if rr := s.do(t, http.MethodPost, "/raids/nobody", ""); rr.Code != http.StatusNotFound {
		t.Errorf("raid unknown = %d, want 404", rr.Code)
	}
}

func TestPreferences(t *testing.T) {
	s := newStack(t, "")

	if rr := s.do(t, http.MethodPut, "/preferences", `{"filter":"bo"}`); rr.Code != http.StatusOK {
		t.Fatalf("PUT /preferences = %d", rr.Code)
	}
	s.waitFor(t, "filtered list", func() bool { return sameNames(s.visibleNames(t), "BOB") })

	if rr := s.do(t, http.MethodPut, "/preferences", `{"filter":"","only_online":true}`); rr.Code != http.StatusOK {
		t.Fatalf("PUT /preferences = %d", rr.Code)
	}
	s.waitFor(t, "online only", func() bool { return sameNames(s.visibleNames(t), "Alice") })
	if !s.store.OnlyOnline() {
		t.Error("only_online not persisted in store")
	}
}

func TestSaveAndAutoSave(t *testing.T) {
	s := newStack(t, "")
	path := s.store.Path()

	if rr := s.do(t, http.MethodPost, "/save", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("POST /save = %d (%s)", rr.Code, rr.Body.String())
	}
	saved, err := store.Load(path)
	if err != nil {
		t.Fatalf("load saved store: %v", err)
	}
	if saved.Len() != 2 || saved.AutoSave() {
		t.Fatalf("saved store: channels=%v autosave=%v", saved.Channels(), saved.AutoSave())
	}

	if rr := s.do(t, http.MethodPut, "/preferences", `{"auto_save":true}`); rr.Code != http.StatusOK {
		t.Fatalf("PUT /preferences = %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/channels", `{"name":"carol"}`); rr.Code != http.StatusCreated {
		t.Fatalf("POST /channels = %d", rr.Code)
	}
	saved, err = store.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !saved.AutoSave() || !saved.Contains("carol") {
		t.Errorf("autosave did not persist: channels=%v autosave=%v", saved.Channels(), saved.AutoSave())
	}
}

func TestDashboardActions(t *testing.T) {
	s := newStack(t, "")

	view := s.dashboard(t)
	if view.Grid.Rows != 1 || len(view.Grid.Tiles) != 2 || view.Grid.Add.Col != 2 {
		t.Fatalf("grid = %+v", view.Grid)
	}
	alice := view.Grid.Tiles[0]
	if alice.Name != "alice" || alice.Row != 0 || alice.Col != 0 || alice.RaidAction == "" {
		t.Fatalf("first tile = %+v", alice)
	}

	if rr := s.do(t, http.MethodPost, "/dashboard/actions/"+alice.RaidAction, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("raid action = %d (%s)", rr.Code, rr.Body.String())
	}
	if len(s.mock.Raids()) != 1 {
		t.Fatal("raid action did not reach Twitch")
	}

	// Recording the raid re-projects the grid and releases earlier bindings.
	next := s.dashboard(t)
	if next.Version <= view.Version {
		t.Fatalf("version %d not past %d", next.Version, view.Version)
	}
	if next.Grid.Tiles[0].LastRaided == nil {
		t.Error("tile does not carry the last-raided time")
	}
	if rr := s.do(t, http.MethodPost, "/dashboard/actions/"+alice.RemoveAction, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("stale action = %d, want 404", rr.Code)
	}
	if !s.store.Contains("alice") {
		t.Fatal("stale remove action took effect")
	}

	body := fmt.Sprintf(`{"arg":%q}`, "carol")
	if rr := s.do(t, http.MethodPost, "/dashboard/actions/"+next.Grid.Add.Action, body); rr.Code != http.StatusNoContent {
		t.Fatalf("add action = %d (%s)", rr.Code, rr.Body.String())
	}
	if !s.store.Contains("carol") {
		t.Error("add action did not store carol")
	}
}

func TestDashboardEvents(t *testing.T) {
	s := newStack(t, "")
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/dashboard/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	readView := func(sc *bufio.Scanner) dashboard.View {
		t.Helper()
		for sc.Scan() {
			line := sc.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var v dashboard.View
				if err := json.Unmarshal([]byte(data), &v); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return v
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return dashboard.View{}
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	first := readView(sc)
	if !first.Initialized || len(first.Entries) != 2 {
		t.Fatalf("first event = %+v", first)
	}

	if rr := s.do(t, http.MethodPut, "/preferences", `{"filter":"alice"}`); rr.Code != http.StatusOK {
		t.Fatal(rr.Code)
	}
	for {
		v := readView(sc)
		if v.Filter == "alice" {
			if len(v.Entries) != 1 || v.Entries[0].Name != "alice" {
				t.Fatalf("filtered event = %+v", v.Entries)
			}
			break
		}
	}
}

func TestStatus(t *testing.T) {
	s := newStack(t, "")
	rr := s.do(t, http.MethodGet, "/status", "")
	var resp struct {
		Initialized bool            `json:"initialized"`
		Channels    []tracker.Entry `json:"channels"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Initialized || len(resp.Channels) != 2 || resp.Channels[0].Name != "alice" {
		t.Fatalf("status = %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"live"`) {
		t.Errorf("expected live status in %s", rr.Body.String())
	}
}

func TestRefreshAndControlToken(t *testing.T) {
	s := newStack(t, "s3cret")
	before := s.mock.Requests("/helix/streams")

	if rr := s.do(t, http.MethodPost, "/refresh", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh without token = %d, want 401", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/channels", ""); rr.Code != http.StatusOK {
		t.Fatalf("read without token = %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/refresh", "", "X-Control-Token", "s3cret"); rr.Code != http.StatusAccepted {
		t.Fatalf("refresh = %d", rr.Code)
	}
	s.waitFor(t, "refresh lookup", func() bool { return s.mock.Requests("/helix/streams") > before })
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrInvalidChannel, http.StatusBadRequest},
		{fmt.Errorf("%w: x", raid.ErrDuplicateChannel), http.StatusConflict},
		{fmt.Errorf("%w: x", raid.ErrUnknownChannel), http.StatusNotFound},
		{dashboard.ErrUnknownAction, http.StatusNotFound},
		{raid.ErrNoSourceChannel, http.StatusPreconditionFailed},
		{fmt.Errorf("raid x: %w", &twitchapi.HelixError{StatusCode: 400}), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", Deps{}) }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
