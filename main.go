// Command betterraid is the raid-target dashboard service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Loads (or creates) the channel store.
//   - Starts the synchronization engine, the dashboard reconciler, the
//     EventSub push session, the user-token refresher and, when enabled, the
//     own-channel chat connection.
//   - Exposes the dashboard HTTP API with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/chat"
	"github.com/Citiga/BetterRaid/config"
	"github.com/Citiga/BetterRaid/dashboard"
	"github.com/Citiga/BetterRaid/oauth"
	"github.com/Citiga/BetterRaid/raid"
	"github.com/Citiga/BetterRaid/server"
	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/telemetry"
	"github.com/Citiga/BetterRaid/tracker"
	"github.com/Citiga/BetterRaid/twitchapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("betterraid", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	st, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("store load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, st); err != nil {
		slog.Error("betterraid exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// openStore loads the store at path. A missing file yields a fresh store with
// autosave on, written out immediately so the path is established.
func openStore(path string) (*store.Store, error) {
	st, err := store.Load(path)
	if err == nil {
		return st, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) && nf.Path != "" {
		path = nf.Path
	}
	slog.Info("store not found, creating", slog.String("path", path))
	st = store.New(path)
	if _, err := st.SetAutoSave(true); err != nil {
		return nil, err
	}
	if err := st.Save(""); err != nil {
		return nil, err
	}
	return st, nil
}

func run(ctx context.Context, cfg *config.Config, st *store.Store) error {
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	warmAppToken(ctx, appTokens)

	userTok := cfg.UserToken()
	userTokens := oauth.NewSource(oauth.TwitchConfig(cfg.TwitchClientID, cfg.TwitchClientSecret), userTok, cfg.CredentialsStore())

	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}
	var events *twitchapi.EventSub
	if userTok != nil {
		helix.UserTokenSource = userTokens
		events = twitchapi.NewEventSub(helix, cfg.EventSubURL)
		oauth.StartRefresher(ctx, userTokens, cfg.TokenRefreshInterval, 15*time.Minute)
	} else {
		slog.Info("no user token: raids and push updates disabled, polling only")
	}
	svc := twitchapi.NewService(helix, events)

	engine := tracker.New(svc, st.Channels(), tracker.Options{
		Interval:      cfg.RefreshInterval,
		LookupTimeout: cfg.LookupTimeout,
	})

	opts := raid.Options{Own: cfg.TwitchChannel, AnnounceTemplate: cfg.RaidAnnounce}
	if userTok != nil {
		opts.Raider = svc
	}
	var chatClient *chat.Client
	if cfg.ChatEnabled {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Warn("chat disabled", slog.Any("err", err))
		} else {
			chatClient = chat.New(cfg.TwitchChannel, userTokens)
			chatClient.OnRaid = func(r chat.Raid) {
				slog.Info("incoming raid", slog.String("component", "chat"), slog.String("from", r.From), slog.Int("viewers", r.Viewers))
			}
			opts.Announcer = chatClient
		}
	}
	controller := raid.New(st, engine, opts)

	registry := dashboard.NewRegistry()
	reconciler := dashboard.NewReconciler(engine, st, dashboard.NewProjector(registry, controller))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	if events != nil {
		g.Go(func() error { return events.Run(gctx) })
	}
	if chatClient != nil {
		g.Go(func() error { return chatClient.Run(gctx) })
	}
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.Deps{
			Engine:       engine,
			Commands:     controller,
			Dashboard:    reconciler,
			Actions:      registry,
			ControlToken: cfg.ControlToken,
		})
	})
	return g.Wait()
}

// warmAppToken fetches the app token once so credential problems show up at
// startup rather than on the first refresh.
func warmAppToken(ctx context.Context, ts *twitchapi.TokenSource) {
	ctx2, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	tok, err := ts.Get(ctx2)
	if err != nil {
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		return
	}
	if len(tok) > 6 {
		slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
	}
}
