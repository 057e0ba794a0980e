// Command streamwarden is the main entrypoint for the stream lifecycle and
// auto-raid orchestration engine. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the live-state tracker (poll loop plus EventSub push ingestion),
//     the chat presence watcher, the capacity snapshot job and the OAuth
//     token refresher.
//   - Exposes an HTTP server with the EventSub callback, /healthz, /readyz,
//     /status, /metrics and the channel admin endpoint.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/streamwarden/auth"
	"github.com/onnwee/streamwarden/chat"
	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/eventsub"
	"github.com/onnwee/streamwarden/oauth"
	"github.com/onnwee/streamwarden/raid"
	"github.com/onnwee/streamwarden/server"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/tracker"
	"github.com/onnwee/streamwarden/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("streamwarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.WaitReady(context.Background(), database, 30*time.Second); err != nil {
		slog.Error("database not reachable", slog.Any("err", err))
		os.Exit(1)
	}

	// Versioned migrations first; embedded SQL is the fallback for
	// deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	enc, err := db.Encryptor()
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, channel tokens will be stored in plaintext")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch API surface. The app token covers Helix reads and EventSub
	// management; broadcaster actions go through the credential resolver.
	appTokens := &twitchapi.AppTokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{
		AppTokenSource: appTokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     &http.Client{Timeout: cfg.HelixTimeout},
	}

	tokenStore := &auth.PGStore{DB: database, Enc: enc}
	resolver := auth.NewResolver(tokenStore, cfg.TwitchClientID, cfg.TwitchClientSecret,
		cfg.TokenRefreshMargin, cfg.CredentialCacheTTL)

	subStore := &eventsub.PGStore{DB: database}
	subs := eventsub.NewManager(helix, subStore, cfg.EventSubCallbackURL, cfg.EventSubSecret,
		cfg.EventSubMaxSubs, cfg.SnapshotMinInterval, cfg.SnapshotRetention)
	if err := subs.SweepStale(ctx); err != nil {
		slog.Warn("eventsub startup sweep failed", slog.String("component", "eventsub"), slog.Any("err", err))
	}
	if err := subs.Snapshot(ctx, "startup", true); err != nil {
		slog.Warn("startup capacity snapshot failed", slog.String("component", "eventsub"), slog.Any("err", err))
	}

	rule := raid.CategoryRule{
		Target:         cfg.TargetCategory,
		Conversational: cfg.ConversationalCategory,
		RecencyWindow:  cfg.CategoryRecencyWindow,
	}
	raids := raid.NewEngine(&raid.PGPartnerSource{DB: database}, resolver, helix, rule,
		cfg.RaidThrottleWindow, cfg.RaidSuppressWindow)

	recorder := session.NewRecorder(&session.PGStore{DB: database})
	recorder.Followers = &followerSource{helix: helix, creds: resolver}

	var presence *chat.Presence
	if cfg.ChatPresenceEnabled {
		presence = chat.New(cfg.TwitchBotUsername, cfg.TwitchBotToken)
		go presence.Run(ctx)
		recorder.Chatters = presence
	}

	trk := tracker.New(&tracker.PGStore{DB: database}, helix, recorder, rule,
		cfg.PollInterval, cfg.DedupWindow)
	trk.Raids = raids
	trk.Subs = subs
	if presence != nil {
		trk.Chat = presence
	}
	trk.Heartbeat = func(hctx context.Context) {
		_ = db.Heartbeat(hctx, database, "tracker_poll")
	}
	var trackerDone sync.WaitGroup
	trackerDone.Add(1)
	go func() {
		defer trackerDone.Done()
		trk.Run(ctx)
	}()

	// Periodic capacity snapshots between registration bursts.
	go func() {
		ticker := time.NewTicker(cfg.SnapshotMinInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := subs.Snapshot(ctx, "periodic", false); err != nil {
					slog.Warn("periodic capacity snapshot failed", slog.String("component", "eventsub"), slog.Any("err", err))
				}
				_ = db.Heartbeat(ctx, database, "capacity_snapshot")
			}
		}
	}()

	// Proactive token refresh; the window matches the resolver's margin so
	// Resolve actually performs the refresh.
	oauth.StartRefresher(ctx, tokenStore, resolver, 5*time.Minute, cfg.TokenRefreshMargin)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handlers := server.NewHandlers(database, trk, subs, &tracker.PGStore{DB: database}, resolver, helix, cfg.EventSubSecret)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	// The tracker finishes its in-flight reconcile pass before Run returns;
	// wait for it so no session is left half-reconciled.
	trackerDone.Wait()
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// followerSource adapts the Helix follower endpoint to the session
// recorder. The endpoint needs a moderator-scoped user token, so lookups
// go through the credential resolver and fail soft for channels without
// a usable grant.
type followerSource struct {
	helix *twitchapi.HelixClient
	creds *auth.Resolver
}

func (f *followerSource) FollowerCount(ctx context.Context, channelID int64) (int, error) {
	cred, err := f.creds.Resolve(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return f.helix.GetFollowerCount(ctx, strconv.FormatInt(channelID, 10), cred.AccessToken)
}
