// Package server exposes the HTTP surface: health and readiness probes, a
// status summary, Prometheus metrics, the EventSub webhook callback, and a
// small admin API. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/tracker"
	"github.com/onnwee/streamwarden/twitchapi"
)

// NotificationSink receives verified EventSub notifications, satisfied by
// tracker.Tracker.
type NotificationSink interface {
	HandleNotification(ctx context.Context, n tracker.Notification)
}

// RevocationSink receives subscription revocations, satisfied by
// eventsub.Manager.
type RevocationSink interface {
	HandleRevoked(ctx context.Context, twitchSubID string)
}

// ChannelAdmin provisions monitored channels, satisfied by tracker.PGStore.
type ChannelAdmin interface {
	UpsertChannel(ctx context.Context, channelID int64, login string, raidEnabled bool) error
}

// CredentialIntake accepts re-authorization grants from the OAuth callback,
// satisfied by auth.Resolver.
type CredentialIntake interface {
	AcceptReauthorization(ctx context.Context, channelID int64, access, refresh string, expiresAt time.Time, scope string) error
}

// UserLookup resolves channel logins to ids, satisfied by
// twitchapi.HelixClient.
type UserLookup interface {
	GetUsersByLogin(ctx context.Context, logins []string) ([]twitchapi.User, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	notify   NotificationSink
	revoke   RevocationSink
	channels ChannelAdmin
	grants   CredentialIntake
	users    UserLookup
	secret   string

	exchange func(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*twitchapi.AuthCodeExchangeResult, error)

	seen *messageDedup

	stateMu     sync.Mutex
	oauthStates map[string]oauthState
}

// NewHandlers creates a Handlers instance with the given dependencies.
// secret is the EventSub webhook signing secret. grants and users may be nil
// when the re-authorization flow is not wired (the endpoints answer 400).
func NewHandlers(db *sql.DB, notify NotificationSink, revoke RevocationSink, channels ChannelAdmin, grants CredentialIntake, users UserLookup, secret string) *Handlers {
	return &Handlers{
		db:          db,
		notify:      notify,
		revoke:      revoke,
		channels:    channels,
		grants:      grants,
		users:       users,
		secret:      secret,
		exchange:    twitchapi.ExchangeAuthCode,
		seen:        newMessageDedup(1024),
		oauthStates: make(map[string]oauthState),
	}
}

// NewMux returns the HTTP handler with all routes.
func NewMux(h *Handlers) http.Handler {
	authCfg := loadAuthConfig()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/eventsub/callback", h.HandleEventSubCallback)
	mux.Handle("/admin/channels", adminAuth(http.HandlerFunc(h.HandleAdminChannels), authCfg))
	mux.Handle("/oauth/twitch/start", adminAuth(http.HandlerFunc(h.HandleTwitchOAuthStart), authCfg))
	mux.HandleFunc("/oauth/twitch/callback", h.HandleTwitchOAuthCallback)

	// Correlation ID injector and tracing wrapper.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrappedWriter.statusCode))
		if wrappedWriter.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
		}
	})
	return handler
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
