// Package tracker reconciles per-channel live state from two concurrent
// observers: a fixed-interval Helix poll and EventSub push notifications.
// Both paths funnel into one reconcile function that reads the persisted
// row as base and writes back once per channel.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwarden/eventsub"
	"github.com/onnwee/streamwarden/raid"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// ChannelState mirrors one channel_state row.
type ChannelState struct {
	ChannelID            int64
	Login                string
	IsLive               bool
	LastCategory         string
	LastViewerCount      int
	ActiveSessionID      *uuid.UUID
	HadTargetCategory    bool
	TargetCategorySeenAt time.Time
	StreamInstanceID     string
	RaidEnabled          bool
}

// Store persists channel state. Update writes the whole mutable part of
// the row in one statement.
type Store interface {
	ListMonitored(ctx context.Context) ([]ChannelState, error)
	Get(ctx context.Context, channelID int64) (*ChannelState, error)
	Update(ctx context.Context, ch *ChannelState) error
	// ListOpen returns channels with an open session.
	ListOpen(ctx context.Context) ([]ChannelState, error)
}

// StreamsAPI is the slice of the Helix client the tracker needs.
type StreamsAPI interface {
	GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error)
}

// SessionRecorder is satisfied by session.Recorder.
type SessionRecorder interface {
	Open(ctx context.Context, channelID int64, start session.StreamStart) (uuid.UUID, error)
	Sample(ctx context.Context, sessionID uuid.UUID, viewers int) error
	Close(ctx context.Context, sessionID uuid.UUID, login string, reason string) error
}

// RaidEngine is satisfied by raid.Engine.
type RaidEngine interface {
	OnOffline(ctx context.Context, dep raid.Departure) raid.Outcome
	Suppress(channelID int64)
	HandleRaidLanded(fromID, toID int64, viewers int) bool
}

// SubscriptionArmer is satisfied by eventsub.Manager.
type SubscriptionArmer interface {
	Ensure(ctx context.Context, subType string, channelID int64) (eventsub.Result, error)
	Snapshot(ctx context.Context, reason string, force bool) error
}

// PresenceJoiner is satisfied by chat.Presence.
type PresenceJoiner interface {
	Join(login string)
	Part(login string)
}

// Observation is what one of the two paths saw for a channel.
type Observation struct {
	Live   bool
	Stream *twitchapi.Stream
	Source string // "poll" or "push"
}

// Tracker drives the OFFLINE/LIVE state machine. Raids, Subs and Chat are
// optional; a nil field disables that side effect.
type Tracker struct {
	Store    Store
	Helix    StreamsAPI
	Sessions SessionRecorder
	Raids    RaidEngine
	Subs     SubscriptionArmer
	Chat     PresenceJoiner
	Rule     raid.CategoryRule

	PollInterval time.Duration
	DedupWindow  time.Duration
	Now          func() time.Time

	// Heartbeat, when set, is called after every completed poll cycle.
	Heartbeat func(ctx context.Context)

	mu             sync.Mutex
	lastTransition map[int64]time.Time
}

func New(store Store, helix StreamsAPI, sessions SessionRecorder, rule raid.CategoryRule, pollInterval, dedupWindow time.Duration) *Tracker {
	return &Tracker{
		Store:          store,
		Helix:          helix,
		Sessions:       sessions,
		Rule:           rule,
		PollInterval:   pollInterval,
		DedupWindow:    dedupWindow,
		Now:            time.Now,
		lastTransition: make(map[int64]time.Time),
	}
}

// Run sweeps stale sessions, then polls until ctx is cancelled. The
// in-flight pass completes before Run returns so no session is left
// half-reconciled on shutdown.
func (t *Tracker) Run(ctx context.Context) {
	if err := t.SweepStale(ctx); err != nil {
		slog.Error("startup staleness sweep failed", slog.String("component", "tracker"), slog.Any("err", err))
	}
	t.PollOnce(ctx)

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("tracker stopped", slog.String("component", "tracker"))
			return
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce runs one full polling cycle over every monitored channel.
func (t *Tracker) PollOnce(ctx context.Context) {
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		t.pollCycle(ctx)
	})
	telemetry.Inc(telemetry.PollCycles)
	if t.Heartbeat != nil {
		t.Heartbeat(ctx)
	}
}

func (t *Tracker) pollCycle(ctx context.Context) {
	channels, err := t.Store.ListMonitored(ctx)
	if err != nil {
		slog.Error("failed to list monitored channels", slog.String("component", "tracker"), slog.Any("err", err))
		return
	}
	if len(channels) == 0 {
		return
	}

	logins := make([]string, 0, len(channels))
	for _, ch := range channels {
		logins = append(logins, ch.Login)
	}
	streams, err := t.Helix.GetStreams(ctx, logins)
	if err != nil {
		slog.Error("live stream fetch failed", slog.String("component", "tracker"), slog.Any("err", err))
		return
	}
	byLogin := make(map[string]*twitchapi.Stream, len(streams))
	for i := range streams {
		byLogin[strings.ToLower(streams[i].UserLogin)] = &streams[i]
	}
	telemetry.SetLiveChannels(len(byLogin))

	for i := range channels {
		ch := channels[i]
		s := byLogin[strings.ToLower(ch.Login)]
		t.reconcile(ctx, &ch, Observation{Live: s != nil, Stream: s, Source: "poll"})
	}
}

// SweepStale closes any open session whose channel is not in the live set,
// protecting against sessions left open by a crashed previous instance.
func (t *Tracker) SweepStale(ctx context.Context) error {
	open, err := t.Store.ListOpen(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	logins := make([]string, 0, len(open))
	for _, ch := range open {
		logins = append(logins, ch.Login)
	}
	streams, err := t.Helix.GetStreams(ctx, logins)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(streams))
	for _, s := range streams {
		live[strings.ToLower(s.UserLogin)] = true
	}

	swept := 0
	for i := range open {
		ch := open[i]
		if live[strings.ToLower(ch.Login)] {
			continue
		}
		t.closeSession(ctx, &ch, "stale")
		ch.IsLive = false
		ch.StreamInstanceID = ""
		if err := t.Store.Update(ctx, &ch); err != nil {
			slog.Error("failed to persist swept channel", slog.String("component", "tracker"),
				slog.Int64("channel_id", ch.ChannelID), slog.Any("err", err))
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.Info("closed stale sessions", slog.String("component", "tracker"), slog.Int("count", swept))
	}
	return nil
}

// reconcile applies one observation to the persisted state and writes the
// row back once. Transitions pass through the de-dup guard so the poll and
// push paths cannot both process the same edge.
func (t *Tracker) reconcile(ctx context.Context, ch *ChannelState, obs Observation) {
	telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
		t.reconcileLocked(ctx, ch, obs)
	})
}

func (t *Tracker) reconcileLocked(ctx context.Context, ch *ChannelState, obs Observation) {
	now := t.Now()
	dirty := false

	switch {
	case !ch.IsLive && obs.Live:
		if t.transitionDeduped(ch.ChannelID, now) {
			return
		}
		if !t.goLive(ctx, ch, obs.Stream, now) {
			return
		}
		telemetry.Inc(telemetry.TransitionsLive)
		dirty = true

	case ch.IsLive && !obs.Live:
		if t.transitionDeduped(ch.ChannelID, now) {
			return
		}
		t.goOffline(ctx, ch, now)
		telemetry.Inc(telemetry.TransitionsOffline)
		dirty = true

	case ch.IsLive && obs.Live && obs.Stream.ID != ch.StreamInstanceID:
		// A new stream instance while we believe the channel is live:
		// implicit close-then-open so the viewer-count discontinuity
		// cannot corrupt one session's analytics.
		if t.transitionDeduped(ch.ChannelID, now) {
			return
		}
		t.closeSession(ctx, ch, "restarted")
		if !t.goLive(ctx, ch, obs.Stream, now) {
			ch.IsLive = false
			ch.StreamInstanceID = ""
		}
		telemetry.Inc(telemetry.TransitionsRestart)
		dirty = true

	case ch.IsLive && obs.Live:
		t.sampleLive(ctx, ch, obs.Stream, now)
		dirty = true

	default:
		// offline -> offline, nothing to write
		return
	}

	t.checkInvariant(ch)
	if dirty {
		if err := t.Store.Update(ctx, ch); err != nil {
			slog.Error("failed to persist channel state", slog.String("component", "tracker"),
				slog.Int64("channel_id", ch.ChannelID), slog.Any("err", err))
		}
	}
}

// transitionDeduped reports whether a transition for this channel fired
// inside the de-dup window. The first caller claims the slot.
func (t *Tracker) transitionDeduped(channelID int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastTransition[channelID]; ok && now.Sub(last) < t.DedupWindow {
		telemetry.Inc(telemetry.DedupSuppressed)
		return true
	}
	t.lastTransition[channelID] = now
	return false
}

// goLive opens a session and arms subscriptions. Returns false when the
// session could not be opened; the channel stays offline and the next
// observation retries.
func (t *Tracker) goLive(ctx context.Context, ch *ChannelState, s *twitchapi.Stream, now time.Time) bool {
	start := session.StreamStart{
		StreamInstanceID: s.ID,
		Title:            s.Title,
		Category:         s.GameName,
		StartedAt:        s.StartedAt,
		Viewers:          s.ViewerCount,
	}
	id, err := t.Sessions.Open(ctx, ch.ChannelID, start)
	if err != nil {
		slog.Error("failed to open session", slog.String("component", "tracker"),
			slog.Int64("channel_id", ch.ChannelID), slog.Any("err", err))
		return false
	}
	telemetry.Inc(telemetry.SessionsOpened)

	ch.IsLive = true
	ch.StreamInstanceID = s.ID
	ch.LastCategory = s.GameName
	ch.LastViewerCount = s.ViewerCount
	ch.ActiveSessionID = &id
	// Category history is per session: reset from the fresh observation.
	ch.HadTargetCategory = strings.EqualFold(s.GameName, t.Rule.Target)
	if ch.HadTargetCategory {
		ch.TargetCategorySeenAt = now
	} else {
		ch.TargetCategorySeenAt = time.Time{}
	}

	slog.Info("channel live", slog.String("component", "tracker"),
		slog.String("login", ch.Login),
		slog.String("category", s.GameName),
		slog.Int("viewers", s.ViewerCount))

	if t.Chat != nil {
		t.Chat.Join(ch.Login)
	}
	if t.Subs != nil {
		t.armSubscriptions(ctx, ch)
	}
	return true
}

// armSubscriptions registers the push subscriptions for a freshly live
// channel in the background. Failures are logged only; polling covers the
// channel regardless.
func (t *Tracker) armSubscriptions(ctx context.Context, ch *ChannelState) {
	channelID := ch.ChannelID
	raidEnabled := ch.RaidEnabled
	go func() {
		types := []string{eventsub.TypeStreamOnline, eventsub.TypeStreamOffline}
		if raidEnabled {
			types = append(types, eventsub.TypeChannelRaid)
		}
		for _, st := range types {
			if _, err := t.Subs.Ensure(ctx, st, channelID); err != nil {
				slog.Warn("failed to arm subscription", slog.String("component", "tracker"),
					slog.String("sub_type", st), slog.Int64("channel_id", channelID), slog.Any("err", err))
			}
		}
		if err := t.Subs.Snapshot(ctx, "registration_burst", false); err != nil {
			slog.Warn("capacity snapshot failed", slog.String("component", "tracker"), slog.Any("err", err))
		}
	}()
}

func (t *Tracker) sampleLive(ctx context.Context, ch *ChannelState, s *twitchapi.Stream, now time.Time) {
	if ch.ActiveSessionID != nil {
		if err := t.Sessions.Sample(ctx, *ch.ActiveSessionID, s.ViewerCount); err != nil {
			slog.Warn("failed to append sample", slog.String("component", "tracker"),
				slog.Int64("channel_id", ch.ChannelID), slog.Any("err", err))
		}
	}
	ch.LastCategory = s.GameName
	ch.LastViewerCount = s.ViewerCount
	if strings.EqualFold(s.GameName, t.Rule.Target) {
		ch.HadTargetCategory = true
		ch.TargetCategorySeenAt = now
	}
}

func (t *Tracker) goOffline(ctx context.Context, ch *ChannelState, now time.Time) {
	// Snapshot the departure before clearing state; the raid decision
	// needs the last observed live picture.
	dep := raid.Departure{
		ChannelID:    ch.ChannelID,
		Login:        ch.Login,
		RaidEnabled:  ch.RaidEnabled,
		Category:     ch.LastCategory,
		HadTarget:    ch.HadTargetCategory,
		TargetSeenAt: ch.TargetCategorySeenAt,
		Viewers:      ch.LastViewerCount,
	}

	t.closeSession(ctx, ch, "offline")
	ch.IsLive = false
	ch.StreamInstanceID = ""

	slog.Info("channel offline", slog.String("component", "tracker"), slog.String("login", ch.Login))

	if t.Chat != nil {
		t.Chat.Part(ch.Login)
	}

	if t.Raids != nil && dep.HadTarget && t.Rule.Eligible(dep.Category, dep.HadTarget, dep.TargetSeenAt, now) {
		out := t.Raids.OnOffline(ctx, dep)
		switch out.Kind {
		case raid.Raided:
			slog.Info("offline transition raided out", slog.String("component", "tracker"),
				slog.String("login", ch.Login), slog.String("target", out.Target.Login))
		case raid.Skipped:
			slog.Debug("offline transition raid skipped", slog.String("component", "tracker"),
				slog.String("login", ch.Login), slog.String("reason", out.Reason))
		case raid.Failed:
			slog.Error("offline transition raid failed", slog.String("component", "tracker"),
				slog.String("login", ch.Login), slog.Any("err", out.Err))
		}
	}
}

func (t *Tracker) closeSession(ctx context.Context, ch *ChannelState, reason string) {
	if ch.ActiveSessionID == nil {
		return
	}
	if err := t.Sessions.Close(ctx, *ch.ActiveSessionID, ch.Login, reason); err != nil {
		slog.Error("failed to close session", slog.String("component", "tracker"),
			slog.Int64("channel_id", ch.ChannelID), slog.String("reason", reason), slog.Any("err", err))
	}
	telemetry.Inc(telemetry.SessionsClosed)
	ch.ActiveSessionID = nil
}

// checkInvariant verifies "open session iff live" after a reconcile pass.
// Violations are logged, never fatal.
func (t *Tracker) checkInvariant(ch *ChannelState) {
	if ch.IsLive == (ch.ActiveSessionID != nil) {
		return
	}
	slog.Error("channel state invariant violated: live and open-session disagree",
		slog.String("component", "tracker"),
		slog.Int64("channel_id", ch.ChannelID),
		slog.Bool("is_live", ch.IsLive),
		slog.Bool("has_session", ch.ActiveSessionID != nil))
}

// Push notification handling -------------------------------------------------

// Notification is one EventSub notification routed from the callback.
type Notification struct {
	SubType string
	Event   json.RawMessage
}

type streamOnlineEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	StartedAt            string `json:"started_at"`
}

type streamOfflineEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type channelRaidEvent struct {
	FromBroadcasterUserID string `json:"from_broadcaster_user_id"`
	ToBroadcasterUserID   string `json:"to_broadcaster_user_id"`
	Viewers               int    `json:"viewers"`
}

// HandleNotification feeds a push event through the same reconcile path the
// poller uses. Unknown or unmonitored channels are ignored.
func (t *Tracker) HandleNotification(ctx context.Context, n Notification) {
	telemetry.Inc(telemetry.NotificationsSeen)
	switch n.SubType {
	case eventsub.TypeStreamOnline:
		var ev streamOnlineEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			slog.Warn("malformed stream.online event", slog.String("component", "tracker"), slog.Any("err", err))
			return
		}
		t.handleOnline(ctx, ev)
	case eventsub.TypeStreamOffline:
		var ev streamOfflineEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			slog.Warn("malformed stream.offline event", slog.String("component", "tracker"), slog.Any("err", err))
			return
		}
		t.handleOffline(ctx, ev)
	case eventsub.TypeChannelRaid:
		var ev channelRaidEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			slog.Warn("malformed channel.raid event", slog.String("component", "tracker"), slog.Any("err", err))
			return
		}
		t.handleRaid(ev)
	default:
		slog.Debug("unhandled notification type", slog.String("component", "tracker"), slog.String("sub_type", n.SubType))
	}
}

func (t *Tracker) handleOnline(ctx context.Context, ev streamOnlineEvent) {
	ch := t.loadChannel(ctx, ev.BroadcasterUserID)
	if ch == nil {
		return
	}
	// The event carries no category or viewers; look the stream up so the
	// session opens with the real picture. If Helix has not caught up
	// yet, synthesize a minimal stream and let the next poll fill it in.
	s := t.lookupStream(ctx, ch.Login)
	if s == nil {
		startedAt, _ := time.Parse(time.RFC3339, ev.StartedAt)
		if startedAt.IsZero() {
			startedAt = t.Now()
		}
		s = &twitchapi.Stream{
			ID:        ev.ID,
			UserID:    ev.BroadcasterUserID,
			UserLogin: ev.BroadcasterUserLogin,
			StartedAt: startedAt,
		}
	}
	t.reconcile(ctx, ch, Observation{Live: true, Stream: s, Source: "push"})
}

func (t *Tracker) handleOffline(ctx context.Context, ev streamOfflineEvent) {
	ch := t.loadChannel(ctx, ev.BroadcasterUserID)
	if ch == nil {
		return
	}
	t.reconcile(ctx, ch, Observation{Live: false, Source: "push"})
}

// handleRaid completes a pending auto-raid arrival or, for a raid we did
// not initiate, arms manual-raid suppression for the source channel.
func (t *Tracker) handleRaid(ev channelRaidEvent) {
	if t.Raids == nil {
		return
	}
	from, err1 := strconv.ParseInt(ev.FromBroadcasterUserID, 10, 64)
	to, err2 := strconv.ParseInt(ev.ToBroadcasterUserID, 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	if !t.Raids.HandleRaidLanded(from, to, ev.Viewers) {
		t.Raids.Suppress(from)
	}
}

func (t *Tracker) loadChannel(ctx context.Context, broadcasterID string) *ChannelState {
	id, err := strconv.ParseInt(broadcasterID, 10, 64)
	if err != nil {
		return nil
	}
	ch, err := t.Store.Get(ctx, id)
	if err != nil {
		slog.Error("failed to load channel state", slog.String("component", "tracker"),
			slog.Int64("channel_id", id), slog.Any("err", err))
		return nil
	}
	return ch
}

func (t *Tracker) lookupStream(ctx context.Context, login string) *twitchapi.Stream {
	streams, err := t.Helix.GetStreams(ctx, []string{login})
	if err != nil || len(streams) == 0 {
		return nil
	}
	return &streams[0]
}
