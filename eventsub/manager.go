// Package eventsub manages webhook subscription capacity against the
// platform's account-level slot ceiling.
package eventsub

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// Subscription types the tracker arms per channel.
const (
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
	TypeChannelRaid   = "channel.raid"
)

// Result classifies one Ensure call.
type Result int

const (
	Registered Result = iota
	AlreadyRegistered
	FailedRegistration
)

func (r Result) String() string {
	switch r {
	case Registered:
		return "registered"
	case AlreadyRegistered:
		return "already_registered"
	default:
		return "failed"
	}
}

// Record is one row of eventsub_subscriptions.
type Record struct {
	SubType     string
	ChannelID   int64
	TwitchSubID string
	Status      string
	CreatedAt   time.Time
}

// Store persists the subscription working set and capacity snapshots.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, subType string, channelID int64) error
	DeleteAll(ctx context.Context) error
	WriteSnapshot(ctx context.Context, used, total int, byType map[string]int, reason string) error
	PruneSnapshots(ctx context.Context, olderThan time.Duration) (int64, error)
}

// API is the slice of the Twitch client the manager needs.
type API interface {
	CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, callbackURL, secret string) (string, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
	ListEventSubSubscriptions(ctx context.Context, status string) (*twitchapi.EventSubList, error)
}

type subKey struct {
	SubType   string
	ChannelID int64
}

// Manager keeps an in-memory tracked set so duplicate registrations cost
// zero HTTP calls, and snapshots slot utilization on a throttled cadence.
type Manager struct {
	API         API
	Store       Store
	CallbackURL string
	Secret      string

	TotalSlots          int
	SnapshotMinInterval time.Duration
	SnapshotRetention   time.Duration
	Now                 func() time.Time

	mu           sync.Mutex
	tracked      map[subKey]string
	lastSnapshot time.Time
}

func NewManager(api API, store Store, callbackURL, secret string, totalSlots int, snapMin, snapRetention time.Duration) *Manager {
	return &Manager{
		API:                 api,
		Store:               store,
		CallbackURL:         callbackURL,
		Secret:              secret,
		TotalSlots:          totalSlots,
		SnapshotMinInterval: snapMin,
		SnapshotRetention:   snapRetention,
		Now:                 time.Now,
		tracked:             make(map[subKey]string),
	}
}

// Ensure registers the (subType, channel) subscription if it is not already
// tracked. Duplicate calls are no-op successes without any upstream call.
// An upstream capacity rejection is recoverable: not tracked, caller may
// retry on a later transition.
func (m *Manager) Ensure(ctx context.Context, subType string, channelID int64) (Result, error) {
	key := subKey{SubType: subType, ChannelID: channelID}
	m.mu.Lock()
	if _, ok := m.tracked[key]; ok {
		m.mu.Unlock()
		return AlreadyRegistered, nil
	}
	m.mu.Unlock()

	id, err := m.API.CreateEventSubSubscription(ctx, subType, strconv.FormatInt(channelID, 10), m.CallbackURL, m.Secret)
	if err != nil {
		if errors.Is(err, twitchapi.ErrCapacityExceeded) {
			used, total := m.utilization()
			slog.Warn("eventsub capacity exceeded",
				slog.String("component", "eventsub"),
				slog.String("sub_type", subType),
				slog.Int64("channel_id", channelID),
				slog.Int("used_slots", used),
				slog.Int("total_slots", total))
			return FailedRegistration, err
		}
		return FailedRegistration, err
	}

	m.mu.Lock()
	m.tracked[key] = id
	m.mu.Unlock()

	rec := Record{SubType: subType, ChannelID: channelID, TwitchSubID: id, Status: "enabled", CreatedAt: m.Now()}
	if err := m.Store.Insert(ctx, rec); err != nil {
		slog.Error("failed to persist subscription record",
			slog.String("component", "eventsub"), slog.Any("err", err))
	}
	slog.Info("eventsub subscription registered",
		slog.String("component", "eventsub"),
		slog.String("sub_type", subType),
		slog.Int64("channel_id", channelID))
	return Registered, nil
}

// SweepStale deletes every upstream subscription pointing at our callback
// URL and clears the table. Run once at process start so registrations
// leaked by a crashed previous instance do not eat slots.
func (m *Manager) SweepStale(ctx context.Context) error {
	list, err := m.API.ListEventSubSubscriptions(ctx, "")
	if err != nil {
		return err
	}
	removed := 0
	for _, sub := range list.Subscriptions {
		if sub.Transport.Callback != m.CallbackURL {
			continue
		}
		if err := m.API.DeleteEventSubSubscription(ctx, sub.ID); err != nil {
			slog.Warn("failed to delete stale subscription",
				slog.String("component", "eventsub"),
				slog.String("sub_id", sub.ID),
				slog.Any("err", err))
			continue
		}
		removed++
	}
	if err := m.Store.DeleteAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.tracked = make(map[subKey]string)
	m.mu.Unlock()
	slog.Info("stale subscription sweep complete",
		slog.String("component", "eventsub"),
		slog.Int("removed", removed),
		slog.Int("upstream_total", list.Total))
	return nil
}

// HandleRevoked drops a revoked subscription from the working set so a
// later transition re-registers it.
func (m *Manager) HandleRevoked(ctx context.Context, twitchSubID string) {
	m.mu.Lock()
	var found *subKey
	for k, id := range m.tracked {
		if id == twitchSubID {
			k := k
			found = &k
			break
		}
	}
	if found != nil {
		delete(m.tracked, *found)
	}
	m.mu.Unlock()
	if found == nil {
		slog.Debug("revocation for untracked subscription",
			slog.String("component", "eventsub"), slog.String("sub_id", twitchSubID))
		return
	}
	if err := m.Store.Delete(ctx, found.SubType, found.ChannelID); err != nil {
		slog.Error("failed to delete revoked subscription record",
			slog.String("component", "eventsub"), slog.Any("err", err))
	}
	slog.Warn("eventsub subscription revoked",
		slog.String("component", "eventsub"),
		slog.String("sub_type", found.SubType),
		slog.Int64("channel_id", found.ChannelID))
}

// Snapshot writes a capacity snapshot unless one was written within the
// minimum interval, then prunes snapshots past the retention window.
// force bypasses the throttle (startup snapshot).
func (m *Manager) Snapshot(ctx context.Context, reason string, force bool) error {
	now := m.Now()
	m.mu.Lock()
	if !force && !m.lastSnapshot.IsZero() && now.Sub(m.lastSnapshot) < m.SnapshotMinInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastSnapshot = now
	byType := make(map[string]int)
	for k := range m.tracked {
		byType[k.SubType]++
	}
	used := len(m.tracked)
	m.mu.Unlock()

	telemetry.SetSubscriptionSlots(used, m.TotalSlots)
	if err := m.Store.WriteSnapshot(ctx, used, m.TotalSlots, byType, reason); err != nil {
		return err
	}
	if pruned, err := m.Store.PruneSnapshots(ctx, m.SnapshotRetention); err != nil {
		slog.Warn("snapshot prune failed", slog.String("component", "eventsub"), slog.Any("err", err))
	} else if pruned > 0 {
		slog.Debug("pruned capacity snapshots", slog.String("component", "eventsub"), slog.Int64("rows", pruned))
	}
	return nil
}

func (m *Manager) utilization() (used, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked), m.TotalSlots
}
