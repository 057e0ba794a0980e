// Package raid decides and executes automatic raids when a monitored
// channel goes offline.
package raid

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/auth"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// OutcomeKind classifies what the engine did for one offline transition.
type OutcomeKind int

const (
	// Raided means the raid was executed upstream.
	Raided OutcomeKind = iota
	// Skipped means a precondition failed; Reason says which.
	Skipped
	// Failed means the raid call itself failed. It is never retried
	// automatically because the upstream action may have partially
	// succeeded.
	Failed
)

// Outcome is the result of OnOffline.
type Outcome struct {
	Kind   OutcomeKind
	Target *Candidate
	Reason string
	Err    error
}

func raided(c Candidate) Outcome { return Outcome{Kind: Raided, Target: &c} }
func skipped(why string) Outcome { return Outcome{Kind: Skipped, Reason: why} }
func failed(err error) Outcome   { return Outcome{Kind: Failed, Err: err} }

// Departure describes the channel that just went offline, as last observed.
type Departure struct {
	ChannelID    int64
	Login        string
	RaidEnabled  bool
	Category     string
	HadTarget    bool
	TargetSeenAt time.Time
	Viewers      int
}

// Candidate is a potential raid target.
type Candidate struct {
	ChannelID    int64
	Login        string
	Category     string
	HadTarget    bool
	TargetSeenAt time.Time
	Viewers      int
	StartedAt    time.Time
	// External marks a candidate from the public category pool rather
	// than a monitored partner.
	External bool
}

// PartnerSource lists currently-live raid-enabled monitored channels.
type PartnerSource interface {
	LiveRaidPartners(ctx context.Context) ([]Candidate, error)
}

// CredentialSource is satisfied by auth.Resolver.
type CredentialSource interface {
	Resolve(ctx context.Context, channelID int64) (auth.Credential, error)
}

// HelixAPI is the slice of the Twitch client the engine needs.
type HelixAPI interface {
	StartRaid(ctx context.Context, fromBroadcasterID, toBroadcasterID string, userToken string) error
	GetGameID(ctx context.Context, name string) (string, error)
	GetStreamsByGame(ctx context.Context, gameID string, first int) ([]twitchapi.Stream, error)
}

type pendingArrival struct {
	TargetID    int64
	TargetLogin string
	ArmedAt     time.Time
}

// Engine selects and executes automatic raids. All of its maps are
// process-local and rebuilt empty on restart; the de-dup throttle is the
// only guard against the poll and push paths both reacting to the same
// offline transition.
type Engine struct {
	Partners PartnerSource
	Creds    CredentialSource
	Helix    HelixAPI
	Rule     CategoryRule

	ThrottleWindow time.Duration
	SuppressWindow time.Duration
	Now            func() time.Time

	mu              sync.Mutex
	lastTrigger     map[int64]time.Time
	suppressedUntil map[int64]time.Time
	pending         map[int64]pendingArrival
}

func NewEngine(partners PartnerSource, creds CredentialSource, helix HelixAPI, rule CategoryRule, throttle, suppress time.Duration) *Engine {
	return &Engine{
		Partners:        partners,
		Creds:           creds,
		Helix:           helix,
		Rule:            rule,
		ThrottleWindow:  throttle,
		SuppressWindow:  suppress,
		Now:             time.Now,
		lastTrigger:     make(map[int64]time.Time),
		suppressedUntil: make(map[int64]time.Time),
		pending:         make(map[int64]pendingArrival),
	}
}

// OnOffline runs the raid decision for a channel that just went offline.
// Preconditions cost nothing upstream; the raid execution itself happens at
// most once per throttle window and is never retried.
func (e *Engine) OnOffline(ctx context.Context, dep Departure) Outcome {
	log := slog.Default().With(slog.String("component", "raid"), slog.Int64("channel_id", dep.ChannelID), slog.String("login", dep.Login))

	if !dep.RaidEnabled {
		return e.skip(log, "raid_disabled")
	}
	cred, err := e.Creds.Resolve(ctx, dep.ChannelID)
	if err != nil {
		if errors.Is(err, auth.ErrNotAvailable) {
			return e.skip(log, "no_credential")
		}
		return e.skip(log, "credential_error")
	}

	now := e.Now()
	e.mu.Lock()
	if until, ok := e.suppressedUntil[dep.ChannelID]; ok && now.Before(until) {
		e.mu.Unlock()
		return e.skip(log, "suppressed")
	}
	if last, ok := e.lastTrigger[dep.ChannelID]; ok && now.Sub(last) < e.ThrottleWindow {
		e.mu.Unlock()
		return e.skip(log, "throttled")
	}
	// Claim the throttle slot before any slow work so the second of two
	// near-simultaneous offline observations is dropped here.
	e.lastTrigger[dep.ChannelID] = now
	e.mu.Unlock()

	target, ok, err := e.pickTarget(ctx, dep, now)
	if err != nil {
		log.Warn("candidate lookup failed", slog.Any("err", err))
		return e.skip(log, "candidate_lookup_failed")
	}
	if !ok {
		return e.skip(log, "no_candidates")
	}

	from := strconv.FormatInt(dep.ChannelID, 10)
	to := strconv.FormatInt(target.ChannelID, 10)
	if err := e.Helix.StartRaid(ctx, from, to, cred.AccessToken); err != nil {
		telemetry.Inc(telemetry.RaidsFailed)
		log.Error("raid execution failed", slog.String("target", target.Login), slog.Any("err", err))
		return failed(err)
	}

	e.mu.Lock()
	e.suppressedUntil[dep.ChannelID] = now.Add(e.SuppressWindow)
	e.pending[dep.ChannelID] = pendingArrival{TargetID: target.ChannelID, TargetLogin: target.Login, ArmedAt: now}
	e.mu.Unlock()

	telemetry.Inc(telemetry.RaidsExecuted)
	log.Info("auto raid executed",
		slog.String("target", target.Login),
		slog.Int("target_viewers", target.Viewers),
		slog.Bool("external", target.External))
	return raided(target)
}

func (e *Engine) skip(log *slog.Logger, reason string) Outcome {
	telemetry.Inc(telemetry.RaidsSkipped)
	log.Debug("auto raid skipped", slog.String("reason", reason))
	return skipped(reason)
}

// pickTarget filters partners by the category rule and credentials, prefers
// the exact-category subset, and falls back to the public category pool.
func (e *Engine) pickTarget(ctx context.Context, dep Departure, now time.Time) (Candidate, bool, error) {
	partners, err := e.Partners.LiveRaidPartners(ctx)
	if err != nil {
		return Candidate{}, false, err
	}

	var eligible []Candidate
	for _, c := range partners {
		if c.ChannelID == dep.ChannelID {
			continue
		}
		if !e.Rule.Eligible(c.Category, c.HadTarget, c.TargetSeenAt, now) {
			continue
		}
		if _, err := e.Creds.Resolve(ctx, c.ChannelID); err != nil {
			continue
		}
		eligible = append(eligible, c)
	}

	if exact := exactCategory(eligible, e.Rule.Target); len(exact) > 0 {
		eligible = exact
	}
	if len(eligible) > 0 {
		return selectTarget(eligible), true, nil
	}

	external, err := e.externalPool(ctx, dep)
	if err != nil {
		return Candidate{}, false, err
	}
	if len(external) == 0 {
		return Candidate{}, false, nil
	}
	return selectTarget(external), true, nil
}

func (e *Engine) externalPool(ctx context.Context, dep Departure) ([]Candidate, error) {
	gameID, err := e.Helix.GetGameID(ctx, e.Rule.Target)
	if err != nil {
		return nil, err
	}
	if gameID == "" {
		return nil, nil
	}
	streams, err := e.Helix.GetStreamsByGame(ctx, gameID, 100)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, s := range streams {
		if strings.EqualFold(s.UserLogin, dep.Login) {
			continue
		}
		id, err := strconv.ParseInt(s.UserID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			ChannelID: id,
			Login:     s.UserLogin,
			Category:  s.GameName,
			Viewers:   s.ViewerCount,
			StartedAt: s.StartedAt,
			External:  true,
		})
	}
	return out, nil
}

// exactCategory returns the subset currently in the target category.
func exactCategory(cands []Candidate, target string) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if strings.EqualFold(c.Category, target) {
			out = append(out, c)
		}
	}
	return out
}

// selectTarget picks the candidate with the fewest viewers, ties broken by
// earliest stream start. The departing audience goes to the peer who most
// needs it, not the biggest channel.
func selectTarget(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Viewers < best.Viewers ||
			(c.Viewers == best.Viewers && c.StartedAt.Before(best.StartedAt)) {
			best = c
		}
	}
	return best
}

// Suppress arms the manual-raid suppression window for a channel, called
// when an externally initiated raid is observed.
func (e *Engine) Suppress(channelID int64) {
	now := e.Now()
	e.mu.Lock()
	e.suppressedUntil[channelID] = now.Add(e.SuppressWindow)
	e.mu.Unlock()
	slog.Info("raid suppression armed", slog.String("component", "raid"), slog.Int64("channel_id", channelID))
}

// Suppressed reports whether the channel is inside its suppression window.
func (e *Engine) Suppressed(channelID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.suppressedUntil[channelID]
	return ok && e.Now().Before(until)
}

// HandleRaidLanded consumes the pending-arrival marker registered when an
// auto raid executed. Returns true when the landed raid matches a marker,
// so callers can surface bookkeeping without re-deriving the target.
func (e *Engine) HandleRaidLanded(fromID, toID int64, viewers int) bool {
	e.mu.Lock()
	p, ok := e.pending[fromID]
	if ok && p.TargetID == toID {
		delete(e.pending, fromID)
	}
	e.mu.Unlock()
	if !ok || p.TargetID != toID {
		return false
	}
	slog.Info("auto raid landed",
		slog.String("component", "raid"),
		slog.Int64("from", fromID),
		slog.String("target", p.TargetLogin),
		slog.Int("viewers", viewers))
	return true
}
