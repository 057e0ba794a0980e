package raid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/auth"
	"github.com/onnwee/streamwarden/twitchapi"
)

type fakePartners struct {
	cands []Candidate
	err   error
}

func (f *fakePartners) LiveRaidPartners(context.Context) ([]Candidate, error) {
	return f.cands, f.err
}

type fakeCreds struct {
	denied map[int64]bool
}

func (f *fakeCreds) Resolve(_ context.Context, id int64) (auth.Credential, error) {
	if f.denied[id] {
		return auth.Credential{}, auth.ErrNotAvailable
	}
	return auth.Credential{ChannelID: id, AccessToken: "tok"}, nil
}

type fakeHelix struct {
	raids    []string // "from->to"
	raidErr  error
	gameID   string
	streams  []twitchapi.Stream
	poolErr  error
	poolHits int
}

func (f *fakeHelix) StartRaid(_ context.Context, from, to, _ string) error {
	f.raids = append(f.raids, from+"->"+to)
	return f.raidErr
}

func (f *fakeHelix) GetGameID(context.Context, string) (string, error) {
	if f.gameID == "" {
		return "509658", nil
	}
	return f.gameID, nil
}

func (f *fakeHelix) GetStreamsByGame(context.Context, string, int) ([]twitchapi.Stream, error) {
	f.poolHits++
	return f.streams, f.poolErr
}

const testTarget = "Deadlock"

func newTestEngine(partners *fakePartners, creds *fakeCreds, helix *fakeHelix) *Engine {
	rule := CategoryRule{Target: testTarget, Conversational: "Just Chatting", RecencyWindow: 5 * time.Minute}
	e := NewEngine(partners, creds, helix, rule, 90*time.Second, 10*time.Minute)
	base := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return base }
	return e
}

func dep(id int64, login string) Departure {
	return Departure{ChannelID: id, Login: login, RaidEnabled: true, Category: testTarget, HadTarget: true, Viewers: 80}
}

func liveCand(id int64, login string, viewers int, startOffset time.Duration) Candidate {
	return Candidate{
		ChannelID: id, Login: login, Category: testTarget,
		HadTarget: true, Viewers: viewers,
		StartedAt: time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC).Add(startOffset),
	}
}

func TestOnOfflinePicksLowestViewers(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{
		liveCand(2, "alpha", 50, 0),
		liveCand(3, "bravo", 10, time.Hour),
		liveCand(4, "charlie", 30, 0),
	}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Raided {
		t.Fatalf("outcome = %+v, want Raided", out)
	}
	if out.Target.Login != "bravo" {
		t.Errorf("target = %s, want bravo (lowest viewers)", out.Target.Login)
	}
	if len(helix.raids) != 1 || helix.raids[0] != "1->3" {
		t.Errorf("raids = %v, want exactly [1->3]", helix.raids)
	}
}

func TestOnOfflineTieBrokenByEarliestStart(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{
		liveCand(2, "later", 10, time.Hour),
		liveCand(3, "earlier", 10, 0),
	}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Raided || out.Target.Login != "earlier" {
		t.Errorf("target = %+v, want earlier", out.Target)
	}
}

func TestOnOfflinePrefersExactCategoryOverRecency(t *testing.T) {
	// charlie has fewer viewers but sits in Just Chatting within the
	// recency window; bravo is live in the target category and wins.
	recency := Candidate{
		ChannelID: 4, Login: "charlie", Category: "Just Chatting",
		HadTarget: true, TargetSeenAt: time.Date(2026, 8, 30, 19, 58, 0, 0, time.UTC),
		Viewers: 5, StartedAt: time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
	}
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{liveCand(3, "bravo", 40, 0), recency}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Raided || out.Target.Login != "bravo" {
		t.Errorf("target = %+v, want bravo (exact category preferred)", out.Target)
	}
}

func TestOnOfflineNoCredentialSkipsWithoutRaidCall(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{liveCand(2, "alpha", 10, 0)}}
	e := newTestEngine(partners, &fakeCreds{denied: map[int64]bool{1: true}}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Skipped || out.Reason != "no_credential" {
		t.Fatalf("outcome = %+v, want Skipped(no_credential)", out)
	}
	if len(helix.raids) != 0 {
		t.Errorf("raid was executed without a credential: %v", helix.raids)
	}
}

func TestOnOfflineSuppressedAfterManualRaid(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{liveCand(2, "alpha", 10, 0)}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	e.Suppress(1)
	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Skipped || out.Reason != "suppressed" {
		t.Fatalf("outcome = %+v, want Skipped(suppressed)", out)
	}
	if len(helix.raids) != 0 {
		t.Errorf("raid executed during suppression window: %v", helix.raids)
	}
}

func TestOnOfflineThrottleMakesDuplicateANoop(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{liveCand(2, "alpha", 10, 0)}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	first := e.OnOffline(context.Background(), dep(1, "source"))
	if first.Kind != Raided {
		t.Fatalf("first outcome = %+v, want Raided", first)
	}
	// The push path observing the same transition right after the poll
	// path must not fire a second raid.
	second := e.OnOffline(context.Background(), dep(1, "source"))
	if second.Kind != Skipped {
		t.Fatalf("second outcome = %+v, want Skipped", second)
	}
	if len(helix.raids) != 1 {
		t.Errorf("raid executed %d times, want exactly 1", len(helix.raids))
	}
}

func TestOnOfflineFailureIsNotRetried(t *testing.T) {
	helix := &fakeHelix{raidErr: errors.New("500 from upstream")}
	partners := &fakePartners{cands: []Candidate{liveCand(2, "alpha", 10, 0)}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Failed || out.Err == nil {
		t.Fatalf("outcome = %+v, want Failed", out)
	}
	if len(helix.raids) != 1 {
		t.Errorf("failed raid issued %d calls, want exactly 1 (never retried)", len(helix.raids))
	}
}

func TestOnOfflineExternalPoolFallback(t *testing.T) {
	helix := &fakeHelix{streams: []twitchapi.Stream{
		{UserID: "77", UserLogin: "outsider", GameName: testTarget, ViewerCount: 12},
		{UserID: "1", UserLogin: "source", GameName: testTarget, ViewerCount: 3},
	}}
	e := newTestEngine(&fakePartners{}, &fakeCreds{}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Raided {
		t.Fatalf("outcome = %+v, want Raided via external pool", out)
	}
	if !out.Target.External || out.Target.Login != "outsider" {
		t.Errorf("target = %+v, want external outsider (self excluded)", out.Target)
	}
	if helix.poolHits != 1 {
		t.Errorf("external pool queried %d times, want 1", helix.poolHits)
	}
}

func TestOnOfflineUncredentialedPartnerExcluded(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{
		liveCand(2, "alpha", 5, 0),
		liveCand(3, "bravo", 40, 0),
	}}
	e := newTestEngine(partners, &fakeCreds{denied: map[int64]bool{2: true}}, helix)

	out := e.OnOffline(context.Background(), dep(1, "source"))
	if out.Kind != Raided || out.Target.Login != "bravo" {
		t.Errorf("target = %+v, want bravo (alpha lacks a credential)", out.Target)
	}
}

func TestHandleRaidLandedConsumesMarkerOnce(t *testing.T) {
	helix := &fakeHelix{}
	partners := &fakePartners{cands: []Candidate{liveCand(2, "alpha", 10, 0)}}
	e := newTestEngine(partners, &fakeCreds{}, helix)

	if out := e.OnOffline(context.Background(), dep(1, "source")); out.Kind != Raided {
		t.Fatalf("setup raid failed: %+v", out)
	}
	if !e.HandleRaidLanded(1, 2, 80) {
		t.Error("first landing did not match the pending marker")
	}
	if e.HandleRaidLanded(1, 2, 80) {
		t.Error("marker matched twice; it must be consumed on first landing")
	}
	if e.HandleRaidLanded(5, 6, 1) {
		t.Error("unrelated raid matched a marker")
	}
}
