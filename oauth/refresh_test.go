package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/auth"
)

type fakeExpiring struct {
	ids []int64
	err error
}

func (f *fakeExpiring) ListExpiring(context.Context, time.Duration) ([]int64, error) {
	return f.ids, f.err
}

type fakeResolver struct {
	resolved []int64
	failFor  map[int64]bool
}

func (f *fakeResolver) Resolve(_ context.Context, id int64) (auth.Credential, error) {
	f.resolved = append(f.resolved, id)
	if f.failFor[id] {
		return auth.Credential{}, auth.ErrNotAvailable
	}
	return auth.Credential{ChannelID: id, AccessToken: "tok"}, nil
}

func TestRefreshOnceResolvesEveryExpiringChannel(t *testing.T) {
	source := &fakeExpiring{ids: []int64{1, 2, 3}}
	resolver := &fakeResolver{}

	refreshOnce(context.Background(), source, resolver, 15*time.Minute)

	if len(resolver.resolved) != 3 {
		t.Errorf("resolved %v, want all of [1 2 3]", resolver.resolved)
	}
}

func TestRefreshOnceFailureDoesNotAbortRest(t *testing.T) {
	source := &fakeExpiring{ids: []int64{1, 2, 3}}
	resolver := &fakeResolver{failFor: map[int64]bool{2: true}}

	refreshOnce(context.Background(), source, resolver, 15*time.Minute)

	if len(resolver.resolved) != 3 {
		t.Errorf("resolved %v, want the failing channel skipped, not fatal", resolver.resolved)
	}
}

func TestRefreshOnceScanErrorIsNonFatal(t *testing.T) {
	source := &fakeExpiring{err: errors.New("db down")}
	resolver := &fakeResolver{}

	refreshOnce(context.Background(), source, resolver, 15*time.Minute)

	if len(resolver.resolved) != 0 {
		t.Errorf("resolver called despite scan failure: %v", resolver.resolved)
	}
}
