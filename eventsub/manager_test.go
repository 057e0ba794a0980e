package eventsub

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/twitchapi"
)

type fakeAPI struct {
	creates   int
	createErr error
	deletes   []string
	deleteErr error
	list      twitchapi.EventSubList
}

func (f *fakeAPI) CreateEventSubSubscription(_ context.Context, subType, broadcasterID, _, _ string) (string, error) {
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "sub-" + subType + "-" + broadcasterID, nil
}

func (f *fakeAPI) DeleteEventSubSubscription(_ context.Context, id string) error {
	f.deletes = append(f.deletes, id)
	return f.deleteErr
}

func (f *fakeAPI) ListEventSubSubscriptions(context.Context, string) (*twitchapi.EventSubList, error) {
	cp := f.list
	return &cp, nil
}

type fakeSubStore struct {
	records   []Record
	deletes   int
	deleteAll int
	snapshots []string
	pruned    int
}

func (f *fakeSubStore) Insert(_ context.Context, rec Record) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSubStore) Delete(context.Context, string, int64) error {
	f.deletes++
	return nil
}

func (f *fakeSubStore) DeleteAll(context.Context) error {
	f.deleteAll++
	return nil
}

func (f *fakeSubStore) WriteSnapshot(_ context.Context, _, _ int, _ map[string]int, reason string) error {
	f.snapshots = append(f.snapshots, reason)
	return nil
}

func (f *fakeSubStore) PruneSnapshots(context.Context, time.Duration) (int64, error) {
	f.pruned++
	return 0, nil
}

func newTestManager(api *fakeAPI, store *fakeSubStore) *Manager {
	m := NewManager(api, store, "https://warden.example/eventsub/callback", "s3cret", 300, 5*time.Minute, 14*24*time.Hour)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base }
	return m
}

func TestEnsureIdempotent(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeSubStore{}
	m := newTestManager(api, store)

	res, err := m.Ensure(context.Background(), TypeStreamOffline, 42)
	if err != nil || res != Registered {
		t.Fatalf("first Ensure = %v, %v, want Registered", res, err)
	}
	for i := 0; i < 3; i++ {
		res, err = m.Ensure(context.Background(), TypeStreamOffline, 42)
		if err != nil || res != AlreadyRegistered {
			t.Fatalf("duplicate Ensure = %v, %v, want AlreadyRegistered", res, err)
		}
	}
	if api.creates != 1 {
		t.Errorf("upstream create called %d times, want exactly 1", api.creates)
	}
	if len(store.records) != 1 {
		t.Errorf("persisted %d records, want 1", len(store.records))
	}

	// Different type on the same channel is a distinct key.
	if res, _ := m.Ensure(context.Background(), TypeStreamOnline, 42); res != Registered {
		t.Errorf("different sub type = %v, want Registered", res)
	}
}

func TestEnsureCapacityExceededIsRecoverable(t *testing.T) {
	api := &fakeAPI{createErr: twitchapi.ErrCapacityExceeded}
	store := &fakeSubStore{}
	m := newTestManager(api, store)

	res, err := m.Ensure(context.Background(), TypeStreamOffline, 42)
	if res != FailedRegistration || err == nil {
		t.Fatalf("Ensure = %v, %v, want FailedRegistration with error", res, err)
	}
	if len(store.records) != 0 {
		t.Errorf("failed registration was persisted")
	}

	// Not tracked, so a later call retries upstream.
	api.createErr = nil
	if res, _ := m.Ensure(context.Background(), TypeStreamOffline, 42); res != Registered {
		t.Errorf("retry after capacity failure = %v, want Registered", res)
	}
	if api.creates != 2 {
		t.Errorf("upstream create called %d times, want 2", api.creates)
	}
}

func TestSweepStaleDeletesOnlyOwnCallback(t *testing.T) {
	api := &fakeAPI{}
	api.list.Total = 3
	mine := twitchapi.EventSubSubscription{ID: "old-1", Type: TypeStreamOnline}
	mine.Transport.Callback = "https://warden.example/eventsub/callback"
	other := twitchapi.EventSubSubscription{ID: "foreign-1", Type: TypeStreamOnline}
	other.Transport.Callback = "https://other.example/hook"
	mine2 := twitchapi.EventSubSubscription{ID: "old-2", Type: TypeStreamOffline}
	mine2.Transport.Callback = "https://warden.example/eventsub/callback"
	api.list.Subscriptions = []twitchapi.EventSubSubscription{mine, other, mine2}

	store := &fakeSubStore{}
	m := newTestManager(api, store)

	if err := m.SweepStale(context.Background()); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(api.deletes) != 2 || api.deletes[0] != "old-1" || api.deletes[1] != "old-2" {
		t.Errorf("deleted %v, want [old-1 old-2] only", api.deletes)
	}
	if store.deleteAll != 1 {
		t.Errorf("table not cleared")
	}
}

func TestHandleRevokedAllowsReRegistration(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeSubStore{}
	m := newTestManager(api, store)

	if res, _ := m.Ensure(context.Background(), TypeStreamOffline, 42); res != Registered {
		t.Fatal("setup registration failed")
	}
	m.HandleRevoked(context.Background(), "sub-stream.offline-42")
	if store.deletes != 1 {
		t.Errorf("revoked record not deleted from store")
	}
	if res, _ := m.Ensure(context.Background(), TypeStreamOffline, 42); res != Registered {
		t.Errorf("revoked key did not re-register")
	}
	if api.creates != 2 {
		t.Errorf("upstream create called %d times, want 2", api.creates)
	}
}

func TestSnapshotThrottled(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeSubStore{}
	m := newTestManager(api, store)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	if err := m.Snapshot(context.Background(), "startup", true); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Inside the 5m window, unforced snapshots are dropped.
	now = now.Add(time.Minute)
	if err := m.Snapshot(context.Background(), "burst", false); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("snapshots = %v, want only startup inside throttle window", store.snapshots)
	}
	// Forced snapshots bypass the throttle.
	if err := m.Snapshot(context.Background(), "forced", true); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Past the window, unforced snapshots write again.
	now = now.Add(6 * time.Minute)
	if err := m.Snapshot(context.Background(), "periodic", false); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(store.snapshots) != 3 {
		t.Errorf("snapshots = %v, want [startup forced periodic]", store.snapshots)
	}
}
