package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeChannelAdmin struct {
	upserts []string
	err     error
}

func (f *fakeChannelAdmin) UpsertChannel(_ context.Context, channelID int64, login string, raidEnabled bool) error {
	f.upserts = append(f.upserts, login)
	return f.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuthTokenAccepted(t *testing.T) {
	cfg := &authConfig{adminToken: "topsecret", enabled: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/channels", nil)
	req.Header.Set("X-Admin-Token", "topsecret")

	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAdminAuthWrongTokenRejected(t *testing.T) {
	cfg := &authConfig{adminToken: "topsecret", enabled: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/channels", nil)
	req.Header.Set("X-Admin-Token", "wrong")

	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAdminAuthBasicCredentials(t *testing.T) {
	cfg := &authConfig{adminUsername: "ops", adminPassword: "hunter2", enabled: true}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/channels", nil)
	req.SetBasicAuth("ops", "hunter2")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid basic auth: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/channels", nil)
	req.SetBasicAuth("ops", "wrong")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Errorf("WWW-Authenticate = %q, want Basic challenge", got)
	}
}

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	rec := httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/channels", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth unconfigured", rec.Code)
	}
}

func TestAdminChannelsUpsert(t *testing.T) {
	admin := &fakeChannelAdmin{}
	h := NewHandlers(nil, nil, nil, admin, nil, nil, "")

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"channel_id": 42, "login": "alpha", "raid_enabled": true}`)
	h.HandleAdminChannels(rec, httptest.NewRequest(http.MethodPost, "/admin/channels", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(admin.upserts) != 1 || admin.upserts[0] != "alpha" {
		t.Errorf("upserts = %v, want [alpha]", admin.upserts)
	}
}

func TestAdminChannelsValidation(t *testing.T) {
	admin := &fakeChannelAdmin{}
	h := NewHandlers(nil, nil, nil, admin, nil, nil, "")

	for _, body := range []string{
		`{"login": "alpha"}`,
		`{"channel_id": 42}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		h.HandleAdminChannels(rec, httptest.NewRequest(http.MethodPost, "/admin/channels", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if len(admin.upserts) != 0 {
			t.Errorf("body %q: upsert should not be called", body)
		}
	}
}
