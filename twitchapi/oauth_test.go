package twitchapi

import (
	"strings"
	"testing"
	"time"
)

func TestBuildAuthorizeURL(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		scopes      string
		state       string
		wantErr     bool
		wantParts   []string
	}{
		{
			name:        "valid request",
			clientID:    "test-client-id",
			redirectURI: "http://localhost/callback",
			scopes:      "channel:manage:raids moderator:read:followers",
			state:       "random-state",
			wantErr:     false,
			wantParts:   []string{"client_id=test-client-id", "state=random-state", "scope="},
		},
		{
			name:        "empty client ID",
			clientID:    "",
			redirectURI: "http://localhost/callback",
			scopes:      "channel:manage:raids",
			state:       "state",
			wantErr:     true,
		},
		{
			name:        "empty redirect URI",
			clientID:    "client",
			redirectURI: "",
			scopes:      "channel:manage:raids",
			state:       "state",
			wantErr:     true,
		},
		{
			name:        "comma separated scopes normalized",
			clientID:    "client-id",
			redirectURI: "http://localhost/callback",
			scopes:      "channel:manage:raids,moderator:read:followers",
			state:       "state-123",
			wantErr:     false,
			wantParts:   []string{"client_id=client-id", "scope=channel%3Amanage%3Araids+moderator%3Aread%3Afollowers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := BuildAuthorizeURL(tt.clientID, tt.redirectURI, tt.scopes, tt.state)

			if tt.wantErr {
				if err == nil {
					t.Error("BuildAuthorizeURL() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("BuildAuthorizeURL() unexpected error = %v", err)
				return
			}

			for _, part := range tt.wantParts {
				if !strings.Contains(url, part) {
					t.Errorf("URL missing expected part %q: %s", part, url)
				}
			}
			if !strings.HasPrefix(url, "https://id.twitch.tv/oauth2/authorize") {
				t.Errorf("URL doesn't start with Twitch auth endpoint: %s", url)
			}
		})
	}
}

func TestComputeExpiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
		wantAfter time.Duration
	}{
		{name: "4 hours", expiresIn: 14400, wantAfter: 4 * time.Hour},
		{name: "1 hour", expiresIn: 3600, wantAfter: time.Hour},
		{name: "zero defaults to 60 minutes", expiresIn: 0, wantAfter: 60 * time.Minute},
		{name: "negative defaults to 60 minutes", expiresIn: -100, wantAfter: 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			expiry := ComputeExpiry(tt.expiresIn)
			after := time.Now()

			// Allow 2 second tolerance.
			if expiry.Before(before.Add(tt.wantAfter-2*time.Second)) || expiry.After(after.Add(tt.wantAfter+2*time.Second)) {
				t.Errorf("ComputeExpiry(%d) = %v, want roughly now+%v", tt.expiresIn, expiry, tt.wantAfter)
			}
		})
	}
}
