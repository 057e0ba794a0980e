package chat

import (
	"testing"
)

func TestCountAndResetDistinctChatters(t *testing.T) {
	p := New("", "")

	p.observe("Alpha", "viewer1")
	p.observe("alpha", "Viewer1") // same user, case-insensitive
	p.observe("alpha", "viewer2")
	p.observe("bravo", "viewer1")

	if got := p.CountAndReset("alpha"); got != 2 {
		t.Errorf("alpha chatters = %d, want 2", got)
	}
	// Harvest resets the set.
	if got := p.CountAndReset("alpha"); got != 0 {
		t.Errorf("alpha chatters after reset = %d, want 0", got)
	}
	// Other channels are untouched.
	if got := p.CountAndReset("bravo"); got != 1 {
		t.Errorf("bravo chatters = %d, want 1", got)
	}
}

func TestCountAndResetUnknownChannel(t *testing.T) {
	p := New("", "")
	if got := p.CountAndReset("nobody"); got != 0 {
		t.Errorf("unknown channel chatters = %d, want 0", got)
	}
}

func TestPartKeepsCountForFinalHarvest(t *testing.T) {
	p := New("", "")
	p.Join("alpha")
	p.observe("alpha", "viewer1")
	p.Part("alpha")

	if got := p.CountAndReset("alpha"); got != 1 {
		t.Errorf("chatters after part = %d, want 1 (kept for session close)", got)
	}
}
