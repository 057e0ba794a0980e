package raid

import (
	"strings"
	"time"
)

// CategoryRule decides whether a channel is eligible by category: either it
// is currently in the target category, or it is in the generic
// conversational category while the target category was seen in the current
// session recently enough. The recency bound keeps long-stale sessions from
// raiding or being raided.
type CategoryRule struct {
	Target         string
	Conversational string
	RecencyWindow  time.Duration
}

// Eligible reports whether a channel with the given current category and
// session history passes the rule at time now.
func (r CategoryRule) Eligible(current string, hadTarget bool, targetSeenAt time.Time, now time.Time) bool {
	if strings.EqualFold(current, r.Target) {
		return true
	}
	if !strings.EqualFold(current, r.Conversational) {
		return false
	}
	if !hadTarget || targetSeenAt.IsZero() {
		return false
	}
	return now.Sub(targetSeenAt) <= r.RecencyWindow
}
