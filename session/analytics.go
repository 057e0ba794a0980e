package session

import "time"

// DropoffPoint describes the single worst successive viewer loss in a series.
type DropoffPoint struct {
	OffsetSeconds int
	Before        int
	After         int
	Pct           float64 // fraction of the prior sample lost, in (0,1]
}

// RetentionAt computes viewer retention at a fixed horizon from stream start:
// viewers at (or after) the horizon divided by the pre-horizon peak. Using the
// pre-horizon peak rather than the start-of-stream count avoids understating
// retention for streams that ramp up before the horizon. When the stream ended
// before the horizon the last available sample stands in; when no sample
// precedes the horizon the value is undefined and nil is returned. The result
// is capped at 1.
func RetentionAt(samples []Sample, horizon time.Duration) *float64 {
	if len(samples) == 0 {
		return nil
	}
	h := int(horizon.Seconds())
	peak := 0
	havePre := false
	var at *Sample
	for i := range samples {
		s := samples[i]
		if s.OffsetSeconds < h {
			havePre = true
			if s.Viewers > peak {
				peak = s.Viewers
			}
		} else if at == nil {
			at = &samples[i]
		}
	}
	if !havePre || peak == 0 {
		return nil
	}
	if at == nil {
		// Stream ended before the horizon; the final sample stands in.
		at = &samples[len(samples)-1]
	}
	r := float64(at.Viewers) / float64(peak)
	if r > 1 {
		r = 1
	}
	return &r
}

// MaxDropoff returns the largest single successive decrease in the series,
// measured as a fraction of the prior sample, tagged with the offset at which
// it was observed. ok is false when the series never decreases.
func MaxDropoff(samples []Sample) (DropoffPoint, bool) {
	var best DropoffPoint
	found := false
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		if prev.Viewers <= 0 || cur.Viewers >= prev.Viewers {
			continue
		}
		pct := float64(prev.Viewers-cur.Viewers) / float64(prev.Viewers)
		if !found || pct > best.Pct {
			best = DropoffPoint{
				OffsetSeconds: cur.OffsetSeconds,
				Before:        prev.Viewers,
				After:         cur.Viewers,
				Pct:           pct,
			}
			found = true
		}
	}
	return best, found
}
