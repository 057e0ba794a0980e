package session

import (
	"math"
	"testing"
	"time"
)

func samplesFromViewers(step int, viewers ...int) []Sample {
	out := make([]Sample, len(viewers))
	for i, v := range viewers {
		out[i] = Sample{OffsetSeconds: i * step, Viewers: v}
	}
	return out
}

func TestRetentionAtBasic(t *testing.T) {
	// 1-minute sampling: peak before 5m is 120, viewers at 5m is 90.
	samples := samplesFromViewers(60, 100, 120, 110, 100, 95, 90, 80)
	r := RetentionAt(samples, 5*time.Minute)
	if r == nil {
		t.Fatalf("retention = nil, want value")
	}
	want := 90.0 / 120.0
	if math.Abs(*r-want) > 1e-9 {
		t.Errorf("retention = %v, want %v", *r, want)
	}
}

func TestRetentionMonotoneForDecreasingSeries(t *testing.T) {
	// Strictly decreasing after start: retention at a later horizon can never
	// exceed retention at an earlier one.
	samples := samplesFromViewers(60, 200, 190, 180, 160, 150, 140, 130, 120, 110, 100, 95)
	r5 := RetentionAt(samples, 5*time.Minute)
	r10 := RetentionAt(samples, 10*time.Minute)
	if r5 == nil || r10 == nil {
		t.Fatalf("retention = (%v, %v), want values", r5, r10)
	}
	if *r10 > *r5 {
		t.Errorf("retention_10m (%v) > retention_5m (%v) for a decreasing series", *r10, *r5)
	}
}

func TestRetentionFallsBackToLastSample(t *testing.T) {
	// Stream ended after 3 minutes; the 5m horizon uses the final sample.
	samples := samplesFromViewers(60, 100, 80, 60, 50)
	r := RetentionAt(samples, 5*time.Minute)
	if r == nil {
		t.Fatalf("retention = nil, want fallback value")
	}
	if math.Abs(*r-0.5) > 1e-9 {
		t.Errorf("retention = %v, want 0.5 (50/100)", *r)
	}
}

func TestRetentionUndefinedWithoutPreHorizonSamples(t *testing.T) {
	if r := RetentionAt(nil, 5*time.Minute); r != nil {
		t.Errorf("retention of empty series = %v, want nil", *r)
	}
	// First sample lands after the horizon (tracker joined late).
	late := []Sample{{OffsetSeconds: 400, Viewers: 50}}
	if r := RetentionAt(late, 5*time.Minute); r != nil {
		t.Errorf("retention without pre-horizon samples = %v, want nil", *r)
	}
}

func TestRetentionCappedAtOne(t *testing.T) {
	// Ramping stream: more viewers at the horizon than the pre-horizon peak.
	samples := samplesFromViewers(60, 10, 20, 30, 40, 50, 200)
	r := RetentionAt(samples, 5*time.Minute)
	if r == nil {
		t.Fatalf("retention = nil")
	}
	if *r != 1.0 {
		t.Errorf("retention = %v, want capped at 1.0", *r)
	}
}

func TestMaxDropoffPicksLargestSingleStep(t *testing.T) {
	samples := samplesFromViewers(60, 100, 100, 40, 45, 30)
	d, ok := MaxDropoff(samples)
	if !ok {
		t.Fatalf("expected a drop-off")
	}
	if d.Before != 100 || d.After != 40 {
		t.Errorf("drop-off = %d->%d, want 100->40", d.Before, d.After)
	}
	if math.Abs(d.Pct-0.6) > 1e-9 {
		t.Errorf("drop-off pct = %v, want 0.6", d.Pct)
	}
	if d.OffsetSeconds != 120 {
		t.Errorf("drop-off offset = %ds, want 120s", d.OffsetSeconds)
	}
}

func TestMaxDropoffNoneForMonotoneIncrease(t *testing.T) {
	samples := samplesFromViewers(60, 10, 20, 30)
	if _, ok := MaxDropoff(samples); ok {
		t.Errorf("no drop-off expected for an increasing series")
	}
}

func TestMaxDropoffIgnoresZeroBaseline(t *testing.T) {
	samples := []Sample{{0, 0}, {60, 0}, {120, 5}, {180, 2}}
	d, ok := MaxDropoff(samples)
	if !ok {
		t.Fatalf("expected the 5->2 drop")
	}
	if d.Before != 5 || d.After != 2 {
		t.Errorf("drop-off = %d->%d, want 5->2", d.Before, d.After)
	}
}
