package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cappedRow(zoneID int, bucket time.Time, postCap float64) CappedRow {
	return CappedRow{
		RawRow:            RawRow{ForecastRow: ForecastRow{ZoneID: zoneID, BucketStart: bucket}},
		PostCapMultiplier: postCap,
	}
}

func TestRateLimiterIncreaseClamp(t *testing.T) {
	rl := NewRateLimiter(testPolicy())
	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	out := rl.LimitZone(LimiterState{Previous: 1.0}, []CappedRow{cappedRow(1, bucket, 1.6)})
	require.Len(t, out, 1)

	assert.True(t, out[0].RateLimitApplied)
	assert.Equal(t, DirectionUp, out[0].RateLimitDirection)
	assert.InDelta(t, 1.2, out[0].FinalMultiplier, 1e-9)
	assert.InDelta(t, 1.6, out[0].CandidateBeforeRateLimit, 1e-9)
	assert.InDelta(t, 1.0, out[0].PreviousFinalMultiplier, 1e-9)
	assert.False(t, out[0].ColdStartUsed)
}

func TestRateLimiterDecreaseClamp(t *testing.T) {
	rl := NewRateLimiter(testPolicy())
	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	out := rl.LimitZone(LimiterState{Previous: 2.0}, []CappedRow{cappedRow(1, bucket, 1.0)})
	assert.Equal(t, DirectionDown, out[0].RateLimitDirection)
	assert.InDelta(t, 1.85, out[0].FinalMultiplier, 1e-9)
}

func TestRateLimiterWithinBounds(t *testing.T) {
	rl := NewRateLimiter(testPolicy())
	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	out := rl.LimitZone(LimiterState{Previous: 1.0}, []CappedRow{cappedRow(1, bucket, 1.1)})
	assert.False(t, out[0].RateLimitApplied)
	assert.Equal(t, DirectionNone, out[0].RateLimitDirection)
	assert.InDelta(t, 1.1, out[0].FinalMultiplier, 1e-9)
}

func TestRateLimiterMultiBucketRecursion(t *testing.T) {
	// Each bucket's base is the previous bucket's final value, not its candidate.
	rl := NewRateLimiter(testPolicy())
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rows := []CappedRow{
		cappedRow(1, start, 2.0),
		cappedRow(1, start.Add(15*time.Minute), 2.0),
		cappedRow(1, start.Add(30*time.Minute), 2.0),
	}

	out := rl.LimitZone(LimiterState{Previous: 1.0}, rows)
	assert.InDelta(t, 1.2, out[0].FinalMultiplier, 1e-9)
	assert.InDelta(t, 1.4, out[1].FinalMultiplier, 1e-9)
	assert.InDelta(t, 1.6, out[2].FinalMultiplier, 1e-9)
	assert.InDelta(t, 1.2, out[1].PreviousFinalMultiplier, 1e-9)
}

func TestRateLimiterColdStartSeed(t *testing.T) {
	policy := testPolicy()
	policy.ColdStartMultiplier = 1.0
	rl := NewRateLimiter(policy)

	state := rl.SeedState(map[int]float64{}, 42)
	assert.True(t, state.ColdStart)
	assert.Equal(t, 1.0, state.Previous)

	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	out := rl.LimitZone(state, []CappedRow{
		cappedRow(42, bucket, 1.1),
		cappedRow(42, bucket.Add(15*time.Minute), 1.1),
	})
	assert.True(t, out[0].ColdStartUsed)
	// Cold start is flagged only on the zone's first bucket.
	assert.False(t, out[1].ColdStartUsed)
}

func TestRateLimiterSmoothing(t *testing.T) {
	policy := testPolicy()
	policy.SmoothingEnabled = true
	policy.SmoothingAlpha = 0.7
	rl := NewRateLimiter(policy)

	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	out := rl.LimitZone(LimiterState{Previous: 1.0}, []CappedRow{cappedRow(1, bucket, 1.1)})
	assert.True(t, out[0].SmoothingApplied)
	// 0.7*1.1 + 0.3*1.0 = 1.07
	assert.InDelta(t, 1.07, out[0].FinalMultiplier, 1e-9)
}

func TestRateLimiterSmoothingReclampToGlobalBounds(t *testing.T) {
	// A stale previous value above the cap must not leak past the final re-clamp.
	policy := testPolicy()
	policy.SmoothingEnabled = true
	policy.SmoothingAlpha = 0.1
	rl := NewRateLimiter(policy)

	bucket := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	out := rl.LimitZone(LimiterState{Previous: 3.0}, []CappedRow{cappedRow(1, bucket, 2.5)})
	assert.True(t, out[0].SmoothingReclamped)
	assert.LessOrEqual(t, out[0].FinalMultiplier, policy.GlobalCapMultiplier)
}

func TestRateLimiterApplyOrdersAndParallelizesZones(t *testing.T) {
	rl := NewRateLimiter(testPolicy())
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// Intentionally shuffled input across zones and buckets.
	rows := []CappedRow{
		cappedRow(2, start.Add(15*time.Minute), 1.0),
		cappedRow(1, start.Add(15*time.Minute), 2.0),
		cappedRow(2, start, 1.0),
		cappedRow(1, start, 2.0),
	}

	out, err := rl.Apply(context.Background(), rows, map[int]float64{1: 1.0, 2: 1.0})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, 1, out[0].ZoneID)
	assert.Equal(t, start, out[0].BucketStart)
	assert.Equal(t, 1, out[1].ZoneID)
	assert.Equal(t, 2, out[2].ZoneID)

	// Zone 1 ramps 1.0 -> 1.2 -> 1.4 under the 0.2 increase limit.
	assert.InDelta(t, 1.2, out[0].FinalMultiplier, 1e-9)
	assert.InDelta(t, 1.4, out[1].FinalMultiplier, 1e-9)
}
