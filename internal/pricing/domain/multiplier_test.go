package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *PricingPolicy {
	return &PricingPolicy{
		PolicyVersion:          "pr1",
		RunTimezone:            "UTC",
		DefaultFloorMultiplier: 1.0,
		GlobalCapMultiplier:    2.5,
		MaxIncreasePerBucket:   0.2,
		MaxDecreasePerBucket:   0.15,
		SmoothingAlpha:         0.7,
		BaselineLookbackDays:   28,
		BaselineMinValue:       0.5,
		ColdStartMultiplier:    1.0,
		StrictChecks:           true,
		CoverageThresholdPct:   0.95,
		RowCountTolerancePct:   0.02,
	}
}

func testPiecewiseRules() MultiplierRules {
	return MultiplierRules{
		PolicyVersion:            "pr1",
		ActiveMethod:             MethodPiecewise,
		HighDemandRatioThreshold: 1.25,
		Methods: map[string]MultiplierSpec{
			MethodPiecewise: {Breakpoints: []Breakpoint{
				{Ratio: 0, Multiplier: 1.0},
				{Ratio: 1, Multiplier: 1.1},
				{Ratio: 2, Multiplier: 2.0},
			}},
		},
	}
}

func TestPiecewiseStrategyInterpolation(t *testing.T) {
	strategy, err := NewMultiplierStrategy(testPiecewiseRules())
	require.NoError(t, err)

	assert.InDelta(t, 1.0, strategy.RawMultiplier(0), 1e-9)
	assert.InDelta(t, 1.05, strategy.RawMultiplier(0.5), 1e-9)
	assert.InDelta(t, 1.1, strategy.RawMultiplier(1), 1e-9)
	assert.InDelta(t, 1.55, strategy.RawMultiplier(1.5), 1e-9)
	assert.InDelta(t, 2.0, strategy.RawMultiplier(2), 1e-9)
	// No extrapolation outside the breakpoint range.
	assert.InDelta(t, 1.0, strategy.RawMultiplier(-3), 1e-9)
	assert.InDelta(t, 2.0, strategy.RawMultiplier(9), 1e-9)
}

func TestThresholdBandStrategy(t *testing.T) {
	two := 2.0
	one := 1.0
	rules := MultiplierRules{
		PolicyVersion: "pr1",
		ActiveMethod:  MethodThresholdBands,
		Methods: map[string]MultiplierSpec{
			MethodThresholdBands: {Bands: []ThresholdBand{
				{MinInclusive: 0, MaxExclusive: &one, Multiplier: 1.0},
				{MinInclusive: 1, MaxExclusive: &two, Multiplier: 1.4},
				{MinInclusive: 2, Multiplier: 2.2},
			}},
		},
	}
	strategy, err := NewMultiplierStrategy(rules)
	require.NoError(t, err)

	assert.Equal(t, 1.0, strategy.RawMultiplier(0.5))
	assert.Equal(t, 1.4, strategy.RawMultiplier(1.0))
	assert.Equal(t, 1.4, strategy.RawMultiplier(1.99))
	assert.Equal(t, 2.2, strategy.RawMultiplier(2.0))
	assert.Equal(t, 2.2, strategy.RawMultiplier(50))
	// Below every band: the last band's multiplier is the fallback.
	assert.Equal(t, 2.2, strategy.RawMultiplier(-1))
}

func TestNewMultiplierStrategyRejectsUnknownMethod(t *testing.T) {
	rules := testPiecewiseRules()
	rules.ActiveMethod = "genetic_algorithm"
	_, err := NewMultiplierStrategy(rules)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestComputeRawDemandRatioAndDampening(t *testing.T) {
	policy := testPolicy()
	policy.LowConfidence = LowConfidencePolicy{
		Enabled:             true,
		ConfidenceThreshold: 0.45,
		DampeningFactor:     0.5,
	}
	strategy, err := NewMultiplierStrategy(testPiecewiseRules())
	require.NoError(t, err)

	slot := SlotOf(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), time.UTC)
	resolver := NewBaselineResolver(map[ZoneSlotKey]float64{{ZoneID: 7, Slot: slot}: 10}, nil, nil, nil, 0.5)
	engine := NewMultiplierEngine(policy, strategy, resolver, time.UTC)

	row := ForecastRow{
		ZoneID:          7,
		BucketStart:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		YPred:           20,
		ConfidenceScore: 0.2,
		UncertaintyBand: UncertaintyHigh,
	}
	got := engine.ComputeRaw(row, "")

	assert.InDelta(t, 2.0, got.DemandRatio, 1e-9)
	assert.InDelta(t, 2.0, got.RawMultiplier, 1e-9)
	assert.True(t, got.LowConfidenceAdjusted)
	// floor + (2.0 - floor) * 0.5 = 1.5
	assert.InDelta(t, 1.5, got.PreGuardrailMultiplier, 1e-9)
	assert.Equal(t, MethodPiecewise, got.RawMultiplierMethod)
}

func TestComputeRawUncertaintyBandTriggersDampening(t *testing.T) {
	policy := testPolicy()
	policy.LowConfidence = LowConfidencePolicy{
		Enabled:             true,
		ConfidenceThreshold: 0.1,
		DampeningFactor:     0.5,
		UncertaintyBands:    []string{"high"},
	}
	strategy, err := NewMultiplierStrategy(testPiecewiseRules())
	require.NoError(t, err)
	resolver := NewBaselineResolver(nil, nil, nil, nil, 0.5)
	engine := NewMultiplierEngine(policy, strategy, resolver, time.UTC)

	row := ForecastRow{
		ZoneID:          1,
		BucketStart:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		YPred:           1.0,
		ConfidenceScore: 0.9,
		UncertaintyBand: UncertaintyHigh,
	}
	got := engine.ComputeRaw(row, "")
	assert.True(t, got.LowConfidenceAdjusted)
}

func TestComputeRawProtectsNearZeroBaseline(t *testing.T) {
	policy := testPolicy()
	strategy, err := NewMultiplierStrategy(testPiecewiseRules())
	require.NoError(t, err)
	resolver := NewBaselineResolver(nil, nil, nil, nil, policy.BaselineMinValue)
	engine := NewMultiplierEngine(policy, strategy, resolver, time.UTC)

	row := ForecastRow{ZoneID: 3, BucketStart: time.Now().UTC(), YPred: 1.0, ConfidenceScore: 0.8}
	got := engine.ComputeRaw(row, "")
	assert.InDelta(t, 2.0, got.DemandRatio, 1e-9)
	assert.Equal(t, LevelGlobal, got.Baseline.Level)
}

func TestHighDemandLabel(t *testing.T) {
	assert.Equal(t, "high", HighDemandLabel(1.3, 1.25))
	assert.Equal(t, "normal", HighDemandLabel(1.2, 1.25))
}
