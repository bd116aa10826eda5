package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyDecision(zoneID int, bucket time.Time) *PricingDecision {
	return &PricingDecision{
		RateLimitedRow: RateLimitedRow{
			CappedRow: CappedRow{
				RawRow: RawRow{
					ForecastRow: ForecastRow{ZoneID: zoneID, BucketStart: bucket, ConfidenceScore: 0.9},
				},
			},
			PreviousFinalMultiplier: 1.1,
			FinalMultiplier:         1.2,
		},
		ReasonCodes:       []string{CodeNormalDemandBaseline},
		PrimaryReasonCode: CodeNormalDemandBaseline,
		RunKey:            "abc123",
	}
}

func healthyBatch(zones, buckets int) []*PricingDecision {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	out := make([]*PricingDecision, 0, zones*buckets)
	for z := 1; z <= zones; z++ {
		for b := 0; b < buckets; b++ {
			out = append(out, healthyDecision(z, start.Add(time.Duration(b)*15*time.Minute)))
		}
	}
	return out
}

func failingChecks(summary *CheckSummary) []string {
	names := make([]string, 0, len(summary.Failures))
	for _, f := range summary.Failures {
		names = append(names, f.Check)
	}
	return names
}

func TestQualityGatePassesHealthyBatch(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	summary := gate.Run(healthyBatch(3, 4), 3, 4)
	assert.True(t, summary.Passed)
	assert.Empty(t, summary.Failures)
	require.NoError(t, gate.Enforce(summary, true))
}

func TestQualityGateRowCountOutsideTolerance(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(10, 10)
	summary := gate.Run(batch[:80], 10, 10)
	assert.Contains(t, failingChecks(summary), "row_count")
}

func TestQualityGateDuplicateKeys(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(2, 2)
	batch = append(batch, batch[0])
	summary := gate.Run(batch, 2, 2)
	assert.Contains(t, failingChecks(summary), "duplicate_keys")
}

func TestQualityGateFinalMultiplierBounds(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(2, 2)
	batch[0].FinalMultiplier = 0.5 // below floor
	batch[1].FinalMultiplier = 3.0 // above global cap
	// Keep the rate-limit delta check out of the way for these rows.
	batch[0].PreviousFinalMultiplier = 0.6
	batch[1].PreviousFinalMultiplier = 2.9

	summary := gate.Run(batch, 2, 2)
	got := failingChecks(summary)
	assert.Contains(t, got, "final_multiplier_floor")
	assert.Contains(t, got, "final_multiplier_cap")
}

func TestQualityGateRateLimitDeltaBounds(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(1, 1)
	batch[0].PreviousFinalMultiplier = 1.0
	batch[0].FinalMultiplier = 1.5 // delta 0.5 > max increase 0.2
	summary := gate.Run(batch, 1, 1)
	assert.Contains(t, failingChecks(summary), "rate_limit_delta_bounds")
}

func TestQualityGateCapDiagnosticsConsistency(t *testing.T) {
	// Every capped row must record a cap type and reason.
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(1, 1)
	batch[0].CapApplied = true
	batch[0].CapType = CapTypeNone
	summary := gate.Run(batch, 1, 1)
	assert.Contains(t, failingChecks(summary), "cap_diagnostics")
}

func TestQualityGateRateLimitDiagnosticsConsistency(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(1, 1)
	batch[0].RateLimitApplied = true
	batch[0].RateLimitDirection = DirectionNone
	summary := gate.Run(batch, 1, 1)
	assert.Contains(t, failingChecks(summary), "rate_limit_diagnostics")
}

func TestQualityGateReasonCodePresence(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(1, 1)
	batch[0].ReasonCodes = nil
	batch[0].PrimaryReasonCode = ""
	summary := gate.Run(batch, 1, 1)
	got := failingChecks(summary)
	assert.Contains(t, got, "reason_codes_presence")
	assert.Contains(t, got, "primary_reason_code_presence")
}

func TestQualityGateZoneCoverage(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	// 8 of 10 expected zones, under the 0.95 coverage threshold, but pad the
	// row count so only coverage trips.
	batch := healthyBatch(8, 10)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		d := healthyDecision(1+i%8, start.Add(time.Duration(100+i)*15*time.Minute))
		batch = append(batch, d)
	}
	summary := gate.Run(batch, 10, 10)
	assert.Contains(t, failingChecks(summary), "zone_coverage")
	assert.NotContains(t, failingChecks(summary), "row_count")
}

func TestQualityGateEmptyBatchWarnsOnly(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	summary := gate.Run(nil, 0, 0)
	assert.True(t, summary.Passed)
	require.Len(t, summary.Warnings, 1)
	assert.Equal(t, "empty_pricing_batch", summary.Warnings[0].Check)
}

func TestQualityGateEnforcePermissive(t *testing.T) {
	gate := NewQualityGate(testPolicy())
	batch := healthyBatch(1, 1)
	batch[0].PrimaryReasonCode = ""
	summary := gate.Run(batch, 1, 1)
	require.False(t, summary.Passed)

	assert.NoError(t, gate.Enforce(summary, false))
	err := gate.Enforce(summary, true)
	require.Error(t, err)
	var gateErr *QualityGateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, fmt.Sprintf("pricing quality gate failed: %d failing checks", len(summary.Failures)), err.Error())
}
