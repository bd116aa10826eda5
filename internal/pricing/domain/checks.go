package domain

import (
	"fmt"
	"math"
)

// CheckFinding 单项检查结果，结构化而非纯文本
type CheckFinding struct {
	Check   string         `json:"check"`
	Metrics map[string]any `json:"metrics"`
}

// CheckSummary 批次级质量闸门结论
type CheckSummary struct {
	Passed   bool           `json:"passed"`
	Failures []CheckFinding `json:"failures"`
	Warnings []CheckFinding `json:"warnings"`
}

// QualityGateError 硬检查失败；是否向上抛出由严格模式决定
type QualityGateError struct {
	Summary *CheckSummary
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("pricing quality gate failed: %d failing checks", len(e.Summary.Failures))
}

const deltaEpsilon = 1e-9

// QualityGate 在落库前校验完整批次的硬性质量约束
type QualityGate struct {
	policy *PricingPolicy
}

func NewQualityGate(policy *PricingPolicy) *QualityGate {
	return &QualityGate{policy: policy}
}

// Run 执行全部硬检查与软检查。任一硬检查失败即阻断发布（除非编排层放行）。
func (g *QualityGate) Run(decisions []*PricingDecision, expectedZones, expectedBuckets int) *CheckSummary {
	summary := &CheckSummary{Passed: true, Failures: []CheckFinding{}, Warnings: []CheckFinding{}}
	fail := func(check string, metrics map[string]any) {
		summary.Passed = false
		summary.Failures = append(summary.Failures, CheckFinding{Check: check, Metrics: metrics})
	}

	expectedRows := expectedZones * expectedBuckets
	tolerance := int(math.Round(float64(expectedRows) * g.policy.RowCountTolerancePct))
	if diff := len(decisions) - expectedRows; diff > tolerance || diff < -tolerance {
		fail("row_count", map[string]any{
			"expected_rows":  expectedRows,
			"actual_rows":    len(decisions),
			"tolerance_rows": tolerance,
		})
	}

	type rowKey struct {
		runKey string
		zoneID int
		bucket int64
	}
	seen := make(map[rowKey]bool, len(decisions))
	duplicates := 0
	zones := make(map[int]bool)

	floor := g.policy.EffectiveFloor()
	cap := g.policy.GlobalCapMultiplier
	maxUp := g.policy.MaxIncreasePerBucket
	maxDown := g.policy.MaxDecreasePerBucket

	var (
		nanFinal, negativeFinal, belowFloor, aboveCap int
		upViolations, downViolations                  int
		missingCapDiag, invalidRateDiag               int
		badConfidence, emptyReasonList, emptyPrimary  int
	)

	for _, d := range decisions {
		key := rowKey{runKey: d.RunKey, zoneID: d.ZoneID, bucket: d.BucketStart.UnixNano()}
		if seen[key] {
			duplicates++
		}
		seen[key] = true
		zones[d.ZoneID] = true

		final := d.FinalMultiplier
		switch {
		case math.IsNaN(final):
			nanFinal++
		case final < 0:
			negativeFinal++
		case final < floor-deltaEpsilon:
			belowFloor++
		case final > cap+deltaEpsilon:
			aboveCap++
		}

		delta := final - d.PreviousFinalMultiplier
		if delta > maxUp+deltaEpsilon {
			upViolations++
		}
		if delta < -(maxDown + deltaEpsilon) {
			downViolations++
		}

		if d.CapApplied && (d.CapType == CapTypeNone || d.CapType == "" || d.CapReason == "") {
			missingCapDiag++
		}
		if d.RateLimitApplied && (d.RateLimitDirection == DirectionNone || d.RateLimitDirection == "") {
			invalidRateDiag++
		}

		if math.IsNaN(d.ConfidenceScore) || d.ConfidenceScore < 0 || d.ConfidenceScore > 1 {
			badConfidence++
		}
		if len(d.ReasonCodes) == 0 {
			emptyReasonList++
		}
		if d.PrimaryReasonCode == "" {
			emptyPrimary++
		}
	}

	if duplicates > 0 {
		fail("duplicate_keys", map[string]any{"duplicate_rows": duplicates})
	}
	if nanFinal > 0 {
		fail("final_multiplier_null", map[string]any{"null_rows": nanFinal})
	}
	if negativeFinal > 0 {
		fail("final_multiplier_nonnegative", map[string]any{"invalid_rows": negativeFinal})
	}
	if belowFloor > 0 {
		fail("final_multiplier_floor", map[string]any{"invalid_rows": belowFloor})
	}
	if aboveCap > 0 {
		fail("final_multiplier_cap", map[string]any{"invalid_rows": aboveCap})
	}
	if upViolations > 0 || downViolations > 0 {
		fail("rate_limit_delta_bounds", map[string]any{
			"up_violations":   upViolations,
			"down_violations": downViolations,
		})
	}
	if missingCapDiag > 0 {
		fail("cap_diagnostics", map[string]any{"invalid_rows": missingCapDiag})
	}
	if invalidRateDiag > 0 {
		fail("rate_limit_diagnostics", map[string]any{"invalid_rows": invalidRateDiag})
	}
	if badConfidence > 0 {
		fail("confidence_fields", map[string]any{"out_of_range_rows": badConfidence})
	}
	if emptyReasonList > 0 {
		fail("reason_codes_presence", map[string]any{"invalid_rows": emptyReasonList})
	}
	if emptyPrimary > 0 {
		fail("primary_reason_code_presence", map[string]any{"invalid_rows": emptyPrimary})
	}

	if expectedZones > 0 {
		coverage := float64(len(zones)) / float64(expectedZones)
		if coverage < g.policy.CoverageThresholdPct {
			fail("zone_coverage", map[string]any{
				"expected_zones": expectedZones,
				"actual_zones":   len(zones),
				"coverage":       coverage,
				"required":       g.policy.CoverageThresholdPct,
			})
		}
	}

	if len(decisions) == 0 {
		summary.Warnings = append(summary.Warnings, CheckFinding{
			Check:   "empty_pricing_batch",
			Metrics: map[string]any{"message": "No decision rows produced for pricing window."},
		})
	}

	return summary
}

// Enforce 严格模式下把失败的闸门结论转成错误
func (g *QualityGate) Enforce(summary *CheckSummary, strict bool) error {
	if summary.Passed || !strict {
		return nil
	}
	return &QualityGateError{Summary: summary}
}
