package domain

import (
	"fmt"
	"sort"
	"time"
)

// MethodPiecewise / MethodThresholdBands 受支持的乘数方法
const (
	MethodPiecewise      = "demand_ratio_piecewise"
	MethodThresholdBands = "threshold_bands"
)

// MultiplierStrategy 将需求信号映射为原始乘数。实现集合封闭，
// 在策略加载时选定一次，不在行级按字符串分发。
type MultiplierStrategy interface {
	RawMultiplier(demandRatio float64) float64
	Method() string
}

// NewMultiplierStrategy 根据激活方法构建策略实例
func NewMultiplierStrategy(rules MultiplierRules) (MultiplierStrategy, error) {
	spec, ok := rules.Methods[rules.ActiveMethod]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, rules.ActiveMethod)
	}
	switch rules.ActiveMethod {
	case MethodPiecewise:
		return newPiecewiseStrategy(spec.Breakpoints)
	case MethodThresholdBands:
		return newThresholdBandStrategy(spec.Bands)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, rules.ActiveMethod)
	}
}

// piecewiseStrategy 有序断点线性插值，端点外不外推
type piecewiseStrategy struct {
	ratios      []float64
	multipliers []float64
}

func newPiecewiseStrategy(points []Breakpoint) (*piecewiseStrategy, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: piecewise method requires at least one breakpoint", ErrPolicyInvalid)
	}
	sorted := make([]Breakpoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ratio < sorted[j].Ratio })

	s := &piecewiseStrategy{
		ratios:      make([]float64, len(sorted)),
		multipliers: make([]float64, len(sorted)),
	}
	for i, p := range sorted {
		s.ratios[i] = p.Ratio
		s.multipliers[i] = p.Multiplier
	}
	return s, nil
}

func (s *piecewiseStrategy) Method() string { return MethodPiecewise }

func (s *piecewiseStrategy) RawMultiplier(demandRatio float64) float64 {
	n := len(s.ratios)
	if demandRatio <= s.ratios[0] {
		return s.multipliers[0]
	}
	if demandRatio >= s.ratios[n-1] {
		return s.multipliers[n-1]
	}
	i := sort.SearchFloat64s(s.ratios, demandRatio)
	if s.ratios[i] == demandRatio {
		return s.multipliers[i]
	}
	x0, x1 := s.ratios[i-1], s.ratios[i]
	y0, y1 := s.multipliers[i-1], s.multipliers[i]
	return y0 + (y1-y0)*(demandRatio-x0)/(x1-x0)
}

// thresholdBandStrategy 有序半开区间映射，末段乘数兜底
type thresholdBandStrategy struct {
	bands []ThresholdBand
}

func newThresholdBandStrategy(bands []ThresholdBand) (*thresholdBandStrategy, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: threshold method requires non-empty bands", ErrPolicyInvalid)
	}
	return &thresholdBandStrategy{bands: bands}, nil
}

func (s *thresholdBandStrategy) Method() string { return MethodThresholdBands }

func (s *thresholdBandStrategy) RawMultiplier(metric float64) float64 {
	matched := false
	value := 0.0
	for _, band := range s.bands {
		if metric < band.MinInclusive {
			continue
		}
		if band.MaxExclusive != nil && metric >= *band.MaxExclusive {
			continue
		}
		value = band.Multiplier
		matched = true
	}
	if !matched {
		return s.bands[len(s.bands)-1].Multiplier
	}
	return value
}

// RawRow 信号阶段产物：预测行 + 基线 + 原始乘数
type RawRow struct {
	ForecastRow
	ZoneClass              string
	Baseline               BaselineResult
	DemandRatio            float64
	RawMultiplier          float64
	RawMultiplierMethod    string
	LowConfidenceAdjusted  bool
	PreGuardrailMultiplier float64
}

// MultiplierEngine 计算需求比值、原始乘数与低置信度抑制
type MultiplierEngine struct {
	policy   *PricingPolicy
	strategy MultiplierStrategy
	resolver *BaselineResolver
	loc      *time.Location
	lowBands map[string]bool
}

func NewMultiplierEngine(policy *PricingPolicy, strategy MultiplierStrategy, resolver *BaselineResolver, loc *time.Location) *MultiplierEngine {
	lowBands := make(map[string]bool, len(policy.LowConfidence.UncertaintyBands))
	for _, b := range policy.LowConfidence.UncertaintyBands {
		lowBands[b] = true
	}
	return &MultiplierEngine{policy: policy, strategy: strategy, resolver: resolver, loc: loc, lowBands: lowBands}
}

// ComputeRaw 对单条预测行计算信号字段。
// 需求比值分母恒为 max(baseline, baseline_min_value)，抑制发生在任何上限裁剪之前。
func (e *MultiplierEngine) ComputeRaw(row ForecastRow, zoneClass string) RawRow {
	baseline := e.resolver.Resolve(row.ZoneID, SlotOf(row.BucketStart, e.loc))

	denominator := baseline.Value
	if denominator < e.policy.BaselineMinValue {
		denominator = e.policy.BaselineMinValue
	}
	ratio := row.YPred / denominator
	raw := e.strategy.RawMultiplier(ratio)

	out := RawRow{
		ForecastRow:            row,
		ZoneClass:              zoneClass,
		Baseline:               baseline,
		DemandRatio:            ratio,
		RawMultiplier:          raw,
		RawMultiplierMethod:    e.strategy.Method(),
		PreGuardrailMultiplier: raw,
	}

	if e.policy.LowConfidence.Enabled {
		low := row.ConfidenceScore < e.policy.LowConfidence.ConfidenceThreshold
		if !low && len(e.lowBands) > 0 {
			low = e.lowBands[string(row.UncertaintyBand)]
		}
		if low {
			floor := e.policy.EffectiveFloor()
			dampened := floor + (out.PreGuardrailMultiplier-floor)*e.policy.LowConfidence.DampeningFactor
			if dampened < floor {
				dampened = floor
			}
			out.PreGuardrailMultiplier = dampened
			out.LowConfidenceAdjusted = true
		}
	}

	if floor := e.policy.EffectiveFloor(); out.PreGuardrailMultiplier < floor {
		out.PreGuardrailMultiplier = floor
	}
	return out
}

// HighDemandLabel 需求信号标签，供看板与原因码复用
func HighDemandLabel(demandRatio, highThreshold float64) string {
	if demandRatio >= highThreshold {
		return "high"
	}
	return "normal"
}
