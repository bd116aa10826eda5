package domain

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrPolicyInvalid       = errors.New("pricing policy invalid")
	ErrPolicyVersionSkew   = errors.New("policy documents disagree on version")
	ErrUnknownMethod       = errors.New("active multiplier method missing from methods")
	ErrUnknownReasonCode   = errors.New("priority order references unknown reason code")
	ErrEmptyReasonCatalog  = errors.New("reason code catalog is empty")
	ErrUnsupportedStrategy = errors.New("unsupported multiplier method")
)

// PricingPolicy 定价守护策略主文档（configs/policy/pricing_policy.yaml）
type PricingPolicy struct {
	PolicyVersion string `yaml:"pricing_policy_version"`
	RunTimezone   string `yaml:"run_timezone"`

	DefaultFloorMultiplier float64            `yaml:"default_floor_multiplier"`
	GlobalCapMultiplier    float64            `yaml:"global_cap_multiplier"`
	CapByConfidenceBand    map[string]float64 `yaml:"cap_by_confidence_band"`
	CapByZoneClass         map[string]float64 `yaml:"cap_by_zone_class"`
	CapByTimeCategory      map[string]float64 `yaml:"cap_by_time_category"`
	PeakHours              []int              `yaml:"peak_hours"`

	MaxIncreasePerBucket float64 `yaml:"max_increase_per_bucket"`
	MaxDecreasePerBucket float64 `yaml:"max_decrease_per_bucket"`
	SmoothingEnabled     bool    `yaml:"smoothing_enabled"`
	SmoothingAlpha       float64 `yaml:"smoothing_alpha"`

	LowConfidence LowConfidencePolicy `yaml:"low_confidence_adjustment"`

	BaselineLookbackDays int     `yaml:"baseline_lookback_days"`
	BaselineMinValue     float64 `yaml:"baseline_min_value"`

	AllowDiscounting        bool    `yaml:"allow_discounting"`
	DiscountFloorMultiplier float64 `yaml:"discount_floor_multiplier"`
	ColdStartMultiplier     float64 `yaml:"cold_start_multiplier"`

	StrictChecks         bool    `yaml:"strict_checks"`
	CoverageThresholdPct float64 `yaml:"coverage_threshold_pct"`
	RowCountTolerancePct float64 `yaml:"row_count_tolerance_pct"`

	PolicySnapshotEnabled bool `yaml:"policy_snapshot_enabled"`
	ReportSampleSize      int  `yaml:"report_sample_size"`
}

// LowConfidencePolicy 低置信度抑制配置
type LowConfidencePolicy struct {
	Enabled             bool     `yaml:"enabled"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	DampeningFactor     float64  `yaml:"dampening_factor"`
	UncertaintyBands    []string `yaml:"uncertainty_bands"`
}

// EffectiveFloor 计算生效下限：允许折扣时取两者较小值
func (p *PricingPolicy) EffectiveFloor() float64 {
	if p.AllowDiscounting && p.DiscountFloorMultiplier < p.DefaultFloorMultiplier {
		return p.DiscountFloorMultiplier
	}
	return p.DefaultFloorMultiplier
}

// PeakHourSet 高峰小时集合，未配置时使用默认早晚高峰
func (p *PricingPolicy) PeakHourSet() map[int]bool {
	hours := p.PeakHours
	if len(hours) == 0 {
		hours = []int{7, 8, 9, 10, 16, 17, 18, 19, 20}
	}
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return set
}

func (p *PricingPolicy) Validate() error {
	if p.PolicyVersion == "" {
		return fmt.Errorf("%w: pricing_policy_version is required", ErrPolicyInvalid)
	}
	if p.DefaultFloorMultiplier < 0 {
		return fmt.Errorf("%w: default_floor_multiplier must be nonnegative", ErrPolicyInvalid)
	}
	if p.GlobalCapMultiplier <= 0 {
		return fmt.Errorf("%w: global_cap_multiplier must be > 0", ErrPolicyInvalid)
	}
	if p.GlobalCapMultiplier < p.DefaultFloorMultiplier {
		return fmt.Errorf("%w: global_cap_multiplier cannot be below default_floor_multiplier", ErrPolicyInvalid)
	}
	if p.MaxIncreasePerBucket < 0 || p.MaxDecreasePerBucket < 0 {
		return fmt.Errorf("%w: rate-limit deltas must be nonnegative", ErrPolicyInvalid)
	}
	if p.SmoothingAlpha <= 0 || p.SmoothingAlpha > 1 {
		return fmt.Errorf("%w: smoothing_alpha must be in (0, 1]", ErrPolicyInvalid)
	}
	if p.LowConfidence.ConfidenceThreshold < 0 || p.LowConfidence.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: low confidence threshold must be in [0, 1]", ErrPolicyInvalid)
	}
	if p.LowConfidence.DampeningFactor < 0 || p.LowConfidence.DampeningFactor > 1 {
		return fmt.Errorf("%w: dampening_factor must be in [0, 1]", ErrPolicyInvalid)
	}
	if p.BaselineLookbackDays <= 0 {
		return fmt.Errorf("%w: baseline_lookback_days must be > 0", ErrPolicyInvalid)
	}
	if p.BaselineMinValue <= 0 {
		return fmt.Errorf("%w: baseline_min_value must be > 0", ErrPolicyInvalid)
	}
	if p.CoverageThresholdPct <= 0 || p.CoverageThresholdPct > 1 {
		return fmt.Errorf("%w: coverage_threshold_pct must be in (0, 1]", ErrPolicyInvalid)
	}
	if p.RowCountTolerancePct < 0 {
		return fmt.Errorf("%w: row_count_tolerance_pct must be nonnegative", ErrPolicyInvalid)
	}
	return nil
}

// MultiplierRules 乘数规则文档（multiplier_rules.yaml）
type MultiplierRules struct {
	PolicyVersion            string                    `yaml:"policy_version"`
	ActiveMethod             string                    `yaml:"active_method"`
	HighDemandRatioThreshold float64                   `yaml:"high_demand_ratio_threshold"`
	Methods                  map[string]MultiplierSpec `yaml:"methods"`
}

// MultiplierSpec 单个乘数方法的参数
type MultiplierSpec struct {
	Breakpoints []Breakpoint    `yaml:"breakpoints"`
	Metric      string          `yaml:"metric"`
	Bands       []ThresholdBand `yaml:"bands"`
}

type Breakpoint struct {
	Ratio      float64 `yaml:"ratio"`
	Multiplier float64 `yaml:"multiplier"`
}

// ThresholdBand 半开区间 [MinInclusive, MaxExclusive)；MaxExclusive 为空表示无上界
type ThresholdBand struct {
	MinInclusive float64  `yaml:"min_inclusive"`
	MaxExclusive *float64 `yaml:"max_exclusive"`
	Multiplier   float64  `yaml:"multiplier"`
}

// RateLimitRules 限速规则文档（rate_limit_rules.yaml）
type RateLimitRules struct {
	PolicyVersion        string  `yaml:"policy_version"`
	MaxIncreasePerBucket float64 `yaml:"max_increase_per_bucket"`
	MaxDecreasePerBucket float64 `yaml:"max_decrease_per_bucket"`
}

// ReasonCodeEntry 原因码目录条目
type ReasonCodeEntry struct {
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// ReasonCodeConfig 原因码目录文档（reason_codes.yaml）
type ReasonCodeConfig struct {
	PolicyVersion string                     `yaml:"policy_version"`
	Codes         map[string]ReasonCodeEntry `yaml:"codes"`
	PriorityOrder []string                   `yaml:"priority_order"`
}

// PolicyBundle 四份策略文档的聚合，加载时整体校验
type PolicyBundle struct {
	PolicyVersion   string
	Pricing         PricingPolicy
	MultiplierRules MultiplierRules
	RateLimitRules  RateLimitRules
	ReasonCodes     ReasonCodeConfig
}

// Validate 校验四份文档内部一致：版本一致、激活方法存在、优先级码均在目录中
func (b *PolicyBundle) Validate(configuredVersion string) error {
	versions := map[string]bool{
		b.Pricing.PolicyVersion:         true,
		b.MultiplierRules.PolicyVersion: true,
		b.RateLimitRules.PolicyVersion:  true,
		b.ReasonCodes.PolicyVersion:     true,
	}
	if len(versions) != 1 {
		var got []string
		for v := range versions {
			got = append(got, v)
		}
		sort.Strings(got)
		return fmt.Errorf("%w: %v", ErrPolicyVersionSkew, got)
	}
	if b.Pricing.PolicyVersion != configuredVersion {
		return fmt.Errorf("%w: configured=%q files=%q", ErrPolicyVersionSkew, configuredVersion, b.Pricing.PolicyVersion)
	}

	if err := b.Pricing.Validate(); err != nil {
		return err
	}

	if _, ok := b.MultiplierRules.Methods[b.MultiplierRules.ActiveMethod]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, b.MultiplierRules.ActiveMethod)
	}

	if len(b.ReasonCodes.Codes) == 0 {
		return ErrEmptyReasonCatalog
	}
	for _, code := range b.ReasonCodes.PriorityOrder {
		if _, ok := b.ReasonCodes.Codes[code]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownReasonCode, code)
		}
	}
	return nil
}
