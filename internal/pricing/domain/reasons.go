package domain

import "strings"

// 原因码常量，与 reason_codes.yaml 目录对应
const (
	CodeHighDemandRatio          = "HIGH_DEMAND_RATIO"
	CodeNormalDemandBaseline     = "NORMAL_DEMAND_BASELINE"
	CodeBaselineFallbackZone     = "BASELINE_FALLBACK_ZONE"
	CodeBaselineFallbackBorough  = "BASELINE_FALLBACK_BOROUGH"
	CodeBaselineFallbackCity     = "BASELINE_FALLBACK_CITY"
	CodeMissingBaselineFallback  = "MISSING_BASELINE_REFERENCE_FALLBACK"
	CodeLowConfidenceDampening   = "LOW_CONFIDENCE_DAMPENING"
	CodeFloorApplied             = "FLOOR_APPLIED"
	CodeCapAppliedGlobal         = "CAP_APPLIED_GLOBAL"
	CodeCapAppliedConfidence     = "CAP_APPLIED_CONFIDENCE"
	CodeCapAppliedSparseZone     = "CAP_APPLIED_SPARSE_ZONE"
	CodeRateLimitIncreaseClamp   = "RATE_LIMIT_INCREASE_CLAMP"
	CodeRateLimitDecreaseClamp   = "RATE_LIMIT_DECREASE_CLAMP"
	CodeSmoothingApplied         = "SMOOTHING_APPLIED"
	CodeColdStartNoPrevious      = "NO_PREVIOUS_MULTIPLIER_COLD_START"
	CodeSparseZonePolicyActive   = "SPARSE_ZONE_POLICY_ACTIVE"
	defaultSummaryWhenNoCatalogs = "Pricing decision generated with default policy path."
)

// ReasonAssignment 原因码判定结果
type ReasonAssignment struct {
	Codes   []string
	Primary string
	Summary string
}

// ReasonCodeAssigner 纯函数：由决策行的标志位推导有序去重的原因码集合。
// 仅发出目录中存在的码；主原因按配置的优先级顺序选取。
type ReasonCodeAssigner struct {
	catalog       map[string]ReasonCodeEntry
	priorityOrder []string
	highThreshold float64
}

func NewReasonCodeAssigner(config ReasonCodeConfig, highDemandRatioThreshold float64) *ReasonCodeAssigner {
	return &ReasonCodeAssigner{
		catalog:       config.Codes,
		priorityOrder: config.PriorityOrder,
		highThreshold: highDemandRatioThreshold,
	}
}

// Assign 推导单行的原因码、主原因与人读摘要
func (a *ReasonCodeAssigner) Assign(row RateLimitedRow) ReasonAssignment {
	var codes []string
	appendCode := func(code string) {
		if _, ok := a.catalog[code]; !ok {
			return
		}
		for _, existing := range codes {
			if existing == code {
				return
			}
		}
		codes = append(codes, code)
	}

	if row.DemandRatio >= a.highThreshold {
		appendCode(CodeHighDemandRatio)
	} else {
		appendCode(CodeNormalDemandBaseline)
	}

	switch row.Baseline.Level {
	case LevelZone:
		appendCode(CodeBaselineFallbackZone)
	case LevelBorough:
		appendCode(CodeBaselineFallbackBorough)
	case LevelCity:
		appendCode(CodeBaselineFallbackCity)
	case LevelGlobal:
		appendCode(CodeMissingBaselineFallback)
	}

	if row.LowConfidenceAdjusted {
		appendCode(CodeLowConfidenceDampening)
	}

	if row.CapApplied {
		switch {
		case row.CapType == CapTypeFloor:
			appendCode(CodeFloorApplied)
		case row.CapType == CapTypeGlobal:
			appendCode(CodeCapAppliedGlobal)
		case row.CapType == CapTypeContextual && row.CapReason == CapReasonConfidence:
			appendCode(CodeCapAppliedConfidence)
		case row.CapType == CapTypeContextual && row.CapReason == CapReasonSparseZone:
			appendCode(CodeCapAppliedSparseZone)
		}
	}

	if row.RateLimitApplied {
		switch row.RateLimitDirection {
		case DirectionUp:
			appendCode(CodeRateLimitIncreaseClamp)
		case DirectionDown:
			appendCode(CodeRateLimitDecreaseClamp)
		}
	}

	if row.SmoothingApplied {
		appendCode(CodeSmoothingApplied)
	}
	if row.ColdStartUsed {
		appendCode(CodeColdStartNoPrevious)
	}
	if row.ZoneClass == ZoneClassSparse || row.ZoneClass == ZoneClassUltraSparse {
		appendCode(CodeSparseZonePolicyActive)
	}

	if len(codes) == 0 {
		if _, ok := a.catalog[CodeNormalDemandBaseline]; ok {
			codes = []string{CodeNormalDemandBaseline}
		} else {
			codes = []string{a.firstCatalogCode()}
		}
	}

	return ReasonAssignment{
		Codes:   codes,
		Primary: a.primary(codes),
		Summary: a.summary(codes),
	}
}

func (a *ReasonCodeAssigner) primary(codes []string) string {
	for _, code := range a.priorityOrder {
		for _, got := range codes {
			if got == code {
				return code
			}
		}
	}
	if len(codes) > 0 {
		return codes[0]
	}
	return CodeNormalDemandBaseline
}

func (a *ReasonCodeAssigner) summary(codes []string) string {
	var snippets []string
	for i, code := range codes {
		if i >= 3 {
			break
		}
		if desc := strings.TrimSpace(a.catalog[code].Description); desc != "" {
			snippets = append(snippets, desc)
		}
	}
	if len(snippets) == 0 {
		return defaultSummaryWhenNoCatalogs
	}
	return strings.Join(snippets, " | ")
}

func (a *ReasonCodeAssigner) firstCatalogCode() string {
	first := ""
	for code := range a.catalog {
		if first == "" || code < first {
			first = code
		}
	}
	return first
}
