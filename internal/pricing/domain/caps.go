package domain

import (
	"math"
	"time"
)

// CapType 实际生效的裁剪类型，每行只记录最后一个真正裁剪的阶段
type CapType string

const (
	CapTypeNone       CapType = "none"
	CapTypeFloor      CapType = "floor"
	CapTypeContextual CapType = "contextual"
	CapTypeGlobal     CapType = "global"
)

// 裁剪原因常量；contextual 的原因取决于给出最小上限的来源
const (
	CapReasonFloorPolicy  = "floor_policy"
	CapReasonGlobalCap    = "global_cap"
	CapReasonConfidence   = "confidence"
	CapReasonSparseZone   = "sparse_zone"
	CapReasonTimeCategory = "time_category"
)

// CappedRow 守护阶段产物
type CappedRow struct {
	RawRow
	TimeCategory      TimeCategory
	PreCapMultiplier  float64
	PostCapMultiplier float64
	CapApplied        bool
	CapType           CapType
	CapReason         string
	CapValue          float64
}

// CapGuardrail 无状态、逐行独立的裁剪链：下限 -> 上下文上限 -> 全局上限。
// 每一阶段只能收紧上一阶段的结果；全局上限最后评估，命中时覆盖已记录的类型与原因。
type CapGuardrail struct {
	policy    *PricingPolicy
	loc       *time.Location
	peakHours map[int]bool
}

func NewCapGuardrail(policy *PricingPolicy, loc *time.Location) *CapGuardrail {
	return &CapGuardrail{policy: policy, loc: loc, peakHours: policy.PeakHourSet()}
}

// Apply 裁剪单行。CapApplied 为真时诊断字段（类型、原因、上限值）必定齐备。
func (g *CapGuardrail) Apply(row RawRow) CappedRow {
	out := CappedRow{
		RawRow:           row,
		TimeCategory:     TimeCategoryOf(row.BucketStart, g.loc, g.peakHours),
		PreCapMultiplier: row.PreGuardrailMultiplier,
		CapType:          CapTypeNone,
	}
	value := row.PreGuardrailMultiplier

	if floor := g.policy.EffectiveFloor(); value < floor {
		value = floor
		out.CapApplied = true
		out.CapType = CapTypeFloor
		out.CapReason = CapReasonFloorPolicy
		out.CapValue = floor
	}

	if cap, reason, ok := g.contextualCap(row, out.TimeCategory); ok && value > cap {
		value = cap
		out.CapApplied = true
		out.CapType = CapTypeContextual
		out.CapReason = reason
		out.CapValue = cap
	}

	if value > g.policy.GlobalCapMultiplier {
		value = g.policy.GlobalCapMultiplier
		out.CapApplied = true
		out.CapType = CapTypeGlobal
		out.CapReason = CapReasonGlobalCap
		out.CapValue = g.policy.GlobalCapMultiplier
	}

	out.PostCapMultiplier = value
	return out
}

// contextualCap 取三张可选上限表中适用上限的最小值
func (g *CapGuardrail) contextualCap(row RawRow, category TimeCategory) (float64, string, bool) {
	lowest := math.Inf(1)
	reason := ""

	if cap, ok := g.policy.CapByConfidenceBand[string(row.UncertaintyBand)]; ok && cap < lowest {
		lowest = cap
		reason = CapReasonConfidence
	}
	if row.ZoneClass != "" {
		if cap, ok := g.policy.CapByZoneClass[row.ZoneClass]; ok && cap < lowest {
			lowest = cap
			reason = CapReasonSparseZone
		}
	}
	if cap, ok := g.policy.CapByTimeCategory[string(category)]; ok && cap < lowest {
		lowest = cap
		reason = CapReasonTimeCategory
	}

	if math.IsInf(lowest, 1) {
		return 0, "", false
	}
	return lowest, reason, true
}
