package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DecisionStatus 决策行状态
type DecisionStatus string

const (
	DecisionStatusReady     DecisionStatus = "ready"
	DecisionStatusPublished DecisionStatus = "published"
)

// RunStatus 编排尝试的终态
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusSucceededNoData RunStatus = "succeeded_no_data"
	RunStatusFailed          RunStatus = "failed"
	RunStatusSkippedOverlap  RunStatus = "skipped_overlap"
	RunStatusValidated       RunStatus = "validated"
)

// multiplierPlaces 发布乘数统一保留的小数位。确定性舍入保证同输入重跑字节一致。
const multiplierPlaces = 6

// RoundMultiplier 对外发布的乘数字段统一做 6 位小数的确定性舍入
func RoundMultiplier(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(multiplierPlaces).Float64()
	return f
}

// PricingDecision 核心输出实体，按 (pricing_run_key, zone_id, bucket_start_ts) 幂等落库
type PricingDecision struct {
	RateLimitedRow
	ReasonCodes       []string       `json:"reason_codes"`
	PrimaryReasonCode string         `json:"primary_reason_code"`
	ReasonSummary     string         `json:"reason_summary"`
	FallbackApplied   bool           `json:"fallback_applied"`
	RunKey            string         `json:"pricing_run_key"`
	RunID             string         `json:"run_id"`
	PolicyVersion     string         `json:"pricing_policy_version"`
	Status            DecisionStatus `json:"status"`
	PricingCreatedAt  time.Time      `json:"pricing_created_at"`
}

// NewPricingDecision 装配终态决策行并统一舍入发布字段。
// fallback_applied 聚合基线回退、全局兜底与冷启动三种来源。
func NewPricingDecision(
	row RateLimitedRow,
	assignment ReasonAssignment,
	runKey, runID, policyVersion string,
	createdAt time.Time,
) *PricingDecision {
	row.RawMultiplier = RoundMultiplier(row.RawMultiplier)
	row.PreGuardrailMultiplier = RoundMultiplier(row.PreGuardrailMultiplier)
	row.PreCapMultiplier = RoundMultiplier(row.PreCapMultiplier)
	row.PostCapMultiplier = RoundMultiplier(row.PostCapMultiplier)
	row.CandidateBeforeRateLimit = RoundMultiplier(row.CandidateBeforeRateLimit)
	row.PreviousFinalMultiplier = RoundMultiplier(row.PreviousFinalMultiplier)
	row.PostRateLimitMultiplier = RoundMultiplier(row.PostRateLimitMultiplier)
	row.FinalMultiplier = RoundMultiplier(row.FinalMultiplier)
	row.DemandRatio = RoundMultiplier(row.DemandRatio)

	return &PricingDecision{
		RateLimitedRow:    row,
		ReasonCodes:       assignment.Codes,
		PrimaryReasonCode: assignment.Primary,
		ReasonSummary:     assignment.Summary,
		FallbackApplied:   row.Baseline.FallbackApplied || row.ColdStartUsed || row.Baseline.Level == LevelGlobal,
		RunKey:            runKey,
		RunID:             runID,
		PolicyVersion:     policyVersion,
		Status:            DecisionStatusReady,
		PricingCreatedAt:  createdAt,
	}
}

// RunKey 幂等运行键：hash(策略版本 | 预测运行 | 窗口起止) 的前 24 个十六进制字符。
// 同一逻辑窗口重跑得到同一个键，落库走 upsert 而非追加。
func RunKey(policyVersion, forecastRunID string, windowStart, windowEnd time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%s",
		policyVersion,
		forecastRunID,
		windowStart.UTC().Format(time.RFC3339),
		windowEnd.UTC().Format(time.RFC3339),
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}

// PipelineLockName 集群级互斥锁的固定名称
const PipelineLockName = "pricing_guardrails_pipeline"

// PipelineLockKey 由固定管道名哈希出的咨询锁键
func PipelineLockKey() int64 {
	sum := sha256.Sum256([]byte(PipelineLockName))
	return int64(binary.BigEndian.Uint32(sum[:4]))
}

// PricingRunLog 每次编排尝试一行（run_id 主键），只更新不删除
type PricingRunLog struct {
	RunID              string         `json:"run_id"`
	RunKey             string         `json:"pricing_run_key"`
	StartedAt          time.Time      `json:"started_at"`
	EndedAt            *time.Time     `json:"ended_at"`
	Status             RunStatus      `json:"status"`
	FailureReason      string         `json:"failure_reason"`
	PolicyVersion      string         `json:"pricing_policy_version"`
	ForecastRunID      string         `json:"forecast_run_id"`
	TargetBucketStart  *time.Time     `json:"target_bucket_start"`
	TargetBucketEnd    *time.Time     `json:"target_bucket_end"`
	ZoneCount          int            `json:"zone_count"`
	RowCount           int            `json:"row_count"`
	CapAppliedCount    int            `json:"cap_applied_count"`
	RateLimitedCount   int            `json:"rate_limited_count"`
	LowConfidenceCount int            `json:"low_confidence_count"`
	LatencyMs          float64        `json:"latency_ms"`
	ConfigSnapshot     map[string]any `json:"config_snapshot"`
	CheckSummary       *CheckSummary  `json:"check_summary"`
	ArtifactsPath      string         `json:"artifacts_path"`
}

// RunCompletedEvent 成功落库后对外广播的事件
type RunCompletedEvent struct {
	RunID            string    `json:"run_id"`
	RunKey           string    `json:"pricing_run_key"`
	PolicyVersion    string    `json:"pricing_policy_version"`
	ForecastRunID    string    `json:"forecast_run_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	RowCount         int       `json:"row_count"`
	ZoneCount        int       `json:"zone_count"`
	CapAppliedCount  int       `json:"cap_applied_count"`
	RateLimitedCount int       `json:"rate_limited_count"`
	CompletedAt      time.Time `json:"completed_at"`
}
