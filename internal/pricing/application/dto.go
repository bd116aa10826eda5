package application

import (
	"errors"
	"time"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// 管道步骤名，按执行顺序排列；--step 参数只接受这些值
const (
	StepLoadPolicy     = "load-policy"
	StepComputeRaw     = "compute-raw"
	StepApplyCaps      = "apply-caps"
	StepApplyRateLimit = "apply-rate-limit"
	StepReasonCodes    = "reason-codes"
	StepValidate       = "validate"
	StepSave           = "save"
)

// 预测输入选择模式
const (
	ForecastModeLatestRun      = "latest_run"
	ForecastModeExplicitRunID  = "explicit_run_id"
	ForecastModeExplicitWindow = "explicit_window"
)

var (
	ErrUnknownStep         = errors.New("unknown pipeline step")
	ErrUnknownForecastMode = errors.New("unknown forecast selection mode")
	ErrForecastRunRequired = errors.New("explicit_run_id mode requires a forecast run id")
	ErrWindowRequired      = errors.New("explicit_window mode requires a window start and end")
)

// RunOptions 单次运行的调用参数；零值表示按配置默认执行完整管道
type RunOptions struct {
	// RunID 为空时生成新的 uuid
	RunID string
	// StopAfterStep 执行到指定步骤后停止；空串表示执行到 save
	StopAfterStep string
	// ForecastRunID 显式指定预测运行
	ForecastRunID string
	// WindowStart / WindowEnd 显式指定目标窗口（explicit_window 模式必填）
	WindowStart *time.Time
	WindowEnd   *time.Time
	// PricingCreatedAt 重放模式下覆盖决策行的生成时间戳
	PricingCreatedAt *time.Time
}

// RunResult 每次运行的结构化结论，所有终态（含跳过与失败）都返回
type RunResult struct {
	RunID              string               `json:"run_id"`
	RunKey             string               `json:"pricing_run_key,omitempty"`
	Status             domain.RunStatus     `json:"status"`
	LastStep           string               `json:"last_step,omitempty"`
	FailureReason      string               `json:"failure_reason,omitempty"`
	PolicyVersion      string               `json:"pricing_policy_version,omitempty"`
	ForecastRunID      string               `json:"forecast_run_id,omitempty"`
	WindowStart        *time.Time           `json:"window_start,omitempty"`
	WindowEnd          *time.Time           `json:"window_end,omitempty"`
	ZoneCount          int                  `json:"zone_count"`
	RowCount           int                  `json:"row_count"`
	RowsWritten        int                  `json:"rows_written"`
	CapAppliedCount    int                  `json:"cap_applied_count"`
	RateLimitedCount   int                  `json:"rate_limited_count"`
	LowConfidenceCount int                  `json:"low_confidence_count"`
	CheckSummary       *domain.CheckSummary `json:"check_summary,omitempty"`
	ArtifactsPath      string               `json:"artifacts_path,omitempty"`
	DurationMs         float64              `json:"duration_ms"`
}

// Benign 判定结论是否属于无须告警的终态；CLI 据此决定退出码
func (r *RunResult) Benign() bool {
	switch r.Status {
	case domain.RunStatusSucceeded, domain.RunStatusSucceededNoData,
		domain.RunStatusSkippedOverlap, domain.RunStatusValidated:
		return true
	default:
		return false
	}
}

// Settings 编排器的静态配置，来自 pricing.toml 的 [pricing] 段
type Settings struct {
	PolicyDir     string
	PolicyVersion string
	// ForecastMode 取 ForecastMode* 常量之一
	ForecastMode string
	// MaxZones 大于 0 时只保留编号最小的 N 个区域（开发限流）
	MaxZones     int
	ArtifactsDir string
	LockEnabled  bool
}

var stepOrder = map[string]int{
	StepLoadPolicy:     0,
	StepComputeRaw:     1,
	StepApplyCaps:      2,
	StepApplyRateLimit: 3,
	StepReasonCodes:    4,
	StepValidate:       5,
	StepSave:           6,
}

// stopAfter 判断 stop 步骤是否刚刚执行完、应当提前终止
func stopAfter(stop, step string) bool {
	if stop == "" {
		return false
	}
	return stepOrder[stop] == stepOrder[step]
}
