package postgres

import (
	"encoding/json"
	"time"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// PricingDecisionModel 决策表模型，唯一键 (pricing_run_key, zone_id, bucket_start_ts)
type PricingDecisionModel struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	PricingRunKey string    `gorm:"column:pricing_run_key;size:24;uniqueIndex:idx_run_zone_bucket,priority:1;not null"`
	ZoneID        int       `gorm:"column:zone_id;uniqueIndex:idx_run_zone_bucket,priority:2;index:idx_zone_bucket,priority:1;not null"`
	BucketStartTS time.Time `gorm:"column:bucket_start_ts;uniqueIndex:idx_run_zone_bucket,priority:3;index:idx_zone_bucket,priority:2;not null"`

	RunID         string `gorm:"column:run_id;size:36;index"`
	PolicyVersion string `gorm:"column:pricing_policy_version;size:32"`
	ForecastRunID string `gorm:"column:forecast_run_id;size:64"`

	YPred           float64 `gorm:"column:y_pred"`
	YPredLower      float64 `gorm:"column:y_pred_lower"`
	YPredUpper      float64 `gorm:"column:y_pred_upper"`
	ConfidenceScore float64 `gorm:"column:confidence_score"`
	UncertaintyBand string  `gorm:"column:uncertainty_band;size:16"`
	ModelName       string  `gorm:"column:model_name;size:64"`
	ModelVersion    string  `gorm:"column:model_version;size:32"`
	FeatureVersion  string  `gorm:"column:feature_version;size:32"`

	BaselineValue         float64 `gorm:"column:baseline_value"`
	BaselineLevel         string  `gorm:"column:baseline_level;size:16"`
	ZoneClass             string  `gorm:"column:zone_class;size:16"`
	TimeCategory          string  `gorm:"column:time_category;size:16"`
	DemandRatio           float64 `gorm:"column:demand_ratio"`
	RawMultiplier         float64 `gorm:"column:raw_multiplier"`
	RawMultiplierMethod   string  `gorm:"column:raw_multiplier_method;size:32"`
	LowConfidenceAdjusted bool    `gorm:"column:low_confidence_adjusted"`

	PreCapMultiplier  float64 `gorm:"column:pre_cap_multiplier"`
	PostCapMultiplier float64 `gorm:"column:post_cap_multiplier"`
	CapApplied        bool    `gorm:"column:cap_applied"`
	CapType           string  `gorm:"column:cap_type;size:16"`
	CapReason         string  `gorm:"column:cap_reason;size:32"`
	CapValue          float64 `gorm:"column:cap_value"`

	PreviousFinalMultiplier float64 `gorm:"column:previous_final_multiplier"`
	RateLimitApplied        bool    `gorm:"column:rate_limit_applied"`
	RateLimitDirection      string  `gorm:"column:rate_limit_direction;size:8"`
	SmoothingApplied        bool    `gorm:"column:smoothing_applied"`
	ColdStartUsed           bool    `gorm:"column:cold_start_used"`
	FinalMultiplier         float64 `gorm:"column:final_multiplier;not null"`

	ReasonCodes       string `gorm:"column:reason_codes;type:text"`
	PrimaryReasonCode string `gorm:"column:primary_reason_code;size:64"`
	ReasonSummary     string `gorm:"column:reason_summary;type:text"`
	FallbackApplied   bool   `gorm:"column:fallback_applied"`

	Status           string    `gorm:"column:status;size:16"`
	PricingCreatedAt time.Time `gorm:"column:pricing_created_at"`
}

func (PricingDecisionModel) TableName() string { return "pricing_decisions" }

func toDecisionModel(d *domain.PricingDecision) *PricingDecisionModel {
	codes, _ := json.Marshal(d.ReasonCodes)
	return &PricingDecisionModel{
		PricingRunKey:           d.RunKey,
		ZoneID:                  d.ZoneID,
		BucketStartTS:           d.BucketStart.UTC(),
		RunID:                   d.RunID,
		PolicyVersion:           d.PolicyVersion,
		ForecastRunID:           d.ForecastRunID,
		YPred:                   d.YPred,
		YPredLower:              d.YPredLower,
		YPredUpper:              d.YPredUpper,
		ConfidenceScore:         d.ConfidenceScore,
		UncertaintyBand:         string(d.UncertaintyBand),
		ModelName:               d.ModelName,
		ModelVersion:            d.ModelVersion,
		FeatureVersion:          d.FeatureVersion,
		BaselineValue:           d.Baseline.Value,
		BaselineLevel:           string(d.Baseline.Level),
		ZoneClass:               d.ZoneClass,
		TimeCategory:            string(d.TimeCategory),
		DemandRatio:             d.DemandRatio,
		RawMultiplier:           d.RawMultiplier,
		RawMultiplierMethod:     d.RawMultiplierMethod,
		LowConfidenceAdjusted:   d.LowConfidenceAdjusted,
		PreCapMultiplier:        d.PreCapMultiplier,
		PostCapMultiplier:       d.PostCapMultiplier,
		CapApplied:              d.CapApplied,
		CapType:                 string(d.CapType),
		CapReason:               d.CapReason,
		CapValue:                d.CapValue,
		PreviousFinalMultiplier: d.PreviousFinalMultiplier,
		RateLimitApplied:        d.RateLimitApplied,
		RateLimitDirection:      string(d.RateLimitDirection),
		SmoothingApplied:        d.SmoothingApplied,
		ColdStartUsed:           d.ColdStartUsed,
		FinalMultiplier:         d.FinalMultiplier,
		ReasonCodes:             string(codes),
		PrimaryReasonCode:       d.PrimaryReasonCode,
		ReasonSummary:           d.ReasonSummary,
		FallbackApplied:         d.FallbackApplied,
		Status:                  string(d.Status),
		PricingCreatedAt:        d.PricingCreatedAt.UTC(),
	}
}

// PricingRunLogModel 运行日志表模型，run_id 唯一
type PricingRunLogModel struct {
	ID                 uint64     `gorm:"primaryKey;autoIncrement"`
	RunID              string     `gorm:"column:run_id;size:36;uniqueIndex;not null"`
	PricingRunKey      string     `gorm:"column:pricing_run_key;size:24;index"`
	StartedAt          time.Time  `gorm:"column:started_at"`
	EndedAt            *time.Time `gorm:"column:ended_at"`
	Status             string     `gorm:"column:status;size:24;index"`
	FailureReason      string     `gorm:"column:failure_reason;type:text"`
	PolicyVersion      string     `gorm:"column:pricing_policy_version;size:32"`
	ForecastRunID      string     `gorm:"column:forecast_run_id;size:64"`
	TargetBucketStart  *time.Time `gorm:"column:target_bucket_start"`
	TargetBucketEnd    *time.Time `gorm:"column:target_bucket_end"`
	ZoneCount          int        `gorm:"column:zone_count"`
	RowCount           int        `gorm:"column:row_count"`
	CapAppliedCount    int        `gorm:"column:cap_applied_count"`
	RateLimitedCount   int        `gorm:"column:rate_limited_count"`
	LowConfidenceCount int        `gorm:"column:low_confidence_count"`
	LatencyMs          float64    `gorm:"column:latency_ms"`
	ConfigSnapshot     string     `gorm:"column:config_snapshot;type:text"`
	CheckSummary       string     `gorm:"column:check_summary;type:text"`
	ArtifactsPath      string     `gorm:"column:artifacts_path;size:512"`
}

func (PricingRunLogModel) TableName() string { return "pricing_run_log" }

func toRunLogModel(row *domain.PricingRunLog) *PricingRunLogModel {
	model := &PricingRunLogModel{
		RunID:              row.RunID,
		PricingRunKey:      row.RunKey,
		StartedAt:          row.StartedAt,
		EndedAt:            row.EndedAt,
		Status:             string(row.Status),
		FailureReason:      row.FailureReason,
		PolicyVersion:      row.PolicyVersion,
		ForecastRunID:      row.ForecastRunID,
		TargetBucketStart:  row.TargetBucketStart,
		TargetBucketEnd:    row.TargetBucketEnd,
		ZoneCount:          row.ZoneCount,
		RowCount:           row.RowCount,
		CapAppliedCount:    row.CapAppliedCount,
		RateLimitedCount:   row.RateLimitedCount,
		LowConfidenceCount: row.LowConfidenceCount,
		LatencyMs:          row.LatencyMs,
		ArtifactsPath:      row.ArtifactsPath,
	}
	if row.ConfigSnapshot != nil {
		raw, _ := json.Marshal(row.ConfigSnapshot)
		model.ConfigSnapshot = string(raw)
	}
	if row.CheckSummary != nil {
		raw, _ := json.Marshal(row.CheckSummary)
		model.CheckSummary = string(raw)
	}
	return model
}

// PolicySnapshotModel 策略文档快照，唯一键 (policy_version, document_name)
type PolicySnapshotModel struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	PolicyVersion string    `gorm:"column:policy_version;size:32;uniqueIndex:idx_version_document,priority:1;not null"`
	DocumentName  string    `gorm:"column:document_name;size:64;uniqueIndex:idx_version_document,priority:2;not null"`
	Content       string    `gorm:"column:content;type:text"`
	EffectiveFrom time.Time `gorm:"column:effective_from"`
}

func (PolicySnapshotModel) TableName() string { return "pricing_policy_snapshots" }

// ReasonCodeReferenceModel 原因码参考表，code 唯一
type ReasonCodeReferenceModel struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Code          string `gorm:"column:code;size:64;uniqueIndex;not null"`
	Category      string `gorm:"column:category;size:32"`
	Description   string `gorm:"column:description;type:text"`
	PolicyVersion string `gorm:"column:policy_version;size:32"`
}

func (ReasonCodeReferenceModel) TableName() string { return "pricing_reason_code_reference" }

// ForecastRowModel 外部预测表只读模型
type ForecastRowModel struct {
	ZoneID            int       `gorm:"column:zone_id"`
	BucketStartTS     time.Time `gorm:"column:bucket_start_ts"`
	ForecastCreatedAt time.Time `gorm:"column:forecast_created_at"`
	HorizonIndex      int       `gorm:"column:horizon_index"`
	YPred             float64   `gorm:"column:y_pred"`
	YPredLower        float64   `gorm:"column:y_pred_lower"`
	YPredUpper        float64   `gorm:"column:y_pred_upper"`
	ConfidenceScore   float64   `gorm:"column:confidence_score"`
	UncertaintyBand   string    `gorm:"column:uncertainty_band"`
	ModelName         string    `gorm:"column:model_name"`
	ModelVersion      string    `gorm:"column:model_version"`
	ModelStage        string    `gorm:"column:model_stage"`
	FeatureVersion    string    `gorm:"column:feature_version"`
	ForecastRunID     string    `gorm:"column:forecast_run_id"`
}

func (ForecastRowModel) TableName() string { return "demand_forecast_15min" }

func toForecastRow(m *ForecastRowModel) domain.ForecastRow {
	return domain.ForecastRow{
		ZoneID:            m.ZoneID,
		BucketStart:       m.BucketStartTS,
		ForecastCreatedAt: m.ForecastCreatedAt,
		HorizonIndex:      m.HorizonIndex,
		YPred:             m.YPred,
		YPredLower:        m.YPredLower,
		YPredUpper:        m.YPredUpper,
		ConfidenceScore:   m.ConfidenceScore,
		UncertaintyBand:   domain.UncertaintyBand(m.UncertaintyBand),
		ModelName:         m.ModelName,
		ModelVersion:      m.ModelVersion,
		ModelStage:        m.ModelStage,
		FeatureVersion:    m.FeatureVersion,
		ForecastRunID:     m.ForecastRunID,
	}
}
