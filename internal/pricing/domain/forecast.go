package domain

import "time"

// UncertaintyBand 预测不确定性档位
type UncertaintyBand string

const (
	UncertaintyLow    UncertaintyBand = "low"
	UncertaintyMedium UncertaintyBand = "medium"
	UncertaintyHigh   UncertaintyBand = "high"
)

// ForecastRow 外部预测服务产出的只读输入行
type ForecastRow struct {
	ZoneID            int             `json:"zone_id"`
	BucketStart       time.Time       `json:"bucket_start_ts"`
	ForecastCreatedAt time.Time       `json:"forecast_created_at"`
	HorizonIndex      int             `json:"horizon_index"`
	YPred             float64         `json:"y_pred"`
	YPredLower        float64         `json:"y_pred_lower"`
	YPredUpper        float64         `json:"y_pred_upper"`
	ConfidenceScore   float64         `json:"confidence_score"`
	UncertaintyBand   UncertaintyBand `json:"uncertainty_band"`
	ModelName         string          `json:"model_name"`
	ModelVersion      string          `json:"model_version"`
	ModelStage        string          `json:"model_stage"`
	FeatureVersion    string          `json:"feature_version"`
	ForecastRunID     string          `json:"forecast_run_id"`
}

// SlotKey 周内时段键。DayOfWeek 为周一=0，与历史特征表的写入约定一致。
type SlotKey struct {
	DayOfWeek        int
	QuarterHourIndex int
}

// SlotOf 以指定时区的本地时钟计算 15 分钟桶所属的周内时段
func SlotOf(bucketStart time.Time, loc *time.Location) SlotKey {
	local := bucketStart.In(loc)
	return SlotKey{
		DayOfWeek:        (int(local.Weekday()) + 6) % 7,
		QuarterHourIndex: local.Hour()*4 + local.Minute()/15,
	}
}

// TimeCategory 时段品类，用于分时上限
type TimeCategory string

const (
	TimeCategoryPeak    TimeCategory = "peak"
	TimeCategoryOffPeak TimeCategory = "off_peak"
)

// TimeCategoryOf 根据本地小时与高峰小时集合判定时段品类
func TimeCategoryOf(bucketStart time.Time, loc *time.Location, peakHours map[int]bool) TimeCategory {
	if peakHours[bucketStart.In(loc).Hour()] {
		return TimeCategoryPeak
	}
	return TimeCategoryOffPeak
}

// ZoneClass 区域稀疏度分类，取自 zone_fallback_policy 参考表
const (
	ZoneClassSparse      = "sparse"
	ZoneClassUltraSparse = "ultra_sparse"
)
