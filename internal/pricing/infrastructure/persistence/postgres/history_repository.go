package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

type historyRepository struct {
	db *gorm.DB
}

// NewHistoryRepository 创建基线历史聚合源。
// 特征表按约定携带物化的 day_of_week（周一=0）与 quarter_hour_index 列，
// 聚合不在 Go 侧重算时区换算。历史表尚未建好时返回空表，管道走全局兜底。
func NewHistoryRepository(db *gorm.DB) domain.BaselineHistorySource {
	return &historyRepository{db: db}
}

type slotAverage struct {
	ZoneID           int
	Borough          string
	DayOfWeek        int
	QuarterHourIndex int
	AvgDemand        float64
}

func (r *historyRepository) ZoneAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[domain.ZoneSlotKey]float64, error) {
	query := `
		SELECT zone_id, day_of_week, quarter_hour_index, AVG(y_actual) AS avg_demand
		FROM zone_demand_features_15min
		WHERE bucket_start_ts >= ? AND bucket_start_ts < ?`
	args := []any{start.UTC(), end.UTC()}
	if featureVersion != "" {
		query += ` AND feature_version = ?`
		args = append(args, featureVersion)
	}
	query += ` GROUP BY zone_id, day_of_week, quarter_hour_index`

	rows, err := r.aggregate(ctx, query, args)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ZoneSlotKey]float64, len(rows))
	for _, row := range rows {
		key := domain.ZoneSlotKey{
			ZoneID: row.ZoneID,
			Slot:   domain.SlotKey{DayOfWeek: row.DayOfWeek, QuarterHourIndex: row.QuarterHourIndex},
		}
		out[key] = row.AvgDemand
	}
	return out, nil
}

func (r *historyRepository) BoroughAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[domain.BoroughSlotKey]float64, error) {
	query := `
		SELECT d.borough, f.day_of_week, f.quarter_hour_index, AVG(f.y_actual) AS avg_demand
		FROM zone_demand_features_15min f
		JOIN dim_zone d ON d.zone_id = f.zone_id
		WHERE f.bucket_start_ts >= ? AND f.bucket_start_ts < ?`
	args := []any{start.UTC(), end.UTC()}
	if featureVersion != "" {
		query += ` AND f.feature_version = ?`
		args = append(args, featureVersion)
	}
	query += ` GROUP BY d.borough, f.day_of_week, f.quarter_hour_index`

	rows, err := r.aggregate(ctx, query, args)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.BoroughSlotKey]float64, len(rows))
	for _, row := range rows {
		key := domain.BoroughSlotKey{
			Borough: row.Borough,
			Slot:    domain.SlotKey{DayOfWeek: row.DayOfWeek, QuarterHourIndex: row.QuarterHourIndex},
		}
		out[key] = row.AvgDemand
	}
	return out, nil
}

func (r *historyRepository) CityAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[domain.SlotKey]float64, error) {
	query := `
		SELECT day_of_week, quarter_hour_index, AVG(y_actual) AS avg_demand
		FROM zone_demand_features_15min
		WHERE bucket_start_ts >= ? AND bucket_start_ts < ?`
	args := []any{start.UTC(), end.UTC()}
	if featureVersion != "" {
		query += ` AND feature_version = ?`
		args = append(args, featureVersion)
	}
	query += ` GROUP BY day_of_week, quarter_hour_index`

	rows, err := r.aggregate(ctx, query, args)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.SlotKey]float64, len(rows))
	for _, row := range rows {
		out[domain.SlotKey{DayOfWeek: row.DayOfWeek, QuarterHourIndex: row.QuarterHourIndex}] = row.AvgDemand
	}
	return out, nil
}

func (r *historyRepository) aggregate(ctx context.Context, query string, args []any) ([]slotAverage, error) {
	var rows []slotAverage
	err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}
