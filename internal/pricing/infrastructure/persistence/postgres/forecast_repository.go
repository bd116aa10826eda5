package postgres

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

type forecastRepository struct {
	db *gorm.DB
}

// NewForecastRepository 创建外部预测馈送的只读访问实例。
func NewForecastRepository(db *gorm.DB) domain.ForecastSource {
	return &forecastRepository{db: db}
}

// LatestRunID 优先查评分运行日志，日志表缺失或无记录时退回预测表本身
func (r *forecastRepository) LatestRunID(ctx context.Context) (string, error) {
	var runID string
	err := r.db.WithContext(ctx).Raw(`
		SELECT run_id FROM scoring_run_log
		WHERE status = 'succeeded'
		ORDER BY started_at DESC
		LIMIT 1`).Scan(&runID).Error
	if err != nil && !isUndefinedTable(err) {
		return "", err
	}
	if runID != "" {
		return runID, nil
	}

	err = r.db.WithContext(ctx).Raw(`
		SELECT forecast_run_id FROM demand_forecast_15min
		ORDER BY forecast_created_at DESC
		LIMIT 1`).Scan(&runID).Error
	if err != nil {
		if isUndefinedTable(err) {
			return "", nil
		}
		return "", err
	}
	return runID, nil
}

// LatestRunIDInWindow 返回窗口内最新生成的预测运行
func (r *forecastRepository) LatestRunIDInWindow(ctx context.Context, start, end time.Time) (string, error) {
	var runID string
	err := r.db.WithContext(ctx).Raw(`
		SELECT forecast_run_id FROM demand_forecast_15min
		WHERE bucket_start_ts >= ? AND bucket_start_ts < ?
		ORDER BY forecast_created_at DESC
		LIMIT 1`, start.UTC(), end.UTC()).Scan(&runID).Error
	if err != nil {
		if isUndefinedTable(err) {
			return "", nil
		}
		return "", err
	}
	return runID, nil
}

func (r *forecastRepository) RowsByRunID(ctx context.Context, runID string) ([]domain.ForecastRow, error) {
	var models []*ForecastRowModel
	err := r.db.WithContext(ctx).
		Where("forecast_run_id = ?", runID).
		Order("zone_id, bucket_start_ts").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return mapForecastRows(models), nil
}

func (r *forecastRepository) RowsByWindow(ctx context.Context, runID string, start, end time.Time) ([]domain.ForecastRow, error) {
	var models []*ForecastRowModel
	err := r.db.WithContext(ctx).
		Where("forecast_run_id = ? AND bucket_start_ts >= ? AND bucket_start_ts < ?", runID, start.UTC(), end.UTC()).
		Order("zone_id, bucket_start_ts").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return mapForecastRows(models), nil
}

func mapForecastRows(models []*ForecastRowModel) []domain.ForecastRow {
	rows := make([]domain.ForecastRow, 0, len(models))
	for _, m := range models {
		rows = append(rows, toForecastRow(m))
	}
	return rows
}

// isUndefinedTable 判定 postgres 的表不存在错误（SQLSTATE 42P01）
func isUndefinedTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "42P01")
}
