package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

type runLogRepository struct {
	db *gorm.DB
}

// NewRunLogRepository 创建并返回一个新的 RunLogRepository 实例。
func NewRunLogRepository(db *gorm.DB) domain.RunLogRepository {
	return &runLogRepository{db: db}
}

// Upsert 按 run_id 冲突更新；同一次运行从 running 到终态多次落盘同一行
func (r *runLogRepository) Upsert(ctx context.Context, row *domain.PricingRunLog) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(toRunLogModel(row)).Error
}
