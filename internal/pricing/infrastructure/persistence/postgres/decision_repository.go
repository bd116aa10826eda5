package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

const upsertBatchSize = 500

// 同一 (zone_id, bucket_start_ts) 可能存在多个 run key 的行（策略版本升级、同窗口重跑），
// 必须以 pricing_created_at 兜底排序，否则限速种子在重放间不确定
const previousFinalMultipliersQuery = `
	SELECT DISTINCT ON (zone_id) zone_id, final_multiplier
	FROM pricing_decisions
	WHERE zone_id IN ? AND bucket_start_ts < ?
	ORDER BY zone_id, bucket_start_ts DESC, pricing_created_at DESC`

type decisionRepository struct {
	db *gorm.DB
}

// NewDecisionRepository 创建并返回一个新的 DecisionRepository 实例。
func NewDecisionRepository(db *gorm.DB) domain.DecisionRepository {
	return &decisionRepository{db: db}
}

// UpsertBatch 按 (pricing_run_key, zone_id, bucket_start_ts) 冲突更新，整批单事务提交
func (r *decisionRepository) UpsertBatch(ctx context.Context, decisions []*domain.PricingDecision) (int, error) {
	if len(decisions) == 0 {
		return 0, nil
	}
	models := make([]*PricingDecisionModel, 0, len(decisions))
	for _, d := range decisions {
		models = append(models, toDecisionModel(d))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "pricing_run_key"},
				{Name: "zone_id"},
				{Name: "bucket_start_ts"},
			},
			UpdateAll: true,
		}).CreateInBatches(models, upsertBatchSize).Error
	})
	if err != nil {
		return 0, err
	}
	return len(models), nil
}

// PreviousFinalMultipliers 取每个区域在 before 之前最后一桶的最终乘数
func (r *decisionRepository) PreviousFinalMultipliers(ctx context.Context, zoneIDs []int, before time.Time) (map[int]float64, error) {
	if len(zoneIDs) == 0 {
		return map[int]float64{}, nil
	}

	var rows []struct {
		ZoneID          int
		FinalMultiplier float64
	}
	err := r.db.WithContext(ctx).Raw(previousFinalMultipliersQuery, zoneIDs, before.UTC()).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[int]float64, len(rows))
	for _, row := range rows {
		out[row.ZoneID] = row.FinalMultiplier
	}
	return out, nil
}
