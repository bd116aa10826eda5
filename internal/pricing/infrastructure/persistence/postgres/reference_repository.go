package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

type referenceRepository struct {
	db *gorm.DB
}

// NewReferenceRepository 创建区域参考数据源（行政区维表与稀疏度分类表）。
func NewReferenceRepository(db *gorm.DB) domain.ZoneReferenceSource {
	return &referenceRepository{db: db}
}

func (r *referenceRepository) ZoneBoroughs(ctx context.Context) (map[int]string, error) {
	var rows []struct {
		ZoneID  int
		Borough string
	}
	err := r.db.WithContext(ctx).Raw(`SELECT zone_id, borough FROM dim_zone`).Scan(&rows).Error
	if err != nil {
		if isUndefinedTable(err) {
			return map[int]string{}, nil
		}
		return nil, err
	}
	out := make(map[int]string, len(rows))
	for _, row := range rows {
		out[row.ZoneID] = row.Borough
	}
	return out, nil
}

// ZoneClasses 取 asOf 时点生效的分类；同一区域多条记录时最新 effective_from 胜出
func (r *referenceRepository) ZoneClasses(ctx context.Context, policyVersion string, asOf time.Time) (map[int]string, error) {
	var rows []struct {
		ZoneID    int
		ZoneClass string
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT DISTINCT ON (zone_id) zone_id, zone_class
		FROM zone_fallback_policy
		WHERE policy_version = ? AND effective_from <= ?
		ORDER BY zone_id, effective_from DESC`,
		policyVersion, asOf.UTC(),
	).Scan(&rows).Error
	if err != nil {
		if isUndefinedTable(err) {
			return map[int]string{}, nil
		}
		return nil, err
	}
	out := make(map[int]string, len(rows))
	for _, row := range rows {
		out[row.ZoneID] = row.ZoneClass
	}
	return out, nil
}
