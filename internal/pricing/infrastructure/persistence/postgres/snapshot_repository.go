package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository 创建策略快照与原因码参考表的持久化实例。
func NewSnapshotRepository(db *gorm.DB) domain.PolicySnapshotRepository {
	return &snapshotRepository{db: db}
}

// SaveSnapshots 把四份策略文档按 (policy_version, document_name) 快照落库，
// 同版本重复运行覆盖同一行，审计侧永远能取到该版本的最终文本
func (r *snapshotRepository) SaveSnapshots(ctx context.Context, bundle *domain.PolicyBundle, effectiveFrom time.Time) error {
	documents := map[string]any{
		"pricing_policy":   bundle.Pricing,
		"multiplier_rules": bundle.MultiplierRules,
		"rate_limit_rules": bundle.RateLimitRules,
		"reason_codes":     bundle.ReasonCodes,
	}

	models := make([]*PolicySnapshotModel, 0, len(documents))
	for name, doc := range documents {
		content, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal policy document %s: %w", name, err)
		}
		models = append(models, &PolicySnapshotModel{
			PolicyVersion: bundle.Pricing.PolicyVersion,
			DocumentName:  name,
			Content:       string(content),
			EffectiveFrom: effectiveFrom.UTC(),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].DocumentName < models[j].DocumentName })

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "policy_version"}, {Name: "document_name"}},
		UpdateAll: true,
	}).Create(&models).Error
}

// UpsertReasonCodeReference 同步原因码目录到参考表，返回同步条数
func (r *snapshotRepository) UpsertReasonCodeReference(ctx context.Context, bundle *domain.PolicyBundle) (int, error) {
	codes := make([]string, 0, len(bundle.ReasonCodes.Codes))
	for code := range bundle.ReasonCodes.Codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	models := make([]*ReasonCodeReferenceModel, 0, len(codes))
	for _, code := range codes {
		entry := bundle.ReasonCodes.Codes[code]
		models = append(models, &ReasonCodeReferenceModel{
			Code:          code,
			Category:      entry.Category,
			Description:   entry.Description,
			PolicyVersion: bundle.Pricing.PolicyVersion,
		})
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		UpdateAll: true,
	}).Create(&models).Error
	if err != nil {
		return 0, err
	}
	return len(models), nil
}
