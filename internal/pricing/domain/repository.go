package domain

import (
	"context"
	"time"
)

// ForecastSource 外部预测馈送的只读访问端口
type ForecastSource interface {
	// LatestRunID 返回最近一次成功的预测运行；无数据时返回空串
	LatestRunID(ctx context.Context) (string, error)
	// LatestRunIDInWindow 返回窗口内最新的预测运行；无数据时返回空串
	LatestRunIDInWindow(ctx context.Context, start, end time.Time) (string, error)
	RowsByRunID(ctx context.Context, runID string) ([]ForecastRow, error)
	RowsByWindow(ctx context.Context, runID string, start, end time.Time) ([]ForecastRow, error)
}

// BaselineHistorySource 基线历史聚合源。历史表缺失时实现返回空表而非报错。
type BaselineHistorySource interface {
	ZoneAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[ZoneSlotKey]float64, error)
	BoroughAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[BoroughSlotKey]float64, error)
	CityAverages(ctx context.Context, start, end time.Time, featureVersion string) (map[SlotKey]float64, error)
}

// ZoneReferenceSource 区域参考数据：行政区映射与稀疏度分类
type ZoneReferenceSource interface {
	ZoneBoroughs(ctx context.Context) (map[int]string, error)
	ZoneClasses(ctx context.Context, policyVersion string, asOf time.Time) (map[int]string, error)
}

// DecisionRepository 定价决策的持久化端口，写入必须幂等
type DecisionRepository interface {
	// PreviousFinalMultipliers 取每个区域在目标窗口之前最后一次发布的最终乘数
	PreviousFinalMultipliers(ctx context.Context, zoneIDs []int, before time.Time) (map[int]float64, error)
	// UpsertBatch 按 (pricing_run_key, zone_id, bucket_start_ts) 冲突更新，返回写入行数
	UpsertBatch(ctx context.Context, decisions []*PricingDecision) (int, error)
}

// RunLogRepository 运行日志按 run_id 幂等更新
type RunLogRepository interface {
	Upsert(ctx context.Context, row *PricingRunLog) error
}

// PolicySnapshotRepository 策略快照与原因码参考表
type PolicySnapshotRepository interface {
	SaveSnapshots(ctx context.Context, bundle *PolicyBundle, effectiveFrom time.Time) error
	UpsertReasonCodeReference(ctx context.Context, bundle *PolicyBundle) (int, error)
}

// AdvisoryLocker 集群级互斥：已被持有时 TryLock 返回 false 而非阻塞
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}

// RunEventPublisher 运行完成事件发布端口
type RunEventPublisher interface {
	PublishRunCompleted(ctx context.Context, event RunCompletedEvent) error
}

// MultiplierCache 最新已发布乘数的读侧快照，读方法供调度/展示侧消费
type MultiplierCache interface {
	SaveLatest(ctx context.Context, decisions []*PricingDecision) error
	LatestMultiplier(ctx context.Context, zoneID int) (*PricingDecision, error)
}
