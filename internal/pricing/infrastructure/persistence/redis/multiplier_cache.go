package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// MultiplierCache 最新已发布乘数的读侧快照，供下游 API/看板低延迟读取。
// 每个区域一个键，只保留该区域最新桶的决策。
type MultiplierCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewMultiplierCache 创建并返回一个新的 MultiplierCache 实例。
func NewMultiplierCache(client redis.UniversalClient) *MultiplierCache {
	return &MultiplierCache{
		client: client,
		prefix: "pricing:zone:",
		ttl:    24 * time.Hour,
	}
}

// multiplierSnapshot Redis 中存储的精简视图
type multiplierSnapshot struct {
	ZoneID            int       `json:"zone_id"`
	BucketStart       time.Time `json:"bucket_start_ts"`
	FinalMultiplier   float64   `json:"final_multiplier"`
	PrimaryReasonCode string    `json:"primary_reason_code"`
	PolicyVersion     string    `json:"pricing_policy_version"`
	RunKey            string    `json:"pricing_run_key"`
	PricingCreatedAt  time.Time `json:"pricing_created_at"`
}

// SaveLatest 写入每个区域最新桶的乘数快照
func (c *MultiplierCache) SaveLatest(ctx context.Context, decisions []*domain.PricingDecision) error {
	latest := make(map[int]*domain.PricingDecision, 64)
	for _, d := range decisions {
		if prev, ok := latest[d.ZoneID]; !ok || d.BucketStart.After(prev.BucketStart) {
			latest[d.ZoneID] = d
		}
	}

	pipe := c.client.Pipeline()
	for zoneID, d := range latest {
		data, err := json.Marshal(multiplierSnapshot{
			ZoneID:            d.ZoneID,
			BucketStart:       d.BucketStart,
			FinalMultiplier:   d.FinalMultiplier,
			PrimaryReasonCode: d.PrimaryReasonCode,
			PolicyVersion:     d.PolicyVersion,
			RunKey:            d.RunKey,
			PricingCreatedAt:  d.PricingCreatedAt,
		})
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.key(zoneID), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LatestMultiplier 读取单个区域的最新快照；缓存未命中返回 nil
func (c *MultiplierCache) LatestMultiplier(ctx context.Context, zoneID int) (*domain.PricingDecision, error) {
	data, err := c.client.Get(ctx, c.key(zoneID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot multiplierSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	d := &domain.PricingDecision{
		RunKey:            snapshot.RunKey,
		PolicyVersion:     snapshot.PolicyVersion,
		PrimaryReasonCode: snapshot.PrimaryReasonCode,
		PricingCreatedAt:  snapshot.PricingCreatedAt,
	}
	d.ZoneID = snapshot.ZoneID
	d.BucketStart = snapshot.BucketStart
	d.FinalMultiplier = snapshot.FinalMultiplier
	return d, nil
}

func (c *MultiplierCache) key(zoneID int) string {
	return fmt.Sprintf("%s%d:latest", c.prefix, zoneID)
}
