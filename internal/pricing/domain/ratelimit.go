package domain

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// RateLimitDirection 限速方向
type RateLimitDirection string

const (
	DirectionNone RateLimitDirection = "none"
	DirectionUp   RateLimitDirection = "up"
	DirectionDown RateLimitDirection = "down"
)

// RateLimitedRow 限速阶段产物
type RateLimitedRow struct {
	CappedRow
	PreviousFinalMultiplier  float64
	CandidateBeforeRateLimit float64
	RateLimitApplied         bool
	RateLimitDirection       RateLimitDirection
	PostRateLimitMultiplier  float64
	SmoothingApplied         bool
	SmoothingReclamped       bool
	ColdStartUsed            bool
	FinalMultiplier          float64
}

// LimiterState 跨桶携带的累加器：上一已发布值与冷启动标记
type LimiterState struct {
	Previous  float64
	ColdStart bool
}

// RateLimiter 对每个区域按桶时间顺序折叠限速状态。
// 区域之间相互独立可并行；区域内部桶序严格串行，后一桶以前一桶的最终值为基准。
// 本阶段永不失败：缺少历史值不是错误，只是被标记的冷启动。
type RateLimiter struct {
	policy *PricingPolicy
}

func NewRateLimiter(policy *PricingPolicy) *RateLimiter {
	return &RateLimiter{policy: policy}
}

// SeedState 由历史已发布值或冷启动默认值构造初始状态
func (rl *RateLimiter) SeedState(previous map[int]float64, zoneID int) LimiterState {
	if v, ok := previous[zoneID]; ok {
		return LimiterState{Previous: v}
	}
	return LimiterState{Previous: rl.policy.ColdStartMultiplier, ColdStart: true}
}

// LimitZone 对单个区域的时间有序行做折叠。rows 必须已按桶时间升序排列。
func (rl *RateLimiter) LimitZone(state LimiterState, rows []CappedRow) []RateLimitedRow {
	out := make([]RateLimitedRow, 0, len(rows))
	floor := rl.policy.EffectiveFloor()
	cap := rl.policy.GlobalCapMultiplier

	for _, row := range rows {
		candidate := row.PostCapMultiplier
		limited := candidate
		direction := DirectionNone
		applied := false

		delta := candidate - state.Previous
		switch {
		case delta > rl.policy.MaxIncreasePerBucket:
			limited = state.Previous + rl.policy.MaxIncreasePerBucket
			direction = DirectionUp
			applied = true
		case delta < -rl.policy.MaxDecreasePerBucket:
			limited = state.Previous - rl.policy.MaxDecreasePerBucket
			direction = DirectionDown
			applied = true
		}

		smoothed := limited
		smoothingApplied := false
		if rl.policy.SmoothingEnabled {
			smoothingApplied = true
			alpha := rl.policy.SmoothingAlpha
			smoothed = alpha*limited + (1-alpha)*state.Previous
		}

		// 平滑后仅以全局下限/上限复位，不回放上下文上限；
		// 即使历史状态已经越界，发布值仍满足 floor <= final <= global_cap。
		final := smoothed
		reclamped := false
		if final < floor {
			final = floor
			reclamped = smoothingApplied
		}
		if final > cap {
			final = cap
			reclamped = smoothingApplied
		}

		out = append(out, RateLimitedRow{
			CappedRow:                row,
			PreviousFinalMultiplier:  state.Previous,
			CandidateBeforeRateLimit: candidate,
			RateLimitApplied:         applied,
			RateLimitDirection:       direction,
			PostRateLimitMultiplier:  limited,
			SmoothingApplied:         smoothingApplied,
			SmoothingReclamped:       reclamped,
			ColdStartUsed:            state.ColdStart,
			FinalMultiplier:          final,
		})

		// 下一桶以本桶最终值（而非原候选值）为基准
		state = LimiterState{Previous: final}
	}
	return out
}

// Apply 按区域分组限速。区域间通过 errgroup 并行，区域内保持串行折叠。
// 输出按 (zone_id, bucket_start) 排序，保证批次字节级可复现。
func (rl *RateLimiter) Apply(ctx context.Context, rows []CappedRow, previous map[int]float64) ([]RateLimitedRow, error) {
	byZone := make(map[int][]CappedRow)
	zoneIDs := make([]int, 0)
	for _, row := range rows {
		if _, ok := byZone[row.ZoneID]; !ok {
			zoneIDs = append(zoneIDs, row.ZoneID)
		}
		byZone[row.ZoneID] = append(byZone[row.ZoneID], row)
	}
	sort.Ints(zoneIDs)

	results := make([][]RateLimitedRow, len(zoneIDs))
	g, _ := errgroup.WithContext(ctx)
	for i, zoneID := range zoneIDs {
		i := i
		group := byZone[zoneID]
		sort.Slice(group, func(a, b int) bool { return group[a].BucketStart.Before(group[b].BucketStart) })
		state := rl.SeedState(previous, zoneID)
		g.Go(func() error {
			results[i] = rl.LimitZone(state, group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]RateLimitedRow, 0, len(rows))
	for _, zoneRows := range results {
		out = append(out, zoneRows...)
	}
	return out, nil
}
