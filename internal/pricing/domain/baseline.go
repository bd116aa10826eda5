package domain

// ReferenceLevel 基线回退层级
type ReferenceLevel string

const (
	LevelZone    ReferenceLevel = "zone"
	LevelBorough ReferenceLevel = "borough"
	LevelCity    ReferenceLevel = "city"
	LevelGlobal  ReferenceLevel = "global"
)

// ZoneSlotKey 区域 x 周内时段
type ZoneSlotKey struct {
	ZoneID int
	Slot   SlotKey
}

// BoroughSlotKey 行政区 x 周内时段
type BoroughSlotKey struct {
	Borough string
	Slot    SlotKey
}

// BaselineResult 单次解析结果，显式标记实际使用的层级
type BaselineResult struct {
	Value           float64        `json:"value"`
	Level           ReferenceLevel `json:"level"`
	FallbackApplied bool           `json:"fallback_applied"`
}

// BaselineResolver 按 区域 -> 行政区 -> 全城 -> 配置下限 的顺序解析期望需求基线。
// 查表由回看窗口内的历史均值构建；零条历史记录的格子视为缺失而非 0。
// 历史源整体缺失时所有行退化到配置下限，管道仍然产出可解释的零信号结果。
type BaselineResolver struct {
	zone        map[ZoneSlotKey]float64
	borough     map[BoroughSlotKey]float64
	city        map[SlotKey]float64
	zoneBorough map[int]string
	minValue    float64
}

// NewBaselineResolver 构建解析器；任意一张表都可以为 nil（按缺失处理）
func NewBaselineResolver(
	zone map[ZoneSlotKey]float64,
	borough map[BoroughSlotKey]float64,
	city map[SlotKey]float64,
	zoneBorough map[int]string,
	minValue float64,
) *BaselineResolver {
	return &BaselineResolver{
		zone:        zone,
		borough:     borough,
		city:        city,
		zoneBorough: zoneBorough,
		minValue:    minValue,
	}
}

// Resolve 返回首个非缺失层级的基线值。所有层级缺失时返回配置下限并标记 global。
// 返回值永远不低于配置下限，保证下游比值分母受保护。
func (r *BaselineResolver) Resolve(zoneID int, slot SlotKey) BaselineResult {
	if v, ok := r.zone[ZoneSlotKey{ZoneID: zoneID, Slot: slot}]; ok {
		return BaselineResult{Value: r.clamp(v), Level: LevelZone}
	}
	// 缺少 zone->borough 映射时直接落到全城层
	if borough, ok := r.zoneBorough[zoneID]; ok {
		if v, ok := r.borough[BoroughSlotKey{Borough: borough, Slot: slot}]; ok {
			return BaselineResult{Value: r.clamp(v), Level: LevelBorough, FallbackApplied: true}
		}
	}
	if v, ok := r.city[slot]; ok {
		return BaselineResult{Value: r.clamp(v), Level: LevelCity, FallbackApplied: true}
	}
	return BaselineResult{Value: r.minValue, Level: LevelGlobal, FallbackApplied: true}
}

func (r *BaselineResolver) clamp(v float64) float64 {
	if v < r.minValue {
		return r.minValue
	}
	return v
}
