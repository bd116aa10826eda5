package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// bucketWidth 预测桶宽度，窗口末端推导用
const bucketWidth = 15 * time.Minute

// Recorder 运行指标上报端口；pkg/metrics 提供 prometheus 实现
type Recorder interface {
	ObserveRun(status domain.RunStatus, duration time.Duration)
	AddRowsWritten(n int)
	AddCapsApplied(n int)
	AddRateLimited(n int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRun(domain.RunStatus, time.Duration) {}
func (noopRecorder) AddRowsWritten(int)                         {}
func (noopRecorder) AddCapsApplied(int)                         {}
func (noopRecorder) AddRateLimited(int)                         {}

// Dependencies 编排器依赖的全部领域端口
type Dependencies struct {
	Forecasts  domain.ForecastSource
	History    domain.BaselineHistorySource
	References domain.ZoneReferenceSource
	Decisions  domain.DecisionRepository
	RunLogs    domain.RunLogRepository
	Snapshots  domain.PolicySnapshotRepository
	Locker     domain.AdvisoryLocker
	Events     domain.RunEventPublisher
	Cache      domain.MultiplierCache
}

// Coordinator 定价守护管道的编排器。
// 每次 Run 是一次完整的尝试：抢锁、按固定步骤执行、任何终态都落运行日志
// 与产物。同一逻辑窗口的重复运行共享运行键，落库是幂等 upsert。
type Coordinator struct {
	settings Settings
	deps     Dependencies
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(settings Settings, deps Dependencies, metrics Recorder, logger *slog.Logger) *Coordinator {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Coordinator{
		settings: settings,
		deps:     deps,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// runState 单次运行的可变状态，finalize 时统一折叠进运行日志
type runState struct {
	runID     string
	runKey    string
	startedAt time.Time
	bundle    *domain.PolicyBundle

	forecastRunID string
	windowStart   time.Time
	windowEnd     time.Time
	createdAt     time.Time

	decisions    []*domain.PricingDecision
	checkSummary *domain.CheckSummary

	zoneCount          int
	rowCount           int
	rowsWritten        int
	capAppliedCount    int
	rateLimitedCount   int
	lowConfidenceCount int

	lastStep string
	status   domain.RunStatus
	failure  string
}

// Run 执行管道直至终态。返回的 error 仅表示需要告警的失败；
// skipped_overlap / succeeded_no_data / validated 都是 error 为 nil 的正常结论。
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.StopAfterStep != "" {
		if _, ok := stepOrder[opts.StopAfterStep]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, opts.StopAfterStep)
		}
	}

	state := &runState{
		runID:     opts.RunID,
		startedAt: c.now().UTC(),
		status:    domain.RunStatusRunning,
	}
	if state.runID == "" {
		state.runID = uuid.NewString()
	}
	logger := c.logger.With("run_id", state.runID)

	if c.settings.LockEnabled {
		acquired, err := c.deps.Locker.TryLock(ctx, domain.PipelineLockKey())
		if err != nil {
			state.status = domain.RunStatusFailed
			state.failure = fmt.Sprintf("acquire pipeline lock: %v", err)
			return c.finalize(ctx, logger, state), fmt.Errorf("acquire pipeline lock: %w", err)
		}
		if !acquired {
			logger.Warn("pipeline lock held by another run, skipping")
			state.status = domain.RunStatusSkippedOverlap
			return c.finalize(ctx, logger, state), nil
		}
		defer func() {
			if err := c.deps.Locker.Unlock(context.WithoutCancel(ctx), domain.PipelineLockKey()); err != nil {
				logger.Warn("release pipeline lock", "error", err)
			}
		}()
	}

	return c.execute(ctx, logger, state, opts)
}

func (c *Coordinator) execute(ctx context.Context, logger *slog.Logger, state *runState, opts RunOptions) (*RunResult, error) {
	fail := func(step string, err error) (*RunResult, error) {
		state.lastStep = step
		state.status = domain.RunStatusFailed
		state.failure = err.Error()
		logger.Error("pipeline step failed", "step", step, "error", err)
		return c.finalize(ctx, logger, state), fmt.Errorf("step %s: %w", step, err)
	}

	// load-policy
	state.lastStep = StepLoadPolicy
	bundle, err := LoadPolicyBundle(c.settings.PolicyDir, c.settings.PolicyVersion)
	if err != nil {
		return fail(StepLoadPolicy, err)
	}
	state.bundle = bundle

	loc, err := time.LoadLocation(bundle.Pricing.RunTimezone)
	if err != nil {
		return fail(StepLoadPolicy, fmt.Errorf("load run timezone %q: %w", bundle.Pricing.RunTimezone, err))
	}
	strategy, err := domain.NewMultiplierStrategy(bundle.MultiplierRules)
	if err != nil {
		return fail(StepLoadPolicy, err)
	}

	if bundle.Pricing.PolicySnapshotEnabled {
		// 快照与参考表是审计辅助，失败降级为告警而非中断管道
		if err := c.deps.Snapshots.SaveSnapshots(ctx, bundle, state.startedAt); err != nil {
			logger.Warn("save policy snapshots", "error", err)
		}
		if n, err := c.deps.Snapshots.UpsertReasonCodeReference(ctx, bundle); err != nil {
			logger.Warn("upsert reason code reference", "error", err)
		} else {
			logger.Info("reason code reference synced", "codes", n)
		}
	}
	logger.Info("policy bundle loaded",
		"policy_version", bundle.Pricing.PolicyVersion,
		"active_method", bundle.MultiplierRules.ActiveMethod)

	if stopAfter(opts.StopAfterStep, StepLoadPolicy) {
		state.status = domain.RunStatusSucceeded
		return c.finalize(ctx, logger, state), nil
	}

	// 选择预测输入
	rows, err := c.selectForecast(ctx, state, opts)
	if err != nil {
		return fail(StepComputeRaw, err)
	}
	if len(rows) == 0 {
		logger.Warn("no forecast rows for pricing window",
			"forecast_run_id", state.forecastRunID, "mode", c.settings.ForecastMode)
		state.status = domain.RunStatusSucceededNoData
		return c.finalize(ctx, logger, state), nil
	}
	rows = c.applyZoneLimit(rows)
	c.resolveWindow(state, opts, rows)
	state.runKey = domain.RunKey(bundle.Pricing.PolicyVersion, state.forecastRunID, state.windowStart, state.windowEnd)
	state.createdAt = c.now().UTC()
	if opts.PricingCreatedAt != nil {
		state.createdAt = opts.PricingCreatedAt.UTC()
	}

	if err := c.upsertRunLog(ctx, state); err != nil {
		return fail(StepComputeRaw, fmt.Errorf("record running state: %w", err))
	}

	// compute-raw
	state.lastStep = StepComputeRaw
	rawRows, zoneIDs, err := c.computeRaw(ctx, state, rows, strategy, loc)
	if err != nil {
		return fail(StepComputeRaw, err)
	}
	state.zoneCount = len(zoneIDs)
	state.rowCount = len(rawRows)
	if stopAfter(opts.StopAfterStep, StepComputeRaw) {
		state.status = domain.RunStatusSucceeded
		return c.finalize(ctx, logger, state), nil
	}

	// apply-caps
	state.lastStep = StepApplyCaps
	guardrail := domain.NewCapGuardrail(&bundle.Pricing, loc)
	capped := make([]domain.CappedRow, 0, len(rawRows))
	for _, row := range rawRows {
		out := guardrail.Apply(row)
		if out.CapApplied {
			state.capAppliedCount++
		}
		capped = append(capped, out)
	}
	if stopAfter(opts.StopAfterStep, StepApplyCaps) {
		state.status = domain.RunStatusSucceeded
		return c.finalize(ctx, logger, state), nil
	}

	// apply-rate-limit
	state.lastStep = StepApplyRateLimit
	previous, err := c.deps.Decisions.PreviousFinalMultipliers(ctx, zoneIDs, state.windowStart)
	if err != nil {
		return fail(StepApplyRateLimit, fmt.Errorf("load previous multipliers: %w", err))
	}
	limiter := domain.NewRateLimiter(&bundle.Pricing)
	limited, err := limiter.Apply(ctx, capped, previous)
	if err != nil {
		return fail(StepApplyRateLimit, err)
	}
	for _, row := range limited {
		if row.RateLimitApplied {
			state.rateLimitedCount++
		}
		if row.LowConfidenceAdjusted {
			state.lowConfidenceCount++
		}
	}
	if stopAfter(opts.StopAfterStep, StepApplyRateLimit) {
		state.status = domain.RunStatusSucceeded
		return c.finalize(ctx, logger, state), nil
	}

	// reason-codes
	state.lastStep = StepReasonCodes
	assigner := domain.NewReasonCodeAssigner(bundle.ReasonCodes, bundle.MultiplierRules.HighDemandRatioThreshold)
	state.decisions = make([]*domain.PricingDecision, 0, len(limited))
	for _, row := range limited {
		assignment := assigner.Assign(row)
		state.decisions = append(state.decisions, domain.NewPricingDecision(
			row, assignment, state.runKey, state.runID, bundle.Pricing.PolicyVersion, state.createdAt))
	}
	if stopAfter(opts.StopAfterStep, StepReasonCodes) {
		state.status = domain.RunStatusSucceeded
		return c.finalize(ctx, logger, state), nil
	}

	// validate
	state.lastStep = StepValidate
	gate := domain.NewQualityGate(&bundle.Pricing)
	state.checkSummary = gate.Run(state.decisions, state.zoneCount, countBuckets(limited))
	if stopAfter(opts.StopAfterStep, StepValidate) {
		if state.checkSummary.Passed {
			state.status = domain.RunStatusValidated
		} else {
			state.status = domain.RunStatusFailed
			state.failure = "quality gate failed in validate-only run"
		}
		return c.finalize(ctx, logger, state), nil
	}
	if !state.checkSummary.Passed {
		state.status = domain.RunStatusFailed
		state.failure = "quality gate failed"
		logger.Error("quality gate blocked publish", "failures", len(state.checkSummary.Failures))
		result := c.finalize(ctx, logger, state)
		if err := gate.Enforce(state.checkSummary, bundle.Pricing.StrictChecks); err != nil {
			return result, err
		}
		return result, nil
	}

	// save
	state.lastStep = StepSave
	written, err := c.deps.Decisions.UpsertBatch(ctx, state.decisions)
	if err != nil {
		return fail(StepSave, fmt.Errorf("persist pricing decisions: %w", err))
	}
	state.rowsWritten = written
	state.status = domain.RunStatusSucceeded

	c.publishReadModel(ctx, logger, state)

	logger.Info("pricing run committed",
		"run_key", state.runKey,
		"rows_written", written,
		"zones", state.zoneCount,
		"caps_applied", state.capAppliedCount,
		"rate_limited", state.rateLimitedCount)
	return c.finalize(ctx, logger, state), nil
}

// selectForecast 按配置模式解析预测运行并拉取输入行
func (c *Coordinator) selectForecast(ctx context.Context, state *runState, opts RunOptions) ([]domain.ForecastRow, error) {
	mode := c.settings.ForecastMode
	if mode == "" {
		mode = ForecastModeLatestRun
	}
	switch mode {
	case ForecastModeLatestRun:
		runID := opts.ForecastRunID
		if runID == "" {
			var err error
			runID, err = c.deps.Forecasts.LatestRunID(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve latest forecast run: %w", err)
			}
		}
		if runID == "" {
			return nil, nil
		}
		state.forecastRunID = runID
		return c.deps.Forecasts.RowsByRunID(ctx, runID)

	case ForecastModeExplicitRunID:
		if opts.ForecastRunID == "" {
			return nil, ErrForecastRunRequired
		}
		state.forecastRunID = opts.ForecastRunID
		return c.deps.Forecasts.RowsByRunID(ctx, opts.ForecastRunID)

	case ForecastModeExplicitWindow:
		if opts.WindowStart == nil || opts.WindowEnd == nil {
			return nil, ErrWindowRequired
		}
		runID := opts.ForecastRunID
		if runID == "" {
			var err error
			runID, err = c.deps.Forecasts.LatestRunIDInWindow(ctx, *opts.WindowStart, *opts.WindowEnd)
			if err != nil {
				return nil, fmt.Errorf("resolve forecast run in window: %w", err)
			}
		}
		if runID == "" {
			return nil, nil
		}
		state.forecastRunID = runID
		return c.deps.Forecasts.RowsByWindow(ctx, runID, *opts.WindowStart, *opts.WindowEnd)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownForecastMode, mode)
	}
}

// applyZoneLimit 开发限流：只保留编号最小的 N 个区域
func (c *Coordinator) applyZoneLimit(rows []domain.ForecastRow) []domain.ForecastRow {
	if c.settings.MaxZones <= 0 {
		return rows
	}
	zoneSet := map[int]bool{}
	for _, row := range rows {
		zoneSet[row.ZoneID] = true
	}
	if len(zoneSet) <= c.settings.MaxZones {
		return rows
	}
	zones := make([]int, 0, len(zoneSet))
	for z := range zoneSet {
		zones = append(zones, z)
	}
	sort.Ints(zones)
	keep := map[int]bool{}
	for _, z := range zones[:c.settings.MaxZones] {
		keep[z] = true
	}
	out := rows[:0]
	for _, row := range rows {
		if keep[row.ZoneID] {
			out = append(out, row)
		}
	}
	return out
}

// resolveWindow 未显式给出窗口时由批次推导：最小桶起点到最大桶起点加一个桶宽
func (c *Coordinator) resolveWindow(state *runState, opts RunOptions, rows []domain.ForecastRow) {
	if opts.WindowStart != nil && opts.WindowEnd != nil {
		state.windowStart = opts.WindowStart.UTC()
		state.windowEnd = opts.WindowEnd.UTC()
		return
	}
	minBucket, maxBucket := rows[0].BucketStart, rows[0].BucketStart
	for _, row := range rows[1:] {
		if row.BucketStart.Before(minBucket) {
			minBucket = row.BucketStart
		}
		if row.BucketStart.After(maxBucket) {
			maxBucket = row.BucketStart
		}
	}
	state.windowStart = minBucket.UTC()
	state.windowEnd = maxBucket.Add(bucketWidth).UTC()
}

// computeRaw 拉取基线历史与区域参考数据并计算信号阶段
func (c *Coordinator) computeRaw(
	ctx context.Context,
	state *runState,
	rows []domain.ForecastRow,
	strategy domain.MultiplierStrategy,
	loc *time.Location,
) ([]domain.RawRow, []int, error) {
	lookbackStart := state.windowStart.AddDate(0, 0, -state.bundle.Pricing.BaselineLookbackDays)
	featureVersion := ""
	if len(rows) > 0 {
		featureVersion = rows[0].FeatureVersion
	}

	zoneAvg, err := c.deps.History.ZoneAverages(ctx, lookbackStart, state.windowStart, featureVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("load zone baselines: %w", err)
	}
	boroughAvg, err := c.deps.History.BoroughAverages(ctx, lookbackStart, state.windowStart, featureVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("load borough baselines: %w", err)
	}
	cityAvg, err := c.deps.History.CityAverages(ctx, lookbackStart, state.windowStart, featureVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("load city baselines: %w", err)
	}
	zoneBoroughs, err := c.deps.References.ZoneBoroughs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load zone boroughs: %w", err)
	}
	zoneClasses, err := c.deps.References.ZoneClasses(ctx, state.bundle.Pricing.PolicyVersion, state.windowStart)
	if err != nil {
		return nil, nil, fmt.Errorf("load zone classes: %w", err)
	}

	resolver := domain.NewBaselineResolver(zoneAvg, boroughAvg, cityAvg, zoneBoroughs, state.bundle.Pricing.BaselineMinValue)
	engine := domain.NewMultiplierEngine(&state.bundle.Pricing, strategy, resolver, loc)

	zoneSet := map[int]bool{}
	out := make([]domain.RawRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, engine.ComputeRaw(row, zoneClasses[row.ZoneID]))
		zoneSet[row.ZoneID] = true
	}
	zoneIDs := make([]int, 0, len(zoneSet))
	for z := range zoneSet {
		zoneIDs = append(zoneIDs, z)
	}
	sort.Ints(zoneIDs)
	return out, zoneIDs, nil
}

// publishReadModel 成功落库后的读侧同步与事件广播，均为尽力而为
func (c *Coordinator) publishReadModel(ctx context.Context, logger *slog.Logger, state *runState) {
	if c.deps.Cache != nil {
		if err := c.deps.Cache.SaveLatest(ctx, state.decisions); err != nil {
			logger.Warn("refresh multiplier cache", "error", err)
		}
	}
	if c.deps.Events != nil {
		event := domain.RunCompletedEvent{
			RunID:            state.runID,
			RunKey:           state.runKey,
			PolicyVersion:    state.bundle.Pricing.PolicyVersion,
			ForecastRunID:    state.forecastRunID,
			WindowStart:      state.windowStart,
			WindowEnd:        state.windowEnd,
			RowCount:         state.rowCount,
			ZoneCount:        state.zoneCount,
			CapAppliedCount:  state.capAppliedCount,
			RateLimitedCount: state.rateLimitedCount,
			CompletedAt:      c.now().UTC(),
		}
		if err := c.deps.Events.PublishRunCompleted(ctx, event); err != nil {
			logger.Warn("publish run completed event", "error", err)
		}
	}
}

// finalize 写运行日志与产物并组装结论；任何终态（含失败与跳过）都经过这里
func (c *Coordinator) finalize(ctx context.Context, logger *slog.Logger, state *runState) *RunResult {
	endedAt := c.now().UTC()
	latency := endedAt.Sub(state.startedAt)

	artifactsPath := ""
	if c.artifactsEnabled() && state.status != domain.RunStatusSkippedOverlap {
		writer := NewArtifactWriter(c.settings.ArtifactsDir, c.sampleSize(state))
		runLog := c.buildRunLog(state, endedAt, latency, "")
		path, err := writer.Write(state.runID, state.decisions, runLog)
		if err != nil {
			logger.Warn("write run artifacts", "error", err)
		} else {
			artifactsPath = path
		}
	}

	runLog := c.buildRunLog(state, endedAt, latency, artifactsPath)
	if err := c.deps.RunLogs.Upsert(context.WithoutCancel(ctx), runLog); err != nil {
		logger.Error("persist run log", "error", err)
	}

	c.metrics.ObserveRun(state.status, latency)
	c.metrics.AddRowsWritten(state.rowsWritten)
	c.metrics.AddCapsApplied(state.capAppliedCount)
	c.metrics.AddRateLimited(state.rateLimitedCount)

	result := &RunResult{
		RunID:              state.runID,
		RunKey:             state.runKey,
		Status:             state.status,
		LastStep:           state.lastStep,
		FailureReason:      state.failure,
		ForecastRunID:      state.forecastRunID,
		ZoneCount:          state.zoneCount,
		RowCount:           state.rowCount,
		RowsWritten:        state.rowsWritten,
		CapAppliedCount:    state.capAppliedCount,
		RateLimitedCount:   state.rateLimitedCount,
		LowConfidenceCount: state.lowConfidenceCount,
		CheckSummary:       state.checkSummary,
		ArtifactsPath:      artifactsPath,
		DurationMs:         float64(latency.Milliseconds()),
	}
	if state.bundle != nil {
		result.PolicyVersion = state.bundle.Pricing.PolicyVersion
	}
	if !state.windowStart.IsZero() {
		ws, we := state.windowStart, state.windowEnd
		result.WindowStart, result.WindowEnd = &ws, &we
	}
	return result
}

// upsertRunLog 在管道中段记录 running 状态，崩溃后也能看到挂起的运行
func (c *Coordinator) upsertRunLog(ctx context.Context, state *runState) error {
	return c.deps.RunLogs.Upsert(ctx, c.buildRunLog(state, time.Time{}, 0, ""))
}

func (c *Coordinator) buildRunLog(state *runState, endedAt time.Time, latency time.Duration, artifactsPath string) *domain.PricingRunLog {
	row := &domain.PricingRunLog{
		RunID:              state.runID,
		RunKey:             state.runKey,
		StartedAt:          state.startedAt,
		Status:             state.status,
		FailureReason:      state.failure,
		ForecastRunID:      state.forecastRunID,
		ZoneCount:          state.zoneCount,
		RowCount:           state.rowCount,
		CapAppliedCount:    state.capAppliedCount,
		RateLimitedCount:   state.rateLimitedCount,
		LowConfidenceCount: state.lowConfidenceCount,
		CheckSummary:       state.checkSummary,
		ArtifactsPath:      artifactsPath,
	}
	if !endedAt.IsZero() {
		row.EndedAt = &endedAt
		row.LatencyMs = float64(latency.Milliseconds())
	}
	if state.bundle != nil {
		row.PolicyVersion = state.bundle.Pricing.PolicyVersion
		row.ConfigSnapshot = map[string]any{
			"pricing_policy_version":  state.bundle.Pricing.PolicyVersion,
			"active_method":           state.bundle.MultiplierRules.ActiveMethod,
			"default_floor":           state.bundle.Pricing.DefaultFloorMultiplier,
			"global_cap":              state.bundle.Pricing.GlobalCapMultiplier,
			"max_increase_per_bucket": state.bundle.Pricing.MaxIncreasePerBucket,
			"max_decrease_per_bucket": state.bundle.Pricing.MaxDecreasePerBucket,
			"smoothing_enabled":       state.bundle.Pricing.SmoothingEnabled,
			"strict_checks":           state.bundle.Pricing.StrictChecks,
			"forecast_mode":           c.settings.ForecastMode,
		}
	}
	if !state.windowStart.IsZero() {
		ws, we := state.windowStart, state.windowEnd
		row.TargetBucketStart, row.TargetBucketEnd = &ws, &we
	}
	return row
}

func (c *Coordinator) artifactsEnabled() bool {
	return c.settings.ArtifactsDir != ""
}

func (c *Coordinator) sampleSize(state *runState) int {
	if state.bundle != nil {
		return state.bundle.Pricing.ReportSampleSize
	}
	return 0
}

func countBuckets(rows []domain.RateLimitedRow) int {
	buckets := map[int64]bool{}
	for _, row := range rows {
		buckets[row.BucketStart.UnixNano()] = true
	}
	return len(buckets)
}
