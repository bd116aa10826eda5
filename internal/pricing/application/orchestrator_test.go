package application

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// --- in-memory fakes for the domain ports ---

type fakeForecasts struct {
	latestRunID string
	rows        []domain.ForecastRow
	err         error
}

func (f *fakeForecasts) LatestRunID(context.Context) (string, error) {
	return f.latestRunID, f.err
}

func (f *fakeForecasts) LatestRunIDInWindow(context.Context, time.Time, time.Time) (string, error) {
	return f.latestRunID, f.err
}

func (f *fakeForecasts) RowsByRunID(_ context.Context, runID string) ([]domain.ForecastRow, error) {
	out := make([]domain.ForecastRow, 0, len(f.rows))
	for _, r := range f.rows {
		if r.ForecastRunID == runID {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeForecasts) RowsByWindow(_ context.Context, runID string, start, end time.Time) ([]domain.ForecastRow, error) {
	out := make([]domain.ForecastRow, 0, len(f.rows))
	for _, r := range f.rows {
		if r.ForecastRunID == runID && !r.BucketStart.Before(start) && r.BucketStart.Before(end) {
			out = append(out, r)
		}
	}
	return out, f.err
}

type fakeHistory struct {
	zone    map[domain.ZoneSlotKey]float64
	borough map[domain.BoroughSlotKey]float64
	city    map[domain.SlotKey]float64
}

func (f *fakeHistory) ZoneAverages(context.Context, time.Time, time.Time, string) (map[domain.ZoneSlotKey]float64, error) {
	return f.zone, nil
}

func (f *fakeHistory) BoroughAverages(context.Context, time.Time, time.Time, string) (map[domain.BoroughSlotKey]float64, error) {
	return f.borough, nil
}

func (f *fakeHistory) CityAverages(context.Context, time.Time, time.Time, string) (map[domain.SlotKey]float64, error) {
	return f.city, nil
}

type fakeReferences struct {
	boroughs map[int]string
	classes  map[int]string
}

func (f *fakeReferences) ZoneBoroughs(context.Context) (map[int]string, error) {
	return f.boroughs, nil
}

func (f *fakeReferences) ZoneClasses(context.Context, string, time.Time) (map[int]string, error) {
	return f.classes, nil
}

type fakeDecisions struct {
	previous map[int]float64
	saved    [][]*domain.PricingDecision
	err      error
}

func (f *fakeDecisions) PreviousFinalMultipliers(context.Context, []int, time.Time) (map[int]float64, error) {
	return f.previous, nil
}

func (f *fakeDecisions) UpsertBatch(_ context.Context, decisions []*domain.PricingDecision) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.saved = append(f.saved, decisions)
	return len(decisions), nil
}

type fakeRunLogs struct {
	rows []*domain.PricingRunLog
}

func (f *fakeRunLogs) Upsert(_ context.Context, row *domain.PricingRunLog) error {
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeRunLogs) last() *domain.PricingRunLog {
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[len(f.rows)-1]
}

type fakeSnapshots struct {
	snapshots int
	reference int
}

func (f *fakeSnapshots) SaveSnapshots(context.Context, *domain.PolicyBundle, time.Time) error {
	f.snapshots++
	return nil
}

func (f *fakeSnapshots) UpsertReasonCodeReference(context.Context, *domain.PolicyBundle) (int, error) {
	f.reference++
	return 4, nil
}

type fakeLocker struct {
	held     bool
	acquires int
	releases int
}

func (f *fakeLocker) TryLock(context.Context, int64) (bool, error) {
	f.acquires++
	return !f.held, nil
}

func (f *fakeLocker) Unlock(context.Context, int64) error {
	f.releases++
	return nil
}

type fakeEvents struct {
	published []domain.RunCompletedEvent
}

func (f *fakeEvents) PublishRunCompleted(_ context.Context, event domain.RunCompletedEvent) error {
	f.published = append(f.published, event)
	return nil
}

type fakeCache struct {
	saves int
}

func (f *fakeCache) SaveLatest(context.Context, []*domain.PricingDecision) error {
	f.saves++
	return nil
}

func (f *fakeCache) LatestMultiplier(context.Context, int) (*domain.PricingDecision, error) {
	return nil, nil
}

// --- policy fixtures ---

type policyFixture struct {
	strict bool
}

func writePolicyDir(t *testing.T, fx policyFixture) string {
	t.Helper()
	dir := t.TempDir()

	pricing := fmt.Sprintf(`pricing_policy_version: pr1
run_timezone: UTC
default_floor_multiplier: 1.0
global_cap_multiplier: 2.5
cap_by_zone_class:
  sparse: 1.5
smoothing_enabled: false
smoothing_alpha: 0.7
low_confidence_adjustment:
  enabled: true
  confidence_threshold: 0.4
  dampening_factor: 0.5
  uncertainty_bands: [high]
baseline_lookback_days: 28
baseline_min_value: 0.5
cold_start_multiplier: 1.0
strict_checks: %t
coverage_threshold_pct: 0.95
row_count_tolerance_pct: 0.05
policy_snapshot_enabled: true
report_sample_size: 10
`, fx.strict)

	multiplier := `policy_version: pr1
active_method: demand_ratio_piecewise
high_demand_ratio_threshold: 1.25
methods:
  demand_ratio_piecewise:
    breakpoints:
      - ratio: 0.0
        multiplier: 1.0
      - ratio: 1.0
        multiplier: 1.1
      - ratio: 2.0
        multiplier: 2.0
`

	rateLimit := `policy_version: pr1
max_increase_per_bucket: 0.2
max_decrease_per_bucket: 0.15
`

	reasons := `policy_version: pr1
codes:
  HIGH_DEMAND_RATIO: {category: demand, description: High demand.}
  NORMAL_DEMAND_BASELINE: {category: demand, description: Normal demand.}
  BASELINE_FALLBACK_ZONE: {category: baseline, description: Zone baseline.}
  MISSING_BASELINE_REFERENCE_FALLBACK: {category: baseline, description: No baseline.}
  RATE_LIMIT_INCREASE_CLAMP: {category: guardrail, description: Increase clamp.}
  NO_PREVIOUS_MULTIPLIER_COLD_START: {category: state, description: Cold start.}
priority_order:
  - RATE_LIMIT_INCREASE_CLAMP
  - HIGH_DEMAND_RATIO
  - NORMAL_DEMAND_BASELINE
`

	for name, body := range map[string]string{
		pricingPolicyFile:   pricing,
		multiplierRulesFile: multiplier,
		rateLimitRulesFile:  rateLimit,
		reasonCodesFile:     reasons,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

type harness struct {
	coordinator *Coordinator
	forecasts   *fakeForecasts
	decisions   *fakeDecisions
	runLogs     *fakeRunLogs
	snapshots   *fakeSnapshots
	locker      *fakeLocker
	events      *fakeEvents
	cache       *fakeCache
}

func newHarness(t *testing.T, fx policyFixture) *harness {
	t.Helper()

	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rows := make([]domain.ForecastRow, 0, 4)
	history := &fakeHistory{zone: map[domain.ZoneSlotKey]float64{}}
	for _, zoneID := range []int{1, 2} {
		for b := 0; b < 2; b++ {
			bucket := start.Add(time.Duration(b) * 15 * time.Minute)
			rows = append(rows, domain.ForecastRow{
				ZoneID:          zoneID,
				BucketStart:     bucket,
				YPred:           12,
				ConfidenceScore: 0.9,
				UncertaintyBand: domain.UncertaintyLow,
				FeatureVersion:  "fv1",
				ForecastRunID:   "fr-100",
			})
			history.zone[domain.ZoneSlotKey{ZoneID: zoneID, Slot: domain.SlotOf(bucket, time.UTC)}] = 10
		}
	}

	h := &harness{
		forecasts: &fakeForecasts{latestRunID: "fr-100", rows: rows},
		decisions: &fakeDecisions{previous: map[int]float64{1: 1.0, 2: 1.0}},
		runLogs:   &fakeRunLogs{},
		snapshots: &fakeSnapshots{},
		locker:    &fakeLocker{},
		events:    &fakeEvents{},
		cache:     &fakeCache{},
	}
	settings := Settings{
		PolicyDir:     writePolicyDir(t, fx),
		PolicyVersion: "pr1",
		ForecastMode:  ForecastModeLatestRun,
		ArtifactsDir:  t.TempDir(),
		LockEnabled:   true,
	}
	deps := Dependencies{
		Forecasts:  h.forecasts,
		History:    history,
		References: &fakeReferences{boroughs: map[int]string{1: "Manhattan", 2: "Queens"}, classes: map[int]string{}},
		Decisions:  h.decisions,
		RunLogs:    h.runLogs,
		Snapshots:  h.snapshots,
		Locker:     h.locker,
		Events:     h.events,
		Cache:      h.cache,
	}
	h.coordinator = NewCoordinator(settings, deps, nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return h
}

// --- tests ---

func TestCoordinatorHappyPath(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, result.Status)
	assert.Equal(t, StepSave, result.LastStep)
	assert.Equal(t, 4, result.RowsWritten)
	assert.Equal(t, 2, result.ZoneCount)
	assert.Equal(t, "fr-100", result.ForecastRunID)
	assert.NotEmpty(t, result.RunKey)
	assert.True(t, result.Benign())
	assert.True(t, result.CheckSummary.Passed)

	// ratio 1.2 -> raw 1.28 via interpolation; first bucket clamps to prev+0.2,
	// second bucket fits inside the band
	require.Len(t, h.decisions.saved, 1)
	assert.InDelta(t, 1.2, h.decisions.saved[0][0].FinalMultiplier, 1e-6)
	assert.InDelta(t, 1.28, h.decisions.saved[0][1].FinalMultiplier, 1e-6)

	// side effects: lock released, read model refreshed, event published
	assert.Equal(t, 1, h.locker.acquires)
	assert.Equal(t, 1, h.locker.releases)
	assert.Equal(t, 1, h.cache.saves)
	require.Len(t, h.events.published, 1)
	assert.Equal(t, result.RunKey, h.events.published[0].RunKey)
	assert.Equal(t, 1, h.snapshots.snapshots)

	// terminal run log row
	last := h.runLogs.last()
	require.NotNil(t, last)
	assert.Equal(t, domain.RunStatusSucceeded, last.Status)
	assert.Equal(t, 4, last.RowCount)
	assert.NotNil(t, last.EndedAt)

	// artifact bundle on disk
	for _, name := range []string{"pricing_sample.csv", "guardrail_stats.csv", "reason_code_summary.csv", "run_summary.json"} {
		_, statErr := os.Stat(filepath.Join(result.ArtifactsPath, name))
		assert.NoErrorf(t, statErr, "artifact %s missing", name)
	}
}

func TestCoordinatorRerunSharesRunKey(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})

	first, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	second, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.RunKey, second.RunKey)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestCoordinatorSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	h.locker.held = true

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSkippedOverlap, result.Status)
	assert.True(t, result.Benign())
	assert.Empty(t, h.decisions.saved)
	assert.Equal(t, 0, h.locker.releases)
	require.NotNil(t, h.runLogs.last())
	assert.Equal(t, domain.RunStatusSkippedOverlap, h.runLogs.last().Status)
}

func TestCoordinatorNoForecastData(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	h.forecasts.latestRunID = ""

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceededNoData, result.Status)
	assert.True(t, result.Benign())
	assert.Empty(t, h.decisions.saved)
	assert.Equal(t, 1, h.locker.releases)
}

func TestCoordinatorStopAfterValidate(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})

	result, err := h.coordinator.Run(context.Background(), RunOptions{StopAfterStep: StepValidate})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusValidated, result.Status)
	assert.Equal(t, StepValidate, result.LastStep)
	assert.True(t, result.Benign())
	assert.Empty(t, h.decisions.saved)
	require.NotNil(t, result.CheckSummary)
	assert.True(t, result.CheckSummary.Passed)
}

func TestCoordinatorStopAfterEarlyStep(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})

	result, err := h.coordinator.Run(context.Background(), RunOptions{StopAfterStep: StepApplyCaps})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, result.Status)
	assert.Equal(t, StepApplyCaps, result.LastStep)
	assert.Empty(t, h.decisions.saved)
	assert.Zero(t, result.RowsWritten)
}

func TestCoordinatorUnknownStep(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	_, err := h.coordinator.Run(context.Background(), RunOptions{StopAfterStep: "publish"})
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestCoordinatorQualityGateStrict(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	// Out-of-range confidence trips the confidence_fields hard check.
	for i := range h.forecasts.rows {
		h.forecasts.rows[i].ConfidenceScore = 1.5
	}

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	var gateErr *domain.QualityGateError
	assert.ErrorAs(t, err, &gateErr)

	assert.Equal(t, domain.RunStatusFailed, result.Status)
	assert.False(t, result.Benign())
	assert.Empty(t, h.decisions.saved)
	assert.Equal(t, 1, h.locker.releases)
}

func TestCoordinatorQualityGatePermissive(t *testing.T) {
	h := newHarness(t, policyFixture{strict: false})
	for i := range h.forecasts.rows {
		h.forecasts.rows[i].ConfidenceScore = 1.5
	}

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, result.Status)
	assert.Empty(t, h.decisions.saved)
	require.NotNil(t, result.CheckSummary)
	assert.False(t, result.CheckSummary.Passed)
}

func TestCoordinatorExplicitRunIDRequired(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	h.coordinator.settings.ForecastMode = ForecastModeExplicitRunID

	_, err := h.coordinator.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrForecastRunRequired)
}

func TestCoordinatorMaxZonesLimit(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	h.coordinator.settings.MaxZones = 1

	result, err := h.coordinator.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.ZoneCount)
	require.Len(t, h.decisions.saved, 1)
	for _, d := range h.decisions.saved[0] {
		assert.Equal(t, 1, d.ZoneID)
	}
}

func TestCoordinatorCreatedAtOverride(t *testing.T) {
	h := newHarness(t, policyFixture{strict: true})
	replayAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.coordinator.Run(context.Background(), RunOptions{PricingCreatedAt: &replayAt})
	require.NoError(t, err)

	require.Len(t, h.decisions.saved, 1)
	for _, d := range h.decisions.saved[0] {
		assert.Equal(t, replayAt, d.PricingCreatedAt)
	}
}
