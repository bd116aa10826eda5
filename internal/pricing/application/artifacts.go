package application

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// ArtifactWriter 把每次运行的审计产物写到 <root>/<run_id>/ 下：
// 决策抽样、守护统计、原因码频次与运行摘要。产物只追加不覆盖历史运行。
type ArtifactWriter struct {
	root       string
	sampleSize int
}

func NewArtifactWriter(root string, sampleSize int) *ArtifactWriter {
	if sampleSize <= 0 {
		sampleSize = 50
	}
	return &ArtifactWriter{root: root, sampleSize: sampleSize}
}

// Write 落盘全部产物并返回运行目录路径
func (w *ArtifactWriter) Write(runID string, decisions []*domain.PricingDecision, runLog *domain.PricingRunLog) (string, error) {
	dir := filepath.Join(w.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}

	if err := w.writeSample(filepath.Join(dir, "pricing_sample.csv"), decisions); err != nil {
		return dir, err
	}
	if err := w.writeGuardrailStats(filepath.Join(dir, "guardrail_stats.csv"), decisions); err != nil {
		return dir, err
	}
	if err := w.writeReasonSummary(filepath.Join(dir, "reason_code_summary.csv"), decisions); err != nil {
		return dir, err
	}
	if err := w.writeRunSummary(filepath.Join(dir, "run_summary.json"), runLog); err != nil {
		return dir, err
	}
	return dir, nil
}

func (w *ArtifactWriter) writeSample(path string, decisions []*domain.PricingDecision) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write pricing sample: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{
		"zone_id", "bucket_start_ts", "y_pred", "baseline_value", "baseline_level",
		"demand_ratio", "raw_multiplier", "pre_cap_multiplier", "post_cap_multiplier",
		"final_multiplier", "cap_applied", "cap_type", "cap_reason",
		"rate_limit_applied", "rate_limit_direction", "cold_start_used",
		"primary_reason_code", "reason_codes",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	limit := w.sampleSize
	if limit > len(decisions) {
		limit = len(decisions)
	}
	for _, d := range decisions[:limit] {
		record := []string{
			strconv.Itoa(d.ZoneID),
			d.BucketStart.UTC().Format(time.RFC3339),
			formatFloat(d.YPred),
			formatFloat(d.Baseline.Value),
			string(d.Baseline.Level),
			formatFloat(d.DemandRatio),
			formatFloat(d.RawMultiplier),
			formatFloat(d.PreCapMultiplier),
			formatFloat(d.PostCapMultiplier),
			formatFloat(d.FinalMultiplier),
			strconv.FormatBool(d.CapApplied),
			string(d.CapType),
			d.CapReason,
			strconv.FormatBool(d.RateLimitApplied),
			string(d.RateLimitDirection),
			strconv.FormatBool(d.ColdStartUsed),
			d.PrimaryReasonCode,
			strings.Join(d.ReasonCodes, ";"),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (w *ArtifactWriter) writeGuardrailStats(path string, decisions []*domain.PricingDecision) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write guardrail stats: %w", err)
	}
	defer f.Close()

	var (
		caps, rateLimited, lowConfidence, coldStarts, fallbacks int
		minFinal, maxFinal, sumFinal                            float64
	)
	zones := map[int]bool{}
	for i, d := range decisions {
		zones[d.ZoneID] = true
		if d.CapApplied {
			caps++
		}
		if d.RateLimitApplied {
			rateLimited++
		}
		if d.LowConfidenceAdjusted {
			lowConfidence++
		}
		if d.ColdStartUsed {
			coldStarts++
		}
		if d.FallbackApplied {
			fallbacks++
		}
		if i == 0 || d.FinalMultiplier < minFinal {
			minFinal = d.FinalMultiplier
		}
		if i == 0 || d.FinalMultiplier > maxFinal {
			maxFinal = d.FinalMultiplier
		}
		sumFinal += d.FinalMultiplier
	}
	meanFinal := 0.0
	if len(decisions) > 0 {
		meanFinal = sumFinal / float64(len(decisions))
	}

	cw := csv.NewWriter(f)
	rows := [][]string{
		{"metric", "value"},
		{"row_count", strconv.Itoa(len(decisions))},
		{"zone_count", strconv.Itoa(len(zones))},
		{"cap_applied_count", strconv.Itoa(caps)},
		{"rate_limited_count", strconv.Itoa(rateLimited)},
		{"low_confidence_count", strconv.Itoa(lowConfidence)},
		{"cold_start_count", strconv.Itoa(coldStarts)},
		{"fallback_count", strconv.Itoa(fallbacks)},
		{"final_multiplier_min", formatFloat(minFinal)},
		{"final_multiplier_max", formatFloat(maxFinal)},
		{"final_multiplier_mean", formatFloat(meanFinal)},
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func (w *ArtifactWriter) writeReasonSummary(path string, decisions []*domain.PricingDecision) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write reason code summary: %w", err)
	}
	defer f.Close()

	counts := map[string]int{}
	for _, d := range decisions {
		for _, code := range d.ReasonCodes {
			counts[code]++
		}
	}
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	// 频次降序，同频按码名字典序，保证产物可复现
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"reason_code", "count"}); err != nil {
		return err
	}
	for _, code := range codes {
		if err := cw.Write([]string{code, strconv.Itoa(counts[code])}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (w *ArtifactWriter) writeRunSummary(path string, runLog *domain.PricingRunLog) error {
	raw, err := json.MarshalIndent(runLog, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
