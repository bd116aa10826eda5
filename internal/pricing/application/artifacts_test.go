package application

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

func artifactDecision(zoneID int, final float64, codes ...string) *domain.PricingDecision {
	return &domain.PricingDecision{
		RateLimitedRow: domain.RateLimitedRow{
			CappedRow: domain.CappedRow{
				RawRow: domain.RawRow{
					ForecastRow: domain.ForecastRow{
						ZoneID:      zoneID,
						BucketStart: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
						YPred:       12,
					},
					Baseline: domain.BaselineResult{Value: 10, Level: domain.LevelZone},
				},
			},
			FinalMultiplier: final,
		},
		ReasonCodes:       codes,
		PrimaryReasonCode: codes[0],
	}
}

func TestArtifactWriterBundle(t *testing.T) {
	root := t.TempDir()
	writer := NewArtifactWriter(root, 10)

	decisions := []*domain.PricingDecision{
		artifactDecision(1, 1.2, domain.CodeHighDemandRatio, domain.CodeBaselineFallbackZone),
		artifactDecision(2, 1.0, domain.CodeNormalDemandBaseline),
		artifactDecision(3, 1.1, domain.CodeNormalDemandBaseline),
	}
	runLog := &domain.PricingRunLog{RunID: "run-1", Status: domain.RunStatusSucceeded, RowCount: 3}

	dir, err := writer.Write("run-1", decisions, runLog)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1"), dir)

	f, err := os.Open(filepath.Join(dir, "pricing_sample.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4) // header + 3 rows
	assert.Equal(t, "zone_id", records[0][0])
	assert.Equal(t, "1", records[1][0])

	rf, err := os.Open(filepath.Join(dir, "reason_code_summary.csv"))
	require.NoError(t, err)
	defer rf.Close()
	reasonRecords, err := csv.NewReader(rf).ReadAll()
	require.NoError(t, err)
	// highest count first
	assert.Equal(t, []string{domain.CodeNormalDemandBaseline, "2"}, reasonRecords[1])

	raw, err := os.ReadFile(filepath.Join(dir, "run_summary.json"))
	require.NoError(t, err)
	var decoded domain.PricingRunLog
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, 3, decoded.RowCount)
}

func TestArtifactWriterSampleLimit(t *testing.T) {
	writer := NewArtifactWriter(t.TempDir(), 2)
	decisions := []*domain.PricingDecision{
		artifactDecision(1, 1.0, domain.CodeNormalDemandBaseline),
		artifactDecision(2, 1.0, domain.CodeNormalDemandBaseline),
		artifactDecision(3, 1.0, domain.CodeNormalDemandBaseline),
	}

	dir, err := writer.Write("run-2", decisions, &domain.PricingRunLog{RunID: "run-2"})
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "pricing_sample.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3) // header + sampleSize rows
}
