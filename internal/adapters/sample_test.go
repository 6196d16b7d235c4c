package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

var fixedNow = func() time.Time { return time.Date(2024, 10, 2, 9, 30, 0, 0, time.UTC) }

func builtin(t *testing.T, key string) harvest.Adapter {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, nil, nil, fixedNow))
	entry, err := r.Lookup(key)
	require.NoError(t, err)
	return entry.Adapter
}

func TestTransfersMajorFreshHarvest(t *testing.T) {
	t.Parallel()

	result, err := builtin(t, KeyUCTransfersMajor)(context.Background(),
		harvest.Params{"campus": "UC Irvine", "major": "Mathematics", "since": "2024"})
	require.NoError(t, err)

	require.Equal(t, "uc_info_center_transfers_major harvest for UC Irvine Mathematics", result.Dataset.Title)
	require.Equal(t, 2024, result.Dataset.Year)
	require.Equal(t, harvest.CohortTransfer, result.Dataset.Cohort)
	require.Equal(t, "Automated sample from uc_info_center_transfers_major on 2024-10-02.", result.Dataset.Notes)

	want := map[string]float64{
		"applicants": 3200, "admits": 1650, "enrolled": 840,
		"gpa_p25": 3.1, "gpa_p50": 3.52, "gpa_p75": 3.85,
	}
	require.Len(t, result.Metrics, len(want))
	for _, m := range result.Metrics {
		require.Equal(t, harvest.NumericValue(want[m.StatName]), m.Value, m.StatName)
		require.NotEmpty(t, m.Citations)
		require.Equal(t, "https://scholarstack.org/uc_info_center_transfers_major/"+m.StatName, m.Citations[0].SourceURL)
	}
	require.Equal(t, "headcount", result.Metrics[0].Unit)
	require.Equal(t, "GPA", result.Metrics[4].Unit)
	require.Equal(t, "p50", result.Metrics[4].Percentile)
}

func TestFixtureParamOverrides(t *testing.T) {
	t.Parallel()

	result, err := builtin(t, KeyUCSourceSchool)(context.Background(),
		harvest.Params{"source_school": "Diamond Bar High School", "year": "2023", "unknown": "ignored"})
	require.NoError(t, err)
	require.Equal(t, 2023, result.Dataset.Year)
	for _, m := range result.Metrics {
		require.Equal(t, "Diamond Bar High School", m.SourceSchool)
		require.Equal(t, harvest.SchoolTypeHighSchool, m.SchoolType)
	}

	result, err = builtin(t, KeyCSUFreshman)(context.Background(), harvest.Params{"major": "Nursing"})
	require.NoError(t, err)
	require.Equal(t, "Nursing", result.Metrics[0].Discipline)
	require.Empty(t, result.Metrics[0].Major)
}

func TestFixtureTextStatistics(t *testing.T) {
	t.Parallel()

	result, err := builtin(t, KeyCCCCatalog)(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Metrics, 1)
	text, ok := result.Metrics[0].Value.(harvest.TextValue)
	require.True(t, ok)
	require.Contains(t, string(text), "MATH 33")
	require.Empty(t, result.Metrics[0].Unit)
}

func TestFixtureRejectsBadYear(t *testing.T) {
	t.Parallel()

	_, err := builtin(t, KeyCCCCODatamart)(context.Background(), harvest.Params{"since": "last year"})
	require.ErrorContains(t, err, "invalid year")
}

func TestUnitAndPercentile(t *testing.T) {
	t.Parallel()

	require.Equal(t, "percent", unitFor("admit_rate"))
	require.Equal(t, "GPA", unitFor("avg_gpa"))
	require.Equal(t, "headcount", unitFor("transfer_volume"))
	require.Equal(t, "p25", percentileFor("gpa_p25"))
	require.Empty(t, percentileFor("applicants"))
}
