package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

func ptr[T any](v T) *T { return &v }

func TestStoreUpsertsAreIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	var firstMetric int64
	for i := 0; i < 2; i++ {
		err := store.InTx(ctx, func(tx harvest.HarvestTx) error {
			srcID, err := tx.UpsertSource(ctx, harvest.SourceConfig{Name: "IPEDS", BaseURL: "https://nces.ed.gov/ipeds/"})
			require.NoError(t, err)
			dsID, inserted, err := tx.UpsertDataset(ctx, harvest.Dataset{SourceID: srcID, Title: "IPEDS Completions", Year: 2023, Term: "Academic Year", Cohort: harvest.CohortFreshman})
			require.NoError(t, err)
			require.Equal(t, i == 0, inserted)
			mID, inserted, err := tx.UpsertMetric(ctx, harvest.Metric{DatasetID: dsID, Campus: "UC Irvine", StatName: "completions", Year: 2023, Term: "Academic Year", StatValueNumeric: ptr(float64(9400 + i))})
			require.NoError(t, err)
			require.Equal(t, i == 0, inserted)
			if i == 0 {
				firstMetric = mID
			}
			require.Equal(t, firstMetric, mID)
			_, added, err := tx.UpsertCitation(ctx, harvest.Citation{MetricID: mID, Title: "IPEDS Completions", SourceURL: "https://nces.ed.gov/ipeds/"})
			require.NoError(t, err)
			require.Equal(t, i == 0, added)
			return nil
		})
		require.NoError(t, err)
	}

	datasets := store.Datasets()
	require.Len(t, datasets, 1)
	metrics := store.Metrics(datasets[0].ID)
	require.Len(t, metrics, 1)
	require.InDelta(t, 9401, *metrics[0].StatValueNumeric, 0)
	require.Len(t, store.Citations(metrics[0].ID), 1)
}

func TestStoreRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx harvest.HarvestTx) error {
		_, _, err := tx.UpsertDataset(ctx, harvest.Dataset{Title: "partial", Year: 2024, Term: "Fall", Cohort: harvest.CohortTransfer})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.Datasets())
	_, ok := store.SourceID("anything")
	require.False(t, ok)
}

func TestStoreRunLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	started := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)

	run, err := store.CreateRun(ctx, "ipeds", started)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusRunning, run.Status)

	_, err = store.FinishRun(ctx, harvest.RunLog{ID: run.ID, Status: harvest.RunStatusRunning})
	require.Error(t, err)

	finished := started.Add(time.Minute)
	done, err := store.FinishRun(ctx, harvest.RunLog{ID: run.ID, Status: harvest.RunStatusCompleted, NewRecords: 6, FinishedAt: &finished, Warnings: []string{"w"}})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, done.Status)
	require.Equal(t, finished, *done.FinishedAt)

	again, err := store.FinishRun(ctx, harvest.RunLog{ID: run.ID, Status: harvest.RunStatusFailed, Message: "late"})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, again.Status, "terminal runs are never mutated")
	require.Empty(t, again.Message)

	_, err = store.GetRun(ctx, 999)
	require.ErrorIs(t, err, harvest.ErrNotFound)

	_, err = store.CreateRun(ctx, "uc_info_center_transfers_major", started)
	require.NoError(t, err)
	runs, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "uc_info_center_transfers_major", runs[0].Adapter)
	runs, err = store.ListRuns(ctx, "ipeds", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
