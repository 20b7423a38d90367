package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/random"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type NewJournalFunc func() store.Journal

func TestJournal(t *testing.T) {
	var dir string

	for _, tc := range []struct {
		Setup    NewJournalFunc
		TearDown func()
		Name     string
	}{
		{
			Name: "Memory",
			Setup: func() store.Journal {
				return store.NewMemoryJournal(store.JournalConfig{})
			},
			TearDown: func() {},
		},
		{
			Name: "BoltDB",
			Setup: func() store.Journal {
				dir = random.String("test-data-", 10)
				if err := os.Mkdir(dir, 0777); err != nil {
					panic(err)
				}
				return store.NewBoltJournal(store.JournalConfig{
					StorageDir: dir,
				})
			},
			TearDown: func() {
				if err := os.RemoveAll(dir); err != nil {
					panic(err)
				}
			},
		},
		{
			Name: "Badger",
			Setup: func() store.Journal {
				dir = random.String("test-data-", 10)
				if err := os.Mkdir(dir, 0777); err != nil {
					panic(err)
				}
				return store.NewBadgerJournal(store.JournalConfig{
					StorageDir: dir,
				})
			},
			TearDown: func() {
				if err := os.RemoveAll(dir); err != nil {
					panic(err)
				}
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			testJournal(t, tc.Setup, tc.TearDown)
		})
	}
}

func testJournal(t *testing.T, setup NewJournalFunc, tearDown func()) {
	j := setup()
	defer func() {
		_ = j.Close(context.Background())
		tearDown()
	}()

	t.Run("GapRoundTrip", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec := types.GapRecord{
			Kind:        types.GapMissingNotes,
			GapCount:    7,
			TotalCount:  250,
			GapPercent:  types.Percent(7, 250),
			Details:     "window 2026-08-14..2026-08-21, downstream behind",
			WindowStart: time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
			WindowEnd:   time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		}
		require.NoError(t, j.AppendGap(ctx, &rec))
		require.NotEmpty(t, rec.ID)
		require.False(t, rec.CreatedAt.IsZero())

		var reads []types.GapRecord
		require.NoError(t, j.ListGaps(ctx, &reads, store.ListOptions{}))
		require.Len(t, reads, 1)

		assert.Equal(t, rec.ID, reads[0].ID)
		assert.Equal(t, types.GapMissingNotes, reads[0].Kind)
		assert.Equal(t, 7, reads[0].GapCount)
		assert.Equal(t, 250, reads[0].TotalCount)
		assert.Equal(t, 2.8, reads[0].GapPercent)
		assert.Equal(t, rec.Details, reads[0].Details)
		assert.False(t, reads[0].Processed)
		assert.Equal(t, 0, reads[0].WindowStart.Compare(rec.WindowStart))
		assert.Equal(t, 0, reads[0].WindowEnd.Compare(rec.WindowEnd))
	})

	t.Run("MarkProcessed", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec := types.GapRecord{Kind: types.GapMissingComments, GapCount: 1, TotalCount: 10}
		require.NoError(t, j.AppendGap(ctx, &rec))
		require.NoError(t, j.MarkProcessed(ctx, rec.ID))

		var unprocessed []types.GapRecord
		require.NoError(t, j.ListGaps(ctx, &unprocessed, store.ListOptions{OnlyUnprocessed: true}))
		for _, got := range unprocessed {
			assert.NotEqual(t, rec.ID, got.ID)
		}

		err := j.MarkProcessed(ctx, "2a7CqjBnRzhE(no such record)")
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrGapNotExist))
	})

	t.Run("ListOrderAndLimit", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var ids []string
		for i := 0; i < 5; i++ {
			rec := types.GapRecord{Kind: types.GapMissingBoundaries, GapCount: i + 1, TotalCount: 100}
			require.NoError(t, j.AppendGap(ctx, &rec))
			ids = append(ids, rec.ID)
		}

		var reads []types.GapRecord
		require.NoError(t, j.ListGaps(ctx, &reads, store.ListOptions{Limit: 3}))
		require.Len(t, reads, 3)

		// Records come back in append order; ksuid keys sort by time.
		var all []types.GapRecord
		require.NoError(t, j.ListGaps(ctx, &all, store.ListOptions{}))
		var boundaries []string
		for _, rec := range all {
			if rec.Kind == types.GapMissingBoundaries {
				boundaries = append(boundaries, rec.ID)
			}
		}
		assert.Equal(t, ids, boundaries)
	})

	t.Run("JobOutcomesPerRun", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		runA := "2a7Cqjrun00000000000000000A"
		runB := "2a7Cqjrun00000000000000000B"

		for _, out := range []types.JobOutcome{
			{RunID: runA, JobID: "62149", Phase: types.PhaseDownloaded, Success: true, Elapsed: 1200 * clock.Millisecond},
			{RunID: runA, JobID: "62384", Phase: types.PhaseDownloaded, Success: false, Error: "attempt budget exhausted"},
			{RunID: runB, JobID: "62149", Phase: types.PhaseImported, Success: true},
		} {
			out := out
			require.NoError(t, j.RecordJob(ctx, &out))
		}

		var outs []types.JobOutcome
		require.NoError(t, j.ListJobs(ctx, &outs, runA))
		require.Len(t, outs, 2)
		assert.Equal(t, "62149", outs[0].JobID)
		assert.True(t, outs[0].Success)
		assert.Equal(t, "62384", outs[1].JobID)
		assert.False(t, outs[1].Success)
		assert.Contains(t, outs[1].Error, "exhausted")

		outs = outs[:0]
		require.NoError(t, j.ListJobs(ctx, &outs, runB))
		require.Len(t, outs, 1)
		assert.Equal(t, types.PhaseImported, outs[0].Phase)
	})
}

func TestOpenJournal(t *testing.T) {
	j, err := store.OpenJournal("memory", nil, nil)
	require.NoError(t, err)
	_, ok := j.(*store.MemoryJournal)
	assert.True(t, ok)

	dir := t.TempDir()
	j, err = store.OpenJournal("bolt:"+dir, nil, nil)
	require.NoError(t, err)
	_, ok = j.(*store.BoltJournal)
	assert.True(t, ok)
	require.NoError(t, j.Close(context.Background()))

	_, err = store.OpenJournal("bolt", nil, nil)
	require.Error(t, err)

	_, err = store.OpenJournal("cassandra:keyspace", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestValidIdentifier(t *testing.T) {
	require.NoError(t, store.ValidIdentifier("osm"))
	require.NoError(t, store.ValidIdentifier("osm_import_2026"))

	for _, bad := range []string{"", " ", "Osm", "1osm", `pub";DROP TABLE notes;--`, "a-b"} {
		assert.Error(t, store.ValidIdentifier(bad), "%q should be rejected", bad)
	}
}

func TestValidOSMID(t *testing.T) {
	require.NoError(t, store.ValidOSMID("62149"))

	for _, bad := range []string{"", "0", "-4", "62149; DROP", "relation"} {
		assert.Error(t, store.ValidOSMID(bad), "%q should be rejected", bad)
	}
}
