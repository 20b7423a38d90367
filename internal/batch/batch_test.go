package batch_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/osmsync/osmsync/internal/batch"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeList(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	if len(buf) == 0 {
		return nil
	}
	return strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
}

func TestRunBatchPartialTolerance(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	list := writeList(t, dir, "boundaries.list", "62149\n62384\n62401\n")
	journal := store.NewMemoryJournal(store.JournalConfig{})

	r := batch.NewRunner(batch.Config{
		RunDir:     dir,
		MaxWorkers: 3,
		RunID:      "run-partial",
		Journal:    journal,
	})

	result, err := r.RunBatch(context.Background(), list, func(ctx context.Context, id string) error {
		if id == "62384" {
			return errors.New("'https://overpass/62384' returned status 503")
		}
		return nil
	})

	// One casualty does not fail the batch.
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartial, result.Status)
	assert.Equal(t, "success-with-failures", result.Status.String())
	assert.ElementsMatch(t, []string{"62149", "62401"}, result.Succeeded)
	assert.Equal(t, []string{"62384"}, result.Failed)

	assert.ElementsMatch(t, []string{"62149", "62401"},
		readLines(t, filepath.Join(dir, "download-success")))
	assert.Equal(t, []string{"62384"},
		readLines(t, filepath.Join(dir, "download-failed")))

	var outs []types.JobOutcome
	require.NoError(t, journal.ListJobs(context.Background(), &outs, "run-partial"))
	require.Len(t, outs, 3)
	for _, out := range outs {
		assert.Equal(t, types.PhaseDownloaded, out.Phase)
		if out.JobID == "62384" {
			assert.False(t, out.Success)
			assert.Contains(t, out.Error, "503")
		} else {
			assert.True(t, out.Success)
		}
	}
}

func TestRunBatchAllFail(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	list := writeList(t, dir, "ids.list", "1\n2\n")
	r := batch.NewRunner(batch.Config{RunDir: dir, MaxWorkers: 2})

	result, err := r.RunBatch(context.Background(), list, func(ctx context.Context, id string) error {
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, types.BatchFailed, result.Status)
	assert.Equal(t, "failure", result.Status.String())

	// The success file still lands, empty, so readers can tell "no
	// survivors" from "batch never ran".
	assert.Empty(t, readLines(t, filepath.Join(dir, "download-success")))
	assert.ElementsMatch(t, []string{"1", "2"},
		readLines(t, filepath.Join(dir, "download-failed")))
}

func TestRunBatchEmptyList(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	list := writeList(t, dir, "ids.list", "# nothing survived the fetch\n\n")
	r := batch.NewRunner(batch.Config{RunDir: dir})

	var calls atomic.Int64
	result, err := r.RunBatch(context.Background(), list, func(ctx context.Context, id string) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
	assert.Equal(t, types.BatchFailed, result.Status)

	// Refused before any worker started.
	assert.Equal(t, int64(0), calls.Load())
}

func TestRunBatchMissingList(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := batch.NewRunner(batch.Config{RunDir: t.TempDir()})
	_, err := r.RunBatch(context.Background(), "/no/such/list", func(ctx context.Context, id string) error {
		return nil
	})
	require.Error(t, err)
}

func TestRunBatchWorkerLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	list := writeList(t, dir, "ids.list", "1\n2\n3\n4\n5\n6\n7\n8\n")
	r := batch.NewRunner(batch.Config{RunDir: dir, MaxWorkers: 2})

	var inflight, highWater atomic.Int64
	_, err := r.RunBatch(context.Background(), list, func(ctx context.Context, id string) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			high := highWater.Load()
			if n <= high || highWater.CompareAndSwap(high, n) {
				break
			}
		}
		time.Sleep(5 * clock.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, highWater.Load(), int64(2))
}

func TestImportSequential(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	success := writeList(t, dir, "download-success", "62149\n62384\n62401\n62500\n")
	r := batch.NewRunner(batch.Config{RunDir: dir, MaxWorkers: 8})

	var mu sync.Mutex
	var order []string
	var inflight atomic.Int64

	result, err := r.ImportSequential(context.Background(), success, func(ctx context.Context, id string) error {
		require.Equal(t, int64(1), inflight.Add(1), "imports must never overlap")
		defer inflight.Add(-1)
		time.Sleep(2 * clock.Millisecond)

		mu.Lock()
		order = append(order, id)
		mu.Unlock()

		if id == "62401" {
			return errors.New("ERROR:  deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, types.BatchPartial, result.Status)
	assert.Equal(t, []string{"62149", "62384", "62500"}, result.Succeeded)
	assert.Equal(t, []string{"62401"}, result.Failed)

	// Sequential means list order, not completion order.
	assert.Equal(t, []string{"62149", "62384", "62401", "62500"}, order)

	assert.Equal(t, []string{"62149", "62384", "62500"},
		readLines(t, filepath.Join(dir, "import-success")))
	assert.Equal(t, []string{"62401"},
		readLines(t, filepath.Join(dir, "import-failed")))
}

func TestImportSequentialEmptySuccessList(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	success := writeList(t, dir, "download-success", "")
	r := batch.NewRunner(batch.Config{RunDir: dir})

	_, err := r.ImportSequential(context.Background(), success, func(ctx context.Context, id string) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to import")
}

func TestReadIDList(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, "ids.list", "# boundary relations\n\n62149\n   62384\t\n#62000\n")

	ids, err := batch.ReadIDList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"62149", "62384"}, ids)
}
