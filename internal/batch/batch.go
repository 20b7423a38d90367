// Package batch fans one job function out over an id list with a
// bounded worker pool, then classifies every id into success or failure
// lists. A batch with survivors is still a useful batch; only a batch
// where nothing survived is a failure.
package batch

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/natefinch/atomic"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/types"
	"golang.org/x/sync/errgroup"
)

// JobFunc performs the work for one id. The batch runner owns retry
// budgets indirectly; the function is expected to wrap its work in
// remote.Do and return only the final verdict.
type JobFunc func(ctx context.Context, id string) error

type Config struct {
	// RunDir receives the classification files for this pass.
	RunDir string
	// MaxWorkers caps concurrent jobs during RunBatch. Sequential
	// imports ignore it.
	MaxWorkers int
	// RunID tags journal outcomes with the pipeline run.
	RunID string
	// Journal, when set, receives one outcome per finished job.
	Journal store.Journal
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

type Runner struct {
	conf Config
}

func NewRunner(conf Config) *Runner {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.MaxWorkers, 4)
	return &Runner{conf: conf}
}

// RunBatch reads the id list and runs fn for every id with up to
// MaxWorkers in flight. Every id runs to completion regardless of other
// failures. The returned error is non nil only when the batch as a
// whole failed: an unreadable or empty list, every job failing, or the
// classification files not landing. A partial batch returns a nil error
// with Status BatchPartial.
func (r *Runner) RunBatch(ctx context.Context, listPath string, fn JobFunc) (types.BatchResult, error) {
	var result types.BatchResult

	ids, err := ReadIDList(listPath)
	if err != nil {
		result.Status = types.BatchFailed
		return result, err
	}
	if len(ids) == 0 {
		// Refuse before any worker starts; an empty list means the
		// upstream fetch failed, not that there is no work.
		result.Status = types.BatchFailed
		return result, errors.Errorf("id list '%s' is empty", listPath)
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(r.conf.MaxWorkers)

	for _, id := range ids {
		id := id
		eg.Go(func() error {
			err := r.runJob(ctx, id, types.PhaseDownloaded, fn)
			mu.Lock()
			if err == nil {
				result.Succeeded = append(result.Succeeded, id)
			} else {
				result.Failed = append(result.Failed, id)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	result.Classify()
	if err := r.writeClassification("download", result); err != nil {
		return result, err
	}

	r.conf.Log.LogAttrs(ctx, slog.LevelInfo, "batch finished",
		slog.String("status", result.Status.String()),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)))

	if result.Status == types.BatchFailed {
		return result, errors.Errorf("all %d jobs in '%s' failed", len(ids), listPath)
	}
	return result, nil
}

// ImportSequential runs fn for every id in the download success list,
// strictly one at a time in list order. Interleaving imports would have
// them fighting over the same database tables for no throughput gain.
func (r *Runner) ImportSequential(ctx context.Context, successPath string, fn JobFunc) (types.BatchResult, error) {
	var result types.BatchResult

	ids, err := ReadIDList(successPath)
	if err != nil {
		result.Status = types.BatchFailed
		return result, err
	}
	if len(ids) == 0 {
		result.Status = types.BatchFailed
		return result, errors.Errorf("download success list '%s' is empty; nothing to import", successPath)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Classify()
			return result, err
		}
		if err := r.runJob(ctx, id, types.PhaseImported, fn); err == nil {
			result.Succeeded = append(result.Succeeded, id)
		} else {
			result.Failed = append(result.Failed, id)
		}
	}

	result.Classify()
	if err := r.writeClassification("import", result); err != nil {
		return result, err
	}

	if result.Status == types.BatchFailed {
		return result, errors.Errorf("all %d imports from '%s' failed", len(ids), successPath)
	}
	return result, nil
}

// runJob times one job, logs the verdict and journals the outcome.
func (r *Runner) runJob(ctx context.Context, id string, phase types.JobPhase, fn JobFunc) error {
	started := r.conf.Clock.Now().UTC()
	err := fn(ctx, id)

	outcome := types.JobOutcome{
		RunID:   r.conf.RunID,
		JobID:   id,
		Phase:   phase,
		Success: err == nil,
		Elapsed: r.conf.Clock.Now().UTC().Sub(started),
	}
	if err != nil {
		outcome.Error = err.Error()
		r.conf.Log.LogAttrs(ctx, slog.LevelWarn, "job failed",
			slog.String("id", id),
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()))
	}

	if r.conf.Journal != nil {
		if jErr := r.conf.Journal.RecordJob(ctx, &outcome); jErr != nil {
			r.conf.Log.Warn("unable to journal job outcome", "id", id, "error", jErr)
		}
	}
	return err
}

// writeClassification lands "<phase>-success" and "<phase>-failed" in
// the run dir. Both files are written even when empty so downstream
// readers can tell "no failures" from "batch never ran". Single atomic
// write per file, no append churn from racing workers.
func (r *Runner) writeClassification(phase string, result types.BatchResult) error {
	if err := os.MkdirAll(r.conf.RunDir, 0o755); err != nil {
		return errors.Errorf("while creating run dir '%s': %w", r.conf.RunDir, err)
	}
	for name, ids := range map[string][]string{
		phase + "-success": result.Succeeded,
		phase + "-failed":  result.Failed,
	} {
		path := filepath.Join(r.conf.RunDir, name)
		if err := atomic.WriteFile(path, strings.NewReader(joinLines(ids))); err != nil {
			return errors.Errorf("while writing classification '%s': %w", path, err)
		}
	}
	return nil
}

func joinLines(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return strings.Join(ids, "\n") + "\n"
}

// ReadIDList reads one id per line, skipping blanks and '#' comments.
// A missing file is an error; the caller decides whether that is fatal.
func ReadIDList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("while opening id list '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Errorf("while reading id list '%s': %w", path, err)
	}
	return ids, nil
}
