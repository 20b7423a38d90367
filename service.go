// Package osmsync orchestrates OpenStreetMap boundary and notes
// ingestion: many workers download from rate limited public APIs,
// convert and validate the payloads, and import them into a spatial
// database. Several osmsync processes may run against the same work
// directory at once, so all admission control lives on the shared
// filesystem; see internal/coord.
package osmsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/natefinch/atomic"
	"github.com/osmsync/osmsync/internal/batch"
	"github.com/osmsync/osmsync/internal/convert"
	"github.com/osmsync/osmsync/internal/coord"
	"github.com/osmsync/osmsync/internal/gaps"
	"github.com/osmsync/osmsync/internal/overpass"
	"github.com/osmsync/osmsync/internal/remote"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/telemetry"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/segmentio/ksuid"
	"log/slog"
)

// Queue classes sharing one work directory. Each class has its own
// namespace, limit and admission discipline.
const (
	// QueueOverpass is ticketed FIFO admission, throttled by the
	// Overpass status endpoint.
	QueueOverpass = "overpass"
	// QueueOSMAPI is ticketed FIFO admission for the OSM API.
	QueueOSMAPI = "osmapi"
	// QueueHTTP is unordered slot admission for plain fetches.
	QueueHTTP = "http"
	// QueueDB is unordered slot admission for database statements.
	QueueDB = "db"
)

// Importer is the database surface the pipeline needs. *store.Postgres
// implements it; tests substitute fakes.
type Importer interface {
	ImportBoundaries(ctx context.Context, path string) (int, error)
	ImportNotes(ctx context.Context, path string) (int, error)
	CountBoundaries(ctx context.Context, since, until clock.Time) (int, error)
	CountNotes(ctx context.Context, since, until clock.Time) (int, error)
	CountComments(ctx context.Context, since, until clock.Time) (int, error)
	Close(ctx context.Context) error
}

type Config struct {
	// WorkDir is the coordination root shared by every osmsync process
	// on this host. Queue namespaces and run directories live under it.
	WorkDir string

	// OverpassURL is the interpreter endpoint boundary queries are sent to.
	OverpassURL string
	// OverpassStatusURL is the slot status endpoint consulted before
	// ticket admission. Empty disables the throttle.
	OverpassStatusURL string
	// OSMAPIURL is the OSM API base url, used for the notes window fetch.
	OSMAPIURL string
	// GeoServerURL is the GeoServer REST root. When set, a catalog
	// reload is posted after a successful import pass.
	GeoServerURL      string
	GeoServerUser     string
	GeoServerPassword string

	// Journal persists gap records and job outcomes across runs.
	// Defaults to an in-memory journal.
	Journal store.Journal
	// DB is the import target.
	DB Importer
	// Runner executes maintenance statements. Defaults to the native
	// pgx runner when DB is a *store.Postgres.
	Runner remote.StatementRunner

	// OverpassLimit through DBLimit cap concurrent admissions per queue
	// class, across every process sharing WorkDir.
	OverpassLimit int
	OSMAPILimit   int
	HTTPLimit     int
	DBLimit       int

	// MaxWorkers caps download concurrency inside this process.
	MaxWorkers int
	// Attempts is the total attempt budget per remote operation.
	Attempts int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay clock.Duration
	// AdmitTimeout bounds how long one admission may wait before it is
	// given up as a normal retryable failure.
	AdmitTimeout clock.Duration
	// PollInterval is how often waiters re-check for admission.
	PollInterval clock.Duration
	// GapWindowDays is the trailing window scanned for coverage gaps.
	GapWindowDays int
	// GapMaxAge bounds which unprocessed gap records recovery retries.
	GapMaxAge clock.Duration

	// Metrics, when set, receives pipeline telemetry.
	Metrics *telemetry.Metrics
	// Client is the http client used for list fetches, the OSM API and
	// GeoServer.
	Client *http.Client
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// Pipeline wires the queues, the retry engine and the storage layers
// into the two ingestion runs. One Pipeline is safe for concurrent use;
// every run gets its own directory and run id.
type Pipeline struct {
	conf     Config
	overpass *overpass.Client
	queues   map[string]*coord.TicketQueue
	sems     map[string]*coord.Semaphore
	gates    map[string]remote.Gate
}

func NewPipeline(conf Config) (*Pipeline, error) {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.Client, http.DefaultClient)
	set.Default(&conf.MaxWorkers, 4)
	set.Default(&conf.Attempts, 3)
	set.Default(&conf.RetryDelay, 2*clock.Second)
	set.Default(&conf.AdmitTimeout, 2*clock.Minute)
	set.Default(&conf.PollInterval, clock.Second)
	set.Default(&conf.OverpassLimit, 2)
	set.Default(&conf.OSMAPILimit, 2)
	set.Default(&conf.HTTPLimit, 4)
	set.Default(&conf.DBLimit, 2)
	set.Default(&conf.GapWindowDays, 7)
	set.Default(&conf.GapMaxAge, 30*24*clock.Hour)

	if conf.WorkDir == "" {
		return nil, errors.New("Config.WorkDir cannot be empty")
	}
	if conf.Journal == nil {
		// Embedded pipelines get an in-memory journal; gap records then
		// live only as long as the process.
		conf.Journal = store.NewMemoryJournal(store.JournalConfig{
			Clock: conf.Clock,
			Log:   conf.Log,
		})
	}
	if err := os.MkdirAll(filepath.Join(conf.WorkDir, "runs"), 0o755); err != nil {
		return nil, errors.Errorf("while creating work dir '%s': %w", conf.WorkDir, err)
	}
	if pg, ok := conf.DB.(*store.Postgres); ok && conf.Runner == nil {
		conf.Runner = pg.Runner()
	}

	p := &Pipeline{
		conf:   conf,
		queues: make(map[string]*coord.TicketQueue, 2),
		sems:   make(map[string]*coord.Semaphore, 2),
		gates:  make(map[string]remote.Gate, 4),
	}
	p.overpass = overpass.NewClient(overpass.ClientConfig{
		StatusURL:      conf.OverpassStatusURL,
		InterpreterURL: conf.OverpassURL,
		Client:         conf.Client,
		Clock:          conf.Clock,
		Log:            conf.Log,
	})

	var err error
	if p.queues[QueueOverpass], err = coord.NewTicketQueue(coord.TicketQueueConfig{
		Dir:          p.queueDir(QueueOverpass),
		Limit:        conf.OverpassLimit,
		PollInterval: conf.PollInterval,
		Throttle:     p.overpass,
		Clock:        conf.Clock,
		Log:          conf.Log,
	}); err != nil {
		return nil, err
	}
	if p.queues[QueueOSMAPI], err = coord.NewTicketQueue(coord.TicketQueueConfig{
		Dir:          p.queueDir(QueueOSMAPI),
		Limit:        conf.OSMAPILimit,
		PollInterval: conf.PollInterval,
		Clock:        conf.Clock,
		Log:          conf.Log,
	}); err != nil {
		return nil, err
	}
	if p.sems[QueueHTTP], err = coord.NewSemaphore(coord.SemaphoreConfig{
		Dir:          p.queueDir(QueueHTTP),
		Limit:        conf.HTTPLimit,
		PollInterval: conf.PollInterval,
		Clock:        conf.Clock,
		Log:          conf.Log,
	}); err != nil {
		return nil, err
	}
	if p.sems[QueueDB], err = coord.NewSemaphore(coord.SemaphoreConfig{
		Dir:          p.queueDir(QueueDB),
		Limit:        conf.DBLimit,
		PollInterval: conf.PollInterval,
		Clock:        conf.Clock,
		Log:          conf.Log,
	}); err != nil {
		return nil, err
	}

	p.gates[QueueOverpass] = conf.Metrics.InstrumentGate(QueueOverpass, &remote.TurnGate{
		Queue:    p.queues[QueueOverpass],
		Patience: conf.AdmitTimeout,
	})
	p.gates[QueueOSMAPI] = conf.Metrics.InstrumentGate(QueueOSMAPI, &remote.TurnGate{
		Queue:    p.queues[QueueOSMAPI],
		Patience: conf.AdmitTimeout,
	})
	p.gates[QueueHTTP] = conf.Metrics.InstrumentGate(QueueHTTP, &remote.SlotGate{
		Semaphore:       p.sems[QueueHTTP],
		MaxWaitAttempts: p.admitAttempts(),
	})
	p.gates[QueueDB] = conf.Metrics.InstrumentGate(QueueDB, &remote.SlotGate{
		Semaphore:       p.sems[QueueDB],
		MaxWaitAttempts: p.admitAttempts(),
	})
	return p, nil
}

// BoundariesRequest drives one boundary ingestion run.
type BoundariesRequest struct {
	// ListURL is fetched to obtain the relation id list.
	ListURL string
	// ListPath reads the id list from a local file instead.
	ListPath string
	// Kind tags the run; KindBoundary by default. Maritime lists run
	// through the same machinery under their own tag.
	Kind types.JobKind
}

// NotesRequest drives one notes ingestion run.
type NotesRequest struct {
	// WindowDays is the trailing window of note activity to ingest.
	WindowDays int
}

// RunReport summarizes one pipeline run for callers and the CLI.
type RunReport struct {
	Run    types.RunInfo
	RunDir string
	// Download and Import carry the per-phase verdicts.
	Download types.BatchResult
	Import   types.BatchResult
	// Imported is the item count the database accepted.
	Imported int
	// Published reports whether the GeoServer reload was confirmed.
	Published bool
	// Gaps holds the coverage gaps detected at the end of the run.
	Gaps []types.GapRecord
	// Recovery summarizes the gap recovery pass that opened the run.
	Recovery gaps.RecoveryStats
	Elapsed  clock.Duration
}

// RunBoundaries ingests one boundary id list: recovery pass, list
// staging, parallel download and convert, sequential import, then gap
// detection. A batch with survivors is a success; the error is non nil
// only when nothing survived a phase or a phase could not start.
func (p *Pipeline) RunBoundaries(ctx context.Context, req BoundariesRequest) (*RunReport, error) {
	if err := p.validateBoundariesRequest(&req); err != nil {
		return nil, err
	}
	if p.conf.DB == nil {
		return nil, errors.New("Config.DB is required to import boundaries")
	}
	run, dir, err := p.newRun(req.Kind)
	if err != nil {
		return nil, err
	}
	report := &RunReport{Run: run, RunDir: dir}
	defer func() { report.Elapsed = p.conf.Clock.Now().UTC().Sub(run.StartedAt) }()
	log := p.conf.Log.With("run", run.ID)
	log.Info("boundary run starting", "kind", string(run.Kind))

	// Recovery first, detection last. A failed recovery never changes
	// the fate of the run that attempted it.
	report.Recovery = p.recoveryPass(ctx, log)

	listPath := filepath.Join(dir, "boundaries.list")
	if err := p.stageList(ctx, req, listPath); err != nil {
		return report, err
	}
	ids, err := batch.ReadIDList(listPath)
	if err != nil {
		return report, err
	}

	payloads := filepath.Join(dir, "payloads")
	if err := os.MkdirAll(payloads, 0o755); err != nil {
		return report, errors.Errorf("while creating payload dir '%s': %w", payloads, err)
	}

	runner := batch.NewRunner(batch.Config{
		RunDir:     dir,
		MaxWorkers: p.conf.MaxWorkers,
		RunID:      run.ID,
		Journal:    p.conf.Journal,
		Clock:      p.conf.Clock,
		Log:        log,
	})

	report.Download, err = runner.RunBatch(ctx, listPath, p.boundaryDownloadJob(payloads))
	p.conf.Metrics.AddJobs("download", len(report.Download.Succeeded), len(report.Download.Failed))
	if err != nil {
		return report, err
	}

	report.Import, err = runner.ImportSequential(ctx, filepath.Join(dir, "download-success"),
		p.boundaryImportJob(payloads, &report.Imported))
	p.conf.Metrics.AddJobs("import", len(report.Import.Succeeded), len(report.Import.Failed))
	if err != nil {
		return report, err
	}

	p.maintainDB(ctx, log)
	report.Published = p.publishGeoServer(ctx, log)
	report.Gaps = p.detectGaps(ctx, run.ID, run.StartedAt, p.conf.Clock.Now().UTC(), []gaps.Comparator{
		&dbComparator{kind: types.GapMissingBoundaries, expected: len(ids), count: p.conf.DB.CountBoundaries},
	})

	log.Info("boundary run finished",
		"download", report.Download.Status.String(),
		"import", report.Import.Status.String(),
		"imported", report.Imported,
		"gaps", len(report.Gaps))
	return report, nil
}

// RunNotes ingests the trailing window of note activity: one gated
// fetch of the notes feed, one gated import, then gap detection
// comparing what the feed reported against what the database holds.
func (p *Pipeline) RunNotes(ctx context.Context, req NotesRequest) (*RunReport, error) {
	if err := p.validateNotesRequest(&req); err != nil {
		return nil, err
	}
	if p.conf.DB == nil {
		return nil, errors.New("Config.DB is required to import notes")
	}
	if p.conf.OSMAPIURL == "" {
		return nil, errors.New("Config.OSMAPIURL is required to fetch notes")
	}
	run, dir, err := p.newRun(types.KindNotes)
	if err != nil {
		return nil, err
	}
	report := &RunReport{Run: run, RunDir: dir}
	defer func() { report.Elapsed = p.conf.Clock.Now().UTC().Sub(run.StartedAt) }()
	log := p.conf.Log.With("run", run.ID)
	log.Info("notes run starting", "window_days", req.WindowDays)

	report.Recovery = p.recoveryPass(ctx, log)

	end := run.StartedAt
	start := end.AddDate(0, 0, -req.WindowDays)
	dest := filepath.Join(dir, "notes.xml")
	jobID := fmt.Sprintf("notes-%s", start.Format("2006-01-02"))

	fetchStart := p.conf.Clock.Now().UTC()
	err = p.fetchNotes(ctx, start, end, dest)
	p.journalOutcome(ctx, run.ID, jobID, types.PhaseDownloaded, fetchStart, err)
	if err != nil {
		report.Download.Failed = append(report.Download.Failed, jobID)
		report.Download.Classify()
		p.conf.Metrics.AddJobs("download", 0, 1)
		return report, err
	}
	report.Download.Succeeded = append(report.Download.Succeeded, jobID)
	report.Download.Classify()
	p.conf.Metrics.AddJobs("download", 1, 0)

	// Count before importing so the comparators measure what the feed
	// actually reported for the window.
	notes, err := parseNotesFile(dest)
	if err != nil {
		return report, err
	}
	total, comments := notesInWindow(notes, start, end)

	importStart := p.conf.Clock.Now().UTC()
	imported, err := p.importNotes(ctx, dest)
	p.journalOutcome(ctx, run.ID, jobID, types.PhaseImported, importStart, err)
	if err != nil {
		report.Import.Failed = append(report.Import.Failed, jobID)
		report.Import.Classify()
		p.conf.Metrics.AddJobs("import", 0, 1)
		return report, err
	}
	report.Import.Succeeded = append(report.Import.Succeeded, jobID)
	report.Import.Classify()
	report.Imported = imported
	p.conf.Metrics.AddJobs("import", 1, 0)

	report.Gaps = p.detectGaps(ctx, run.ID, start, end, []gaps.Comparator{
		&dbComparator{kind: types.GapMissingNotes, expected: total, count: p.conf.DB.CountNotes},
		&dbComparator{kind: types.GapMissingComments, expected: comments, count: p.conf.DB.CountComments},
	})

	log.Info("notes run finished",
		"fetched", len(notes),
		"imported", imported,
		"gaps", len(report.Gaps))
	return report, nil
}

// DetectNoteGaps runs a standalone notes coverage check outside any
// run: the trailing window is fetched, counted and compared against the
// database without importing anything.
func (p *Pipeline) DetectNoteGaps(ctx context.Context, windowDays int) ([]types.GapRecord, error) {
	if p.conf.DB == nil {
		return nil, errors.New("Config.DB is required to detect note gaps")
	}
	if p.conf.OSMAPIURL == "" {
		return nil, errors.New("Config.OSMAPIURL is required to detect note gaps")
	}
	set.Default(&windowDays, p.conf.GapWindowDays)

	dir, err := os.MkdirTemp(filepath.Join(p.conf.WorkDir, "runs"), "detect-")
	if err != nil {
		return nil, errors.Errorf("while creating detection dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	end := p.conf.Clock.Now().UTC()
	start := end.AddDate(0, 0, -windowDays)
	dest := filepath.Join(dir, "notes.xml")
	if err := p.fetchNotes(ctx, start, end, dest); err != nil {
		return nil, err
	}
	notes, err := parseNotesFile(dest)
	if err != nil {
		return nil, err
	}
	total, comments := notesInWindow(notes, start, end)

	return p.detectGaps(ctx, "", start, end, []gaps.Comparator{
		&dbComparator{kind: types.GapMissingNotes, expected: total, count: p.conf.DB.CountNotes},
		&dbComparator{kind: types.GapMissingComments, expected: comments, count: p.conf.DB.CountComments},
	}), nil
}

// RecoverGaps replays every unprocessed gap record newer than GapMaxAge
// through the handler for its kind. The error reports only a journal
// read failure; individual recovery failures are counted in the stats
// and left for the next cycle.
func (p *Pipeline) RecoverGaps(ctx context.Context) (gaps.RecoveryStats, error) {
	det := gaps.NewDetector(gaps.Config{
		Journal: p.conf.Journal,
		Clock:   p.conf.Clock,
		Log:     p.conf.Log,
	})
	handlers := map[types.GapKind]gaps.RecoverFunc{
		types.GapMissingBoundaries: p.counted(p.recoverBoundaryRun),
	}
	if p.conf.OSMAPIURL != "" {
		handlers[types.GapMissingNotes] = p.counted(p.recoverNotesWindow)
		handlers[types.GapMissingComments] = p.counted(p.recoverNotesWindow)
	}
	return det.Recover(ctx, p.conf.GapMaxAge, handlers)
}

// Status is a point in time snapshot of the queue namespaces.
type Status struct {
	Overpass coord.Stats
	OSMAPI   coord.Stats
	// HTTPActive and DBActive are held slot counts; the slot classes
	// have no tickets.
	HTTPActive int
	DBActive   int
}

func (p *Pipeline) Status() (Status, error) {
	var s Status
	var err error
	if s.Overpass, err = p.queues[QueueOverpass].Stats(); err != nil {
		return s, err
	}
	if s.OSMAPI, err = p.queues[QueueOSMAPI].Stats(); err != nil {
		return s, err
	}
	if s.HTTPActive, err = p.sems[QueueHTTP].Active(); err != nil {
		return s, err
	}
	if s.DBActive, err = p.sems[QueueDB].Active(); err != nil {
		return s, err
	}
	p.conf.Metrics.SetQueueGauges(QueueOverpass, s.Overpass.Active, s.Overpass.Waiting)
	p.conf.Metrics.SetQueueGauges(QueueOSMAPI, s.OSMAPI.Active, s.OSMAPI.Waiting)
	p.conf.Metrics.SetQueueGauges(QueueHTTP, s.HTTPActive, 0)
	p.conf.Metrics.SetQueueGauges(QueueDB, s.DBActive, 0)
	return s, nil
}

// Prune removes locks and registrations owned by dead processes across
// every queue class. Counts are per class.
func (p *Pipeline) Prune(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, 4)
	for class, q := range p.queues {
		n, err := q.PruneStale(ctx)
		counts[class] = n
		if err != nil {
			return counts, err
		}
		p.conf.Metrics.AddReaped(class, n)
	}
	for class, s := range p.sems {
		n, err := s.PruneStale(ctx)
		counts[class] = n
		if err != nil {
			return counts, err
		}
		p.conf.Metrics.AddReaped(class, n)
	}
	return counts, nil
}

// Shutdown closes the journal and the database connection.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.conf.DB != nil {
		if err := p.conf.DB.Close(ctx); err != nil {
			return err
		}
	}
	return p.conf.Journal.Close(ctx)
}

// -------------------------------------------------
// Per-job work
// -------------------------------------------------

// boundaryDownloadJob queries Overpass for one relation with full
// member geometry, then converts the reply to GeoJSON. Both stages land
// atomically; a retried attempt never sees a partial file.
func (p *Pipeline) boundaryDownloadJob(payloads string) batch.JobFunc {
	return func(ctx context.Context, id string) error {
		if err := store.ValidOSMID(id); err != nil {
			return err
		}
		raw := filepath.Join(payloads, id+".json")
		query := &remote.OverpassQuery{
			Client: p.overpass,
			Query:  boundaryQuery(id),
			Dest:   raw,
		}
		if err := remote.Do(ctx, p.conf.Metrics.Instrument(query),
			p.policy(p.gates[QueueOverpass], removeStaged(raw))); err != nil {
			return err
		}

		staged := filepath.Join(payloads, id+".geojson")
		conv := &remote.FileOp{Name: "convert", Fn: func(ctx context.Context) error {
			if err := convert.ValidateJSON(raw); err != nil {
				return err
			}
			body, err := os.ReadFile(raw)
			if err != nil {
				return errors.Errorf("while reading staged payload '%s': %w", raw, err)
			}
			geo, err := convert.ToGeoJSON(body)
			if err != nil {
				return err
			}
			return atomic.WriteFile(staged, bytes.NewReader(geo))
		}}
		return remote.Do(ctx, p.conf.Metrics.Instrument(conv),
			p.policy(nil, removeStaged(staged)))
	}
}

// boundaryImportJob imports one converted payload through the db gate.
func (p *Pipeline) boundaryImportJob(payloads string, imported *int) batch.JobFunc {
	return func(ctx context.Context, id string) error {
		staged := filepath.Join(payloads, id+".geojson")
		op := &importOp{name: "boundary-import", fn: func(ctx context.Context) error {
			n, err := p.conf.DB.ImportBoundaries(ctx, staged)
			if err != nil {
				return err
			}
			// Sequential import pass, no races on the counter.
			*imported += n
			return nil
		}}
		return remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueDB], nil))
	}
}

func (p *Pipeline) fetchNotes(ctx context.Context, start, end clock.Time, dest string) error {
	op := &remote.OSMFetch{
		URL:    notesSearchURL(p.conf.OSMAPIURL, start, end),
		Dest:   dest,
		Client: p.conf.Client,
		Log:    p.conf.Log,
	}
	if err := remote.Do(ctx, p.conf.Metrics.Instrument(op),
		p.policy(p.gates[QueueOSMAPI], removeStaged(dest))); err != nil {
		return err
	}
	return convert.ValidateXML(dest)
}

func (p *Pipeline) importNotes(ctx context.Context, path string) (int, error) {
	var imported int
	op := &importOp{name: "notes-import", fn: func(ctx context.Context) error {
		n, err := p.conf.DB.ImportNotes(ctx, path)
		if err != nil {
			return err
		}
		imported = n
		return nil
	}}
	err := remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueDB], nil))
	return imported, err
}

// maintainDB refreshes planner statistics after a bulk import. Failure
// is logged, never fatal; stale statistics degrade queries, not data.
func (p *Pipeline) maintainDB(ctx context.Context, log *slog.Logger) {
	if p.conf.Runner == nil {
		return
	}
	op := &remote.DBOp{Runner: p.conf.Runner, Name: "analyze", Stmt: "ANALYZE"}
	if err := remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueDB], nil)); err != nil {
		log.Warn("post import analyze failed", "error", err)
	}
}

// publishGeoServer reloads the GeoServer catalog so freshly imported
// tables are served without waiting for its cache to expire. The data
// is already live in the database, so failure here is only a warning.
func (p *Pipeline) publishGeoServer(ctx context.Context, log *slog.Logger) bool {
	if p.conf.GeoServerURL == "" {
		return false
	}
	op := &remote.GeoServerCall{
		Method:   http.MethodPost,
		URL:      strings.TrimSuffix(p.conf.GeoServerURL, "/") + "/rest/reload",
		User:     p.conf.GeoServerUser,
		Password: p.conf.GeoServerPassword,
		Client:   p.conf.Client,
	}
	if err := remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueHTTP], nil)); err != nil {
		log.Warn("geoserver reload failed, layer cache is stale", "error", err)
		return false
	}
	return true
}

// -------------------------------------------------
// Gap detection and recovery glue
// -------------------------------------------------

func (p *Pipeline) detectGaps(ctx context.Context, runID string, start, end clock.Time, cmps []gaps.Comparator) []types.GapRecord {
	det := gaps.NewDetector(gaps.Config{
		Journal:     p.conf.Journal,
		Comparators: cmps,
		RunID:       runID,
		Clock:       p.conf.Clock,
		Log:         p.conf.Log,
	})
	recs, err := det.DetectWindow(ctx, start, end)
	if err != nil {
		p.conf.Log.Warn("unable to journal gap records", "error", err)
	}
	for _, rec := range recs {
		p.conf.Metrics.AddGaps(string(rec.Kind), telemetry.GapDetected, 1)
	}
	return recs
}

func (p *Pipeline) recoveryPass(ctx context.Context, log *slog.Logger) gaps.RecoveryStats {
	stats, err := p.RecoverGaps(ctx)
	if err != nil {
		log.Warn("gap recovery could not read the journal", "error", err)
	}
	return stats
}

// counted wraps a recovery handler so successful recoveries show up in
// telemetry per kind.
func (p *Pipeline) counted(fn gaps.RecoverFunc) gaps.RecoverFunc {
	return func(ctx context.Context, rec types.GapRecord) error {
		if err := fn(ctx, rec); err != nil {
			return err
		}
		p.conf.Metrics.AddGaps(string(rec.Kind), telemetry.GapRecovered, 1)
		return nil
	}
}

// recoverBoundaryRun replays the retained converted payloads of the run
// that recorded the gap. Imports upsert, so replaying payloads that did
// land is harmless. Downloads are not repeated here; the next full run
// refreshes every id anyway.
func (p *Pipeline) recoverBoundaryRun(ctx context.Context, rec types.GapRecord) error {
	if p.conf.DB == nil {
		return errors.New("no database configured")
	}
	if rec.RunID == "" {
		return errors.Errorf("gap record '%s' names no run to replay", rec.ID)
	}
	payloads := filepath.Join(p.conf.WorkDir, "runs", rec.RunID, "payloads")
	staged, err := filepath.Glob(filepath.Join(payloads, "*.geojson"))
	if err != nil {
		return errors.Errorf("while listing retained payloads '%s': %w", payloads, err)
	}
	if len(staged) == 0 {
		return errors.Errorf("run '%s' retained no payloads to replay", rec.RunID)
	}
	for _, path := range staged {
		op := &importOp{name: "boundary-replay", fn: func(ctx context.Context) error {
			_, err := p.conf.DB.ImportBoundaries(ctx, path)
			return err
		}}
		if err := remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueDB], nil)); err != nil {
			return err
		}
	}
	return nil
}

// recoverNotesWindow fetches the recorded window again and imports it.
func (p *Pipeline) recoverNotesWindow(ctx context.Context, rec types.GapRecord) error {
	if p.conf.DB == nil {
		return errors.New("no database configured")
	}
	dir, err := os.MkdirTemp(filepath.Join(p.conf.WorkDir, "runs"), "recover-")
	if err != nil {
		return errors.Errorf("while creating recovery dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	dest := filepath.Join(dir, "notes.xml")
	if err := p.fetchNotes(ctx, rec.WindowStart, rec.WindowEnd, dest); err != nil {
		return err
	}
	_, err = p.importNotes(ctx, dest)
	return err
}

// dbComparator checks an expected item count against the rows the
// database actually holds for the window.
type dbComparator struct {
	kind     types.GapKind
	expected int
	count    func(ctx context.Context, since, until clock.Time) (int, error)
}

func (c *dbComparator) Kind() types.GapKind { return c.kind }

func (c *dbComparator) Compare(ctx context.Context, start, end clock.Time) (total, missing int, err error) {
	observed, err := c.count(ctx, start, end)
	if err != nil {
		return 0, 0, err
	}
	if missing = c.expected - observed; missing < 0 {
		missing = 0
	}
	return c.expected, missing, nil
}

// -------------------------------------------------
// Plumbing
// -------------------------------------------------

// importOp adapts a database import closure to the retry engine.
type importOp struct {
	name string
	fn   func(ctx context.Context) error
}

func (o *importOp) Kind() string                      { return "db." + o.name }
func (o *importOp) Attempt(ctx context.Context) error { return o.fn(ctx) }

func (p *Pipeline) newRun(kind types.JobKind) (types.RunInfo, string, error) {
	run := types.RunInfo{
		ID:        ksuid.New().String(),
		Kind:      kind,
		StartedAt: p.conf.Clock.Now().UTC(),
	}
	dir := filepath.Join(p.conf.WorkDir, "runs", run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return run, "", errors.Errorf("while creating run dir '%s': %w", dir, err)
	}
	return run, dir, nil
}

// stageList lands the id list in the run dir, either fetched over HTTP
// or copied from a local file, so the run is reviewable afterwards.
func (p *Pipeline) stageList(ctx context.Context, req BoundariesRequest, dest string) error {
	if req.ListPath != "" {
		body, err := os.ReadFile(req.ListPath)
		if err != nil {
			return errors.Errorf("while reading id list '%s': %w", req.ListPath, err)
		}
		return atomic.WriteFile(dest, bytes.NewReader(body))
	}
	op := &remote.Fetch{URL: req.ListURL, Dest: dest, Client: p.conf.Client, Accept: "text/plain"}
	return remote.Do(ctx, p.conf.Metrics.Instrument(op), p.policy(p.gates[QueueHTTP], removeStaged(dest)))
}

func (p *Pipeline) journalOutcome(ctx context.Context, runID, jobID string, phase types.JobPhase, started clock.Time, jobErr error) {
	out := types.JobOutcome{
		RunID:   runID,
		JobID:   jobID,
		Phase:   phase,
		Success: jobErr == nil,
		Elapsed: p.conf.Clock.Now().UTC().Sub(started),
	}
	if jobErr != nil {
		out.Error = jobErr.Error()
	}
	if err := p.conf.Journal.RecordJob(ctx, &out); err != nil {
		p.conf.Log.Warn("unable to journal job outcome", "job", jobID, "error", err)
	}
}

func (p *Pipeline) policy(gate remote.Gate, cleanup func(ctx context.Context) error) remote.Policy {
	return remote.Policy{
		Attempts: p.conf.Attempts,
		Delay:    p.conf.RetryDelay,
		Gate:     gate,
		Cleanup:  cleanup,
		Clock:    p.conf.Clock,
		Log:      p.conf.Log,
	}
}

func (p *Pipeline) queueDir(class string) string {
	return filepath.Join(p.conf.WorkDir, "queue", class)
}

// admitAttempts converts the admission patience budget into a poll
// count for the slot classes.
func (p *Pipeline) admitAttempts() int {
	n := int(p.conf.AdmitTimeout / p.conf.PollInterval)
	if n < 1 {
		return 1
	}
	return n
}

// boundaryQuery asks for one relation with full member geometry, which
// is what the converter needs to assemble lines.
func boundaryQuery(id string) string {
	return fmt.Sprintf("[out:json][timeout:180];relation(%s);out geom;", id)
}

// notesSearchURL builds the notes search request for a window. The feed
// caps a reply at 10000 notes; keep windows small enough to fit.
func notesSearchURL(base string, start, end clock.Time) string {
	q := url.Values{}
	q.Set("from", start.Format(time.RFC3339))
	q.Set("to", end.Format(time.RFC3339))
	q.Set("limit", "10000")
	q.Set("closed", "-1")
	return strings.TrimSuffix(base, "/") + "/api/0.6/notes/search?" + q.Encode()
}

func parseNotesFile(path string) ([]convert.Note, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("while opening notes file '%s': %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return convert.ParseNotes(f)
}

// notesInWindow counts the notes created inside the window and the
// comments dated inside it. Comments are counted regardless of their
// parent note's age; an old note can gather new comments.
func notesInWindow(notes []convert.Note, start, end clock.Time) (total, comments int) {
	for _, n := range notes {
		if !n.CreatedAt.Before(start) && n.CreatedAt.Before(end) {
			total++
		}
		for _, c := range n.Comments {
			if !c.Date.Before(start) && c.Date.Before(end) {
				comments++
			}
		}
	}
	return total, comments
}

func removeStaged(path string) func(ctx context.Context) error {
	return func(context.Context) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}
