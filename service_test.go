package osmsync_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kapetan-io/tackle/clock"
	"github.com/osmsync/osmsync"
	"github.com/osmsync/osmsync/internal/store"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeDB stands in for postgres. Imports record what arrived; the
// Count methods apply Skew so tests can force a coverage gap.
type fakeDB struct {
	mu            sync.Mutex
	boundaryPaths []string
	notePaths     []string
	boundaryRows  int
	noteRows      int
	commentRows   int
	// Skew offsets every boundary count reply, negative to undercount.
	Skew int
}

func (db *fakeDB) ImportBoundaries(_ context.Context, path string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.boundaryPaths = append(db.boundaryPaths, path)
	db.boundaryRows++
	return 1, nil
}

func (db *fakeDB) ImportNotes(_ context.Context, path string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.notePaths = append(db.notePaths, path)
	return db.noteRows, nil
}

func (db *fakeDB) CountBoundaries(context.Context, clock.Time, clock.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.boundaryRows + db.Skew, nil
}

func (db *fakeDB) CountNotes(context.Context, clock.Time, clock.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.noteRows, nil
}

func (db *fakeDB) CountComments(context.Context, clock.Time, clock.Time) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commentRows, nil
}

func (db *fakeDB) Close(context.Context) error { return nil }

func (db *fakeDB) importedBoundaries() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string{}, db.boundaryPaths...)
}

func (db *fakeDB) importedNotes() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string{}, db.notePaths...)
}

// upstream fakes the public endpoints the pipeline talks to: the
// boundary id list, the Overpass interpreter, the OSM notes API and the
// GeoServer REST root. Close before the leak check so idle connections
// are torn down first.
type upstream struct {
	srv    *httptest.Server
	client *http.Client

	mu       sync.Mutex
	reloads  int
	authSeen string
	// failIDs makes the interpreter reply 500 for any query naming one.
	failIDs []string
	notesXML string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{client: &http.Client{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/boundaries.list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# relations\n123\n456\n")
	})
	mux.HandleFunc("/interpreter", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.FormValue("data")
		u.mu.Lock()
		fails := append([]string{}, u.failIDs...)
		u.mu.Unlock()
		for _, id := range fails {
			if strings.Contains(query, "("+id+")") {
				http.Error(w, "runtime error: load too high", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"elements":[{"type":"relation","id":123,`+
			`"tags":{"boundary":"administrative","name":"Testland"},`+
			`"members":[{"type":"way","role":"outer","geometry":[`+
			`{"lat":52.5,"lon":13.4},{"lat":52.6,"lon":13.5},{"lat":52.7,"lon":13.4}]}]}]}`)
	})
	mux.HandleFunc("/api/0.6/notes/search", func(w http.ResponseWriter, _ *http.Request) {
		u.mu.Lock()
		body := u.notesXML
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/geoserver/rest/reload", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.reloads++
		u.authSeen = r.Header.Get("Authorization")
		u.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	u.srv = httptest.NewServer(mux)
	return u
}

func (u *upstream) Close() {
	u.client.CloseIdleConnections()
	u.srv.Close()
}

func (u *upstream) reloadCount() (int, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reloads, u.authSeen
}

func (u *upstream) failQueriesFor(ids ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failIDs = ids
}

func (u *upstream) serveNotes(xml string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notesXML = xml
}

// notesFixture builds a notes API reply with two notes and three
// comments, all dated inside the trailing day so every window from one
// day up covers them.
func notesFixture(now time.Time) string {
	stamp := now.Add(-6 * time.Hour).UTC().Format("2006-01-02 15:04:05 MST")
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="OpenStreetMap server">
<note lon="13.41" lat="52.52">
  <id>101</id>
  <date_created>%[1]s</date_created>
  <status>open</status>
  <comments>
    <comment><date>%[1]s</date><uid>1</uid><user>alice</user><action>opened</action><text>missing path</text></comment>
    <comment><date>%[1]s</date><uid>2</uid><user>bob</user><action>commented</action><text>confirmed</text></comment>
  </comments>
</note>
<note lon="2.35" lat="48.85">
  <id>102</id>
  <date_created>%[1]s</date_created>
  <status>open</status>
  <comments>
    <comment><date>%[1]s</date><uid>3</uid><user>carol</user><action>opened</action><text>wrong name</text></comment>
  </comments>
</note>
</osm>
`, stamp)
}

func newTestPipeline(t *testing.T, u *upstream, db *fakeDB) (*osmsync.Pipeline, store.Journal) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	journal, err := store.OpenJournal("memory", nil, log)
	require.NoError(t, err)

	p, err := osmsync.NewPipeline(osmsync.Config{
		WorkDir:           t.TempDir(),
		OverpassURL:       u.srv.URL + "/interpreter",
		OSMAPIURL:         u.srv.URL,
		GeoServerURL:      u.srv.URL + "/geoserver",
		GeoServerUser:     "admin",
		GeoServerPassword: "geoserver",
		Journal:           journal,
		DB:                db,
		Attempts:          3,
		RetryDelay:        10 * clock.Millisecond,
		AdmitTimeout:      5 * clock.Second,
		PollInterval:      10 * clock.Millisecond,
		Client:            u.client,
		Log:               log,
	})
	require.NoError(t, err)
	return p, journal
}

func TestRunBoundaries(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	db := &fakeDB{}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := p.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL: u.srv.URL + "/boundaries.list",
	})
	require.NoError(t, err)

	assert.Equal(t, types.BatchSuccess, report.Download.Status)
	assert.Len(t, report.Download.Succeeded, 2)
	assert.Equal(t, types.BatchSuccess, report.Import.Status)
	assert.Equal(t, 2, report.Imported)
	assert.True(t, report.Published)
	assert.Empty(t, report.Gaps)
	reloads, auth := u.reloadCount()
	assert.Equal(t, 1, reloads)
	assert.True(t, strings.HasPrefix(auth, "Basic "))

	// Both payload stages are retained in the run dir
	for _, id := range []string{"123", "456"} {
		assert.FileExists(t, filepath.Join(report.RunDir, "payloads", id+".json"))
		assert.FileExists(t, filepath.Join(report.RunDir, "payloads", id+".geojson"))
	}
	assert.FileExists(t, filepath.Join(report.RunDir, "boundaries.list"))
	assert.FileExists(t, filepath.Join(report.RunDir, "download-success"))
	assert.FileExists(t, filepath.Join(report.RunDir, "import-success"))

	// The importer saw the converted payloads, not the raw replies
	for _, path := range db.importedBoundaries() {
		assert.True(t, strings.HasSuffix(path, ".geojson"), path)
	}

	// Every job landed in the journal under this run
	var outcomes []types.JobOutcome
	require.NoError(t, journal.ListJobs(ctx, &outcomes, report.Run.ID))
	var downloads, imports int
	for _, out := range outcomes {
		assert.True(t, out.Success, out.JobID)
		switch out.Phase {
		case types.PhaseDownloaded:
			downloads++
		case types.PhaseImported:
			imports++
		}
	}
	assert.Equal(t, 2, downloads)
	assert.Equal(t, 2, imports)
}

func TestRunBoundariesPartialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	u.failQueriesFor("456")
	db := &fakeDB{}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := p.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL: u.srv.URL + "/boundaries.list",
	})
	require.NoError(t, err)

	assert.Equal(t, types.BatchPartial, report.Download.Status)
	assert.Equal(t, []string{"456"}, report.Download.Failed)
	assert.Equal(t, types.BatchSuccess, report.Import.Status)
	assert.Equal(t, 1, report.Imported)

	// The failed download left nothing staged behind
	assert.NoFileExists(t, filepath.Join(report.RunDir, "payloads", "456.json"))
	assert.NoFileExists(t, filepath.Join(report.RunDir, "payloads", "456.geojson"))

	// The journal holds the exhausted attempt budget for 456
	var outcomes []types.JobOutcome
	require.NoError(t, journal.ListJobs(ctx, &outcomes, report.Run.ID))
	var failed *types.JobOutcome
	for i, out := range outcomes {
		if out.JobID == "456" && out.Phase == types.PhaseDownloaded {
			failed = &outcomes[i]
		}
	}
	require.NotNil(t, failed)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "3 attempts")
}

func TestRunBoundariesEmptyList(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	db := &fakeDB{}
	p, _ := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list := filepath.Join(t.TempDir(), "empty.list")
	require.NoError(t, os.WriteFile(list, []byte("# nothing today\n\n"), 0o644))

	report, err := p.RunBoundaries(ctx, osmsync.BoundariesRequest{ListPath: list})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
	assert.Equal(t, types.BatchFailed, report.Download.Status)
	assert.Empty(t, db.importedBoundaries())
}

func TestRunBoundariesValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	p, _ := newTestPipeline(t, u, &fakeDB{})
	ctx := context.Background()

	_, err := p.RunBoundaries(ctx, osmsync.BoundariesRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of ListURL or ListPath is required")

	_, err = p.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL:  "http://example.com/list",
		ListPath: "/tmp/list",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exclusive")

	_, err = p.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListPath: "/tmp/list",
		Kind:     types.JobKind("rivers"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'rivers' is not one of (boundary, maritime)")
}

func TestRunNotes(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	u.serveNotes(notesFixture(time.Now()))
	db := &fakeDB{noteRows: 2, commentRows: 3}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := p.RunNotes(ctx, osmsync.NotesRequest{WindowDays: 1})
	require.NoError(t, err)

	assert.Equal(t, types.BatchSuccess, report.Download.Status)
	assert.Equal(t, types.BatchSuccess, report.Import.Status)
	assert.Equal(t, 2, report.Imported)
	assert.Empty(t, report.Gaps)
	require.Len(t, db.importedNotes(), 1)

	var outcomes []types.JobOutcome
	require.NoError(t, journal.ListJobs(ctx, &outcomes, report.Run.ID))
	require.Len(t, outcomes, 2)
	for _, out := range outcomes {
		assert.True(t, out.Success)
		assert.Contains(t, out.JobID, "notes-")
	}
}

func TestRunNotesWindowValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	p, _ := newTestPipeline(t, u, &fakeDB{})

	_, err := p.RunNotes(context.Background(), osmsync.NotesRequest{WindowDays: 400})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400 is not between 1 and 90")
}

func TestDetectNoteGaps(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	u.serveNotes(notesFixture(time.Now()))
	// The feed reports 2 notes and 3 comments; the database admits to
	// none of them.
	db := &fakeDB{noteRows: 0, commentRows: 0}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := p.DetectNoteGaps(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byKind := map[types.GapKind]types.GapRecord{}
	for _, rec := range recs {
		byKind[rec.Kind] = rec
	}
	assert.Equal(t, 2, byKind[types.GapMissingNotes].GapCount)
	assert.Equal(t, 2, byKind[types.GapMissingNotes].TotalCount)
	assert.Equal(t, 3, byKind[types.GapMissingComments].GapCount)

	// Both records were journaled unprocessed
	var stored []types.GapRecord
	require.NoError(t, journal.ListGaps(ctx, &stored, store.ListOptions{OnlyUnprocessed: true}))
	assert.Len(t, stored, 2)
}

func TestBoundaryGapRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	// Undercount by one so the run records a missing-boundaries gap.
	db := &fakeDB{Skew: -1}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := p.RunBoundaries(ctx, osmsync.BoundariesRequest{
		ListURL: u.srv.URL + "/boundaries.list",
	})
	require.NoError(t, err)
	require.Len(t, report.Gaps, 1)
	rec := report.Gaps[0]
	assert.Equal(t, types.GapMissingBoundaries, rec.Kind)
	assert.Equal(t, report.Run.ID, rec.RunID)
	assert.Equal(t, 1, rec.GapCount)
	assert.Equal(t, 2, rec.TotalCount)

	// Recovery replays the retained payloads of the recorded run and
	// marks the record processed.
	before := len(db.importedBoundaries())
	stats, err := p.RecoverGaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, before+2, len(db.importedBoundaries()))

	var unprocessed []types.GapRecord
	require.NoError(t, journal.ListGaps(ctx, &unprocessed, store.ListOptions{OnlyUnprocessed: true}))
	assert.Empty(t, unprocessed)
}

func TestNotesGapRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	u.serveNotes(notesFixture(time.Now()))
	db := &fakeDB{noteRows: 2, commentRows: 3}
	p, journal := newTestPipeline(t, u, db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Seed an unprocessed notes gap by hand, as an earlier run would
	now := time.Now().UTC()
	require.NoError(t, journal.AppendGap(ctx, &types.GapRecord{
		Kind:        types.GapMissingNotes,
		GapCount:    2,
		TotalCount:  2,
		WindowStart: now.Add(-24 * time.Hour),
		WindowEnd:   now,
	}))

	stats, err := p.RecoverGaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)

	// Recovery fetched the window again and imported it
	require.Len(t, db.importedNotes(), 1)
	var unprocessed []types.GapRecord
	require.NoError(t, journal.ListGaps(ctx, &unprocessed, store.ListOptions{OnlyUnprocessed: true}))
	assert.Empty(t, unprocessed)
}

func TestStatusAndPrune(t *testing.T) {
	defer goleak.VerifyNone(t)
	u := newUpstream(t)
	defer u.Close()
	p, _ := newTestPipeline(t, u, &fakeDB{})
	ctx := context.Background()

	status, err := p.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Overpass.Active)
	assert.Equal(t, 0, status.Overpass.Waiting)
	assert.Equal(t, 0, status.HTTPActive)
	assert.Equal(t, 0, status.DBActive)

	counts, err := p.Prune(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 4)
	for class, n := range counts {
		assert.Zero(t, n, class)
	}
}
