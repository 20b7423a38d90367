package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/convert"
)

type PostgresConfig struct {
	// ConnectionString is a pgx connection string or DSN.
	ConnectionString string
	// Schema optionally qualifies the import tables. Must pass
	// ValidIdentifier; validated on first use.
	Schema string
	// MaxConns caps the pool size; zero uses the pgx default.
	MaxConns int32
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// Postgres imports staged OSM payloads and answers the coverage counts
// the gap detector compares against upstream. Imports are idempotent;
// re-running a batch upserts instead of duplicating.
type Postgres struct {
	conf       PostgresConfig
	mu         sync.Mutex
	pool       *pgxpool.Pool
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgres(conf PostgresConfig) *Postgres {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	return &Postgres{conf: conf}
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return p.pool, nil
	}

	if p.conf.ConnectionString == "" {
		return nil, errors.New("connection string is required")
	}
	if p.conf.Schema != "" {
		if err := ValidIdentifier(p.conf.Schema); err != nil {
			return nil, err
		}
	}

	config, err := pgxpool.ParseConfig(p.conf.ConnectionString)
	if err != nil {
		return nil, errors.Errorf("parse connection string: %w", err)
	}
	if p.conf.MaxConns > 0 {
		config.MaxConns = p.conf.MaxConns
	}

	var pool *pgxpool.Pool
	delays := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

	for attempt, delay := range delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		pool, err = pgxpool.NewWithConfig(context.Background(), config)
		if err == nil {
			break
		}

		if attempt < len(delays)-1 {
			p.conf.Log.Warn("failed to create pool, retrying",
				"attempt", attempt+1, "error", err)
		}
	}
	if err != nil {
		return nil, errors.Errorf("create connection pool: %w", err)
	}

	p.pool = pool
	return pool, nil
}

func (p *Postgres) table(name string) string {
	if p.conf.Schema != "" {
		return pgx.Identifier{p.conf.Schema, name}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

// EnsureSchema creates the import tables if they do not exist. Safe to
// call from every run; runs at most once per process.
func (p *Postgres) EnsureSchema(_ context.Context) error {
	p.schemaOnce.Do(func() {
		// Use a separate context with a reasonable timeout for table
		// creation; the caller's context might have a short deadline.
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.schemaErr = p.createTables(bgCtx)
	})
	return p.schemaErr
}

func (p *Postgres) createTables(ctx context.Context) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + p.table("boundaries") + ` (
			osm_id      BIGINT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			admin_level INT NOT NULL DEFAULT 0,
			geometry    JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("notes") + ` (
			id         BIGINT PRIMARY KEY,
			lat        DOUBLE PRECISION NOT NULL,
			lon        DOUBLE PRECISION NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			closed_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("note_comments") + ` (
			note_id    BIGINT NOT NULL,
			seq        INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			author     TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (note_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_created ON ` + p.table("notes") + ` (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_note_comments_created ON ` + p.table("note_comments") + ` (created_at)`,
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return errors.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// ImportBoundaries upserts every feature of a staged GeoJSON file and
// returns how many rows were written.
func (p *Postgres) ImportBoundaries(ctx context.Context, path string) (int, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	fc, err := readFeatureCollection(path)
	if err != nil {
		return 0, err
	}

	pgxBatch := &pgx.Batch{}
	now := timeToMicroseconds(p.conf.Clock.Now().UTC())
	query := `
		INSERT INTO ` + p.table("boundaries") + ` (osm_id, name, admin_level, geometry, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (osm_id) DO UPDATE
		SET name = $2, admin_level = $3, geometry = $4, updated_at = $5`

	var queued int
	for _, feature := range fc.Features {
		osmID, ok := featureOSMID(feature)
		if !ok {
			p.conf.Log.Warn("skipping feature without a numeric osm_id",
				"name", feature.Properties["name"])
			continue
		}
		pgxBatch.Queue(query,
			osmID,
			feature.Properties["name"],
			featureAdminLevel(feature),
			feature.Geometry,
			now,
		)
		queued++
	}

	br := pool.SendBatch(ctx, pgxBatch)
	defer func() { _ = br.Close() }()

	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return i, errors.Errorf("failed to upsert boundary: %w", pgError(err))
		}
	}
	return queued, nil
}

// ImportNotes upserts every note and comment of a staged notes XML file
// and returns how many notes were written.
func (p *Postgres) ImportNotes(ctx context.Context, path string) (int, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, errors.Errorf("while opening '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	notes, err := convert.ParseNotes(file)
	if err != nil {
		return 0, err
	}

	pgxBatch := &pgx.Batch{}
	noteQuery := `
		INSERT INTO ` + p.table("notes") + ` (id, lat, lon, status, created_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = $4, closed_at = $6`
	commentQuery := `
		INSERT INTO ` + p.table("note_comments") + ` (note_id, seq, created_at, author, action, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (note_id, seq) DO UPDATE
		SET author = $4, action = $5, body = $6`

	var queued int
	for _, note := range notes {
		var closedAt interface{}
		if note.ClosedAt != nil {
			closedAt = timeToMicroseconds(note.ClosedAt.Time)
		}
		pgxBatch.Queue(noteQuery,
			note.ID,
			note.Lat,
			note.Lon,
			note.Status,
			timeToMicroseconds(note.CreatedAt.Time),
			closedAt,
		)
		queued++
		for seq, comment := range note.Comments {
			pgxBatch.Queue(commentQuery,
				note.ID,
				seq,
				timeToMicroseconds(comment.Date.Time),
				comment.User,
				comment.Action,
				comment.Text,
			)
			queued++
		}
	}

	br := pool.SendBatch(ctx, pgxBatch)
	defer func() { _ = br.Close() }()

	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return 0, errors.Errorf("failed to upsert note: %w", pgError(err))
		}
	}
	return len(notes), nil
}

// CountNotes reports how many notes were created inside the window.
func (p *Postgres) CountNotes(ctx context.Context, since, until clock.Time) (int, error) {
	return p.countSince(ctx, p.table("notes"), since, until)
}

// CountComments reports how many note comments were created inside the
// window.
func (p *Postgres) CountComments(ctx context.Context, since, until clock.Time) (int, error) {
	return p.countSince(ctx, p.table("note_comments"), since, until)
}

// CountBoundaries reports how many boundary rows were written or
// refreshed inside the window.
func (p *Postgres) CountBoundaries(ctx context.Context, since, until clock.Time) (int, error) {
	return p.countColumnSince(ctx, p.table("boundaries"), "updated_at", since, until)
}

func (p *Postgres) countSince(ctx context.Context, table string, since, until clock.Time) (int, error) {
	return p.countColumnSince(ctx, table, "created_at", since, until)
}

func (p *Postgres) countColumnSince(ctx context.Context, table, column string, since, until clock.Time) (int, error) {
	pool, err := p.getPool()
	if err != nil {
		return 0, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	var count int
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE ` + column + ` >= $1 AND ` + column + ` < $2`
	if err := pool.QueryRow(ctx, query, since, until).Scan(&count); err != nil {
		return 0, errors.Errorf("count rows in %s: %w", table, pgError(err))
	}
	return count, nil
}

func (p *Postgres) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// Runner exposes the importer connection as a statement runner for the
// retry engine. Server errors come back structured, no output scanning.
func (p *Postgres) Runner() *PgxRunner {
	return &PgxRunner{p: p}
}

type PgxRunner struct {
	p *Postgres
}

func (r *PgxRunner) Run(ctx context.Context, stmt string) error {
	pool, err := r.p.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return pgError(err)
	}
	return nil
}

// pgError surfaces the server's code and message when the failure is a
// PostgreSQL error, which is what the exec based runner has to scrape
// out of client output.
func pgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Fields{
			"category", "postgres",
			"code", pgErr.Code,
			"severity", pgErr.Severity,
		}.Errorf("server error: %s", pgErr.Message)
	}
	return err
}

func timeToMicroseconds(t time.Time) time.Time {
	// Truncate to microseconds to match PostgreSQL TIMESTAMPTZ precision
	return t.Truncate(time.Microsecond)
}

func readFeatureCollection(path string) (*convert.FeatureCollection, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("while reading '%s': %w", path, err)
	}
	var fc convert.FeatureCollection
	if err := json.Unmarshal(buf, &fc); err != nil {
		return nil, errors.Errorf("while decoding feature collection '%s': %w", path, err)
	}
	return &fc, nil
}

func featureOSMID(feature convert.Feature) (int64, bool) {
	id, err := strconv.ParseInt(feature.Properties["osm_id"], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func featureAdminLevel(feature convert.Feature) int {
	level, err := strconv.Atoi(feature.Properties["admin_level"])
	if err != nil {
		return 0
	}
	return level
}
