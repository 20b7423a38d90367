// Package config loads the osmsync daemon configuration from a YAML
// file and applies it onto a daemon.Config, initializing the logger,
// the journal and the database along the way. Environment variables
// override the file so containerized deployments can keep one config
// baked into the image.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/color"
	"github.com/osmsync/osmsync/daemon"
	"github.com/osmsync/osmsync/internal/store"
	"gopkg.in/yaml.v3"
)

type File struct {
	Logging Logging `yaml:"logging"`
	// WorkDir is the coordination root shared by every osmsync process
	// on the host.
	WorkDir string `yaml:"work-dir"`
	// MetricsAddress is the listen address for the metrics and health
	// endpoints in daemon mode.
	MetricsAddress string `yaml:"metrics-address"`

	Overpass  Overpass  `yaml:"overpass"`
	OSMAPI    OSMAPI    `yaml:"osm-api"`
	GeoServer GeoServer `yaml:"geoserver"`
	Database  Database  `yaml:"database"`
	Journal   Journal   `yaml:"journal"`
	Pipeline  Pipeline  `yaml:"pipeline"`
	Schedule  Schedule  `yaml:"schedule"`

	// ConfigFile is the path to the config file that was loaded
	ConfigFile string
}

type Logging struct {
	Level   string `yaml:"level"`
	Handler string `yaml:"handler"`
}

type Overpass struct {
	// URL is the interpreter endpoint.
	URL string `yaml:"url"`
	// StatusURL is the slot status endpoint; empty disables the
	// admission throttle.
	StatusURL string `yaml:"status-url"`
	// Limit caps concurrent Overpass admissions across processes.
	Limit int `yaml:"limit"`
}

type OSMAPI struct {
	URL   string `yaml:"url"`
	Limit int    `yaml:"limit"`
}

type GeoServer struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Database struct {
	// URL is a pgx connection string or DSN.
	URL string `yaml:"url"`
	// Schema optionally qualifies the import tables.
	Schema string `yaml:"schema"`
	// MaxConns caps the pool size; zero uses the pgx default.
	MaxConns int32 `yaml:"max-conns"`
	// Limit caps concurrent database admissions across processes.
	Limit int `yaml:"limit"`
}

type Journal struct {
	// Driver is one of memory, bolt, badger.
	Driver string `yaml:"driver"`
	// Dir holds the journal files for the disk drivers.
	Dir string `yaml:"dir"`
}

type Pipeline struct {
	// Workers caps download concurrency inside one process.
	Workers int `yaml:"workers"`
	// Attempts is the total attempt budget per remote operation.
	Attempts int `yaml:"attempts"`
	// RetryDelay is the fixed pause between attempts.
	RetryDelay Duration `yaml:"retry-delay"`
	// AdmitTimeout bounds how long one admission may wait.
	AdmitTimeout Duration `yaml:"admit-timeout"`
	// HTTPLimit caps concurrent plain fetches across processes.
	HTTPLimit int `yaml:"http-limit"`
	// GapWindowDays is the trailing window scanned for coverage gaps.
	GapWindowDays int `yaml:"gap-window-days"`
	// GapMaxAge bounds which unprocessed gap records recovery retries.
	GapMaxAge Duration `yaml:"gap-max-age"`
}

type Schedule struct {
	// BoundaryList is fetched at every boundary cycle in daemon mode.
	BoundaryList string `yaml:"boundary-list"`
	// MaritimeList, when set, runs a maritime pass after each boundary
	// pass.
	MaritimeList string `yaml:"maritime-list"`
	// Boundaries, Notes and Prune space the daemon cycles. Zero
	// disables a cycle.
	Boundaries Duration `yaml:"boundaries"`
	Notes      Duration `yaml:"notes"`
	Prune      Duration `yaml:"prune"`
	// NotesWindowDays is the trailing window each notes cycle ingests.
	NotesWindowDays int `yaml:"notes-window-days"`
}

// Duration accepts human friendly durations like "90s" or "24h". A
// bare number is rejected; the unit is required.
type Duration clock.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration; '%s' is not a duration like '30s' or '24h'", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads a config file from disk. An empty path returns an empty
// File, so a daemon can start on defaults and environment alone.
func Load(path string) (File, error) {
	var file File
	if path == "" {
		return file, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return file, ErrFileNotExist{Msg: err.Error()}
	}
	defer func() { _ = f.Close() }()

	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return file, ErrYAMLParse{Msg: err.Error()}
	}
	file.ConfigFile = path
	return file, nil
}

func ApplyConfigFile(ctx context.Context, conf *daemon.Config, file File, w io.Writer) error {
	applyEnv(&file)

	if err := setupLogger(file, w, conf); err != nil {
		return err
	}

	if file.WorkDir == "" {
		return fmt.Errorf("work-dir is required; set it in the config file or OSMSYNC_WORK_DIR")
	}

	setupEndpoints(file, conf)

	if err := setupStorage(file, conf); err != nil {
		return err
	}

	setupSchedule(file, conf)

	// Apply defaults if there are required config items missing from the provided config file
	if err := conf.SetDefaults(); err != nil {
		return err
	}

	if file.ConfigFile != "" {
		conf.Log.Info("Loaded config from file", "file", file.ConfigFile)
	}
	return nil
}

// applyEnv lets the environment override the file, so deployments can
// keep one baked-in config and vary the rest per host.
func applyEnv(file *File) {
	if v := os.Getenv("OSMSYNC_WORK_DIR"); v != "" {
		file.WorkDir = v
	}
	if v := os.Getenv("OSMSYNC_DATABASE_URL"); v != "" {
		file.Database.URL = v
	}
	if v := os.Getenv("OSMSYNC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			file.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("OSMSYNC_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			file.Overpass.Limit = n
			file.OSMAPI.Limit = n
		}
	}
	if v := os.Getenv("OSMSYNC_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			file.Pipeline.Attempts = n
		}
	}
	if v := os.Getenv("OSMSYNC_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			file.Pipeline.RetryDelay = Duration(d)
		}
	}
}

func setupLogger(file File, w io.Writer, d *daemon.Config) error {
	switch file.Logging.Handler {
	case "color", "":
		d.Log = slog.New(color.NewLog(&color.LogOptions{
			HandlerOptions: slog.HandlerOptions{
				Level: toLogLevel(file.Logging.Level),
			},
			Writer: w,
		}))
		return nil
	case "text":
		d.Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: toLogLevel(file.Logging.Level),
		}))
		return nil
	case "json":
		d.Log = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: toLogLevel(file.Logging.Level),
		}))
		return nil
	default:
		return fmt.Errorf("invalid handler; '%s' is not one of (color, text, json)",
			file.Logging.Handler)
	}
}

func toLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func setupEndpoints(file File, conf *daemon.Config) {
	conf.WorkDir = file.WorkDir
	conf.OverpassURL = file.Overpass.URL
	conf.OverpassStatusURL = file.Overpass.StatusURL
	conf.OverpassLimit = file.Overpass.Limit
	conf.OSMAPIURL = file.OSMAPI.URL
	conf.OSMAPILimit = file.OSMAPI.Limit
	conf.GeoServerURL = file.GeoServer.URL
	conf.GeoServerUser = file.GeoServer.User
	conf.GeoServerPassword = file.GeoServer.Password
	conf.HTTPLimit = file.Pipeline.HTTPLimit
	conf.DBLimit = file.Database.Limit
	conf.MaxWorkers = file.Pipeline.Workers
	conf.Attempts = file.Pipeline.Attempts
	conf.RetryDelay = clock.Duration(file.Pipeline.RetryDelay)
	conf.AdmitTimeout = clock.Duration(file.Pipeline.AdmitTimeout)
	conf.GapWindowDays = file.Pipeline.GapWindowDays
	conf.GapMaxAge = clock.Duration(file.Pipeline.GapMaxAge)
	conf.MetricsAddress = file.MetricsAddress
}

func setupStorage(file File, conf *daemon.Config) error {
	spec := file.Journal.Driver
	switch spec {
	case "", "memory":
		spec = "memory"
	case "bolt", "badger":
		if file.Journal.Dir == "" {
			return fmt.Errorf("journal dir is required for the '%s' driver", file.Journal.Driver)
		}
		spec = spec + ":" + file.Journal.Dir
	default:
		return fmt.Errorf("invalid driver; '%s' is not one of (memory, bolt, badger)", file.Journal.Driver)
	}

	journal, err := store.OpenJournal(spec, conf.Clock, conf.Log)
	if err != nil {
		return err
	}
	conf.Journal = journal

	if file.Database.URL != "" {
		conf.DB = store.NewPostgres(store.PostgresConfig{
			ConnectionString: file.Database.URL,
			Schema:           file.Database.Schema,
			MaxConns:         file.Database.MaxConns,
			Clock:            conf.Clock,
			Log:              conf.Log,
		})
	}
	return nil
}

func setupSchedule(file File, conf *daemon.Config) {
	conf.BoundaryListURL = file.Schedule.BoundaryList
	conf.MaritimeListURL = file.Schedule.MaritimeList
	conf.BoundaryInterval = clock.Duration(file.Schedule.Boundaries)
	conf.NotesInterval = clock.Duration(file.Schedule.Notes)
	conf.PruneInterval = clock.Duration(file.Schedule.Prune)
	conf.NotesWindowDays = file.Schedule.NotesWindowDays
}
