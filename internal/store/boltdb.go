package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/segmentio/ksuid"
	bolt "go.etcd.io/bbolt"
)

var (
	gapsBucket = []byte("gaps")
	jobsBucket = []byte("jobs")
)

// BoltJournal stores the journal in a single bolt file under StorageDir.
// Gap keys are ksuids so a cursor walk yields creation order; job keys
// are prefixed with the run id so one run lists with a prefix seek.
type BoltJournal struct {
	mu   sync.Mutex
	conf JournalConfig
	uid  ksuid.KSUID
	db   *bolt.DB
}

var _ Journal = &BoltJournal{}

func NewBoltJournal(conf JournalConfig) *BoltJournal {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	return &BoltJournal{
		uid:  ksuid.New(),
		conf: conf,
	}
}

func (b *BoltJournal) getDB() (*bolt.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	f := errors.Fields{"category", "bolt", "func", "BoltJournal.getDB"}
	file := filepath.Join(b.conf.StorageDir, "journal.db")

	opts := &bolt.Options{
		FreelistType: bolt.FreelistArrayType,
		Timeout:      clock.Second,
		NoGrowSync:   false,
	}

	db, err := bolt.Open(file, 0600, opts)
	if err != nil {
		return nil, f.Errorf("while opening db '%s': %w", file, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{gapsBucket, jobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, f.Errorf("while creating buckets in '%s': %w", file, err)
	}

	b.db = db
	return db, nil
}

func (b *BoltJournal) AppendGap(_ context.Context, rec *types.GapRecord) error {
	f := errors.Fields{"category", "bolt", "func", "BoltJournal.AppendGap"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uid = b.uid.Next()
	rec.ID = b.uid.String()
	b.mu.Unlock()
	rec.CreatedAt = b.conf.Clock.Now().UTC()

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(gapsBucket)
		if bucket == nil {
			return f.Error("bucket does not exist in data file")
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}

		if err := bucket.Put([]byte(rec.ID), buf.Bytes()); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		return nil
	})
}

func (b *BoltJournal) ListGaps(_ context.Context, recs *[]types.GapRecord, opts ListOptions) error {
	f := errors.Fields{"category", "bolt", "func", "BoltJournal.ListGaps"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(gapsBucket)
		if bucket == nil {
			return f.Error("bucket does not exist in data file")
		}

		var count int
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.GapRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return f.Errorf("during Decode(): %w", err)
			}
			if !matchGap(rec, opts) {
				continue
			}
			*recs = append(*recs, rec)
			count++
			if opts.Limit != 0 && count >= opts.Limit {
				return nil
			}
		}
		return nil
	})
}

func (b *BoltJournal) MarkProcessed(_ context.Context, id string) error {
	f := errors.Fields{"category", "bolt", "func", "BoltJournal.MarkProcessed"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(gapsBucket)
		if bucket == nil {
			return f.Error("bucket does not exist in data file")
		}

		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrGapNotExist
		}

		var rec types.GapRecord
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return f.Errorf("during Decode(): %w", err)
		}
		rec.Processed = true

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}

		if err := bucket.Put([]byte(id), buf.Bytes()); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		return nil
	})
}

func (b *BoltJournal) RecordJob(_ context.Context, out *types.JobOutcome) error {
	f := errors.Fields{"category", "bolt", "func", "BoltJournal.RecordJob"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uid = b.uid.Next()
	key := jobKey(out.RunID, b.uid.String())
	b.mu.Unlock()
	out.CreatedAt = b.conf.Clock.Now().UTC()

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(jobsBucket)
		if bucket == nil {
			return f.Error("bucket does not exist in data file")
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(out); err != nil {
			return f.Errorf("during gob.Encode(): %w", err)
		}

		if err := bucket.Put(key, buf.Bytes()); err != nil {
			return f.Errorf("during Put(): %w", err)
		}
		return nil
	})
}

func (b *BoltJournal) ListJobs(_ context.Context, outs *[]types.JobOutcome, runID string) error {
	f := errors.Fields{"category", "bolt", "func", "BoltJournal.ListJobs"}
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(jobsBucket)
		if bucket == nil {
			return f.Error("bucket does not exist in data file")
		}

		prefix := jobKey(runID, "")
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var out types.JobOutcome
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&out); err != nil {
				return f.Errorf("during Decode(): %w", err)
			}
			*outs = append(*outs, out)
		}
		return nil
	})
}

func (b *BoltJournal) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// jobKey builds "<run>~<uid>". Run ids are ksuids and cannot contain '~'
// so the prefix scan cannot bleed into another run.
func jobKey(runID, uid string) []byte {
	return []byte(runID + "~" + uid)
}
