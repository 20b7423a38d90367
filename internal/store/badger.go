package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/types"
	"github.com/segmentio/ksuid"
)

// Badger has no buckets; the journal shares one keyspace with per-kind
// prefixes. Keys still sort by creation time because the uid is a ksuid.
func badgerGapKey(id string) []byte { return []byte("g~" + id) }

func badgerJobKey(runID, uid string) []byte { return []byte("j~" + runID + "~" + uid) }

// BadgerJournal stores the journal in a badger directory under
// StorageDir. Suited to daemon deployments where the journal sees
// frequent small writes.
type BadgerJournal struct {
	mu   sync.Mutex
	conf JournalConfig
	uid  ksuid.KSUID
	db   *badger.DB
}

var _ Journal = &BadgerJournal{}

func NewBadgerJournal(conf JournalConfig) *BadgerJournal {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	return &BadgerJournal{
		uid:  ksuid.New(),
		conf: conf,
	}
}

func (b *BadgerJournal) getDB() (*badger.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	dir := filepath.Join(b.conf.StorageDir, "journal-badger")

	opts := badger.DefaultOptions(dir)
	opts.Logger = newBadgerLogger(b.conf.Log)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Errorf("while opening db '%s': %w", dir, err)
	}
	b.db = db
	return db, nil
}

func (b *BadgerJournal) AppendGap(_ context.Context, rec *types.GapRecord) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uid = b.uid.Next()
	rec.ID = b.uid.String()
	b.mu.Unlock()
	rec.CreatedAt = b.conf.Clock.Now().UTC()

	return db.Update(func(txn *badger.Txn) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}
		if err := txn.Set(badgerGapKey(rec.ID), buf.Bytes()); err != nil {
			return errors.Errorf("during Set(): %w", err)
		}
		return nil
	})
}

func (b *BadgerJournal) ListGaps(_ context.Context, recs *[]types.GapRecord, opts ListOptions) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = badgerGapKey("")
		iter := txn.NewIterator(iterOpts)
		defer iter.Close()

		var count int
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var v []byte
			v, err := iter.Item().ValueCopy(v)
			if err != nil {
				return errors.Errorf("while getting value: %w", err)
			}

			var rec types.GapRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return errors.Errorf("during Decode(): %w", err)
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

func (b *BadgerJournal) MarkProcessed(_ context.Context, id string) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.Update(func(txn *badger.Txn) error {
		key := badgerGapKey(id)
		kvItem, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrGapNotExist
			}
			return errors.Errorf("during Get(): %w", err)
		}

		var v []byte
		v, err = kvItem.ValueCopy(v)
		if err != nil {
			return errors.Errorf("while getting value: %w", err)
		}

		var rec types.GapRecord
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return errors.Errorf("during Decode(): %w", err)
		}
		rec.Processed = true

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}
		if err := txn.Set(key, buf.Bytes()); err != nil {
			return errors.Errorf("during Set(): %w", err)
		}
		return nil
	})
}

func (b *BadgerJournal) RecordJob(_ context.Context, out *types.JobOutcome) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uid = b.uid.Next()
	key := badgerJobKey(out.RunID, b.uid.String())
	b.mu.Unlock()
	out.CreatedAt = b.conf.Clock.Now().UTC()

	return db.Update(func(txn *badger.Txn) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(out); err != nil {
			return errors.Errorf("during gob.Encode(): %w", err)
		}
		if err := txn.Set(key, buf.Bytes()); err != nil {
			return errors.Errorf("during Set(): %w", err)
		}
		return nil
	})
}

func (b *BadgerJournal) ListJobs(_ context.Context, outs *[]types.JobOutcome, runID string) error {
	db, err := b.getDB()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = badgerJobKey(runID, "")
		iter := txn.NewIterator(iterOpts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var v []byte
			v, err := iter.Item().ValueCopy(v)
			if err != nil {
				return errors.Errorf("while getting value: %w", err)
			}

			var out types.JobOutcome
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&out); err != nil {
				return errors.Errorf("during Decode(): %w", err)
			}
			*outs = append(*outs, out)
		}
		return nil
	})
}

func (b *BadgerJournal) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

type badgerLogger struct {
	log *slog.Logger
}

func newBadgerLogger(log *slog.Logger) *badgerLogger {
	return &badgerLogger{log: log.With("code.namespace", "badger-lib")}
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.log.LogAttrs(context.Background(), slog.LevelDebug, fmt.Sprintf(strings.Trim(f, "\n"), v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.LogAttrs(context.Background(), slog.LevelDebug, fmt.Sprintf(strings.Trim(f, "\n"), v...))
}
