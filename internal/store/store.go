// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package store persists pipeline state in BadgerDB.
//
// Each component owns one logical table, stored as a key prefix:
//
//	signals:<id>       bus history
//	baselines:<source> anomaly detector profiles
//	scores:<id>        threat scores
//	executions:<id>    playbook executions
//	escalations:<id>   on-call escalation records
//	roster:<tier>      on-call roster per tier
//	diagnostics:<id>   bus handler failures and dropped signals
//
// Every write also appends an entry under journal:<uuidv7> so the sequence of
// state changes can be audited after the fact. Journal entries expire after
// the configured retention using Badger's native TTL.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tomtom215/vigil/internal/logging"
)

// Table names a logical record set.
type Table string

const (
	TableSignals     Table = "signals"
	TableBaselines   Table = "baselines"
	TableScores      Table = "scores"
	TableExecutions  Table = "executions"
	TableEscalations Table = "escalations"
	TableRoster      Table = "roster"
	TableDiagnostics Table = "diagnostics"
)

// Tables lists every table.
func Tables() []Table {
	return []Table{TableSignals, TableBaselines, TableScores, TableExecutions, TableEscalations, TableRoster, TableDiagnostics}
}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	for _, known := range Tables() {
		if t == known {
			return true
		}
	}
	return false
}

const journalPrefix = "journal:"

// Op is the kind of change recorded in the journal.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

var (
	// ErrNotFound is returned when a key does not exist in a table.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Config controls how the database is opened.
type Config struct {
	Path             string
	InMemory         bool
	SyncWrites       bool
	Compression      bool
	JournalRetention time.Duration
	GCInterval       time.Duration
	GCRatio          float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/vigil",
		SyncWrites:       true,
		JournalRetention: 7 * 24 * time.Hour,
		GCInterval:       10 * time.Minute,
		GCRatio:          0.5,
	}
}

// JournalEntry records a single write.
type JournalEntry struct {
	ID    string          `json:"id"`
	Table Table           `json:"table"`
	Key   string          `json:"key"`
	Op    Op              `json:"op"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at"`
}

// Store is a Badger-backed keyed record store.
type Store struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store path is required")
	}

	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).WithInMemory(cfg.InMemory)
	opts.SyncWrites = cfg.SyncWrites && !cfg.InMemory
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	if !cfg.InMemory {
		logging.Info().
			Str("path", cfg.Path).
			Bool("sync_writes", cfg.SyncWrites).
			Dur("journal_retention", cfg.JournalRetention).
			Msg("State store opened")
	}
	return &Store{db: db, config: cfg}, nil
}

// OpenInMemory opens a throwaway store, used by tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close flushes and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func recordKey(table Table, key string) []byte {
	return []byte(string(table) + ":" + key)
}

func tablePrefix(table Table) []byte {
	return []byte(string(table) + ":")
}

// Put marshals v and stores it under table/key, journaling the write.
func (s *Store) Put(ctx context.Context, table Table, key string, v interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(table, key), data); err != nil {
			return fmt.Errorf("set %s record: %w", table, err)
		}
		return s.appendJournal(txn, table, key, OpPut, data)
	})
}

// Delete removes table/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, table Table, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recordKey(table, key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete %s record: %w", table, err)
		}
		return s.appendJournal(txn, table, key, OpDelete, nil)
	})
}

// Get unmarshals table/key into out.
func (s *Store) Get(ctx context.Context, table Table, key string, out interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(table, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s record: %w", table, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Scan calls fn for every record in table in key order. Returning an error
// from fn stops the scan.
func (s *Store) Scan(ctx context.Context, table Table, fn func(key string, data []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	prefix := tablePrefix(table)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of records in table.
func (s *Store) Count(ctx context.Context, table Table) (int, error) {
	n := 0
	err := s.Scan(ctx, table, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// List decodes every record of a table into a slice of T.
func List[T any](ctx context.Context, s *Store, table Table) ([]T, error) {
	var out []T
	err := s.Scan(ctx, table, func(key string, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", table, key, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func (s *Store) appendJournal(txn *badger.Txn, table Table, key string, op Op, data []byte) error {
	entry := JournalEntry{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Table: table,
		Key:   key,
		Op:    op,
		Data:  data,
		At:    time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	e := badger.NewEntry([]byte(journalPrefix+entry.ID), raw)
	if s.config.JournalRetention > 0 {
		e = e.WithTTL(s.config.JournalRetention)
	}
	if err := txn.SetEntry(e); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Journal returns journal entries for table written at or after since, oldest
// first. An empty table matches every table. limit <= 0 means no limit.
func (s *Store) Journal(ctx context.Context, table Table, since time.Time, limit int) ([]JournalEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var entries []JournalEntry
	prefix := []byte(journalPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry JournalEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			if table != "" && entry.Table != table {
				continue
			}
			if entry.At.Before(since) {
				continue
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// RunGC triggers value log garbage collection until Badger reports nothing
// left to rewrite.
func (s *Store) RunGC() {
	if s.config.InMemory || s.checkOpen() != nil {
		return
	}
	ratio := s.config.GCRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	for {
		if err := s.db.RunValueLogGC(ratio); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("Value log GC failed")
			}
			return
		}
	}
}

// RunWithContext runs periodic GC until ctx is cancelled. It blocks, so it
// can be added to a supervisor tree.
func (s *Store) RunWithContext(ctx context.Context) error {
	interval := s.config.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunGC()
		}
	}
}
