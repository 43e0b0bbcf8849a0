// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, TableScores, "a", record{ID: "a", Value: 42}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var got record
	if err := s.Get(ctx, TableScores, "a", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != 42 {
		t.Errorf("Value = %d, want 42", got.Value)
	}

	if err := s.Get(ctx, TableScores, "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTablesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, TableSignals, "x", record{ID: "x"})
	_ = s.Put(ctx, TableScores, "y", record{ID: "y"})
	_ = s.Put(ctx, TableScores, "z", record{ID: "z"})

	scores, err := List[record](ctx, s, TableScores)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("len(scores) = %d, want 2", len(scores))
	}
	if scores[0].ID != "y" || scores[1].ID != "z" {
		t.Errorf("unexpected order: %+v", scores)
	}

	n, err := s.Count(ctx, TableSignals)
	if err != nil || n != 1 {
		t.Errorf("Count(signals) = %d, %v; want 1, nil", n, err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, TableRoster, "P1", record{ID: "P1"})
	if err := s.Delete(ctx, TableRoster, "P1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, TableRoster, "P1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	var got record
	if err := s.Get(ctx, TableRoster, "P1", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	_ = s.Put(ctx, TableExecutions, "e1", record{ID: "e1", Value: 1})
	_ = s.Put(ctx, TableExecutions, "e1", record{ID: "e1", Value: 2})
	_ = s.Put(ctx, TableEscalations, "r1", record{ID: "r1"})
	_ = s.Delete(ctx, TableExecutions, "e1")

	entries, err := s.Journal(ctx, TableExecutions, start, 0)
	if err != nil {
		t.Fatalf("Journal() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Op != OpPut || entries[2].Op != OpDelete {
		t.Errorf("unexpected ops: %s, %s", entries[0].Op, entries[2].Op)
	}

	all, err := s.Journal(ctx, "", start, 2)
	if err != nil {
		t.Fatalf("Journal() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limit not applied: got %d entries", len(all))
	}

	future, _ := s.Journal(ctx, "", time.Now().Add(time.Hour), 0)
	if len(future) != 0 {
		t.Errorf("expected no entries after since, got %d", len(future))
	}
}

func TestClosedStore(t *testing.T) {
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.Put(context.Background(), TableSignals, "a", record{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close error = %v, want ErrClosed", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestRunWithContext_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunWithContext(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithContext did not return after cancel")
	}
}
