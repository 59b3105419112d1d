package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCommitRecall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		err := s.Commit(ctx, Record{
			Scope:     ScopeAgent,
			ScopeID:   "helper",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	recs, err := s.Recall(ctx, ScopeAgent, "helper", 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Content != "third" || recs[1].Content != "second" {
		t.Fatalf("wrong order: %q, %q", recs[0].Content, recs[1].Content)
	}
	if recs[0].ID == "" {
		t.Fatal("record ID was not filled in")
	}
}

func TestSQLiteScopesIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Record{Scope: ScopeAgent, ScopeID: "helper", Content: "a"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit(ctx, Record{Scope: ScopeRoom, ScopeID: "!lobby:example.org", Content: "b"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	recs, err := s.Recall(ctx, ScopeRoom, "!lobby:example.org", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recs) != 1 || recs[0].Content != "b" {
		t.Fatalf("room scope leaked: %+v", recs)
	}
}

func TestSQLiteForget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, Record{Scope: ScopeAgent, ScopeID: "helper", Content: "a"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Forget(ctx, ScopeAgent, "helper"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	recs, err := s.Recall(ctx, ScopeAgent, "helper", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records after Forget, got %d", len(recs))
	}
}
