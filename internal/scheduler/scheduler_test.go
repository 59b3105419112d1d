package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type capturePost struct {
	mu    sync.Mutex
	posts []string
}

func (c *capturePost) post(ctx context.Context, roomID, threadID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, text)
	return nil
}

func (c *capturePost) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func TestAddParsesDurationAndCron(t *testing.T) {
	cp := &capturePost{}
	s, err := New(filepath.Join(t.TempDir(), "schedules.json"), cp.post)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	oneShot, err := s.Add("!room", "", "stand up", "30m", "@alice:example.org")
	if err != nil {
		t.Fatalf("Add duration: %v", err)
	}
	if oneShot.Recurring() || oneShot.Due.IsZero() {
		t.Fatalf("duration job wrong: %+v", oneShot)
	}

	recurring, err := s.Add("!room", "", "daily report", "0 9 * * *", "@alice:example.org")
	if err != nil {
		t.Fatalf("Add cron: %v", err)
	}
	if !recurring.Recurring() {
		t.Fatalf("cron job wrong: %+v", recurring)
	}

	if _, err := s.Add("!room", "", "x", "not-a-spec", "@alice:example.org"); err == nil {
		t.Fatal("invalid spec must be rejected")
	}
}

func TestListAndCancelScopedToRoom(t *testing.T) {
	cp := &capturePost{}
	s, err := New(filepath.Join(t.TempDir(), "schedules.json"), cp.post)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := s.Add("!a", "", "one", "1h", "@alice:example.org")
	s.Add("!b", "", "two", "1h", "@alice:example.org")

	if got := s.List("!a"); len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("List(!a) = %+v", got)
	}
	if s.Cancel("!b", a.ID) {
		t.Fatal("cancelling a job through the wrong room must fail")
	}
	if !s.Cancel("!a", a.ID) {
		t.Fatal("Cancel failed")
	}
	if got := s.List("!a"); len(got) != 0 {
		t.Fatalf("job not removed: %+v", got)
	}
}

func TestFirePostsDueOneShotOnce(t *testing.T) {
	cp := &capturePost{}
	s, err := New(filepath.Join(t.TempDir(), "schedules.json"), cp.post)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job, _ := s.Add("!room", "$thread", "ping", "1ms", "@alice:example.org")

	time.Sleep(5 * time.Millisecond)
	s.fire(context.Background(), time.Now())
	s.fire(context.Background(), time.Now())

	if cp.count() != 1 {
		t.Fatalf("posted %d times, want 1", cp.count())
	}
	if s.Cancel("!room", job.ID) {
		t.Fatal("one-shot job should be gone after firing")
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	cp := &capturePost{}
	path := filepath.Join(t.TempDir(), "schedules.json")

	s1, err := New(path, cp.post)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1.Add("!room", "", "persisted", "24h", "@alice:example.org")

	s2, err := New(path, cp.post)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.List("!room")
	if len(got) != 1 || got[0].Text != "persisted" {
		t.Fatalf("restart lost jobs: %+v", got)
	}

	// Ids keep incrementing across restarts.
	j, _ := s2.Add("!room", "", "next", "24h", "@alice:example.org")
	if j.ID != 2 {
		t.Fatalf("next id = %d, want 2", j.ID)
	}
}
