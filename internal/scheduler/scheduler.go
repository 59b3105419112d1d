// Package scheduler runs deferred and recurring messages created by the
// !schedule command. Jobs survive restarts via a JSON file under the data
// dir.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const tickInterval = 15 * time.Second

// Job is one scheduled message. Either Due (one-shot) or Cron (recurring)
// is set.
type Job struct {
	ID        int       `json:"id"`
	RoomID    string    `json:"room_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Text      string    `json:"text"`
	Due       time.Time `json:"due,omitempty"`
	Cron      string    `json:"cron,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	// lastFired guards recurring jobs against double-firing within the
	// same cron minute.
	lastFired time.Time
}

// Recurring reports whether the job repeats.
func (j Job) Recurring() bool { return j.Cron != "" }

// PostFunc delivers a due message into its room.
type PostFunc func(ctx context.Context, roomID, threadID, text string) error

// Scheduler owns the job list and the firing loop.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*Job
	nextID int
	path   string
	post   PostFunc
	gron   *gronx.Gronx
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler persisting to path. Existing jobs are loaded;
// one-shot jobs whose due time passed while we were down fire on the first
// tick.
func New(path string, post PostFunc) (*Scheduler, error) {
	s := &Scheduler{
		path:   path,
		post:   post,
		gron:   gronx.New(),
		nextID: 1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the firing loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Add parses spec as either a duration ("30m") or a cron expression and
// schedules text into the room. Returns the created job.
func (s *Scheduler) Add(roomID, threadID, text, spec, createdBy string) (Job, error) {
	job := Job{
		RoomID:    roomID,
		ThreadID:  threadID,
		Text:      text,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return Job{}, fmt.Errorf("duration must be positive")
		}
		job.Due = time.Now().Add(d)
	} else if s.gron.IsValid(spec) {
		job.Cron = spec
	} else {
		return Job{}, fmt.Errorf("%q is neither a duration nor a cron expression", spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.nextID
	s.nextID++
	s.jobs = append(s.jobs, &job)
	s.persistLocked()
	return job, nil
}

// List returns the jobs for a room, ordered by id.
func (s *Scheduler) List(roomID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if j.RoomID == roomID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Cancel removes a job by id within a room. Returns false when not found.
func (s *Scheduler) Cancel(roomID string, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.jobs {
		if j.ID == id && j.RoomID == roomID {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	return false
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fire(ctx, now)
		}
	}
}

// fire posts every due job. One-shot jobs are removed after posting;
// recurring jobs record their firing minute.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		switch {
		case !j.Recurring():
			if !now.Before(j.Due) {
				due = append(due, j)
			}
		default:
			minute := now.Truncate(time.Minute)
			if j.lastFired.Equal(minute) {
				continue
			}
			if ok, err := s.gron.IsDue(j.Cron, now); err == nil && ok {
				j.lastFired = minute
				due = append(due, j)
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := s.post(ctx, j.RoomID, j.ThreadID, j.Text); err != nil {
			slog.Warn("scheduler.post_failed", "job", j.ID, "room", j.RoomID, "error", err)
			continue
		}
		if !j.Recurring() {
			s.Cancel(j.RoomID, j.ID)
		}
	}
}

type persistedState struct {
	NextID int   `json:"next_id"`
	Jobs   []Job `json:"jobs"`
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedules: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse schedules: %w", err)
	}
	s.nextID = state.NextID
	if s.nextID < 1 {
		s.nextID = 1
	}
	for i := range state.Jobs {
		j := state.Jobs[i]
		s.jobs = append(s.jobs, &j)
	}
	return nil
}

// persistLocked writes the job file. Caller holds the lock.
func (s *Scheduler) persistLocked() {
	state := persistedState{NextID: s.nextID}
	for _, j := range s.jobs {
		state.Jobs = append(state.Jobs, *j)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Error("scheduler.marshal_failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		slog.Error("scheduler.persist_failed", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		slog.Error("scheduler.persist_failed", "error", err)
	}
}

// Describe renders a job for !list_schedules output.
func (j Job) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d ", j.ID)
	if j.Recurring() {
		fmt.Fprintf(&b, "recurring %q", j.Cron)
	} else {
		fmt.Fprintf(&b, "once at %s", j.Due.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, ": %s", j.Text)
	return b.String()
}
