package reply

import (
	"context"
	"testing"
)

func TestTaskTerminalStatesStick(t *testing.T) {
	task := NewTask("t1", "$thread", "assistant", nil)
	task.SetState(StateStreaming)
	task.SetState(StateCancelled)
	task.SetState(StateDone)

	if task.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled to stick", task.State())
	}
}

func TestStopManagerCancelsOnlyOwnThread(t *testing.T) {
	m := NewStopManager()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	t1 := NewTask("t1", "$threadA", "assistant", cancel1)
	t2 := NewTask("t2", "$threadB", "coder", cancel2)
	m.Register(t1)
	m.Register(t2)

	if !m.Cancel("$threadA") {
		t.Fatal("Cancel should find the thread A task")
	}
	if ctx1.Err() == nil {
		t.Fatal("thread A task not cancelled")
	}
	if ctx2.Err() != nil {
		t.Fatal("thread B task must keep running")
	}
	if m.Cancel("$threadC") {
		t.Fatal("Cancel on an idle thread should report false")
	}
}

func TestStopManagerClearIsOwnershipChecked(t *testing.T) {
	m := NewStopManager()
	old := NewTask("t1", "$thread", "assistant", nil)
	m.Register(old)

	replacement := NewTask("t2", "$thread", "assistant", nil)
	m.Register(replacement)

	// Clearing the superseded task must not drop the replacement.
	m.Clear(old)
	if got, ok := m.Get("$thread"); !ok || got != replacement {
		t.Fatalf("replacement task lost: %v %v", got, ok)
	}
}

func TestStopManagerCancelAll(t *testing.T) {
	m := NewStopManager()
	var ctxs []context.Context
	for _, thread := range []string{"$a", "$b", "$c"} {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		m.Register(NewTask("t-"+thread, thread, "assistant", cancel))
	}

	m.CancelAll()
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Fatalf("task %d survived CancelAll", i)
		}
	}
}
