package reply

import (
	"strings"
	"testing"
)

func TestAccumulatorTextMerging(t *testing.T) {
	acc := NewAccumulator(0)
	acc.AppendText("", "Hello ")
	acc.AppendText("", "world")

	if got := acc.Render(); got != "Hello world" {
		t.Fatalf("Render = %q", got)
	}
}

func TestToolBlockLifecycle(t *testing.T) {
	acc := NewAccumulator(0)
	acc.AppendText("", "Checking the weather.\n")
	acc.StartTool("", "call-1", "get_weather")

	pending := acc.Render()
	if !strings.Contains(pending, "<tool>get_weather ⏳</tool>") {
		t.Fatalf("pending render missing block: %q", pending)
	}

	acc.CompleteTool("", "call-1", "72F and sunny", false)
	done := acc.Render()
	if !strings.Contains(done, "<tool>get_weather\n72F and sunny</tool>") {
		t.Fatalf("completed render wrong: %q", done)
	}
	if strings.Contains(done, "⏳") {
		t.Fatal("pending marker must be rewritten in place")
	}
	if strings.Count(done, "<tool>") != 1 {
		t.Fatalf("exactly one block per call, got: %q", done)
	}

	// Completing again must not inject a second block.
	acc.CompleteTool("", "call-1", "different", false)
	if acc.Render() != done {
		t.Fatal("double completion changed the render")
	}
}

func TestToolBlockFailureAnnotated(t *testing.T) {
	acc := NewAccumulator(0)
	acc.StartTool("", "call-1", "search")
	acc.CompleteTool("", "call-1", "connection refused", true)

	got := acc.Render()
	if !strings.Contains(got, "<tool>search ❌\nconnection refused</tool>") {
		t.Fatalf("failure render wrong: %q", got)
	}
}

func TestToolBlocksKeepInvocationOrder(t *testing.T) {
	acc := NewAccumulator(0)
	acc.StartTool("", "call-1", "first")
	acc.StartTool("", "call-2", "second")
	// Completion order reversed; rendered order must not change.
	acc.CompleteTool("", "call-2", "b", false)
	acc.CompleteTool("", "call-1", "a", false)

	got := acc.Render()
	if strings.Index(got, "first") > strings.Index(got, "second") {
		t.Fatalf("blocks out of invocation order: %q", got)
	}
}

func TestToolResultTruncation(t *testing.T) {
	acc := NewAccumulator(10)
	long := strings.Repeat("x", 40)
	acc.StartTool("", "call-1", "dump")
	acc.CompleteTool("", "call-1", long, false)

	got := acc.Render()
	if strings.Contains(got, long) {
		t.Fatal("long result was not truncated")
	}
	if !strings.Contains(got, "… (40 chars total)") {
		t.Fatalf("missing truncation note: %q", got)
	}

	short := NewAccumulator(10)
	short.StartTool("", "call-1", "dump")
	short.CompleteTool("", "call-1", "tiny", false)
	if !strings.Contains(short.Render(), "tiny") || strings.Contains(short.Render(), "…") {
		t.Fatalf("short result must pass through: %q", short.Render())
	}
}

func TestMemberSectionsOrdered(t *testing.T) {
	acc := NewAccumulator(0)
	acc.AppendText("assistant", "section a")
	acc.AppendText("coder", "section b")
	acc.StartTool("coder", "call-1", "compile")
	acc.CompleteTool("coder", "call-1", "ok", false)
	acc.AppendText("assistant", " more")

	got := acc.Render()
	if !strings.Contains(got, "**assistant**:\nsection a more") {
		t.Fatalf("assistant section wrong: %q", got)
	}
	if strings.Index(got, "**assistant**") > strings.Index(got, "**coder**") {
		t.Fatalf("sections out of first-output order: %q", got)
	}
	if !strings.Contains(got, "<tool>compile\nok</tool>") {
		t.Fatalf("member tool block missing: %q", got)
	}
}

func TestSuffix(t *testing.T) {
	acc := NewAccumulator(0)
	acc.AppendText("", "partial answer")
	acc.SetSuffix("(cancelled)")

	got := acc.Render()
	if !strings.HasSuffix(got, "\n(cancelled)") {
		t.Fatalf("suffix missing: %q", got)
	}
}
