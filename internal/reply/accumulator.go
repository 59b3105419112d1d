package reply

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// ToolBlockState tracks a rendered tool block.
type ToolBlockState int

const (
	ToolPending ToolBlockState = iota
	ToolDone
	ToolFailed
)

// segment is either plain text or a tool block, in invocation order.
type segment struct {
	text string
	tool *toolBlock
}

type toolBlock struct {
	callID string
	name   string
	state  ToolBlockState
	result string
}

// section accumulates output for one speaker. Single-agent replies use one
// anonymous section; collaborate teams use one section per member.
type section struct {
	member   string
	segments []segment
}

// Accumulator builds the full message body rendered into the chat. All
// updates rewrite the same output message, so Render must always return the
// complete current view.
type Accumulator struct {
	mu       sync.Mutex
	sections []*section
	byMember map[string]*section
	maxChars int // tool result display budget
	suffix   string
}

// NewAccumulator creates an accumulator with the given tool-result display
// budget. budget <= 0 selects the default of 500.
func NewAccumulator(maxToolResultChars int) *Accumulator {
	if maxToolResultChars <= 0 {
		maxToolResultChars = 500
	}
	return &Accumulator{
		byMember: make(map[string]*section),
		maxChars: maxToolResultChars,
	}
}

func (a *Accumulator) sectionFor(member string) *section {
	if s, ok := a.byMember[member]; ok {
		return s
	}
	s := &section{member: member}
	a.byMember[member] = s
	a.sections = append(a.sections, s)
	return s
}

// AppendText adds a text delta to a member's section.
func (a *Accumulator) AppendText(member, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sectionFor(member)
	if n := len(s.segments); n > 0 && s.segments[n-1].tool == nil {
		s.segments[n-1].text += delta
		return
	}
	s.segments = append(s.segments, segment{text: delta})
}

// StartTool appends a pending tool block to a member's section.
func (a *Accumulator) StartTool(member, callID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sectionFor(member)
	s.segments = append(s.segments, segment{tool: &toolBlock{
		callID: callID,
		name:   name,
		state:  ToolPending,
	}})
}

// CompleteTool rewrites the last pending block with a matching call id in
// place. Exactly one block exists per call; completing an unknown or
// already-completed call is a no-op.
func (a *Accumulator) CompleteTool(member, callID, result string, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.byMember[member]
	if !ok {
		return
	}
	for i := len(s.segments) - 1; i >= 0; i-- {
		tb := s.segments[i].tool
		if tb == nil || tb.callID != callID || tb.state != ToolPending {
			continue
		}
		tb.result = a.truncate(result)
		if failed {
			tb.state = ToolFailed
		} else {
			tb.state = ToolDone
		}
		return
	}
}

// SetSuffix appends a terminal marker ("(cancelled)", error notes) to the
// rendered output.
func (a *Accumulator) SetSuffix(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.suffix = s
}

// Render produces the full message body: member sections in first-output
// order, tool blocks in invocation order.
func (a *Accumulator) Render() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var b strings.Builder
	for i, s := range a.sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if s.member != "" {
			fmt.Fprintf(&b, "**%s**:\n", s.member)
		}
		for _, seg := range s.segments {
			if seg.tool == nil {
				b.WriteString(seg.text)
				continue
			}
			renderToolBlock(&b, seg.tool)
		}
	}
	if a.suffix != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(a.suffix)
	}
	return b.String()
}

func renderToolBlock(b *strings.Builder, tb *toolBlock) {
	ensureNewline(b)
	switch tb.state {
	case ToolPending:
		fmt.Fprintf(b, "<tool>%s ⏳</tool>\n", tb.name)
	case ToolDone:
		fmt.Fprintf(b, "<tool>%s\n%s</tool>\n", tb.name, tb.result)
	case ToolFailed:
		fmt.Fprintf(b, "<tool>%s ❌\n%s</tool>\n", tb.name, tb.result)
	}
}

func ensureNewline(b *strings.Builder) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
}

// truncate caps a tool result at the display budget, rune-safe, noting the
// original size when cut.
func (a *Accumulator) truncate(s string) string {
	if utf8.RuneCountInString(s) <= a.maxChars {
		return s
	}
	cut := runewidth.Truncate(s, a.maxChars, "")
	return fmt.Sprintf("%s… (%d chars total)", cut, utf8.RuneCountInString(s))
}
