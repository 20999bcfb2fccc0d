// Package transcript extracts structured events from captured pane output.
// Assistant CLIs emit streaming JSON lines; the parser classifies them into
// tool calls, tool results, and text events, suppressing duplicates across
// overlapping scrollback captures.
package transcript

import (
	"encoding/json"
	"hash/fnv"
	"regexp"
	"strings"
	"time"
)

// EventKind classifies a transcript event.
type EventKind string

const (
	// UserText is input delivered to the assistant.
	UserText EventKind = "user-text"
	// AssistantText is prose produced by the assistant.
	AssistantText EventKind = "assistant-text"
	// ToolCall is an assistant tool invocation.
	ToolCall EventKind = "tool-call"
	// ToolResult is the outcome of a tool invocation.
	ToolResult EventKind = "tool-result"
)

// Event is one structured observation extracted from a pane transcript.
// ObservedAt is stamped with the orchestrator's clock; embedded timestamps
// in assistant output are not trusted.
type Event struct {
	Kind       EventKind
	Text       string
	ToolName   string
	ToolInput  json.RawMessage
	CallID     string
	IsError    bool
	ObservedAt time.Time
}

// fingerprintWindow bounds the dedup set. Captures overlap by design (the
// engine re-captures scrollback tails), so recently seen lines repeat; 2000
// fingerprints cover several full captures at the default tail size.
const fingerprintWindow = 2000

// Parser turns captured scrollback into transcript events.
// It is not safe for concurrent use; each instance owns one parser.
type Parser struct {
	seen     map[uint64]struct{}
	order    []uint64
	next     int
	patterns []*regexp.Regexp
	now      func() time.Time
}

// New creates a parser. plainPatterns are regular expressions for
// human-readable lines worth retaining for the supervisor; all other
// non-JSON lines are discarded.
func New(plainPatterns []*regexp.Regexp) *Parser {
	return NewWithClock(plainPatterns, time.Now)
}

// NewWithClock creates a parser with an injectable clock.
func NewWithClock(plainPatterns []*regexp.Regexp, now func() time.Time) *Parser {
	return &Parser{
		seen:     make(map[uint64]struct{}, fingerprintWindow),
		order:    make([]uint64, fingerprintWindow),
		patterns: plainPatterns,
		now:      now,
	}
}

// rawLine is the wire shape of one streaming JSON line. Field names cover
// both assistant CLI dialects; unknown fields are ignored.
type rawLine struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	Content   string          `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Parse processes one capture and returns newly observed events in order.
// Lines already seen in the fingerprint window are dropped.
func (p *Parser) Parse(captured string) []Event {
	var events []Event
	for _, line := range strings.Split(captured, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if p.isDuplicate(trimmed) {
			continue
		}
		if ev, ok := p.classify(trimmed); ok {
			ev.ObservedAt = p.now()
			events = append(events, ev)
		}
	}
	return events
}

// classify maps one line to an event. Unknown JSON types and unmatched
// plain lines yield ok=false.
func (p *Parser) classify(line string) (Event, bool) {
	if strings.HasPrefix(line, "{") {
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err == nil {
			switch raw.Type {
			case "tool_use":
				return Event{
					Kind:      ToolCall,
					ToolName:  raw.Name,
					ToolInput: raw.Input,
					CallID:    raw.ID,
				}, true
			case "tool_result":
				return Event{
					Kind:    ToolResult,
					CallID:  raw.ToolUseID,
					Text:    raw.Content,
					IsError: raw.IsError,
				}, true
			case "text":
				return Event{Kind: AssistantText, Text: raw.Text}, true
			case "user":
				return Event{Kind: UserText, Text: raw.Text}, true
			}
			return Event{}, false
		}
	}

	// Non-JSON lines are retained only when a supervisor pattern matches.
	for _, re := range p.patterns {
		if re.MatchString(line) {
			return Event{Kind: AssistantText, Text: line}, true
		}
	}
	return Event{}, false
}

// isDuplicate records the line fingerprint and reports whether it was
// already in the window. Fingerprint is FNV-1a 64 over the exact line.
func (p *Parser) isDuplicate(line string) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(line))
	fp := h.Sum64()

	if _, ok := p.seen[fp]; ok {
		return true
	}

	// Evict the oldest fingerprint once the ring wraps.
	if old := p.order[p.next]; old != 0 {
		delete(p.seen, old)
	}
	p.order[p.next] = fp
	p.next = (p.next + 1) % fingerprintWindow
	p.seen[fp] = struct{}{}
	return false
}
