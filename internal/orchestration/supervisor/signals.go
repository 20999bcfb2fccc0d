package supervisor

import (
	"regexp"
	"time"
)

// SignalKind names a progress signal mined from a transcript.
type SignalKind string

const (
	SignalCompletion SignalKind = "completion"
	SignalActive     SignalKind = "active"
	SignalBlocked    SignalKind = "blocked"
	SignalError      SignalKind = "error"
	SignalToolUse    SignalKind = "tool-use"
)

// signalPattern pairs a case-insensitive word-boundary pattern with the
// confidence assigned to its matches.
type signalPattern struct {
	kind       SignalKind
	re         *regexp.Regexp
	confidence float64
}

var textPatterns = []signalPattern{
	{SignalError, regexp.MustCompile(`(?i)\b(error|failed|exception)\b`), 0.95},
	{SignalCompletion, regexp.MustCompile(`(?i)\b(done|finished|completed)\b`), 0.9},
	{SignalActive, regexp.MustCompile(`(?i)\b(working|analyzing|processing)\b`), 0.85},
	{SignalBlocked, regexp.MustCompile(`(?i)\b(blocked|stuck|waiting for)\b`), 0.8},
}

const toolUseConfidence = 0.85

// PlainPatterns returns the regexes the transcript parser should retain
// non-JSON lines for; the supervisor classifies those lines into signals.
func PlainPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(textPatterns))
	for i, p := range textPatterns {
		out[i] = p.re
	}
	return out
}

// Signal is one mined progress observation.
type Signal struct {
	Kind       SignalKind
	Confidence float64
	Line       string
	At         time.Time
}

// classifyLine maps a line of assistant text to its strongest signal.
// Pattern order encodes priority: an "error: not finished" line is an
// error signal, not a completion.
func classifyLine(line string, at time.Time) (Signal, bool) {
	for _, p := range textPatterns {
		if p.re.MatchString(line) {
			return Signal{Kind: p.kind, Confidence: p.confidence, Line: line, At: at}, true
		}
	}
	return Signal{}, false
}
