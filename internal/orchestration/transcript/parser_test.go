package transcript

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func newTestParser(patterns ...string) *Parser {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return NewWithClock(res, fixedClock)
}

func TestParse_ClassifiesJSONLines(t *testing.T) {
	tests := []struct {
		name string
		line string
		want EventKind
	}{
		{
			name: "tool use",
			line: `{"type":"tool_use","name":"Bash","id":"call_1","input":{"command":"ls"}}`,
			want: ToolCall,
		},
		{
			name: "tool result",
			line: `{"type":"tool_result","tool_use_id":"call_1","content":"ok","is_error":false}`,
			want: ToolResult,
		},
		{
			name: "assistant text",
			line: `{"type":"text","text":"the answer is 4"}`,
			want: AssistantText,
		},
		{
			name: "user text",
			line: `{"type":"user","text":"what is 2+2?"}`,
			want: UserText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser()
			events := p.Parse(tt.line)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0].Kind)
			assert.Equal(t, fixedClock(), events[0].ObservedAt)
		})
	}
}

func TestParse_ToolCallFields(t *testing.T) {
	p := newTestParser()
	events := p.Parse(`{"type":"tool_use","name":"Read","id":"c9","input":{"path":"/tmp/x"}}`)
	require.Len(t, events, 1)
	assert.Equal(t, "Read", events[0].ToolName)
	assert.Equal(t, "c9", events[0].CallID)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(events[0].ToolInput))
}

func TestParse_UnknownTypeIgnored(t *testing.T) {
	p := newTestParser()
	events := p.Parse(`{"type":"system","subtype":"init"}`)
	assert.Empty(t, events)
}

func TestParse_PlainLines(t *testing.T) {
	p := newTestParser(`(?i)\berror\b`)

	events := p.Parse("Error: compilation failed\nrandom chatter\n")
	require.Len(t, events, 1)
	assert.Equal(t, AssistantText, events[0].Kind)
	assert.Equal(t, "Error: compilation failed", events[0].Text)
}

func TestParse_DuplicateSuppression(t *testing.T) {
	p := newTestParser()
	line := `{"type":"text","text":"hello"}`

	first := p.Parse(line + "\n" + `{"type":"text","text":"world"}`)
	require.Len(t, first, 2)

	// Re-capturing overlapping scrollback repeats earlier lines.
	second := p.Parse(line + "\n" + `{"type":"text","text":"fresh"}`)
	require.Len(t, second, 1)
	assert.Equal(t, "fresh", second[0].Text)
}

func TestParse_FingerprintWindowEvicts(t *testing.T) {
	p := newTestParser()

	// Fill the window past capacity, then the first line must parse again.
	first := `{"type":"text","text":"line-0"}`
	require.Len(t, p.Parse(first), 1)

	for i := 1; i <= fingerprintWindow; i++ {
		p.Parse(fmt.Sprintf(`{"type":"text","text":"line-%d"}`, i))
	}

	assert.Len(t, p.Parse(first), 1, "evicted fingerprint should parse again")
}

func TestParse_CarriageReturnsStripped(t *testing.T) {
	p := newTestParser()
	events := p.Parse("{\"type\":\"text\",\"text\":\"crlf\"}\r\n")
	require.Len(t, events, 1)
	assert.Equal(t, "crlf", events[0].Text)
}

func TestParse_MalformedJSONDiscarded(t *testing.T) {
	p := newTestParser()
	assert.Empty(t, p.Parse(`{"type":"text","text":`))
}
