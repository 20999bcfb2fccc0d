package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// No-op spans never record.
	_, span := p.Tracer().Start(context.Background(), "anything")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	assert.Error(t, err)
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}

func TestNewProvider_NoneExporterStillTraces(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "internal")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1.0,
	})
	require.NoError(t, err)

	ctx, parent := p.Tracer().Start(context.Background(), "tool.send_message")
	parent.SetAttributes(attribute.String(AttrToolName, "send_message"))
	_, child := p.Tracer().Start(ctx, "bus.deliver.worker")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitNonEmpty(string(data))
	require.Len(t, lines, 2)

	var records []SpanRecord
	for _, line := range lines {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}

	// Batcher exports children first; both spans share a trace.
	assert.Equal(t, records[0].TraceID, records[1].TraceID)
	byName := map[string]SpanRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	assert.Equal(t, "send_message", byName["tool.send_message"].Attributes[AttrToolName])
	assert.Equal(t, byName["tool.send_message"].SpanID, byName["bus.deliver.worker"].ParentSpanID)
}

func TestSpanToRecord_Status(t *testing.T) {
	exporter := &capturingExporter{}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.AddEvent(EventMessageDelivered)
	span.End()

	require.Len(t, exporter.records, 1)
	rec := exporter.records[0]
	assert.Equal(t, "UNSET", rec.Status)
	assert.Equal(t, "INTERNAL", rec.Kind)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, EventMessageDelivered, rec.Events[0].Name)
	assert.GreaterOrEqual(t, rec.DurationMs, 0.0)
}

type capturingExporter struct {
	records []SpanRecord
}

func (c *capturingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		c.records = append(c.records, spanToRecord(s))
	}
	return nil
}

func (c *capturingExporter) Shutdown(context.Context) error { return nil }

func TestContextTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	id := GenerateTraceID()
	assert.Len(t, id, 32)
	ctx = ContextWithTraceID(ctx, id)
	assert.Equal(t, id, TraceIDFromContext(ctx))

	// Empty IDs do not overwrite.
	assert.Equal(t, id, TraceIDFromContext(ContextWithTraceID(ctx, "")))

	assert.Len(t, GenerateSpanID(), 16)
	assert.NotEqual(t, GenerateTraceID(), GenerateTraceID())
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
