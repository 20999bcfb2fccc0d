package tracing

// Span attribute keys for orchestration tracing.
const (
	// Tool call attributes
	AttrToolName  = "tool.name"
	AttrTransport = "tool.transport"
	AttrRequestID = "rpc.request.id"

	// Instance attributes
	AttrInstanceID   = "instance.id"
	AttrInstanceKind = "instance.kind"
	AttrInstanceRole = "instance.role"

	// Message attributes
	AttrMessageID = "message.id"
	AttrMessageTo = "message.to"

	// Error attributes
	AttrErrorKind    = "error.kind"
	AttrErrorMessage = "error.message"
)

// Span name prefixes.
const (
	SpanPrefixTool    = "tool."
	SpanPrefixSpawn   = "engine.spawn."
	SpanPrefixDeliver = "bus.deliver."
)

// Event names for span events.
const (
	EventMessageQueued    = "message.queued"
	EventMessageDelivered = "message.delivered"
	EventReplyReceived    = "reply.received"
	EventFallbackPoll     = "fallback.poll"
)
