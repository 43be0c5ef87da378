package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level metric instruments. When OTel is disabled these are no-op.
var (
	MCPRequestsTotal        metric.Int64Counter
	MCPRequestDuration      metric.Float64Histogram
	ToolCallsTotal          metric.Int64Counter
	ToolCallDuration        metric.Float64Histogram
	ExposureDecisionsTotal  metric.Int64Counter
	MCPSessionsActive       metric.Int64UpDownCounter
	UpstreamRequestsTotal   metric.Int64Counter
	UpstreamRequestDuration metric.Float64Histogram
	UpstreamRetriesTotal    metric.Int64Counter
	StreamChunksTotal       metric.Int64Counter
	StdioProcessesActive    metric.Int64UpDownCounter
)

// InitMetrics registers all custom instruments.
// Safe to call even when OTel is disabled (instruments become no-op).
func InitMetrics() {
	meter := otel.Meter("halyard")

	MCPRequestsTotal, _ = meter.Int64Counter("mcp.requests.total",
		metric.WithDescription("Total MCP requests received"),
	)
	MCPRequestDuration, _ = meter.Float64Histogram("mcp.request.duration",
		metric.WithDescription("MCP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	ToolCallsTotal, _ = meter.Int64Counter("registry.tool.calls.total",
		metric.WithDescription("Total tool executions through the registry"),
	)
	ToolCallDuration, _ = meter.Float64Histogram("registry.tool.call.duration",
		metric.WithDescription("Tool execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	ExposureDecisionsTotal, _ = meter.Int64Counter("registry.exposure.decisions.total",
		metric.WithDescription("Total exposure allow/deny decisions"),
	)
	MCPSessionsActive, _ = meter.Int64UpDownCounter("mcp.sessions.active",
		metric.WithDescription("Currently active MCP sessions"),
	)
	UpstreamRequestsTotal, _ = meter.Int64Counter("upstream.requests.total",
		metric.WithDescription("Total upstream MCP requests"),
	)
	UpstreamRequestDuration, _ = meter.Float64Histogram("upstream.request.duration",
		metric.WithDescription("Upstream MCP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	UpstreamRetriesTotal, _ = meter.Int64Counter("upstream.retries.total",
		metric.WithDescription("Upstream attempts beyond the first"),
	)
	StreamChunksTotal, _ = meter.Int64Counter("upstream.stream.chunks.total",
		metric.WithDescription("SSE payloads received on upstream streams"),
	)
	StdioProcessesActive, _ = meter.Int64UpDownCounter("stdio.processes.active",
		metric.WithDescription("Currently running STDIO subprocesses"),
	)
}
