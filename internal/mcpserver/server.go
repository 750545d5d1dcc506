// Package mcpserver implements a Model Context Protocol server exposing
// devpulse project insight operations as MCP tools over stdio transport.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devpulse/devpulse/internal/facade"
	"github.com/devpulse/devpulse/pkg/observability"
)

const (
	// serverName is the MCP server implementation name.
	serverName = "devpulse"
	// serverVersion is the MCP server implementation version.
	serverVersion = "1.0.0"

	// toolCount is the expected number of registered tools.
	toolCount = 7
)

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Facade is the insight operation surface the tools call into. Required.
	Facade *facade.Facade

	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with devpulse tool registrations.
type Server struct {
	inner   *mcpsdk.Server
	facade  *facade.Facade
	mu      sync.RWMutex
	tools   []string
	metrics *observability.REDMetrics
	tracer  trace.Tracer
}

// NewServer creates a new MCP server with all devpulse tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
		opts,
	)

	srv := &Server{
		inner:   inner,
		facade:  deps.Facade,
		tools:   make([]string, 0, toolCount),
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run starts the MCP server on stdio transport. It blocks until the context
// is canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	err := s.inner.Run(ctx, &mcpsdk.StdioTransport{})
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// RunWithTransport starts the MCP server on the given transport. It blocks
// until the context is canceled or the connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// registerTools adds all devpulse MCP tools to the server.
func (s *Server) registerTools() {
	register(s, ToolNameProjectStatus, projectStatusDescription, s.handleProjectStatus)
	register(s, ToolNameMetrics, metricsDescription, s.handleMetrics)
	register(s, ToolNameActivityLog, activityLogDescription, s.handleActivityLog)
	register(s, ToolNameBottlenecks, bottlenecksDescription, s.handleBottlenecks)
	register(s, ToolNameMethodology, methodologyDescription, s.handleMethodology)
	register(s, ToolNameStage, stageDescription, s.handleStage)
	register(s, ToolNameAICollab, aiCollabDescription, s.handleAICollab)
}

// register adds one tool with metrics and tracing wrappers applied.
func register[Input any](
	s *Server,
	name, description string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        name,
		Description: description,
	}, withMetrics(s.metrics, name, withTracing(s.tracer, name, handler)))

	s.trackTool(name)
}

func (s *Server) handleProjectStatus(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input ProjectStatusInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.GetProjectStatus(ctx, input.IncludeDetails)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleMetrics(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input MetricsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.GetMetrics(ctx, input.TimeRange, input.Kind)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleActivityLog(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input ActivityLogInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.GetActivityLog(ctx, input.Limit, input.Kind)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleBottlenecks(
	ctx context.Context, _ *mcpsdk.CallToolRequest, _ BottlenecksInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.AnalyzeBottlenecks(ctx)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleMethodology(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input MethodologyInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.CheckMethodology(ctx, input.Methodology)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleStage(
	ctx context.Context, _ *mcpsdk.CallToolRequest, _ StageInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.AnalyzeStage(ctx)

	return payloadResult(result, facade.IsFailure(result))
}

func (s *Server) handleAICollab(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input AICollabInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	result := s.facade.AnalyzeAICollaboration(ctx, input.Tool, input.TimeRange)

	return payloadResult(result, facade.IsFailure(result))
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey is the metadata key for trace_id in MCP tool responses.
const traceIDMetaKey = "trace_id"

// withTracing wraps an MCP tool handler to create an OTel span per invocation
// and include trace_id in the response content when sampled.
func withTracing[Input any](
	tracer trace.Tracer,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		// Include trace_id in response when span is sampled.
		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			traceContent := &mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())}
			result.Content = append(result.Content, traceContent)
		}

		return result, output, err
	}
}

// withMetrics wraps an MCP tool handler to record RED metrics per invocation.
func withMetrics[Input any](
	metrics *observability.REDMetrics,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		decInflight := metrics.TrackInflight(ctx, "mcp."+toolName)
		defer decInflight()

		result, output, err := handler(ctx, req, input)

		status := "ok"
		if err != nil || (result != nil && result.IsError) {
			status = "error"
		}

		metrics.RecordRequest(ctx, "mcp."+toolName, status, time.Since(start))

		return result, output, err
	}
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}
