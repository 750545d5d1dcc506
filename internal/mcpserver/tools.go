package mcpserver

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool name constants.
const (
	ToolNameProjectStatus = "devpulse_project_status"
	ToolNameMetrics       = "devpulse_metrics"
	ToolNameActivityLog   = "devpulse_activity_log"
	ToolNameBottlenecks   = "devpulse_bottlenecks"
	ToolNameMethodology   = "devpulse_methodology"
	ToolNameStage         = "devpulse_stage"
	ToolNameAICollab      = "devpulse_ai_collaboration"
)

// Input types (auto-generate JSON schemas via struct tags).

// ProjectStatusInput is the input schema for the project status tool.
type ProjectStatusInput struct {
	IncludeDetails bool `json:"include_details,omitempty" jsonschema:"include the recent activity tail in the response"`
}

// MetricsInput is the input schema for the metrics tool.
type MetricsInput struct {
	TimeRange string `json:"time_range,omitempty" jsonschema:"aggregation window: 1h 1d 1w or 1m (default 1d)"`
	Kind      string `json:"kind,omitempty"       jsonschema:"metric kind: all commits files tests or builds (default all)"`
}

// ActivityLogInput is the input schema for the activity log tool.
type ActivityLogInput struct {
	Limit int    `json:"limit,omitempty" jsonschema:"maximum entries to return (default 50)"`
	Kind  string `json:"kind,omitempty"  jsonschema:"optional category filter (e.g. file git test)"`
}

// BottlenecksInput is the input schema for the bottleneck tool.
type BottlenecksInput struct{}

// MethodologyInput is the input schema for the methodology tool.
type MethodologyInput struct {
	Methodology string `json:"methodology,omitempty" jsonschema:"which methodology to score: all ddd tdd bdd or eda (default all)"`
}

// StageInput is the input schema for the stage analysis tool.
type StageInput struct{}

// AICollabInput is the input schema for the AI collaboration tool.
type AICollabInput struct {
	Tool      string `json:"tool,omitempty"       jsonschema:"optional assistant tool name filter"`
	TimeRange string `json:"time_range,omitempty" jsonschema:"optional aggregation window: 1h 1d 1w or 1m"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// payloadResult encodes a facade payload as the tool result. Structured
// {error:{kind,message}} payloads set the error flag but still travel
// as content so callers see the kind.
func payloadResult(payload map[string]any, isFailure bool) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: fmt.Sprintf("encode result: %v", err)},
			},
			IsError: true,
		}, ToolOutput{}, nil
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
		IsError: isFailure,
	}, ToolOutput{Data: payload}, nil
}

// Tool description constants.
const (
	projectStatusDescription = "Summarize the live project state: current development stage, " +
		"methodology scores, reached milestones, monitor health, and queue statistics."

	metricsDescription = "Aggregate development metrics (commits, lines changed, test results, " +
		"build times) over a time range, with trends and recommendations."

	activityLogDescription = "Return the newest development activity entries with " +
		"per-category and per-severity summary counters."

	bottlenecksDescription = "Report detected workflow impediments: threshold crossings, " +
		"trend anomalies, stuck stages, file hotspots, and unhealthy queue state."

	methodologyDescription = "Score adherence to development methodologies " +
		"(DDD, TDD, BDD, event-driven) from observed file, git, and test activity."

	stageDescription = "Report the inferred development lifecycle stage with confidence, " +
		"active sub-stages, per-stage progress, and transition history."

	aiCollabDescription = "Aggregate AI assistant usage: sessions, acceptance rate, " +
		"estimated time saved, and peak usage hours, optionally per tool."
)
