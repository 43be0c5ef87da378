package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halyard/halyard/internal/mcp"
)

// Mode selects how a Tool reaches its capability.
type Mode string

const (
	// ModeAuto resolves to stream or call during exposure.
	ModeAuto Mode = "auto"
	// ModeCall performs exactly one request/response round trip.
	ModeCall Mode = "call"
	// ModeStream consumes the server's streaming iterator under an
	// aggregation policy.
	ModeStream Mode = "stream"
)

// Source selects which wire call a Tool uses: capabilities discovered via
// tools/list are invoked with tools/call, discovered resources with
// resources/call.
type Source string

const (
	SourceTools     Source = "tools"
	SourceResources Source = "resources"
)

// Aggregate names a stream aggregation policy.
type Aggregate string

const (
	// AggregateLast keeps only the most recent chunk.
	AggregateLast Aggregate = "last"
	// AggregateConcat collects every chunk into an ordered sequence.
	AggregateConcat Aggregate = "concat"
	// AggregateFirstN stops after N chunks and returns them in order.
	AggregateFirstN Aggregate = "first_n"
)

// StreamPolicy configures how a streaming Tool folds chunks into one result.
type StreamPolicy struct {
	Aggregate Aggregate `json:"aggregate"`
	N         int       `json:"n,omitempty"`
}

// DefaultStreamPolicy keeps the last chunk.
func DefaultStreamPolicy() StreamPolicy {
	return StreamPolicy{Aggregate: AggregateLast}
}

// Invoker executes one tool invocation against a server. Implementations
// are stateless; the Tool supplies the server and resource each time.
type Invoker interface {
	Invoke(ctx context.Context, srv *Server, res *Resource, params map[string]interface{}) (json.RawMessage, error)
}

// CallInvoker performs a single round trip over the source's wire call.
type CallInvoker struct {
	Source Source
}

func (ci *CallInvoker) Invoke(ctx context.Context, srv *Server, res *Resource, params map[string]interface{}) (json.RawMessage, error) {
	if ci.Source == SourceTools {
		result, err := srv.CallTool(ctx, res.Name, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
	return srv.CallResource(ctx, res.Name, params)
}

// StreamInvoker consumes the server's stream under its policy. Consumption
// stops as soon as the policy is satisfied; the iterator's early-break
// contract closes the underlying connection.
type StreamInvoker struct {
	Policy StreamPolicy
}

func (si *StreamInvoker) Invoke(ctx context.Context, srv *Server, res *Resource, params map[string]interface{}) (json.RawMessage, error) {
	var last json.RawMessage
	var chunks []json.RawMessage
	count := 0

	for chunk, err := range srv.StreamResource(ctx, res.Name, params) {
		if err != nil {
			return nil, err
		}
		count++
		switch si.Policy.Aggregate {
		case AggregateConcat:
			chunks = append(chunks, chunk)
		case AggregateFirstN:
			chunks = append(chunks, chunk)
		default:
			last = chunk
		}
		if si.Policy.Aggregate == AggregateFirstN && count >= si.Policy.N {
			break
		}
	}

	switch si.Policy.Aggregate {
	case AggregateConcat, AggregateFirstN:
		if chunks == nil {
			chunks = []json.RawMessage{}
		}
		return json.Marshal(chunks)
	default:
		return last, nil
	}
}

// Tool binds a Resource, its owning Server and an Invoker into one
// invocable unit. Tools are immutable after construction; re-exposing the
// same name replaces the registration.
type Tool struct {
	Name     string
	Resource *Resource
	Server   *Server
	Mode     Mode
	Invoker  Invoker
	Metadata map[string]interface{}
}

// NewTool creates a Tool. A nil invoker defaults to a resource call.
func NewTool(name string, srv *Server, res *Resource, mode Mode, invoker Invoker) *Tool {
	if invoker == nil {
		invoker = &CallInvoker{Source: SourceResources}
	}
	return &Tool{
		Name:     name,
		Resource: res,
		Server:   srv,
		Mode:     mode,
		Invoker:  invoker,
	}
}

// Enabled reports whether the Tool may execute right now.
func (t *Tool) Enabled() bool {
	return t.Server.Enabled() && t.Resource.Enabled
}

// Execute validates and runs the invocation. Disabled state and parameter
// violations are rejected before any network I/O happens.
func (t *Tool) Execute(ctx context.Context, params map[string]interface{}) (json.RawMessage, error) {
	if !t.Server.Enabled() {
		return nil, &mcp.DisabledError{Kind: "server", Name: t.Server.Name()}
	}
	if !t.Resource.Enabled {
		return nil, &mcp.DisabledError{Kind: "resource", Name: t.Resource.Name}
	}
	if problems := t.Resource.ValidateParameters(params); len(problems) > 0 {
		return nil, &mcp.ValidationError{Messages: problems}
	}
	return t.Invoker.Invoke(ctx, t.Server, t.Resource, params)
}

// Definition flattens the Tool into the shape a function-calling interface
// expects. The raw discovered schema wins over synthesized parameters.
func (t *Tool) Definition() ToolDefinition {
	schema := t.Resource.Schema
	if len(schema) == 0 {
		schema = SchemaFromParams(t.Resource.Parameters)
	}
	return ToolDefinition{
		Name:        t.Name,
		Description: t.Resource.Description,
		Parameters:  schema,
	}
}

// ToolDefinition is the seam consumed by agent-orchestration layers.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

func (p StreamPolicy) validate() error {
	switch p.Aggregate {
	case AggregateLast, AggregateConcat, "":
		return nil
	case AggregateFirstN:
		if p.N < 1 {
			return fmt.Errorf("first_n policy requires n >= 1, got %d", p.N)
		}
		return nil
	default:
		return fmt.Errorf("unknown aggregation policy %q", p.Aggregate)
	}
}
