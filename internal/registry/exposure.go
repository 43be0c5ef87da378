package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halyard/halyard/internal/telemetry"
)

// streamURIMarker flags capability URIs that answer over SSE.
const streamURIMarker = "sse"

// ExposureBuilder selects which of a server's capabilities become Tools.
// Configure with the fluent setters, then Apply. The zero builder exposes
// every discovered resource in call mode.
type ExposureBuilder struct {
	registry *Registry
	server   *Server

	allow    []string
	deny     []string
	prefix   string
	sources  []Source
	mode     Mode
	stream   StreamPolicy
	metadata map[string]interface{}
}

// Expose starts an exposure pass over srv's capabilities.
func (r *Registry) Expose(srv *Server) *ExposureBuilder {
	return &ExposureBuilder{
		registry: r,
		server:   srv,
		sources:  []Source{SourceResources},
		mode:     ModeAuto,
		stream:   DefaultStreamPolicy(),
	}
}

// Allow restricts exposure to capabilities matching at least one pattern.
// Patterns are exact names, path globs, or substrings. Empty means all.
func (b *ExposureBuilder) Allow(patterns ...string) *ExposureBuilder {
	b.allow = append(b.allow, patterns...)
	return b
}

// Deny excludes capabilities matching any pattern. Deny wins over allow.
func (b *ExposureBuilder) Deny(patterns ...string) *ExposureBuilder {
	b.deny = append(b.deny, patterns...)
	return b
}

// Prefix prepends a namespace to registered tool names. The underlying
// resource keeps its upstream name.
func (b *ExposureBuilder) Prefix(p string) *ExposureBuilder {
	b.prefix = p
	return b
}

// Sources selects which upstream catalogues to pull from.
func (b *ExposureBuilder) Sources(sources ...Source) *ExposureBuilder {
	b.sources = sources
	return b
}

// Mode forces call or stream for every exposed capability. ModeAuto picks
// per capability.
func (b *ExposureBuilder) Mode(m Mode) *ExposureBuilder {
	b.mode = m
	return b
}

// Stream sets the aggregation policy used when a capability resolves to
// stream mode.
func (b *ExposureBuilder) Stream(p StreamPolicy) *ExposureBuilder {
	b.stream = p
	return b
}

// Metadata attaches annotations to every Tool this pass registers.
func (b *ExposureBuilder) Metadata(m map[string]interface{}) *ExposureBuilder {
	b.metadata = m
	return b
}

// Apply runs discovery as needed, filters, and registers the surviving
// capabilities as Tools. It returns the registered names, sorted.
func (b *ExposureBuilder) Apply(ctx context.Context) ([]string, error) {
	if b.server == nil {
		return nil, fmt.Errorf("exposure: no server")
	}
	if err := b.stream.validate(); err != nil {
		return nil, err
	}

	registered := make(map[string]struct{})
	for _, source := range b.sources {
		switch source {
		case SourceResources:
			if err := b.applyResources(ctx, registered); err != nil {
				return nil, err
			}
		case SourceTools:
			if err := b.applyTools(ctx, registered); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("exposure: unknown source %q", source)
		}
	}

	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)

	log.Info().
		Str("server", b.server.Name()).
		Int("registered", len(names)).
		Msg("Exposure applied")
	return names, nil
}

func (b *ExposureBuilder) applyResources(ctx context.Context, registered map[string]struct{}) error {
	if err := b.server.DiscoverResources(ctx); err != nil {
		return err
	}
	for _, res := range b.server.Resources() {
		if !b.admit(ctx, res.Name) {
			continue
		}
		mode, invoker := b.resolve(res.URI, SourceResources)
		tool := NewTool(b.toolName(res.Name), b.server, res, mode, invoker)
		tool.Metadata = b.toolMetadata(SourceResources)
		b.registry.AddTool(tool)
		registered[tool.Name] = struct{}{}
	}
	return nil
}

func (b *ExposureBuilder) applyTools(ctx context.Context, registered map[string]struct{}) error {
	upstream, err := b.server.ListTools(ctx)
	if err != nil {
		return err
	}
	for i := range upstream {
		def := &upstream[i]
		if !b.admit(ctx, def.Name) {
			continue
		}
		// Tool definitions become standalone resources. They are not merged
		// into the server's discovered resource map.
		res := &Resource{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.InputSchema,
			Parameters:  ParamsFromSchema(def.InputSchema),
			Enabled:     true,
		}
		mode, invoker := b.resolve("", SourceTools)
		tool := NewTool(b.toolName(def.Name), b.server, res, mode, invoker)
		tool.Metadata = b.toolMetadata(SourceTools)
		b.registry.AddTool(tool)
		registered[tool.Name] = struct{}{}
	}
	return nil
}

// admit applies the deny-then-allow filter and records the decision.
func (b *ExposureBuilder) admit(ctx context.Context, name string) bool {
	decision := "allow"
	ok := true
	switch {
	case matchAny(b.deny, name):
		decision = "deny"
		ok = false
	case len(b.allow) > 0 && !matchAny(b.allow, name):
		decision = "filtered"
		ok = false
	}
	telemetry.ExposureDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", b.server.Name()),
		attribute.String("decision", decision),
	))
	if !ok {
		log.Debug().
			Str("server", b.server.Name()).
			Str("capability", name).
			Str("decision", decision).
			Msg("Capability excluded")
	}
	return ok
}

func (b *ExposureBuilder) toolName(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + name
}

// resolve picks the execution strategy for one capability. Auto resolves
// to stream only when the URI carries a streaming marker and the server's
// transport can stream; tool-sourced capabilities have no URI and always
// resolve to call.
func (b *ExposureBuilder) resolve(uri string, source Source) (Mode, Invoker) {
	mode := b.mode
	if mode == ModeAuto || mode == "" {
		if strings.Contains(strings.ToLower(uri), streamURIMarker) && b.server.SupportsStreaming() {
			mode = ModeStream
		} else {
			mode = ModeCall
		}
	}
	if mode == ModeStream {
		return ModeStream, &StreamInvoker{Policy: b.stream}
	}
	return ModeCall, &CallInvoker{Source: source}
}

func (b *ExposureBuilder) toolMetadata(source Source) map[string]interface{} {
	md := map[string]interface{}{"source": string(source)}
	for k, v := range b.metadata {
		md[k] = v
	}
	return md
}

// matchAny reports whether name matches any pattern by exact comparison,
// path glob, or substring.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
