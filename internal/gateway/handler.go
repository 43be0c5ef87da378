package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/observability"
	"github.com/halyard/halyard/internal/registry"
	"github.com/halyard/halyard/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("halyard/gateway")

const gatewayVersion = "1.0.0"

// Handler serves the MCP Streamable HTTP endpoint, answering every request
// from the registry's catalogue.
//
// Streamable HTTP transport (MCP spec):
//   - POST /mcp  → JSON-RPC requests (initialize, tools/list, tools/call, etc.)
//   - GET  /mcp  → SSE stream for server-to-client notifications
//   - DELETE /mcp → Session termination
type Handler struct {
	sessions *SessionManager
	reg      *registry.Registry
	sse      *SSEManager
	repo     *database.Repository
	obsHub   *observability.Hub
}

// NewHandler creates a new MCP gateway handler. repo and obsHub may be nil;
// audit logging and dashboard events are then skipped.
func NewHandler(sessions *SessionManager, reg *registry.Registry, sse *SSEManager, repo *database.Repository, obsHub *observability.Hub) *Handler {
	return &Handler{
		sessions: sessions,
		reg:      reg,
		sse:      sse,
		repo:     repo,
		obsHub:   obsHub,
	}
}

// HandleMCP routes requests by HTTP method per the Streamable HTTP spec.
func (h *Handler) HandleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleSSE(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost handles all JSON-RPC requests via POST.
//
// Flow:
//  1. POST with method=initialize → creates session, returns session ID
//  2. POST with Mcp-Session-Id header → dispatches against the registry
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	userID := requestUserID(ctx)

	// Reject protocol versions we do not speak. Absent header is allowed
	// for backwards compatibility.
	if v := r.Header.Get("MCP-Protocol-Version"); v != "" && v != mcp.MCPProtocolVersion {
		http.Error(w, "Unsupported MCP protocol version: "+v, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeJSONRPCError(w, nil, mcp.ParseError, "Failed to read request body")
		return
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeJSONRPCError(w, nil, mcp.ParseError, "Invalid JSON")
		return
	}

	ctx, span := tracer.Start(ctx, "handlePost",
		trace.WithAttributes(
			attribute.String("mcp.method", req.Method),
		),
	)
	defer span.End()

	// Inject trace_id into zerolog context
	injectTraceID(ctx)

	log.Debug().
		Str("method", req.Method).
		Msg("Received MCP request")

	// Accept session ID from header (Streamable HTTP) or query param (SSE transport compat)
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}

	// --- Initialize: create or reuse session ---
	if req.Method == mcp.MethodInitialize {
		h.handleInitialize(w, ctx, userID, sessionID, &req, startTime)
		return
	}

	// --- All other methods require an existing session ---
	if sessionID == "" {
		h.writeJSONRPCError(w, req.ID, mcp.InvalidRequest, "Session required. Send initialize first.")
		return
	}

	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		// Session not found or expired → client must re-initialize
		http.Error(w, "Session not found or expired", http.StatusNotFound)
		return
	}

	if !sessionOwnedBy(session, userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Notifications are fire-and-forget and get no response body
	if req.IsNotification() {
		if req.Method == mcp.MethodInitialized {
			log.Debug().Str("session_id", session.ID).Msg("Client confirmed initialization")
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp, server, tool := h.dispatch(ctx, session, &req)
	if resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Message)
	}

	w.Header().Set("Mcp-Session-Id", session.ID)
	h.writeJSON(w, resp)

	status := "ok"
	var errMsg *string
	if resp.Error != nil {
		status = "error"
		msg := resp.Error.Message
		errMsg = &msg
	}

	h.recordRequest(ctx, req.Method, status, startTime)
	h.emitRequestActivity(ctx, startTime, session.ID, userID, req.Method, server, tool, status)
	h.logCall(ctx, session.ID, userID, req.Method, server, tool, status, errMsg, startTime)
}

// handleInitialize creates a new session (or reuses an existing one from SSE
// compat) and answers with the gateway's own capabilities. Upstream servers
// stay invisible; the client sees one aggregated MCP server.
func (h *Handler) handleInitialize(w http.ResponseWriter, ctx context.Context, userID *uuid.UUID, existingSessionID string, req *mcp.JSONRPCRequest, startTime time.Time) {
	ctx, span := tracer.Start(ctx, "handleInitialize")
	defer span.End()

	var session *Session
	var err error

	// Reuse existing session if available (e.g., created by SSE compat GET)
	if existingSessionID != "" {
		session, err = h.sessions.GetSession(ctx, existingSessionID)
		if err == nil && sessionOwnedBy(session, userID) {
			log.Debug().
				Str("session_id", existingSessionID).
				Msg("Reusing existing session for initialize")
		} else {
			session = nil // fall through to create new
		}
	}

	if session == nil {
		session, err = h.sessions.CreateSession(ctx, userID)
		if err != nil {
			span.SetStatus(codes.Error, "Failed to create session")
			h.writeJSONRPCError(w, req.ID, mcp.InternalError, "Failed to create session")
			return
		}
		if h.obsHub != nil {
			h.obsHub.EmitSession(observability.SessionEvent{
				Event:     "created",
				SessionID: session.ID,
				UserID:    userIDString(userID),
			})
		}
	}

	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.writeJSONRPCError(w, req.ID, mcp.InvalidParams, "Invalid initialize params")
			return
		}
	}

	session.SetInitialized(params.ClientInfo.Name, params.ClientInfo.Version)

	log.Info().
		Str("session_id", session.ID).
		Str("client_name", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("requested_protocol", params.ProtocolVersion).
		Msg("Initializing MCP session")

	result := &mcp.InitializeResult{
		ProtocolVersion: mcp.MCPProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{},
		},
		ServerInfo: mcp.ServerInfo{Name: "halyard", Version: gatewayVersion},
	}

	w.Header().Set("Mcp-Session-Id", session.ID)
	w.Header().Set("MCP-Protocol-Version", mcp.MCPProtocolVersion)
	h.writeJSONRPCResponse(w, req.ID, result)

	h.recordRequest(ctx, mcp.MethodInitialize, "ok", startTime)
	h.emitRequestActivity(ctx, startTime, session.ID, userID, mcp.MethodInitialize, "", "", "ok")
	h.logCall(ctx, session.ID, userID, mcp.MethodInitialize, "", "", "ok", nil, startTime)
}

// dispatch answers one JSON-RPC request from the registry. It returns the
// response plus the server and tool involved, for audit and metrics.
func (h *Handler) dispatch(ctx context.Context, session *Session, req *mcp.JSONRPCRequest) (resp *mcp.JSONRPCResponse, server, tool string) {
	switch req.Method {
	case mcp.MethodPing:
		resp, _ = mcp.NewSuccessResponse(req.ID, struct{}{})
		return resp, "", ""

	case mcp.MethodToolsList:
		return h.listTools(req), "", ""

	case mcp.MethodToolsCall:
		return h.callTool(ctx, req)

	case mcp.MethodResourcesList:
		return h.listResources(req), "", ""

	case mcp.MethodResourcesCall:
		return h.callResource(ctx, req)

	default:
		return mcp.NewErrorResponse(req.ID, mcp.MethodNotFound, "Method not found: "+req.Method), "", ""
	}
}

func (h *Handler) listTools(req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	defs := h.reg.ToolDefinitions()
	tools := make([]mcp.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		})
	}

	resp, err := mcp.NewSuccessResponse(req.ID, &mcp.ToolsListResult{Tools: tools})
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "Failed to marshal tool list")
	}
	return resp
}

func (h *Handler) listResources(req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	regTools := h.reg.Tools()
	resources := make([]mcp.Resource, 0, len(regTools))
	for _, t := range regTools {
		if !t.Enabled() {
			continue
		}
		resources = append(resources, mcp.Resource{
			URI:         t.Resource.URI,
			Name:        t.Name,
			Description: t.Resource.Description,
			MimeType:    t.Resource.MimeType,
		})
	}

	resp, err := mcp.NewSuccessResponse(req.ID, &mcp.ResourcesListResult{Resources: resources})
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "Failed to marshal resource list")
	}
	return resp
}

func (h *Handler) callTool(ctx context.Context, req *mcp.JSONRPCRequest) (resp *mcp.JSONRPCResponse, server, tool string) {
	var params mcp.ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Invalid tools/call params"), "", ""
	}
	if params.Name == "" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Tool name is required"), "", ""
	}

	server = h.serverForTool(params.Name)

	raw, err := h.reg.ExecuteTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return h.toolErrorResponse(req.ID, err), server, params.Name
	}

	resp, merr := mcp.NewSuccessResponse(req.ID, normalizeToolResult(raw))
	if merr != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "Failed to marshal tool result"), server, params.Name
	}
	return resp, server, params.Name
}

func (h *Handler) callResource(ctx context.Context, req *mcp.JSONRPCRequest) (resp *mcp.JSONRPCResponse, server, resource string) {
	var params mcp.ResourceCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Invalid resources/call params"), "", ""
	}
	if params.Name == "" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "Resource name is required"), "", ""
	}

	server = h.serverForTool(params.Name)

	// Resources are flattened into the catalogue under the same registered
	// names as tools, so execution shares the tool path. The raw upstream
	// payload is returned without tool-result framing.
	raw, err := h.reg.ExecuteTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return h.resourceErrorResponse(req.ID, err), server, params.Name
	}

	resp, merr := mcp.NewSuccessResponse(req.ID, raw)
	if merr != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "Failed to marshal resource result"), server, params.Name
	}
	return resp, server, params.Name
}

func (h *Handler) serverForTool(name string) string {
	if t, ok := h.reg.Tool(name); ok {
		return t.Server.Name()
	}
	return ""
}

// toolErrorResponse maps execution failures onto the MCP wire. Client-side
// problems (unknown tool, bad arguments) become JSON-RPC errors; upstream
// failures become tool results with isError so agent loops can react.
func (h *Handler) toolErrorResponse(id json.RawMessage, err error) *mcp.JSONRPCResponse {
	var notFound *mcp.NotFoundError
	var validation *mcp.ValidationError
	var disabled *mcp.DisabledError

	switch {
	case errors.As(err, &notFound):
		return mcp.NewErrorResponse(id, mcp.InvalidParams, err.Error())
	case errors.As(err, &validation):
		return mcp.NewErrorResponse(id, mcp.InvalidParams, err.Error())
	case errors.As(err, &disabled):
		return mcp.NewErrorResponse(id, mcp.InvalidRequest, err.Error())
	default:
		resp, merr := mcp.NewSuccessResponse(id, mcp.NewToolCallError(err.Error()))
		if merr != nil {
			return mcp.NewErrorResponse(id, mcp.InternalError, err.Error())
		}
		return resp
	}
}

// resourceErrorResponse maps failures for resources/call, which has no
// isError framing; every failure is a JSON-RPC error.
func (h *Handler) resourceErrorResponse(id json.RawMessage, err error) *mcp.JSONRPCResponse {
	var notFound *mcp.NotFoundError
	var validation *mcp.ValidationError
	var disabled *mcp.DisabledError

	switch {
	case errors.As(err, &notFound):
		return mcp.NewErrorResponse(id, mcp.InvalidParams, err.Error())
	case errors.As(err, &validation):
		return mcp.NewErrorResponse(id, mcp.InvalidParams, err.Error())
	case errors.As(err, &disabled):
		return mcp.NewErrorResponse(id, mcp.InvalidRequest, err.Error())
	default:
		return mcp.NewErrorResponse(id, mcp.InternalError, err.Error())
	}
}

// normalizeToolResult shapes a registry execution result for tools/call.
// Tools sourced from upstream tools/call already carry content framing and
// pass through; resource payloads are wrapped as a single text block.
func normalizeToolResult(raw json.RawMessage) *mcp.ToolCallResult {
	var result mcp.ToolCallResult
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		if trimmed := bytes.TrimSpace(result.Content); len(trimmed) > 0 && trimmed[0] == '[' {
			return &result
		}
	}
	return mcp.NewToolCallText(string(raw))
}

// handleSSE handles GET /mcp.
//
// Two modes:
//  1. With Mcp-Session-Id header → SSE notification stream (Streamable HTTP spec)
//  2. Without session → backward-compatible SSE transport mode:
//     creates session and sends "endpoint" event telling the client where to POST.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctx, span := tracer.Start(ctx, "handleSSE")
	defer span.End()

	userID := requestUserID(ctx)

	sessionID := r.Header.Get("Mcp-Session-Id")
	var session *Session
	var err error

	if sessionID != "" {
		// Streamable HTTP: notification stream for existing session
		session, err = h.sessions.GetSession(ctx, sessionID)
		if err != nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		if !sessionOwnedBy(session, userID) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	} else {
		// SSE transport compat: create a session for clients that GET first
		session, err = h.sessions.CreateSession(ctx, userID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		if h.obsHub != nil {
			h.obsHub.EmitSession(observability.SessionEvent{
				Event:     "created",
				SessionID: session.ID,
				UserID:    userIDString(userID),
			})
		}
	}

	w.Header().Set("Mcp-Session-Id", session.ID)

	sseWriter, err := mcp.NewSSEWriter(w)
	if err != nil {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// If session was just created (no prior session ID), send the endpoint event
	// so SSE-transport clients know where to POST their JSON-RPC messages.
	if sessionID == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		endpointURL := scheme + "://" + r.Host + "/mcp?session_id=" + session.ID

		if err := sseWriter.WriteEvent(&mcp.SSEEvent{Event: "endpoint", Data: endpointURL}); err != nil {
			log.Error().Err(err).Msg("Failed to send endpoint event")
			return
		}

		log.Info().
			Str("session_id", session.ID).
			Str("endpoint", endpointURL).
			Msg("SSE transport: sent endpoint event")
	} else {
		log.Info().Str("session_id", session.ID).Msg("SSE notification stream opened")
	}

	// Register for notifications until the client disconnects
	hub := h.sse.GetOrCreateHub(session.ID)
	connID := uuid.New().String()
	conn := hub.AddConnection(connID, sseWriter)
	defer hub.RemoveConnection(connID)

	select {
	case <-ctx.Done():
	case <-conn.Done:
	}

	sseWriter.Close()
	log.Info().Str("session_id", session.ID).Msg("SSE stream closed")
}

// handleDelete terminates a session per the Streamable HTTP spec.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctx, span := tracer.Start(ctx, "handleDelete")
	defer span.End()

	userID := requestUserID(ctx)

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if !sessionOwnedBy(session, userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	h.sse.RemoveHub(sessionID)
	if err := h.sessions.DeleteSession(ctx, sessionID); err != nil {
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}

	if h.obsHub != nil {
		h.obsHub.EmitSession(observability.SessionEvent{
			Event:     "deleted",
			SessionID: sessionID,
			UserID:    userIDString(userID),
		})
	}

	w.WriteHeader(http.StatusNoContent)
	log.Info().Str("session_id", sessionID).Msg("Session terminated by client")
}

// --- helpers ---

// requestUserID extracts the authenticated user, if any. The MCP endpoint
// can run without auth middleware; sessions are then anonymous.
func requestUserID(ctx context.Context) *uuid.UUID {
	if userID, ok := auth.GetUserID(ctx); ok {
		return &userID
	}
	return nil
}

// sessionOwnedBy checks session ownership. Anonymous sessions are open to
// any caller; user-bound sessions require the same authenticated user.
func sessionOwnedBy(session *Session, userID *uuid.UUID) bool {
	if session.UserID == nil {
		return true
	}
	if userID == nil {
		return false
	}
	return *session.UserID == *userID
}

func userIDString(userID *uuid.UUID) string {
	if userID == nil {
		return ""
	}
	return userID.String()
}

func (h *Handler) recordRequest(ctx context.Context, method, status string, startTime time.Time) {
	duration := float64(time.Since(startTime).Milliseconds())
	telemetry.MCPRequestsTotal.Add(ctx, 1,
		otelmetric.WithAttributes(attribute.String("method", method), attribute.String("status", status)),
	)
	telemetry.MCPRequestDuration.Record(ctx, duration,
		otelmetric.WithAttributes(attribute.String("method", method)),
	)
}

func (h *Handler) emitRequestActivity(ctx context.Context, startTime time.Time, sessionID string, userID *uuid.UUID, method, server, tool, status string) {
	if h.obsHub == nil {
		return
	}
	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
		traceID = span.SpanContext().TraceID().String()
	}
	h.obsHub.EmitActivity(observability.ActivityEvent{
		Timestamp:  startTime,
		SessionID:  sessionID,
		UserID:     userIDString(userID),
		Method:     method,
		Server:     server,
		Tool:       tool,
		DurationMS: float64(time.Since(startTime).Milliseconds()),
		Status:     status,
		TraceID:    traceID,
	})
}

func (h *Handler) writeJSONRPCResponse(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	resp, err := mcp.NewSuccessResponse(id, result)
	if err != nil {
		h.writeJSONRPCError(w, id, mcp.InternalError, "Failed to marshal response")
		return
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := mcp.NewErrorResponse(id, code, message)
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func (h *Handler) logCall(ctx context.Context, sessionID string, userID *uuid.UUID, method, server, tool, status string, errMsg *string, startTime time.Time) {
	if h.repo == nil {
		return
	}

	entry := &database.CallLog{
		SessionID:  &sessionID,
		UserID:     userID,
		Tool:       tool,
		Server:     server,
		Method:     method,
		Status:     status,
		Error:      errMsg,
		DurationMS: int(time.Since(startTime).Milliseconds()),
	}

	// Don't fail the request if logging fails
	if err := h.repo.CreateCallLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("method", method).Msg("Failed to write call log")
	}
}

// injectTraceID adds the OTel trace_id to the zerolog context for log correlation.
func injectTraceID(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		log.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("trace_id", span.SpanContext().TraceID().String())
		})
	}
}
