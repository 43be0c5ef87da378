package database

import (
	"time"

	"github.com/google/uuid"
)

// User represents an admin API user
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIToken represents a JWT token for API access
type APIToken struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	JTI        string     `json:"jti"`
	Name       string     `json:"name"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

// ServerRecord is the persisted form of an upstream MCP server. The live
// registry entry is rebuilt from this row at startup and after updates.
type ServerRecord struct {
	ID                 uuid.UUID         `json:"id"`
	Name               string            `json:"name"`
	Transport          string            `json:"transport"` // "http" or "stdio"
	Runtime            string            `json:"runtime"`   // "local" or "kubernetes"
	URL                string            `json:"url,omitempty"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthHeader         string            `json:"auth_header,omitempty"`
	EncryptedAuthToken *string           `json:"-"`
	Format             string            `json:"format,omitempty"` // "auto", "jsonrpc", "rest"
	ForceJSONRPC       bool              `json:"force_jsonrpc"`
	StreamURL          string            `json:"stream_url,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
	MaxRetries         int               `json:"max_retries"`
	Image              string            `json:"image,omitempty"`       // kubernetes: container image
	Port               int               `json:"port,omitempty"`        // kubernetes: MCP server port
	HealthPath         string            `json:"health_path,omitempty"` // kubernetes: readiness probe path
	Enabled            bool              `json:"enabled"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ServerEnvVar is one encrypted environment entry for a stdio server.
type ServerEnvVar struct {
	ID             uuid.UUID `json:"id"`
	ServerID       uuid.UUID `json:"server_id"`
	Key            string    `json:"key"`
	EncryptedValue string    `json:"-"`
	Description    *string   `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExposureRule is one persisted exposure pass over a server's capabilities.
// All enabled rules for a server run in position order on (re)registration;
// a server with no rules exposes every discovered resource unfiltered.
type ExposureRule struct {
	ID              uuid.UUID `json:"id"`
	ServerID        uuid.UUID `json:"server_id"`
	Name            string    `json:"name"`
	Allow           []string  `json:"allow,omitempty"`
	Deny            []string  `json:"deny,omitempty"`
	Prefix          string    `json:"prefix,omitempty"`
	Sources         []string  `json:"sources,omitempty"` // "resources", "tools"
	Mode            string    `json:"mode,omitempty"`    // "auto", "call", "stream"
	StreamAggregate string    `json:"stream_aggregate,omitempty"`
	StreamN         int       `json:"stream_n,omitempty"`
	Enabled         bool      `json:"enabled"`
	Position        int       `json:"position"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MCPSession represents an active downstream MCP session
type MCPSession struct {
	ID           string     `json:"id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// CallLog is one audit row for a tool execution or gateway dispatch.
type CallLog struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  *string    `json:"session_id,omitempty"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Tool       string     `json:"tool"`
	Server     string     `json:"server,omitempty"`
	Method     string     `json:"method"`
	Status     string     `json:"status"` // "ok" or "error"
	Error      *string    `json:"error,omitempty"`
	DurationMS int        `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateUserRequest is used for user registration
type CreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is used for user login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateAPITokenRequest is used for creating a new API token
type CreateAPITokenRequest struct {
	Name string `json:"name"`
}

// CreateServerRequest is used for registering a new upstream server
type CreateServerRequest struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	URL            string            `json:"url,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	AuthHeader     string            `json:"auth_header,omitempty"`
	AuthToken      string            `json:"auth_token,omitempty"` // encrypted before storage
	Format         string            `json:"format,omitempty"`
	ForceJSONRPC   bool              `json:"force_jsonrpc,omitempty"`
	StreamURL      string            `json:"stream_url,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Image          string            `json:"image,omitempty"`
	Port           int               `json:"port,omitempty"`
	HealthPath     string            `json:"health_path,omitempty"`
	Discover       *bool             `json:"discover,omitempty"`
}

// UpdateServerRequest is used for updating an existing server
type UpdateServerRequest struct {
	Name           *string            `json:"name,omitempty"`
	URL            *string            `json:"url,omitempty"`
	Command        *string            `json:"command,omitempty"`
	Args           *[]string          `json:"args,omitempty"`
	Headers        *map[string]string `json:"headers,omitempty"`
	AuthHeader     *string            `json:"auth_header,omitempty"`
	Format         *string            `json:"format,omitempty"`
	ForceJSONRPC   *bool              `json:"force_jsonrpc,omitempty"`
	StreamURL      *string            `json:"stream_url,omitempty"`
	TimeoutSeconds *int               `json:"timeout_seconds,omitempty"`
	MaxRetries     *int               `json:"max_retries,omitempty"`
	Image          *string            `json:"image,omitempty"`
	Port           *int               `json:"port,omitempty"`
	HealthPath     *string            `json:"health_path,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
}

// SetEnvVarRequest is used for setting a server environment variable
type SetEnvVarRequest struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Description *string `json:"description,omitempty"`
}

// SetAuthTokenRequest is used for setting a server's upstream credential
type SetAuthTokenRequest struct {
	Token string `json:"token"`
}

// CreateExposureRuleRequest is used for creating an exposure rule
type CreateExposureRuleRequest struct {
	Name            string   `json:"name"`
	Allow           []string `json:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	Prefix          string   `json:"prefix,omitempty"`
	Sources         []string `json:"sources,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	StreamAggregate string   `json:"stream_aggregate,omitempty"`
	StreamN         int      `json:"stream_n,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`
	Position        int      `json:"position,omitempty"`
}

// UpdateExposureRuleRequest is used for updating an exposure rule
type UpdateExposureRuleRequest struct {
	Name            *string   `json:"name,omitempty"`
	Allow           *[]string `json:"allow,omitempty"`
	Deny            *[]string `json:"deny,omitempty"`
	Prefix          *string   `json:"prefix,omitempty"`
	Sources         *[]string `json:"sources,omitempty"`
	Mode            *string   `json:"mode,omitempty"`
	StreamAggregate *string   `json:"stream_aggregate,omitempty"`
	StreamN         *int      `json:"stream_n,omitempty"`
	Enabled         *bool     `json:"enabled,omitempty"`
	Position        *int      `json:"position,omitempty"`
}

// CallLogFilter narrows a call log listing.
type CallLogFilter struct {
	Server string
	Tool   string
	Status string
	UserID *uuid.UUID
	Limit  int
	Offset int
}
