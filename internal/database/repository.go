package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Repository provides CRUD operations for all models
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ==================== User Operations ====================

// CountUsers returns the total number of users
func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// CreateUser creates a new user
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash, role string) (*User, error) {
	user := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.PasswordHash, user.Role, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return user, nil
}

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetAllUsers retrieves all users
func (r *Repository) GetAllUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		err := rows.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// UpdateUserRole updates a user's role
func (r *Repository) UpdateUserRole(ctx context.Context, id uuid.UUID, role string) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1
	`, id, role)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser deletes a user
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ==================== API Token Operations ====================

// CreateAPIToken creates a new API token
func (r *Repository) CreateAPIToken(ctx context.Context, userID uuid.UUID, jti, name string) (*APIToken, error) {
	token := &APIToken{
		ID:        uuid.New(),
		UserID:    userID,
		JTI:       jti,
		Name:      name,
		CreatedAt: time.Now(),
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO api_tokens (id, user_id, jti, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.UserID, token.JTI, token.Name, token.CreatedAt)
	if err != nil {
		return nil, err
	}

	return token, nil
}

// GetAPITokenByJTI retrieves an API token by JTI
func (r *Repository) GetAPITokenByJTI(ctx context.Context, jti string) (*APIToken, error) {
	token := &APIToken{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, jti, name, last_used_at, created_at, revoked_at
		FROM api_tokens WHERE jti = $1
	`, jti).Scan(&token.ID, &token.UserID, &token.JTI, &token.Name,
		&token.LastUsedAt, &token.CreatedAt, &token.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return token, nil
}

// GetAPITokensByUserID retrieves all active API tokens for a user
func (r *Repository) GetAPITokensByUserID(ctx context.Context, userID uuid.UUID) ([]*APIToken, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, jti, name, last_used_at, created_at, revoked_at
		FROM api_tokens WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		token := &APIToken{}
		err := rows.Scan(&token.ID, &token.UserID, &token.JTI, &token.Name,
			&token.LastUsedAt, &token.CreatedAt, &token.RevokedAt)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// UpdateAPITokenLastUsed updates the last used timestamp
func (r *Repository) UpdateAPITokenLastUsed(ctx context.Context, jti string) error {
	_, err := r.db.Pool.Exec(ctx,
		"UPDATE api_tokens SET last_used_at = NOW() WHERE jti = $1", jti)
	return err
}

// RevokeAPIToken revokes a token owned by the given user
func (r *Repository) RevokeAPIToken(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE api_tokens SET revoked_at = NOW()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, id, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ==================== Server Operations ====================

const serverColumns = `id, name, transport, runtime, url, command, args, headers,
	auth_header, encrypted_auth_token, format, force_jsonrpc, stream_url,
	timeout_seconds, max_retries, image, port, health_path, enabled,
	created_at, updated_at`

func scanServer(row pgx.Row) (*ServerRecord, error) {
	s := &ServerRecord{}
	err := row.Scan(&s.ID, &s.Name, &s.Transport, &s.Runtime, &s.URL, &s.Command,
		&s.Args, &s.Headers, &s.AuthHeader, &s.EncryptedAuthToken, &s.Format,
		&s.ForceJSONRPC, &s.StreamURL, &s.TimeoutSeconds, &s.MaxRetries,
		&s.Image, &s.Port, &s.HealthPath, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// CreateServer persists a new upstream server
func (r *Repository) CreateServer(ctx context.Context, req *CreateServerRequest, encryptedToken *string) (*ServerRecord, error) {
	transport := req.Transport
	if transport == "" {
		if req.Command != "" {
			transport = "stdio"
		} else {
			transport = "http"
		}
	}
	runtime := req.Runtime
	if runtime == "" {
		runtime = "local"
	}
	format := req.Format
	if format == "" {
		format = "auto"
	}

	s := &ServerRecord{
		ID:                 uuid.New(),
		Name:               req.Name,
		Transport:          transport,
		Runtime:            runtime,
		URL:                req.URL,
		Command:            req.Command,
		Args:               req.Args,
		Headers:            req.Headers,
		AuthHeader:         req.AuthHeader,
		EncryptedAuthToken: encryptedToken,
		Format:             format,
		ForceJSONRPC:       req.ForceJSONRPC,
		StreamURL:          req.StreamURL,
		TimeoutSeconds:     req.TimeoutSeconds,
		MaxRetries:         req.MaxRetries,
		Image:              req.Image,
		Port:               req.Port,
		HealthPath:         req.HealthPath,
		Enabled:            true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if s.Args == nil {
		s.Args = []string{}
	}
	if s.Headers == nil {
		s.Headers = map[string]string{}
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO servers (id, name, transport, runtime, url, command, args, headers,
			auth_header, encrypted_auth_token, format, force_jsonrpc, stream_url,
			timeout_seconds, max_retries, image, port, health_path, enabled,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21)
	`, s.ID, s.Name, s.Transport, s.Runtime, s.URL, s.Command, s.Args, s.Headers,
		s.AuthHeader, s.EncryptedAuthToken, s.Format, s.ForceJSONRPC, s.StreamURL,
		s.TimeoutSeconds, s.MaxRetries, s.Image, s.Port, s.HealthPath, s.Enabled,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return s, nil
}

// GetServerByID retrieves a server by ID
func (r *Repository) GetServerByID(ctx context.Context, id uuid.UUID) (*ServerRecord, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+serverColumns+" FROM servers WHERE id = $1", id)
	return scanServer(row)
}

// GetAllServers retrieves every server ordered by name
func (r *Repository) GetAllServers(ctx context.Context) ([]*ServerRecord, error) {
	return r.queryServers(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY name")
}

// GetEnabledServers retrieves the enabled servers ordered by name
func (r *Repository) GetEnabledServers(ctx context.Context) ([]*ServerRecord, error) {
	return r.queryServers(ctx, "SELECT "+serverColumns+" FROM servers WHERE enabled = TRUE ORDER BY name")
}

func (r *Repository) queryServers(ctx context.Context, query string, args ...interface{}) ([]*ServerRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*ServerRecord
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	return servers, rows.Err()
}

// UpdateServer applies the non-nil fields of req to an existing server
func (r *Repository) UpdateServer(ctx context.Context, id uuid.UUID, req *UpdateServerRequest) (*ServerRecord, error) {
	s, err := r.GetServerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.URL != nil {
		s.URL = *req.URL
	}
	if req.Command != nil {
		s.Command = *req.Command
	}
	if req.Args != nil {
		s.Args = *req.Args
	}
	if req.Headers != nil {
		s.Headers = *req.Headers
	}
	if req.AuthHeader != nil {
		s.AuthHeader = *req.AuthHeader
	}
	if req.Format != nil {
		s.Format = *req.Format
	}
	if req.ForceJSONRPC != nil {
		s.ForceJSONRPC = *req.ForceJSONRPC
	}
	if req.StreamURL != nil {
		s.StreamURL = *req.StreamURL
	}
	if req.TimeoutSeconds != nil {
		s.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		s.MaxRetries = *req.MaxRetries
	}
	if req.Image != nil {
		s.Image = *req.Image
	}
	if req.Port != nil {
		s.Port = *req.Port
	}
	if req.HealthPath != nil {
		s.HealthPath = *req.HealthPath
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	s.UpdatedAt = time.Now()

	_, err = r.db.Pool.Exec(ctx, `
		UPDATE servers SET name = $2, url = $3, command = $4, args = $5,
			headers = $6, auth_header = $7, format = $8, force_jsonrpc = $9,
			stream_url = $10, timeout_seconds = $11, max_retries = $12,
			image = $13, port = $14, health_path = $15, enabled = $16,
			updated_at = $17
		WHERE id = $1
	`, id, s.Name, s.URL, s.Command, s.Args, s.Headers, s.AuthHeader, s.Format,
		s.ForceJSONRPC, s.StreamURL, s.TimeoutSeconds, s.MaxRetries, s.Image,
		s.Port, s.HealthPath, s.Enabled, s.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return s, nil
}

// SetServerEnabled flips the enabled flag
func (r *Repository) SetServerEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result, err := r.db.Pool.Exec(ctx,
		"UPDATE servers SET enabled = $2, updated_at = NOW() WHERE id = $1", id, enabled)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetServerAuthToken stores the encrypted upstream credential
func (r *Repository) SetServerAuthToken(ctx context.Context, id uuid.UUID, encryptedToken string) error {
	result, err := r.db.Pool.Exec(ctx,
		"UPDATE servers SET encrypted_auth_token = $2, updated_at = NOW() WHERE id = $1", id, encryptedToken)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearServerAuthToken removes the stored upstream credential
func (r *Repository) ClearServerAuthToken(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		"UPDATE servers SET encrypted_auth_token = NULL, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteServer deletes a server and, via cascade, its env vars and rules
func (r *Repository) DeleteServer(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM servers WHERE id = $1", id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ==================== Server Env Operations ====================

// SetServerEnv inserts or replaces one environment entry
func (r *Repository) SetServerEnv(ctx context.Context, serverID uuid.UUID, key, encryptedValue string, description *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO server_env (id, server_id, env_key, encrypted_value, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (server_id, env_key)
		DO UPDATE SET encrypted_value = $4, description = $5, updated_at = NOW()
	`, uuid.New(), serverID, key, encryptedValue, description)
	return err
}

// GetServerEnv retrieves all environment entries for a server
func (r *Repository) GetServerEnv(ctx context.Context, serverID uuid.UUID) ([]*ServerEnvVar, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, server_id, env_key, encrypted_value, description, created_at, updated_at
		FROM server_env WHERE server_id = $1 ORDER BY env_key
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []*ServerEnvVar
	for rows.Next() {
		v := &ServerEnvVar{}
		err := rows.Scan(&v.ID, &v.ServerID, &v.Key, &v.EncryptedValue, &v.Description, &v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}

	return vars, rows.Err()
}

// DeleteServerEnv removes one environment entry
func (r *Repository) DeleteServerEnv(ctx context.Context, serverID uuid.UUID, key string) error {
	result, err := r.db.Pool.Exec(ctx,
		"DELETE FROM server_env WHERE server_id = $1 AND env_key = $2", serverID, key)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ==================== Exposure Rule Operations ====================

const ruleColumns = `id, server_id, name, allow_patterns, deny_patterns, prefix,
	sources, mode, stream_aggregate, stream_n, enabled, position,
	created_at, updated_at`

func scanRule(row pgx.Row) (*ExposureRule, error) {
	rule := &ExposureRule{}
	err := row.Scan(&rule.ID, &rule.ServerID, &rule.Name, &rule.Allow, &rule.Deny,
		&rule.Prefix, &rule.Sources, &rule.Mode, &rule.StreamAggregate,
		&rule.StreamN, &rule.Enabled, &rule.Position, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// CreateExposureRule persists a new rule for a server
func (r *Repository) CreateExposureRule(ctx context.Context, serverID uuid.UUID, req *CreateExposureRuleRequest) (*ExposureRule, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}

	rule := &ExposureRule{
		ID:              uuid.New(),
		ServerID:        serverID,
		Name:            req.Name,
		Allow:           req.Allow,
		Deny:            req.Deny,
		Prefix:          req.Prefix,
		Sources:         req.Sources,
		Mode:            mode,
		StreamAggregate: req.StreamAggregate,
		StreamN:         req.StreamN,
		Enabled:         enabled,
		Position:        req.Position,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if rule.Allow == nil {
		rule.Allow = []string{}
	}
	if rule.Deny == nil {
		rule.Deny = []string{}
	}
	if rule.Sources == nil {
		rule.Sources = []string{}
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO exposure_rules (id, server_id, name, allow_patterns, deny_patterns,
			prefix, sources, mode, stream_aggregate, stream_n, enabled, position,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.ServerID, rule.Name, rule.Allow, rule.Deny, rule.Prefix,
		rule.Sources, rule.Mode, rule.StreamAggregate, rule.StreamN, rule.Enabled,
		rule.Position, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return rule, nil
}

// GetExposureRuleByID retrieves a rule by ID
func (r *Repository) GetExposureRuleByID(ctx context.Context, id uuid.UUID) (*ExposureRule, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+ruleColumns+" FROM exposure_rules WHERE id = $1", id)
	return scanRule(row)
}

// GetExposureRulesForServer retrieves a server's rules in application order
func (r *Repository) GetExposureRulesForServer(ctx context.Context, serverID uuid.UUID) ([]*ExposureRule, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+ruleColumns+" FROM exposure_rules WHERE server_id = $1 ORDER BY position, created_at", serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*ExposureRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpdateExposureRule applies the non-nil fields of req to a rule
func (r *Repository) UpdateExposureRule(ctx context.Context, id uuid.UUID, req *UpdateExposureRuleRequest) (*ExposureRule, error) {
	rule, err := r.GetExposureRuleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Allow != nil {
		rule.Allow = *req.Allow
	}
	if req.Deny != nil {
		rule.Deny = *req.Deny
	}
	if req.Prefix != nil {
		rule.Prefix = *req.Prefix
	}
	if req.Sources != nil {
		rule.Sources = *req.Sources
	}
	if req.Mode != nil {
		rule.Mode = *req.Mode
	}
	if req.StreamAggregate != nil {
		rule.StreamAggregate = *req.StreamAggregate
	}
	if req.StreamN != nil {
		rule.StreamN = *req.StreamN
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Position != nil {
		rule.Position = *req.Position
	}
	rule.UpdatedAt = time.Now()

	_, err = r.db.Pool.Exec(ctx, `
		UPDATE exposure_rules SET name = $2, allow_patterns = $3, deny_patterns = $4,
			prefix = $5, sources = $6, mode = $7, stream_aggregate = $8,
			stream_n = $9, enabled = $10, position = $11, updated_at = $12
		WHERE id = $1
	`, id, rule.Name, rule.Allow, rule.Deny, rule.Prefix, rule.Sources, rule.Mode,
		rule.StreamAggregate, rule.StreamN, rule.Enabled, rule.Position, rule.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return rule, nil
}

// DeleteExposureRule removes a rule
func (r *Repository) DeleteExposureRule(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM exposure_rules WHERE id = $1", id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ==================== MCP Session Operations ====================

// CreateMCPSession persists a new downstream session
func (r *Repository) CreateMCPSession(ctx context.Context, sessionID string, userID *uuid.UUID, expiresAt time.Time) (*MCPSession, error) {
	session := &MCPSession{
		ID:           sessionID,
		UserID:       userID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		ExpiresAt:    expiresAt,
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO mcp_sessions (id, user_id, created_at, last_activity, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.UserID, session.CreatedAt, session.LastActivity, session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// GetMCPSession retrieves a session by ID
func (r *Repository) GetMCPSession(ctx context.Context, sessionID string) (*MCPSession, error) {
	session := &MCPSession{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, last_activity, expires_at
		FROM mcp_sessions WHERE id = $1
	`, sessionID).Scan(&session.ID, &session.UserID, &session.CreatedAt,
		&session.LastActivity, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// TouchMCPSession extends a session on use
func (r *Repository) TouchMCPSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		"UPDATE mcp_sessions SET last_activity = NOW(), expires_at = $2 WHERE id = $1",
		sessionID, expiresAt)
	return err
}

// DeleteMCPSession removes a session
func (r *Repository) DeleteMCPSession(ctx context.Context, sessionID string) error {
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM mcp_sessions WHERE id = $1", sessionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredSessions removes sessions past their expiry
func (r *Repository) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM mcp_sessions WHERE expires_at < NOW()")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ==================== Call Log Operations ====================

// CreateCallLog appends one audit row
func (r *Repository) CreateCallLog(ctx context.Context, entry *CallLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO call_logs (id, session_id, user_id, tool, server, method,
			status, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.SessionID, entry.UserID, entry.Tool, entry.Server,
		entry.Method, entry.Status, entry.Error, entry.DurationMS, entry.CreatedAt)
	return err
}

// GetCallLogs lists audit rows, newest first
func (r *Repository) GetCallLogs(ctx context.Context, filter CallLogFilter) ([]*CallLog, error) {
	query := `SELECT id, session_id, user_id, tool, server, method, status, error,
		duration_ms, created_at FROM call_logs`

	var conds []string
	var args []interface{}
	if filter.Server != "" {
		args = append(args, filter.Server)
		conds = append(conds, fmt.Sprintf("server = $%d", len(args)))
	}
	if filter.Tool != "" {
		args = append(args, filter.Tool)
		conds = append(conds, fmt.Sprintf("tool = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*CallLog
	for rows.Next() {
		entry := &CallLog{}
		err := rows.Scan(&entry.ID, &entry.SessionID, &entry.UserID, &entry.Tool,
			&entry.Server, &entry.Method, &entry.Status, &entry.Error,
			&entry.DurationMS, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// isDuplicateKeyError reports a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
