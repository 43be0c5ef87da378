package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Session represents one downstream MCP client session. Upstream transports
// are owned by the registry and shared across sessions; a session only
// tracks identity, liveness and the initialize handshake state.
type Session struct {
	ID        string
	UserID    *uuid.UUID
	CreatedAt time.Time

	mu            sync.RWMutex
	expiresAt     time.Time
	initialized   bool
	clientName    string
	clientVersion string
}

// ExpiresAt returns the current expiry.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt())
}

func (s *Session) extend(timeout time.Duration) time.Time {
	s.mu.Lock()
	s.expiresAt = time.Now().Add(timeout)
	expiresAt := s.expiresAt
	s.mu.Unlock()
	return expiresAt
}

// SetInitialized records a completed initialize handshake.
func (s *Session) SetInitialized(clientName, clientVersion string) {
	s.mu.Lock()
	s.initialized = true
	s.clientName = clientName
	s.clientVersion = clientVersion
	s.mu.Unlock()
}

// IsInitialized reports whether the handshake has completed.
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// ClientInfo returns the name and version the client reported in initialize.
func (s *Session) ClientInfo() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientName, s.clientVersion
}

// SessionManager manages downstream MCP sessions. Sessions live in memory
// and are written through to the database when a repository is configured,
// so they survive a gateway restart.
type SessionManager struct {
	repo            *database.Repository
	sessions        map[string]*Session
	mu              sync.RWMutex
	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewSessionManager creates a new session manager. A nil repository keeps
// sessions purely in memory.
func NewSessionManager(repo *database.Repository, timeout, cleanupInterval time.Duration) *SessionManager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	sm := &SessionManager{
		repo:            repo,
		sessions:        make(map[string]*Session),
		sessionTimeout:  timeout,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go sm.cleanupLoop()

	return sm
}

// CreateSession creates a new MCP session. userID is nil for anonymous
// sessions when the MCP endpoint runs without authentication.
func (sm *SessionManager) CreateSession(ctx context.Context, userID *uuid.UUID) (*Session, error) {
	sessionID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(sm.sessionTimeout)

	if sm.repo != nil {
		if _, err := sm.repo.CreateMCPSession(ctx, sessionID, userID, expiresAt); err != nil {
			return nil, err
		}
	}

	session := &Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		expiresAt: expiresAt,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	telemetry.MCPSessionsActive.Add(ctx, 1)

	event := log.Info().Str("session_id", sessionID)
	if userID != nil {
		event = event.Str("user_id", userID.String())
	}
	event.Msg("Created new MCP session")

	return session, nil
}

// GetSession retrieves a live session by ID, extending its expiry. Expired
// sessions are deleted and reported as not found so the client re-initializes.
func (sm *SessionManager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sm.mu.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if exists {
		if session.Expired() {
			sm.DeleteSession(ctx, sessionID)
			return nil, database.ErrNotFound
		}

		expiresAt := session.extend(sm.sessionTimeout)
		if sm.repo != nil {
			go sm.repo.TouchMCPSession(context.Background(), sessionID, expiresAt)
		}
		return session, nil
	}

	if sm.repo == nil {
		return nil, database.ErrNotFound
	}

	// Survived a restart: rebuild from the database
	dbSession, err := sm.repo.GetMCPSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(dbSession.ExpiresAt) {
		sm.repo.DeleteMCPSession(ctx, sessionID)
		return nil, database.ErrNotFound
	}

	session = &Session{
		ID:        dbSession.ID,
		UserID:    dbSession.UserID,
		CreatedAt: dbSession.CreatedAt,
		expiresAt: dbSession.ExpiresAt,
		// A persisted session completed initialize before the restart
		initialized: true,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	telemetry.MCPSessionsActive.Add(ctx, 1)

	return session, nil
}

// DeleteSession removes a session from memory and the database.
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	_, exists := sm.sessions[sessionID]
	if exists {
		delete(sm.sessions, sessionID)
		telemetry.MCPSessionsActive.Add(ctx, -1)
	}
	sm.mu.Unlock()

	if sm.repo == nil {
		if !exists {
			return database.ErrNotFound
		}
		return nil
	}

	err := sm.repo.DeleteMCPSession(ctx, sessionID)
	if exists && errors.Is(err, database.ErrNotFound) {
		// In-memory session without a database row still deletes cleanly
		return nil
	}
	return err
}

// Count returns the number of live in-memory sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sm.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.cleanup()
		case <-sm.stopCleanup:
			return
		}
	}
}

func (sm *SessionManager) cleanup() {
	ctx := context.Background()

	sm.mu.Lock()
	for id, session := range sm.sessions {
		if session.Expired() {
			delete(sm.sessions, id)
			telemetry.MCPSessionsActive.Add(ctx, -1)
			log.Debug().Str("session_id", id).Msg("Cleaned up expired session")
		}
	}
	sm.mu.Unlock()

	if sm.repo == nil {
		return
	}

	count, err := sm.repo.CleanupExpiredSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup expired sessions from database")
		return
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("Cleaned up expired sessions from database")
	}
}

// Stop stops the session manager cleanup goroutine
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopCleanup)
	})
}
