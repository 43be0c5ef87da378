package gateway

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.InitMetrics()
	os.Exit(m.Run())
}

func newTestSessionManager(t *testing.T, timeout time.Duration) *SessionManager {
	t.Helper()
	sm := NewSessionManager(nil, timeout, time.Minute)
	t.Cleanup(sm.Stop)
	return sm
}

func TestSessionLifecycle(t *testing.T) {
	sm := newTestSessionManager(t, time.Minute)
	ctx := context.Background()
	userID := uuid.New()

	session, err := sm.CreateSession(ctx, &userID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID == "" {
		t.Fatal("empty session ID")
	}
	if session.UserID == nil || *session.UserID != userID {
		t.Errorf("UserID = %v, want %s", session.UserID, userID)
	}
	if session.IsInitialized() {
		t.Error("new session already initialized")
	}

	got, err := sm.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != session {
		t.Error("GetSession returned a different session")
	}
	if sm.Count() != 1 {
		t.Errorf("Count = %d, want 1", sm.Count())
	}

	if err := sm.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := sm.GetSession(ctx, session.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetSession after delete error = %v, want ErrNotFound", err)
	}
	if sm.Count() != 0 {
		t.Errorf("Count = %d, want 0", sm.Count())
	}
}

func TestSessionAnonymous(t *testing.T) {
	sm := newTestSessionManager(t, time.Minute)

	session, err := sm.CreateSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.UserID != nil {
		t.Errorf("UserID = %v, want nil", session.UserID)
	}
}

func TestSessionExpiry(t *testing.T) {
	sm := newTestSessionManager(t, 20*time.Millisecond)
	ctx := context.Background()

	session, err := sm.CreateSession(ctx, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := sm.GetSession(ctx, session.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetSession on expired session error = %v, want ErrNotFound", err)
	}
	if sm.Count() != 0 {
		t.Errorf("expired session still counted: %d", sm.Count())
	}
}

func TestSessionTouchExtendsExpiry(t *testing.T) {
	sm := newTestSessionManager(t, 60*time.Millisecond)
	ctx := context.Background()

	session, err := sm.CreateSession(ctx, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Keep touching past the original expiry
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := sm.GetSession(ctx, session.ID); err != nil {
			t.Fatalf("GetSession on touch %d: %v", i, err)
		}
	}
}

func TestSessionGetUnknown(t *testing.T) {
	sm := newTestSessionManager(t, time.Minute)
	if _, err := sm.GetSession(context.Background(), "no-such-session"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSessionDeleteUnknown(t *testing.T) {
	sm := newTestSessionManager(t, time.Minute)
	if err := sm.DeleteSession(context.Background(), "no-such-session"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSessionInitializedState(t *testing.T) {
	sm := newTestSessionManager(t, time.Minute)
	session, _ := sm.CreateSession(context.Background(), nil)

	session.SetInitialized("inspector", "0.5.1")
	if !session.IsInitialized() {
		t.Error("IsInitialized = false after SetInitialized")
	}
	name, version := session.ClientInfo()
	if name != "inspector" || version != "0.5.1" {
		t.Errorf("ClientInfo = %q/%q", name, version)
	}
}

func TestSessionManagerStopIdempotent(t *testing.T) {
	sm := NewSessionManager(nil, time.Minute, time.Minute)
	sm.Stop()
	sm.Stop()
}

func TestSessionOwnership(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()

	anonymous := &Session{ID: "anon"}
	bound := &Session{ID: "bound", UserID: &alice}

	tests := []struct {
		name    string
		session *Session
		caller  *uuid.UUID
		want    bool
	}{
		{"anonymous session open to all", anonymous, nil, true},
		{"anonymous session open to authenticated", anonymous, &alice, true},
		{"bound session same user", bound, &alice, true},
		{"bound session other user", bound, &bob, false},
		{"bound session anonymous caller", bound, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionOwnedBy(tt.session, tt.caller); got != tt.want {
				t.Errorf("sessionOwnedBy = %v, want %v", got, tt.want)
			}
		})
	}
}
