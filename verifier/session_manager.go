package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auditor-zk/channel"
	"auditor-zk/shared"

	"github.com/google/uuid"
)

// SessionManager tracks open sessions and expires idle ones.
type SessionManager struct {
	sessions       map[string]*Session
	mutex          sync.Mutex
	cleanupTicker  *time.Ticker
	cleanupDone    chan struct{}
	stopOnce       sync.Once
	sessionTimeout time.Duration
	onExpire       func(*Session)
	onSweep        func()
}

// NewSessionManager creates a new session manager
func NewSessionManager(sessionTimeout time.Duration) *SessionManager {
	if sessionTimeout <= 0 {
		sessionTimeout = 2 * time.Minute
	}
	return &SessionManager{
		sessions:       make(map[string]*Session),
		cleanupDone:    make(chan struct{}),
		sessionTimeout: sessionTimeout,
	}
}

// CreateSession creates a new session with a random UUID
func (sm *SessionManager) CreateSession(conn *shared.WSConnection, limits channel.Limits) (*Session, error) {
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	session := &Session{
		ID:           sessionID.String(),
		CreatedAt:    now,
		Limits:       limits,
		Context:      ctx,
		Cancel:       cancel,
		state:        SessionStateNew,
		lastActiveAt: now,
		conn:         conn,
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.sessions[session.ID] = session
	return session, nil
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

// ActiveSessions returns the number of tracked sessions
func (sm *SessionManager) ActiveSessions() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return len(sm.sessions)
}

// CloseSession closes and removes a session. Closing an unknown session is
// not an error because sessions may already have expired.
func (sm *SessionManager) CloseSession(sessionID string) {
	sm.mutex.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mutex.Unlock()

	if exists {
		session.close()
	}
}

// StartCleanupRoutine starts the idle session sweeper
func (sm *SessionManager) StartCleanupRoutine(interval time.Duration) {
	sm.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-sm.cleanupTicker.C:
				sm.cleanupExpiredSessions()
			case <-sm.cleanupDone:
				return
			}
		}
	}()
}

// Stop stops the sweeper and closes every session
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		if sm.cleanupTicker != nil {
			sm.cleanupTicker.Stop()
		}
		close(sm.cleanupDone)

		sm.mutex.Lock()
		sessions := make([]*Session, 0, len(sm.sessions))
		for id, s := range sm.sessions {
			sessions = append(sessions, s)
			delete(sm.sessions, id)
		}
		sm.mutex.Unlock()

		for _, s := range sessions {
			s.close()
		}
	})
}

// cleanupExpiredSessions removes sessions idle for longer than the timeout
func (sm *SessionManager) cleanupExpiredSessions() {
	now := time.Now()
	var expired []*Session

	sm.mutex.Lock()
	for sessionID, session := range sm.sessions {
		if now.Sub(session.LastActiveAt()) > sm.sessionTimeout {
			expired = append(expired, session)
			delete(sm.sessions, sessionID)
		}
	}
	sm.mutex.Unlock()

	for _, s := range expired {
		if sm.onExpire != nil {
			sm.onExpire(s)
		}
		s.close()
		if s.conn != nil {
			s.conn.Close()
		}
	}

	if sm.onSweep != nil {
		sm.onSweep()
	}
}
