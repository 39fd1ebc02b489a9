package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/docsrelay/config"
)

// ErrMaxSessions is returned by CreateSession at the session limit
var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	activeSessionsKey = "active_sessions"
	registryTimeout   = 2 * time.Second
)

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	deps     Dependencies
}

// NewManager creates a session manager. The Redis registry is optional: an
// empty RedisURL or an unreachable server leaves it disabled.
func NewManager(cfg *config.Config, deps Dependencies) (*Manager, error) {
	var redisClient *redis.Client

	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️ Redis unavailable at %s, running without session registry: %v", cfg.RedisURL, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("✅ Connected to Redis at %s", cfg.RedisURL)
		}
	}

	return &Manager{
		sessions: make(map[string]*ClientSession),
		redis:    redisClient,
		config:   cfg,
		deps:     deps,
	}, nil
}

// CreateSession registers a new client session for an upgraded connection
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	if len(sm.sessions) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		sm.deps.Metrics.SessionRejected()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewClientSession(sessionID, clientConn, sm.deps, Options{
		DownloadsDir:    sm.config.DownloadsDir,
		MaxBufferSize:   sm.config.MaxBufferSize,
		KeepAlivePeriod: sm.config.KeepAlivePeriod,
	})
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	sm.deps.Metrics.SessionStarted()
	sm.registerSession(ctx, sessionID, session)
	return session, nil
}

// registerSession records a session in Redis. Called without sm.mu held.
func (sm *Manager) registerSession(ctx context.Context, sessionID string, session *ClientSession) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	key := "session:" + sessionID
	_, err := sm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity().Format(time.RFC3339),
			"status":        "active",
			"mode":          sm.config.Mode,
		})
		pipe.SAdd(ctx, activeSessionsKey, sessionID)
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		return nil
	})
	if err != nil {
		log.Printf("⚠️ [%s] Failed to register session in Redis: %v", sessionID[:8], err)
	}
}

// unregisterSessions removes sessions from Redis. Called without sm.mu held.
func (sm *Manager) unregisterSessions(ctx context.Context, ids []string) {
	if sm.redis == nil || len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	members := make([]interface{}, 0, len(ids))
	_, err := sm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, "session:"+id)
			members = append(members, id)
		}
		pipe.SRem(ctx, activeSessionsKey, members...)
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Failed to remove %d session(s) from Redis: %v", len(ids), err)
	}
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	removed := sm.removeLocked(sessionID)
	sm.mu.Unlock()

	if removed {
		sm.unregisterSessions(ctx, []string{sessionID})
	}
}

// removeLocked closes and forgets a session; the caller holds sm.mu and
// updates Redis afterwards
func (sm *Manager) removeLocked(sessionID string) bool {
	session, exists := sm.sessions[sessionID]
	if !exists {
		return false
	}

	session.Close()
	delete(sm.sessions, sessionID)
	sm.deps.Metrics.SessionEnded(time.Since(session.CreatedAt))
	return true
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that are already closed or idle
// for longer than the session timeout, and refreshes the registry entry of
// the others
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	var removed []string
	live := make(map[string]time.Time)

	sm.mu.Lock()
	now := time.Now()
	for id, session := range sm.sessions {
		last := session.LastActivity()
		switch {
		case session.IsClosed():
			log.Printf("🧹 [%s] Removing closed session", id[:8])
		case now.Sub(last) > sm.config.SessionTimeout:
			log.Printf("🧹 [%s] Closing idle session (inactive since %s)", id[:8], last.Format(time.RFC3339))
		default:
			live[id] = last
			continue
		}
		sm.removeLocked(id)
		removed = append(removed, id)
	}
	sm.mu.Unlock()

	sm.unregisterSessions(ctx, removed)

	if sm.redis == nil || len(live) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()
	_, err := sm.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, last := range live {
			pipe.HSet(ctx, "session:"+id, "last_activity", last.Format(time.RFC3339))
			pipe.Expire(ctx, "session:"+id, sm.config.SessionTimeout)
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Failed to refresh %d session(s) in Redis: %v", len(live), err)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		sm.removeLocked(id)
		ids = append(ids, id)
	}
	sm.mu.Unlock()

	sm.unregisterSessions(context.Background(), ids)

	if sm.redis != nil {
		sm.redis.Close()
	}
}
