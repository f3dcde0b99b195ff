// Package session manages user sessions in the shared cache and the
// in-process presence tracker mapping live connections to stations.
// Session records outlive any single process; the reconciliation sweep
// expires them after 30 days unless a live connection still references them.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
)

// Table is the cache table holding session records.
const Table = "sessions"

// Retention is how long an unreferenced session survives without a refresh.
const Retention = 30 * 24 * time.Hour

var ErrInvalidToken = errors.New("session: invalid token")

// Session is the record stored in the cache.
type Session struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	RefreshDate int64  `json:"refreshDate"` // unix ms of last refresh
}

// Manager issues, resolves and refreshes sessions.
type Manager struct {
	cache  cache.Hash
	secret []byte
	clk    clock.Clock
}

func NewManager(c cache.Hash, secret []byte, clk clock.Clock) *Manager {
	return &Manager{cache: c, secret: secret, clk: clk}
}

// Create stores a new session and returns it with a signed token.
func (m *Manager) Create(ctx context.Context, userID string) (Session, string, error) {
	s := Session{
		SessionID:   uuid.NewString(),
		UserID:      userID,
		RefreshDate: m.clk.Now().UnixMilli(),
	}
	if err := m.cache.HSet(ctx, Table, s.SessionID, s); err != nil {
		return Session{}, "", fmt.Errorf("store session: %w", err)
	}

	claims := jwt.MapClaims{
		"sid": s.SessionID,
		"sub": userID,
		"iat": m.clk.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Session{}, "", fmt.Errorf("sign session token: %w", err)
	}
	return s, token, nil
}

// Resolve validates a token and loads its session from the cache.
func (m *Manager) Resolve(ctx context.Context, token string) (Session, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrInvalidToken
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return Session{}, ErrInvalidToken
	}

	var s Session
	if err := m.cache.HGet(ctx, Table, sid, &s); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Session{}, ErrInvalidToken
		}
		return Session{}, err
	}
	return s, nil
}

// Refresh bumps the session's refresh date, keeping it alive.
func (m *Manager) Refresh(ctx context.Context, s Session) error {
	s.RefreshDate = m.clk.Now().UnixMilli()
	return m.cache.HSet(ctx, Table, s.SessionID, s)
}

// Remove deletes a session record.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	return m.cache.HDel(ctx, Table, sessionID)
}
