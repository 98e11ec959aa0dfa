package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fullscreencam/pkg/models"
)

var (
	// ErrInvalidToken is returned for unknown or revoked tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for tokens past their expiry or already used
	ErrTokenExpired = errors.New("token expired or already used")
	// ErrWrongStream is returned when a token is presented for another stream key
	ErrWrongStream = errors.New("token not valid for this stream")
)

// Config holds token lifetime limits
type Config struct {
	DefaultExpiration time.Duration
	MaxExpiration     time.Duration
}

// Manager issues and checks ingest tokens for RTMP camera publishers
type Manager struct {
	tokens map[string]*models.IngestToken // token -> IngestToken
	mu     sync.RWMutex

	defaultExpiration time.Duration
	maxExpiration     time.Duration
	now               func() time.Time
}

// New creates a new auth manager
func New(cfg Config) *Manager {
	if cfg.DefaultExpiration <= 0 {
		cfg.DefaultExpiration = time.Hour
	}
	if cfg.MaxExpiration <= 0 {
		cfg.MaxExpiration = 24 * time.Hour
	}
	if cfg.DefaultExpiration > cfg.MaxExpiration {
		cfg.DefaultExpiration = cfg.MaxExpiration
	}

	return &Manager{
		tokens:            make(map[string]*models.IngestToken),
		defaultExpiration: cfg.DefaultExpiration,
		maxExpiration:     cfg.MaxExpiration,
		now:               time.Now,
	}
}

// GenerateToken creates a token for one publisher on streamKey.
// expiresIn is in seconds; zero uses the default and values above the maximum are capped.
func (m *Manager) GenerateToken(streamKey string, expiresIn int, requestedBy string) (models.IngestToken, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return models.IngestToken{}, fmt.Errorf("failed to generate token: %w", err)
	}

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.IngestToken{
		Token:       hex.EncodeToString(tokenBytes),
		StreamKey:   streamKey,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		RequestedBy: requestedBy,
	}

	m.mu.Lock()
	m.tokens[token.Token] = token
	m.mu.Unlock()

	return *token, nil
}

// ValidateToken checks a token without consuming it
func (m *Manager) ValidateToken(token, streamKey string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(token, streamKey)
}

// Consume validates a token and marks it used in one step, so a token admits
// exactly one publisher.
func (m *Manager) Consume(token, streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(token, streamKey); err != nil {
		return err
	}
	m.tokens[token].IsUsed = true
	return nil
}

func (m *Manager) checkLocked(token, streamKey string) error {
	t, exists := m.tokens[token]
	if !exists {
		return ErrInvalidToken
	}
	if !t.IsValid(m.now()) {
		return ErrTokenExpired
	}
	if t.StreamKey != streamKey {
		return ErrWrongStream
	}
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// CleanupExpiredTokens removes expired tokens and returns how many were removed
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for token, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, token)
			removed++
		}
	}
	return removed
}

// Run removes expired tokens every interval until ctx is cancelled
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpiredTokens(); n > 0 {
				logrus.WithField("component", "auth").Debugf("Removed %d expired ingest tokens", n)
			}
		}
	}
}

// TokenCount returns the number of tracked tokens
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
