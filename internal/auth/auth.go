package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"mtcsync/pkg/models"
)

var (
	ErrMissingToken = errors.New("control token required")
	ErrInvalidToken = errors.New("invalid control token")
	ErrTokenExpired = errors.New("control token expired")
	ErrWrongSession = errors.New("control token not valid for this session")
)

// Manager issues control tokens that gate changes to a session
type Manager struct {
	tokens map[string]*models.ControlToken // token -> ControlToken
	mu     sync.RWMutex

	// Config
	expiration time.Duration
	now        func() time.Time
}

// New creates a new auth manager. Tokens live for expiration.
func New(expiration time.Duration) *Manager {
	if expiration <= 0 {
		expiration = 12 * time.Hour
	}
	return &Manager{
		tokens:     make(map[string]*models.ControlToken),
		expiration: expiration,
		now:        time.Now,
	}
}

// IssueToken creates a new control token for a session
func (m *Manager) IssueToken(sessionID, clientIP string) (*models.ControlToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := m.now()
	token := &models.ControlToken{
		Token:     hex.EncodeToString(tokenBytes),
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiration),
		ClientIP:  clientIP,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpired(now)
	m.tokens[token.Token] = token

	return token, nil
}

// ValidateToken checks a token grants control of a session
func (m *Manager) ValidateToken(tokenString, sessionID string) error {
	if tokenString == "" {
		return ErrMissingToken
	}

	m.mu.RLock()
	token, exists := m.tokens[tokenString]
	m.mu.RUnlock()

	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValid(m.now()) {
		return ErrTokenExpired
	}
	if token.SessionID != sessionID {
		return ErrWrongSession
	}
	return nil
}

// RevokeSession revokes every token issued for a session
func (m *Manager) RevokeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tokenString, token := range m.tokens {
		if token.SessionID == sessionID {
			delete(m.tokens, tokenString)
		}
	}
}

// purgeExpired removes expired tokens; the caller holds mu
func (m *Manager) purgeExpired(now time.Time) {
	for tokenString, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
		}
	}
}

// GetTokenCount returns the number of active tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// RequireToken rejects requests that do not carry a control token for the
// session named by the path parameter param. The token is read from an
// "Authorization: Bearer" header or a token query parameter.
func (m *Manager) RequireToken(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := m.ValidateToken(requestToken(c), c.Param(param))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		}
	}
}

func requestToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return c.Query("token")
}
