// Package auth は API キーによる認証を提供します。
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	// HeaderAPIKey は API キーを渡すヘッダーです。Authorization: Bearer でも受け付けます。
	HeaderAPIKey = "X-API-Key"
)

var (
	failureWindow    = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxFailedAttempt = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は API キーの検証と、失敗が続いたクライアントの一時的な締め出しを行います。
type Manager struct {
	keyHash  []byte
	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewManager は認証マネージャーを作成します。apiKeyHash が空なら認証を行いません。
func NewManager(apiKeyHash string) *Manager {
	return &Manager{
		keyHash:  []byte(strings.TrimSpace(apiKeyHash)),
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

// Enabled は API キーが設定されているかを返します。
func (m *Manager) Enabled() bool {
	return len(m.keyHash) > 0
}

// RequireAPIKey は API キーを検証するミドルウェアを返します。
func (m *Manager) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "TOO_MANY_ATTEMPTS",
				"error": "一定時間後に再度お試しください",
			})
			return
		}

		key := presentedKey(c.Request)
		if key == "" || !m.verify(key) {
			m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "UNAUTHORIZED",
				"error": "API キーが正しくありません",
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

func presentedKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

func (m *Manager) verify(key string) bool {
	return bcrypt.CompareHashAndPassword(m.keyHash, []byte(key)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > failureWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxFailedAttempt {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxFailedAttempt
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
