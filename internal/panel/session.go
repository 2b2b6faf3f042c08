package panel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session: авторизация на панели: cookie 3x-ui или bearer-токен Remnawave
type Session struct {
	Cookies   []*http.Cookie
	Token     string
	ExpiresAt time.Time
}

// SessionCache хранит сессии по ключу (api_url, admin_user).
// Параллельные обращения к протухшей сессии выполняют один общий логин.
type SessionCache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	items map[string]*Session
	group singleflight.Group
}

func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionCache{ttl: ttl, now: time.Now, items: make(map[string]*Session)}
}

func (c *SessionCache) lookup(key string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[key]
	if !ok || !c.now().Before(s.ExpiresAt) {
		return nil
	}
	return s
}

// Get возвращает живую сессию или логинится через login
func (c *SessionCache) Get(ctx context.Context, key string, login func(context.Context) (*Session, error)) (*Session, error) {
	if s := c.lookup(key); s != nil {
		return s, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if s := c.lookup(key); s != nil {
			return s, nil
		}
		s, err := login(ctx)
		if err != nil {
			return nil, err
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = c.now().Add(c.ttl)
		}
		c.mu.Lock()
		c.items[key] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate сбрасывает сессию, если она всё ещё та, что отвергла панель
func (c *SessionCache) Invalidate(key string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[key]; ok && (s == nil || cur == s) {
		delete(c.items, key)
	}
}
