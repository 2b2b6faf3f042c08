package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard: флаг creating_key на пользователя: одна операция с ключами за раз
type Guard interface {
	Acquire(ctx context.Context, tgID int64) (release func(), err error)
}

// MemoryGuard: флаг в памяти процесса
type MemoryGuard struct {
	mu   sync.Mutex
	busy map[int64]bool
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{busy: make(map[int64]bool)}
}

func (g *MemoryGuard) Acquire(_ context.Context, tgID int64) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[tgID] {
		return nil, ErrFSMBusy
	}
	g.busy[tgID] = true
	return func() {
		g.mu.Lock()
		delete(g.busy, tgID)
		g.mu.Unlock()
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard: флаг в Redis (SET NX EX), общий для нескольких процессов.
// Флаг живёт не дольше TTL.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func guardKey(tgID int64) string {
	return fmt.Sprintf("fsm:creating_key:%d", tgID)
}

func (g *RedisGuard) Acquire(ctx context.Context, tgID int64) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, guardKey(tgID), token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis guard: %w", err)
	}
	if !ok {
		return nil, ErrFSMBusy
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{guardKey(tgID)}, token).Err()
	}, nil
}
