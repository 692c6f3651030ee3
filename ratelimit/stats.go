package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Scope 限流器的作用範圍
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeUser
}

// DecisionCounts 單日某範圍的准入統計
type DecisionCounts struct {
	Scope   Scope  `json:"scope"`
	Day     string `json:"day"`
	Allowed int64  `json:"allowed"`
	Denied  int64  `json:"denied"`
}

// StatsRecorder 記錄准入結果。Record 不可阻塞請求路徑
type StatsRecorder interface {
	Record(scope Scope, allowed bool)
	Counts(ctx context.Context, scope Scope, day time.Time) (DecisionCounts, error)
	Close()
}

func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// MemoryStatsRecorder 單機記憶體統計，Redis 不可用時使用
type MemoryStatsRecorder struct {
	mu     sync.Mutex
	counts map[string]*DecisionCounts
	now    func() time.Time
}

func NewMemoryStatsRecorder() *MemoryStatsRecorder {
	return &MemoryStatsRecorder{
		counts: make(map[string]*DecisionCounts),
		now:    time.Now,
	}
}

func (m *MemoryStatsRecorder) Record(scope Scope, allowed bool) {
	day := dayKey(m.now())
	key := string(scope) + ":" + day

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counts[key]
	if !ok {
		c = &DecisionCounts{Scope: scope, Day: day}
		m.counts[key] = c
	}
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

func (m *MemoryStatsRecorder) Counts(_ context.Context, scope Scope, day time.Time) (DecisionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counts[string(scope)+":"+dayKey(day)]; ok {
		return *c, nil
	}
	return DecisionCounts{Scope: scope, Day: dayKey(day)}, nil
}

func (m *MemoryStatsRecorder) Close() {}

type statsEvent struct {
	scope   Scope
	allowed bool
	at      time.Time
}

// RedisStatsRecorder 以背景 worker 將統計寫入 Redis hash
// ratelimit:stats:{scope}:{yyyymmdd}，佇列滿時丟棄事件
type RedisStatsRecorder struct {
	logger zerolog.Logger
	rdb    *redis.Client
	prefix string
	ttl    time.Duration

	events chan statsEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRedisStatsRecorder(logger zerolog.Logger, rdb *redis.Client, queueSize int) *RedisStatsRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &RedisStatsRecorder{
		logger: logger.With().Str("module", "ratelimit_stats").Logger(),
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    7 * 24 * time.Hour,
		events: make(chan statsEvent, queueSize),
		stopCh: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

func (r *RedisStatsRecorder) Record(scope Scope, allowed bool) {
	select {
	case r.events <- statsEvent{scope: scope, allowed: allowed, at: time.Now()}:
	default:
		r.logger.Debug().Str("scope", string(scope)).Msg("限流統計佇列已滿，丟棄事件")
	}
}

func (r *RedisStatsRecorder) Counts(ctx context.Context, scope Scope, day time.Time) (DecisionCounts, error) {
	out := DecisionCounts{Scope: scope, Day: dayKey(day)}

	vals, err := r.rdb.HGetAll(ctx, r.key(scope, day)).Result()
	if err != nil {
		return out, fmt.Errorf("read rate limit stats: %w", err)
	}
	out.Allowed, _ = strconv.ParseInt(vals["allowed"], 10, 64)
	out.Denied, _ = strconv.ParseInt(vals["denied"], 10, 64)
	return out, nil
}

// Close 停止 worker，剩餘事件會先寫完
func (r *RedisStatsRecorder) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

func (r *RedisStatsRecorder) key(scope Scope, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, dayKey(t))
}

func (r *RedisStatsRecorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.events:
			r.write(ev)
		case <-r.stopCh:
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *RedisStatsRecorder) write(ev statsEvent) {
	field := "denied"
	if ev.allowed {
		field = "allowed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := r.key(ev.scope, ev.at)
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("寫入限流統計失敗")
	}
}
