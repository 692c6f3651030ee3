package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("invalid rate limit config")

const (
	defaultCleanupInterval     = time.Minute
	defaultInactivityThreshold = 10 * time.Minute
)

// Config 限流設定；容量等於 MaxRequests，每毫秒補充 MaxRequests/WindowMs 個 token
type Config struct {
	WindowMs    int64
	MaxRequests int

	// 背景清理的週期與閒置門檻，零值使用預設；門檻至少為一個視窗
	CleanupInterval     time.Duration
	InactivityThreshold time.Duration
}

// Result 一次准入判斷的結果
type Result struct {
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
	Limit             int  `json:"limit"`
}

type bucket struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	lastRefill time.Time
	evicted    bool
}

// TokenBucketLimiter 以 key 區分的連續式 token bucket。
// 每個 key 的狀態在各自的 mutex 內更新；token 於每次 Check 時依經過時間惰性補充。
type TokenBucketLimiter struct {
	windowMs    int64
	maxRequests int
	limit       rate.Limit
	inactivity  time.Duration
	interval    time.Duration

	buckets sync.Map // string -> *bucket
	now     func() time.Time

	stopCh      chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New 建立限流器並啟動閒置 bucket 的清理 goroutine，使用完畢需呼叫 Destroy
func New(cfg Config) (*TokenBucketLimiter, error) {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) (*TokenBucketLimiter, error) {
	if cfg.WindowMs <= 0 || cfg.MaxRequests <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = defaultInactivityThreshold
	}

	window := time.Duration(cfg.WindowMs) * time.Millisecond
	// 閒置滿一個視窗的 bucket 必已補滿，清除後重建與原狀態相同
	if cfg.InactivityThreshold < window {
		cfg.InactivityThreshold = window
	}
	l := &TokenBucketLimiter{
		windowMs:    cfg.WindowMs,
		maxRequests: cfg.MaxRequests,
		limit:       rate.Limit(float64(cfg.MaxRequests) / window.Seconds()),
		inactivity:  cfg.InactivityThreshold,
		interval:    cfg.CleanupInterval,
		now:         now,
		stopCh:      make(chan struct{}),
	}

	l.wg.Add(1)
	go l.janitor()

	return l, nil
}

// Check 消耗 key 的一個 token
func (l *TokenBucketLimiter) Check(key string) Result {
	for {
		b := l.loadOrCreate(key)

		b.mu.Lock()
		if b.evicted {
			// 已被 Reset 或清理移除，改用新的 bucket
			b.mu.Unlock()
			continue
		}
		res := l.take(b, l.now())
		b.mu.Unlock()
		return res
	}
}

// Peek 查詢 key 目前狀態但不消耗 token；不存在的 key 視為滿桶
func (l *TokenBucketLimiter) Peek(key string) Result {
	v, ok := l.buckets.Load(key)
	if !ok {
		return Result{Allowed: true, Remaining: l.maxRequests, Limit: l.maxRequests}
	}

	b := v.(*bucket)
	b.mu.Lock()
	tokens := b.lim.TokensAt(l.now())
	b.mu.Unlock()

	if tokens >= 1 {
		return Result{Allowed: true, Remaining: int(math.Floor(tokens)), Limit: l.maxRequests}
	}
	return Result{Remaining: 0, RetryAfterSeconds: l.retryAfter(tokens), Limit: l.maxRequests}
}

// Reset 清除單一 key 的 bucket
func (l *TokenBucketLimiter) Reset(key string) {
	if v, ok := l.buckets.Load(key); ok {
		l.evict(key, v.(*bucket))
	}
}

// ClearAll 清除所有 bucket
func (l *TokenBucketLimiter) ClearAll() {
	l.buckets.Range(func(k, v any) bool {
		l.evict(k.(string), v.(*bucket))
		return true
	})
}

// Destroy 停止背景清理並清除所有狀態，可重複呼叫
func (l *TokenBucketLimiter) Destroy() {
	l.destroyOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		l.ClearAll()
	})
}

// Size 目前存活的 bucket 數
func (l *TokenBucketLimiter) Size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *TokenBucketLimiter) Limit() int {
	return l.maxRequests
}

func (l *TokenBucketLimiter) WindowMs() int64 {
	return l.windowMs
}

// Sweep 移除閒置超過門檻的 bucket，回傳移除數量。
// 正在被 Check 持有的 bucket 直接略過，不會等待。
func (l *TokenBucketLimiter) Sweep() int {
	cutoff := l.now().Add(-l.inactivity)
	removed := 0

	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		if !b.mu.TryLock() {
			return true
		}
		if !b.evicted && b.lastRefill.Before(cutoff) {
			b.evicted = true
			l.buckets.CompareAndDelete(k, b)
			removed++
		}
		b.mu.Unlock()
		return true
	})

	return removed
}

func (l *TokenBucketLimiter) loadOrCreate(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	// 新 bucket 為滿桶，首次 take 後剩 capacity-1
	nb := &bucket{lim: rate.NewLimiter(l.limit, l.maxRequests)}
	v, _ := l.buckets.LoadOrStore(key, nb)
	return v.(*bucket)
}

// take 呼叫端需持有 b.mu
func (l *TokenBucketLimiter) take(b *bucket, now time.Time) Result {
	b.lastRefill = now

	tokens := b.lim.TokensAt(now)
	if tokens < 1 {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: l.retryAfter(tokens),
			Limit:             l.maxRequests,
		}
	}

	// tokens >= 1 時 AllowN 必定成功
	b.lim.AllowN(now, 1)
	remaining := b.lim.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   true,
		Remaining: int(math.Floor(remaining)),
		Limit:     l.maxRequests,
	}
}

func (l *TokenBucketLimiter) retryAfter(tokens float64) int {
	seconds := math.Ceil(((1 - tokens) / float64(l.maxRequests)) * float64(l.windowMs) / 1000)
	if seconds < 1 {
		seconds = 1
	}
	return int(seconds)
}

func (l *TokenBucketLimiter) evict(key string, b *bucket) {
	b.mu.Lock()
	b.evicted = true
	l.buckets.CompareAndDelete(key, b)
	b.mu.Unlock()
}

func (l *TokenBucketLimiter) janitor() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
