package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config) (*TokenBucketLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l, err := newLimiter(cfg, clock.Now)
	if err != nil {
		t.Fatalf("建立限流器失敗: %v", err)
	}
	t.Cleanup(l.Destroy)
	return l, clock
}

func TestCheckDrainsBucket(t *testing.T) {
	l, _ := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 100})

	for i := 0; i < 100; i++ {
		res := l.Check("ip1")
		if !res.Allowed {
			t.Fatalf("第 %d 次請求應被允許", i+1)
		}
		if want := 99 - i; res.Remaining != want {
			t.Fatalf("第 %d 次請求 remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res := l.Check("ip1")
	if res.Allowed {
		t.Fatal("第 101 次請求應被拒絕")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfterSeconds <= 0 {
		t.Errorf("retryAfterSeconds = %d, want > 0", res.RetryAfterSeconds)
	}
}

func TestCheckWithRealClock(t *testing.T) {
	l, err := New(Config{WindowMs: 60000, MaxRequests: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Destroy()

	prev := 100
	for i := 0; i < 100; i++ {
		res := l.Check("ip1")
		if !res.Allowed {
			t.Fatalf("第 %d 次請求應被允許", i+1)
		}
		if res.Remaining > prev || res.Remaining < 0 || res.Remaining > 99 {
			t.Fatalf("remaining 不合法: prev=%d got=%d", prev, res.Remaining)
		}
		prev = res.Remaining
	}
	if res := l.Check("ip1"); res.Allowed || res.RetryAfterSeconds <= 0 {
		t.Fatalf("耗盡後應拒絕並提供 retryAfter, got %+v", res)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	l, clock := newTestLimiter(t, Config{WindowMs: 10000, MaxRequests: 2})

	l.Check("k")
	l.Check("k")

	// 0 token: ceil((1-0)/2 * 10) = 5
	res := l.Check("k")
	if res.Allowed || res.RetryAfterSeconds != 5 {
		t.Fatalf("got %+v, want denied with retryAfter 5", res)
	}

	// 補充 0.5 token: ceil(0.5/2 * 10) = 3
	clock.Advance(2500 * time.Millisecond)
	res = l.Check("k")
	if res.Allowed || res.RetryAfterSeconds != 3 {
		t.Fatalf("got %+v, want denied with retryAfter 3", res)
	}

	// 再 3 秒累積超過 1 token
	clock.Advance(3 * time.Second)
	res = l.Check("k")
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("got %+v, want allowed with remaining 0", res)
	}
}

func TestCheckRefillsAndClampsToCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 100})

	for i := 0; i < 100; i++ {
		l.Check("ip1")
	}
	if l.Check("ip1").Allowed {
		t.Fatal("耗盡後應被拒絕")
	}

	// 700ms 補回約 1.17 個 token
	clock.Advance(700 * time.Millisecond)
	if res := l.Check("ip1"); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("got %+v, want allowed with remaining 0", res)
	}

	// 閒置遠超過視窗，token 不可超過容量
	clock.Advance(10 * time.Minute)
	if res := l.Check("ip1"); !res.Allowed || res.Remaining != 99 {
		t.Fatalf("got %+v, want remaining 99", res)
	}
}

func TestRemainingIsMonotonic(t *testing.T) {
	l, clock := newTestLimiter(t, Config{WindowMs: 1000, MaxRequests: 10})

	prev := 10
	for i := 0; i < 30; i++ {
		res := l.Check("user")
		if res.Remaining < 0 {
			t.Fatalf("remaining 不可為負: %d", res.Remaining)
		}
		if res.Allowed && res.Remaining > 9 {
			t.Fatalf("允許時 remaining 不可超過 capacity-1: %d", res.Remaining)
		}
		if res.Remaining > prev {
			t.Fatalf("未經過時間 remaining 不應增加: prev=%d got=%d", prev, res.Remaining)
		}
		prev = res.Remaining
	}

	clock.Advance(500 * time.Millisecond)
	if res := l.Check("user"); !res.Allowed || res.Remaining != 4 {
		t.Fatalf("經過半個視窗後 got %+v, want remaining 4", res)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	global, _ := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 3})
	perUser, _ := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 3})

	for i := 0; i < 3; i++ {
		global.Check("10.0.0.1")
	}
	if global.Check("10.0.0.1").Allowed {
		t.Fatal("IP A 應已耗盡")
	}

	if res := global.Check("10.0.0.2"); !res.Allowed || res.Remaining != 2 {
		t.Fatalf("IP B 不應受影響, got %+v", res)
	}
	if res := perUser.Check("10.0.0.1"); !res.Allowed || res.Remaining != 2 {
		t.Fatalf("per-user 限流器不應受影響, got %+v", res)
	}
}

func TestResetAndClearAll(t *testing.T) {
	l, _ := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 1})

	l.Check("a")
	l.Check("b")
	if l.Check("a").Allowed || l.Check("b").Allowed {
		t.Fatal("a 與 b 都應已耗盡")
	}

	l.Reset("a")
	if res := l.Check("a"); !res.Allowed {
		t.Fatalf("Reset 後 a 應被允許, got %+v", res)
	}
	if l.Check("b").Allowed {
		t.Fatal("Reset(a) 不應影響 b")
	}

	l.ClearAll()
	if l.Size() != 0 {
		t.Fatalf("ClearAll 後 Size = %d, want 0", l.Size())
	}
	if !l.Check("b").Allowed {
		t.Fatal("ClearAll 後 b 應被允許")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(t, Config{WindowMs: 60000, MaxRequests: 5})

	if res := l.Peek("k"); !res.Allowed || res.Remaining != 5 {
		t.Fatalf("未見過的 key 應為滿桶, got %+v", res)
	}

	l.Check("k")
	for i := 0; i < 3; i++ {
		if res := l.Peek("k"); res.Remaining != 4 {
			t.Fatalf("Peek 不應消耗 token, got %+v", res)
		}
	}
	if l.Size() != 1 {
		t.Fatalf("Size = %d, want 1", l.Size())
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		WindowMs:            1000,
		MaxRequests:         5,
		InactivityThreshold: time.Minute,
	})

	l.Check("idle")
	clock.Advance(2 * time.Minute)
	l.Check("active")

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("Sweep 移除 %d 個, want 1", removed)
	}
	if l.Size() != 1 {
		t.Fatalf("Size = %d, want 1", l.Size())
	}

	// 被清除的 key 重新出現時視為新 bucket
	if res := l.Check("idle"); !res.Allowed || res.Remaining != 4 {
		t.Fatalf("got %+v, want fresh bucket", res)
	}
}

func TestDenialRefreshesActivity(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		WindowMs:            10 * 60 * 1000,
		MaxRequests:         1,
		InactivityThreshold: 10 * time.Minute,
	})

	l.Check("k")
	clock.Advance(9 * time.Minute)
	if l.Check("k").Allowed {
		t.Fatal("應被拒絕")
	}
	clock.Advance(9 * time.Minute)

	if removed := l.Sweep(); removed != 0 {
		t.Fatalf("被拒絕的請求也算活動，不應被清除, removed=%d", removed)
	}
	if l.Size() != 1 {
		t.Fatalf("Size = %d, want 1", l.Size())
	}
}

func TestSweepNeverEvictsPartiallyDrainedBucket(t *testing.T) {
	// 門檻小於視窗時提升為一個視窗
	l, clock := newTestLimiter(t, Config{
		WindowMs:            1000,
		MaxRequests:         5,
		InactivityThreshold: time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		l.Check("k")
	}
	clock.Advance(500 * time.Millisecond)

	if removed := l.Sweep(); removed != 0 {
		t.Fatalf("未補滿的 bucket 不應被清除, removed=%d", removed)
	}
	// 500ms 補回 2.5 個 token，消耗一個後剩 1
	if res := l.Check("k"); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("got %+v, want remaining 1", res)
	}

	clock.Advance(time.Second + time.Millisecond)
	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("閒置超過一個視窗應被清除, removed=%d", removed)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	l, err := New(Config{WindowMs: 1000, MaxRequests: 5, CleanupInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	l.Check("a")
	l.Check("b")

	l.Destroy()
	l.Destroy()

	if l.Size() != 0 {
		t.Fatalf("Destroy 後 Size = %d, want 0", l.Size())
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	const capacity = 50
	l, err := New(Config{WindowMs: 24 * 60 * 60 * 1000, MaxRequests: capacity})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Destroy()

	var (
		allowed atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := l.Check("shared")
			if res.Remaining < 0 {
				t.Errorf("remaining 不可為負: %d", res.Remaining)
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != capacity {
		t.Fatalf("允許 %d 次, want %d", got, capacity)
	}
}

func TestConcurrentChecksWithSweepAndReset(t *testing.T) {
	l, err := New(Config{WindowMs: 1000, MaxRequests: 10, InactivityThreshold: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Destroy()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.Sweep()
				l.Reset("k1")
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				res := l.Check("k1")
				if res.Remaining < 0 || res.Remaining > 9 {
					t.Errorf("remaining 超出範圍: %d", res.Remaining)
					return
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"零視窗", Config{WindowMs: 0, MaxRequests: 10}},
		{"零容量", Config{WindowMs: 1000, MaxRequests: 0}},
		{"負值", Config{WindowMs: -1, MaxRequests: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("預期錯誤")
			}
		})
	}
}
