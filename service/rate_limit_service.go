package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"api-marketplace/metrics"
	"api-marketplace/model"
	"api-marketplace/ratelimit"
	"api-marketplace/service/interfaces"

	"github.com/rs/zerolog"
)

var ErrUnknownRateLimitScope = errors.New("unknown rate limit scope")

// RateLimitService 持有全域（IP）與每用戶兩個獨立的限流器
type RateLimitService struct {
	logger  zerolog.Logger
	global  *ratelimit.TokenBucketLimiter
	perUser *ratelimit.TokenBucketLimiter
	stats   ratelimit.StatsRecorder

	auditLogger interfaces.AuditLogger
}

func NewRateLimitService(logger zerolog.Logger, global, perUser ratelimit.Config, stats ratelimit.StatsRecorder) (*RateLimitService, error) {
	globalLimiter, err := ratelimit.New(global)
	if err != nil {
		return nil, fmt.Errorf("global limiter: %w", err)
	}
	perUserLimiter, err := ratelimit.New(perUser)
	if err != nil {
		globalLimiter.Destroy()
		return nil, fmt.Errorf("per-user limiter: %w", err)
	}
	if stats == nil {
		stats = ratelimit.NewMemoryStatsRecorder()
	}

	return &RateLimitService{
		logger:  logger.With().Str("module", "rate_limit_service").Logger(),
		global:  globalLimiter,
		perUser: perUserLimiter,
		stats:   stats,
	}, nil
}

func (s *RateLimitService) SetAuditLogger(auditLogger interfaces.AuditLogger) {
	s.auditLogger = auditLogger
}

// CheckGlobalLimit 以來源 IP 消耗全域限流 token
func (s *RateLimitService) CheckGlobalLimit(ip string) ratelimit.Result {
	return s.check(ratelimit.ScopeGlobal, s.global, ip)
}

// CheckPerUserLimit 以用戶 ID 消耗每用戶限流 token
func (s *RateLimitService) CheckPerUserLimit(userID string) ratelimit.Result {
	return s.check(ratelimit.ScopeUser, s.perUser, userID)
}

func (s *RateLimitService) check(scope ratelimit.Scope, limiter *ratelimit.TokenBucketLimiter, key string) ratelimit.Result {
	res := limiter.Check(key)

	s.stats.Record(scope, res.Allowed)
	metrics.RecordRateLimitDecision(string(scope), res.Allowed)

	if !res.Allowed {
		s.logger.Debug().
			Str("scope", string(scope)).
			Str("key", key).
			Int("retry_after_seconds", res.RetryAfterSeconds).
			Msg("請求被限流 (Request rate limited)")
	}
	return res
}

// Peek 查詢 key 的目前狀態，不消耗 token
func (s *RateLimitService) Peek(scope ratelimit.Scope, key string) (ratelimit.Result, error) {
	limiter, err := s.limiter(scope)
	if err != nil {
		return ratelimit.Result{}, err
	}
	return limiter.Peek(key), nil
}

// Reset 清除單一 key 並寫入稽核紀錄
func (s *RateLimitService) Reset(ctx context.Context, scope ratelimit.Scope, key, actorID string) error {
	limiter, err := s.limiter(scope)
	if err != nil {
		return err
	}
	limiter.Reset(key)

	s.logger.Info().Str("scope", string(scope)).Str("key", key).Str("actor_id", actorID).Msg("重置限流狀態 (Rate limit reset)")
	s.audit(ctx, &model.AuditLog{
		Action:  model.AuditActionRateLimitReset,
		ActorID: actorID,
		Target:  key,
		Details: map[string]string{"scope": string(scope)},
	})
	return nil
}

// ClearAll 清除某範圍的全部 bucket，回傳清除前的數量
func (s *RateLimitService) ClearAll(ctx context.Context, scope ratelimit.Scope, actorID string) (int, error) {
	limiter, err := s.limiter(scope)
	if err != nil {
		return 0, err
	}
	cleared := limiter.Size()
	limiter.ClearAll()

	s.logger.Warn().Str("scope", string(scope)).Int("cleared", cleared).Str("actor_id", actorID).Msg("清除全部限流狀態 (Rate limits cleared)")
	s.audit(ctx, &model.AuditLog{
		Action:  model.AuditActionRateLimitClearAll,
		ActorID: actorID,
		Target:  string(scope),
		Details: map[string]string{"cleared": fmt.Sprint(cleared)},
	})
	return cleared, nil
}

// ScopeSummary 單一範圍的設定與目前狀態
type ScopeSummary struct {
	Scope         ratelimit.Scope          `json:"scope"`
	WindowMs      int64                    `json:"window_ms"`
	MaxRequests   int                      `json:"max_requests"`
	ActiveBuckets int                      `json:"active_buckets"`
	Today         ratelimit.DecisionCounts `json:"today"`
}

// Stats 回傳兩個範圍的設定、存活 bucket 數與當日准入統計。
// 存活 bucket gauge 先於讀取統計更新，統計來源故障時仍會刷新
func (s *RateLimitService) Stats(ctx context.Context, day time.Time) ([]ScopeSummary, error) {
	scopes := []ratelimit.Scope{ratelimit.ScopeGlobal, ratelimit.ScopeUser}

	out := make([]ScopeSummary, 0, len(scopes))
	for _, scope := range scopes {
		limiter, _ := s.limiter(scope)
		active := limiter.Size()
		metrics.SetActiveBuckets(string(scope), active)
		out = append(out, ScopeSummary{
			Scope:         scope,
			WindowMs:      limiter.WindowMs(),
			MaxRequests:   limiter.Limit(),
			ActiveBuckets: active,
		})
	}

	for i := range out {
		counts, err := s.stats.Counts(ctx, out[i].Scope, day)
		if err != nil {
			s.logger.Error().Err(err).Str("scope", string(out[i].Scope)).Msg("讀取限流統計失敗 (Failed to read rate limit stats)")
			return nil, err
		}
		out[i].Today = counts
	}
	return out, nil
}

// Destroy 停止兩個限流器的清理 goroutine 並關閉統計 worker
func (s *RateLimitService) Destroy() {
	s.global.Destroy()
	s.perUser.Destroy()
	s.stats.Close()
}

func (s *RateLimitService) limiter(scope ratelimit.Scope) (*ratelimit.TokenBucketLimiter, error) {
	switch scope {
	case ratelimit.ScopeGlobal:
		return s.global, nil
	case ratelimit.ScopeUser:
		return s.perUser, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRateLimitScope, scope)
	}
}

func (s *RateLimitService) audit(ctx context.Context, entry *model.AuditLog) {
	if s.auditLogger == nil {
		return
	}
	if err := s.auditLogger.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(entry.Action)).Msg("寫入稽核紀錄失敗 (Failed to write audit log)")
	}
}
