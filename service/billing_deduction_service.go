package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"api-marketplace/infra"
	"api-marketplace/metrics"
	"api-marketplace/model"
	"api-marketplace/service/interfaces"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrStoreUnavailable       = errors.New("usage event store unavailable")
	ErrConcurrentDeduction    = errors.New("deduction for this request id is still in progress")
	ErrIdempotencyKeyConflict = errors.New("idempotency key belongs to another user")
)

const (
	defaultLedgerTimeout = 15 * time.Second

	// 冪等鍵衝突時等待另一筆交易結束：最長為帳本逾時加上此餘裕
	conflictWaitMargin = 2 * time.Second
	conflictBackoffMin = 5 * time.Millisecond
	conflictBackoffMax = 200 * time.Millisecond
)

// LedgerClient 帳本扣款介面，成功時回傳交易雜湊
type LedgerClient interface {
	DeductBalance(ctx context.Context, payerID, amount string) (string, error)
}

// BillingDeductionService 以 request_id 為冪等鍵的扣款流程。
// 先在交易內保留紀錄再呼叫帳本，帳本失敗時整筆交易回滾。
// 同一個 request_id 的並行請求只在儲存層的唯一索引上衝突，服務本身不加鎖。
type BillingDeductionService struct {
	logger        zerolog.Logger
	store         DeductionStore
	ledger        LedgerClient
	ledgerTimeout time.Duration
	conflictWait  time.Duration

	publisher   interfaces.UsageEventPublisher
	auditLogger interfaces.AuditLogger

	now func() time.Time
}

func NewBillingDeductionService(logger zerolog.Logger, store DeductionStore, ledger LedgerClient, ledgerTimeout time.Duration) *BillingDeductionService {
	if ledgerTimeout <= 0 {
		ledgerTimeout = defaultLedgerTimeout
	}
	return &BillingDeductionService{
		logger:        logger.With().Str("module", "billing_deduction_service").Logger(),
		store:         store,
		ledger:        ledger,
		ledgerTimeout: ledgerTimeout,
		conflictWait:  ledgerTimeout + conflictWaitMargin,
		now:           time.Now,
	}
}

// SetEventPublisher 設定扣款完成事件的發佈者
func (s *BillingDeductionService) SetEventPublisher(publisher interfaces.UsageEventPublisher) {
	s.publisher = publisher
}

// SetAuditLogger 設定稽核紀錄寫入者
func (s *BillingDeductionService) SetAuditLogger(auditLogger interfaces.AuditLogger) {
	s.auditLogger = auditLogger
}

// WithTx 在交易內執行 fn。fn 回傳 nil 才提交；其餘任何離開路徑（含 panic）都會回滾
func (s *BillingDeductionService) WithTx(ctx context.Context, fn func(ctx context.Context, tx DeductionTx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error().Err(rbErr).Msg("回滾扣款交易失敗 (Failed to rollback deduction tx)")
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	committed = true
	return nil
}

// Deduct 執行一次冪等扣款。帳本與儲存層的錯誤一律轉成 Success=false 的結果
func (s *BillingDeductionService) Deduct(ctx context.Context, req model.DeductionRequest) model.DeductionResult {
	start := time.Now()
	ctx, span := infra.StartBillingSpan(ctx, "deduct",
		infra.AttrRequestID(req.RequestID),
		infra.AttrUserID(req.UserID),
		infra.AttrAPIID(req.APIID),
	)
	defer span.End()

	normalized, err := req.Normalize()
	if err != nil {
		result := failureResult(err)
		s.finish(ctx, span, start, req, result, nil)
		return result
	}

	var attempt deductAttempt
	err = s.retryOnConflict(ctx, span, normalized, &attempt)

	result, event := attempt.result, attempt.event
	switch {
	case err == nil:
	case attempt.ledgerRef != "":
		// 帳本已扣款但紀錄未提交，需要人工對帳
		s.logger.Error().Err(err).
			Bool("critical", true).
			Str("request_id", normalized.RequestID).
			Str("user_id", normalized.UserID).
			Str("amount_usdc", normalized.AmountUSDC).
			Str("stellar_tx_hash", attempt.ledgerRef).
			Msg("帳本扣款成功但紀錄提交失敗 (Ledger deducted but record commit failed)")
		s.audit(ctx, &model.AuditLog{
			Action:  model.AuditActionDeductionCommitLost,
			ActorID: normalized.UserID,
			Target:  normalized.RequestID,
			Details: map[string]string{
				"amount_usdc":     normalized.AmountUSDC,
				"stellar_tx_hash": attempt.ledgerRef,
				"error":           err.Error(),
			},
		})
		result, event = failureResult(err), nil
	default:
		result, event = failureResult(err), nil
	}

	if !result.Success || result.AlreadyProcessed {
		event = nil
	}
	s.finish(ctx, span, start, normalized, result, event)
	return result
}

// deductAttempt 一次交易嘗試的結果；ledgerRef 非空表示帳本已扣款
type deductAttempt struct {
	result    model.DeductionResult
	event     *model.UsageEvent
	ledgerRef string
}

// retryOnConflict 執行扣款交易。插入撞到唯一索引時，已提交的勝出者直接回傳；
// 勝出者尚未結束則退避後重跑整筆交易，直到它提交或回滾，或超過 conflictWait
func (s *BillingDeductionService) retryOnConflict(ctx context.Context, span trace.Span, req model.DeductionRequest, attempt *deductAttempt) error {
	deadline := time.Now().Add(s.conflictWait)
	backoff := conflictBackoffMin

	for conflicts := 0; ; conflicts++ {
		*attempt = deductAttempt{}
		err := s.WithTx(ctx, func(ctx context.Context, tx DeductionTx) error {
			return s.reserveAndCharge(ctx, span, tx, req, attempt)
		})
		if !errors.Is(err, ErrDuplicateRequestID) {
			return err
		}

		if result, settled := s.resolveLostRace(ctx, req); settled {
			*attempt = deductAttempt{result: result}
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			s.logger.Warn().Str("request_id", req.RequestID).Int("conflicts", conflicts+1).
				Msg("等待同一冪等鍵的交易逾時 (Gave up waiting for in-flight deduction)")
			return ErrConcurrentDeduction
		}

		infra.AddEvent(span, "idempotency.conflict", infra.AttrRequestID(req.RequestID))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ErrConcurrentDeduction
		}
		backoff = min(backoff*2, conflictBackoffMax)
	}
}

// reserveAndCharge 在交易內保留紀錄、呼叫帳本並附加交易雜湊
func (s *BillingDeductionService) reserveAndCharge(ctx context.Context, span trace.Span, tx DeductionTx, req model.DeductionRequest, attempt *deductAttempt) error {
	existing, err := tx.FindByRequestID(ctx, req.RequestID)
	switch {
	case err == nil:
		attempt.result = s.existingResult(existing, req)
		return nil
	case !errors.Is(err, ErrUsageEventNotFound):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// 先保留紀錄，帳本失敗時隨交易一起回滾
	event := &model.UsageEvent{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		APIID:      req.APIID,
		EndpointID: req.EndpointID,
		APIKeyID:   req.APIKeyID,
		AmountUSDC: req.AmountUSDC,
		CreatedAt:  s.now().UTC(),
	}
	if err := tx.Insert(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateRequestID) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	txHash, err := s.callLedger(ctx, span, req)
	if err != nil {
		return err
	}
	attempt.ledgerRef = txHash

	if err := tx.AttachTxHash(ctx, event.ID, txHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	event.StellarTxHash = &txHash

	attempt.event = event
	attempt.result = model.DeductionResult{
		Success:       true,
		UsageEventID:  event.ID,
		StellarTxHash: txHash,
	}
	return nil
}

// existingResult 冪等鍵已有紀錄時的結果；紀錄屬於其他用戶時不透露其內容
func (s *BillingDeductionService) existingResult(existing *model.UsageEvent, req model.DeductionRequest) model.DeductionResult {
	if existing.UserID != req.UserID {
		s.logger.Warn().
			Str("request_id", req.RequestID).
			Str("user_id", req.UserID).
			Str("owner_user_id", existing.UserID).
			Msg("冪等鍵已被其他用戶使用 (Idempotency key owned by another user)")
		return failureResult(fmt.Errorf("%w: %s", ErrIdempotencyKeyConflict, req.RequestID))
	}
	return alreadyProcessedResult(existing)
}

// GetByIdempotencyKey 讀取既有扣款紀錄；不存在時回傳 (nil, nil)
func (s *BillingDeductionService) GetByIdempotencyKey(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, model.ErrMissingRequestID
	}

	event, err := s.store.FindByRequestID(ctx, requestID)
	if errors.Is(err, ErrUsageEventNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("查詢扣款紀錄失敗 (Failed to get usage event)")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return event, nil
}

type ledgerReply struct {
	txHash string
	err    error
}

// callLedger 在逾時限制內呼叫帳本；逾時視為失敗
func (s *BillingDeductionService) callLedger(ctx context.Context, span trace.Span, req model.DeductionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	infra.AddEvent(span, "ledger.deduct.start", infra.AttrString("amount_usdc", req.AmountUSDC))
	start := time.Now()

	replies := make(chan ledgerReply, 1)
	go func() {
		txHash, err := s.ledger.DeductBalance(ctx, req.UserID, req.AmountUSDC)
		replies <- ledgerReply{txHash: txHash, err: err}
	}()

	var reply ledgerReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		reply.err = ctx.Err()
		go s.watchLateLedgerReply(replies, req, start)
	}

	err := classifyLedgerError(reply.txHash, reply.err)
	metrics.RecordLedgerCall(ledgerStatus(err), time.Since(start))

	if err != nil {
		s.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Str("user_id", req.UserID).
			Dur("elapsed", time.Since(start)).
			Msg("帳本扣款失敗 (Ledger deduction failed)")
		return "", err
	}

	infra.AddEvent(span, "ledger.deduct.done", infra.AttrString("stellar_tx_hash", reply.txHash))
	return reply.txHash, nil
}

// watchLateLedgerReply 逾時後繼續等待帳本回覆。逾時後才成功的扣款已隨交易回滾，
// 帳本上卻有一筆沒有紀錄的扣款，需要人工對帳
func (s *BillingDeductionService) watchLateLedgerReply(replies <-chan ledgerReply, req model.DeductionRequest, start time.Time) {
	reply := <-replies
	if reply.err != nil || strings.TrimSpace(reply.txHash) == "" {
		s.logger.Debug().Err(reply.err).
			Str("request_id", req.RequestID).
			Msg("逾時後帳本回覆失敗，無需對帳 (Late ledger reply was a failure)")
		return
	}

	s.logger.Error().
		Bool("critical", true).
		Str("request_id", req.RequestID).
		Str("user_id", req.UserID).
		Str("amount_usdc", req.AmountUSDC).
		Str("stellar_tx_hash", reply.txHash).
		Dur("elapsed", time.Since(start)).
		Msg("帳本在逾時後完成扣款 (Ledger deducted after timeout)")
	s.audit(context.Background(), &model.AuditLog{
		Action:  model.AuditActionLedgerLateSuccess,
		ActorID: req.UserID,
		Target:  req.RequestID,
		Details: map[string]string{
			"amount_usdc":     req.AmountUSDC,
			"stellar_tx_hash": reply.txHash,
			"elapsed_ms":      fmt.Sprint(time.Since(start).Milliseconds()),
		},
	})
}

func classifyLedgerError(txHash string, err error) error {
	switch {
	case err == nil && strings.TrimSpace(txHash) == "":
		return fmt.Errorf("%w: empty transaction hash", infra.ErrLedgerRejected)
	case err == nil:
		return nil
	case errors.Is(err, infra.ErrLedgerTimeout),
		errors.Is(err, infra.ErrLedgerRejected),
		errors.Is(err, infra.ErrLedgerUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", infra.ErrLedgerTimeout, err)
	default:
		return fmt.Errorf("%w: %v", infra.ErrLedgerUnavailable, err)
	}
}

func ledgerStatus(err error) metrics.LedgerStatus {
	switch {
	case err == nil:
		return metrics.LedgerStatusSuccess
	case errors.Is(err, infra.ErrLedgerTimeout):
		return metrics.LedgerStatusTimeout
	case errors.Is(err, infra.ErrLedgerRejected):
		return metrics.LedgerStatusRejected
	default:
		return metrics.LedgerStatusUnavailable
	}
}

// resolveLostRace 插入撞到唯一索引後讀取已提交的紀錄。
// settled 為 false 表示勝出者尚未提交或已回滾，呼叫端應重跑交易
func (s *BillingDeductionService) resolveLostRace(ctx context.Context, req model.DeductionRequest) (result model.DeductionResult, settled bool) {
	winner, err := s.store.FindByRequestID(ctx, req.RequestID)
	switch {
	case err == nil:
		s.logger.Info().Str("request_id", req.RequestID).Str("usage_event_id", winner.ID).
			Msg("唯一性衝突，回傳先完成的扣款 (Unique conflict resolved to winner)")
		return s.existingResult(winner, req), true
	case errors.Is(err, ErrUsageEventNotFound):
		return model.DeductionResult{}, false
	default:
		return failureResult(fmt.Errorf("%w: %v", ErrStoreUnavailable, err)), true
	}
}

func (s *BillingDeductionService) finish(ctx context.Context, span trace.Span, start time.Time, req model.DeductionRequest, result model.DeductionResult, event *model.UsageEvent) {
	elapsed := time.Since(start)

	switch {
	case result.Success && result.AlreadyProcessed:
		metrics.RecordDeduction(metrics.OutcomeAlreadyProcessed, "", elapsed)
		infra.MarkSuccess(span, infra.AttrBool("already_processed", true), infra.AttrUsageEventID(result.UsageEventID))
		s.logger.Info().
			Str("request_id", req.RequestID).
			Str("usage_event_id", result.UsageEventID).
			Msg("重複的扣款請求，回傳既有紀錄 (Duplicate deduction request)")

	case result.Success:
		metrics.RecordDeduction(metrics.OutcomeSuccess, "", elapsed)
		infra.MarkSuccess(span, infra.AttrBool("already_processed", false), infra.AttrUsageEventID(result.UsageEventID))
		s.logger.Info().
			Str("request_id", req.RequestID).
			Str("user_id", req.UserID).
			Str("api_id", req.APIID).
			Str("amount_usdc", req.AmountUSDC).
			Str("usage_event_id", result.UsageEventID).
			Str("stellar_tx_hash", result.StellarTxHash).
			Dur("elapsed", elapsed).
			Msg("扣款成功 (Deduction succeeded)")
		if event != nil {
			s.publish(ctx, event)
		}

	default:
		metrics.RecordDeduction(metrics.OutcomeFailed, string(result.ErrorCode), elapsed)
		infra.RecordBillingError(span, errors.New(result.Error), req.RequestID, string(result.ErrorCode))
		s.logger.Warn().
			Str("request_id", req.RequestID).
			Str("user_id", req.UserID).
			Str("error_code", string(result.ErrorCode)).
			Str("error", result.Error).
			Msg("扣款失敗 (Deduction failed)")
		if result.ErrorCode != model.DeductionErrorInvalidRequest {
			s.audit(ctx, &model.AuditLog{
				Action:  model.AuditActionDeductionFailed,
				ActorID: req.UserID,
				Target:  req.RequestID,
				Details: map[string]string{
					"api_id":      req.APIID,
					"amount_usdc": req.AmountUSDC,
					"error_code":  string(result.ErrorCode),
					"error":       result.Error,
				},
			})
		}
	}
}

// publish 與 audit 失敗只記錄日誌，不影響扣款結果
func (s *BillingDeductionService) publish(ctx context.Context, event *model.UsageEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDeductionCompleted(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error().Err(err).Str("usage_event_id", event.ID).Msg("發佈扣款完成事件失敗 (Failed to publish deduction event)")
	}
}

func (s *BillingDeductionService) audit(ctx context.Context, entry *model.AuditLog) {
	if s.auditLogger == nil {
		return
	}
	if err := s.auditLogger.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(entry.Action)).Msg("寫入稽核紀錄失敗 (Failed to write audit log)")
	}
}

func alreadyProcessedResult(event *model.UsageEvent) model.DeductionResult {
	return model.DeductionResult{
		Success:          true,
		UsageEventID:     event.ID,
		StellarTxHash:    event.TxHash(),
		AlreadyProcessed: true,
	}
}

func failureResult(err error) model.DeductionResult {
	return model.DeductionResult{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: errorCodeFor(err),
	}
}

func errorCodeFor(err error) model.DeductionErrorCode {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrMissingRequestID),
		errors.Is(err, model.ErrMissingUserID):
		return model.DeductionErrorInvalidRequest
	case errors.Is(err, infra.ErrLedgerRejected):
		return model.DeductionErrorLedgerRejected
	case errors.Is(err, infra.ErrLedgerTimeout):
		return model.DeductionErrorLedgerTimeout
	case errors.Is(err, infra.ErrLedgerUnavailable):
		return model.DeductionErrorLedgerUnavailable
	case errors.Is(err, ErrConcurrentDeduction):
		return model.DeductionErrorConcurrent
	case errors.Is(err, ErrIdempotencyKeyConflict):
		return model.DeductionErrorKeyConflict
	default:
		return model.DeductionErrorStoreUnavailable
	}
}
