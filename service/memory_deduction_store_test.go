package service

import (
	"context"
	"fmt"
	"sync"

	"api-marketplace/model"
)

// memoryDeductionStore 以文件層級衝突模擬 MongoDB 交易：
// 未提交的插入只對自己的交易可見，其他交易插入同一個 request_id 立即得到衝突，
// 不同 request_id 的交易互不等待。
type memoryDeductionStore struct {
	mu        sync.Mutex
	committed map[string]*model.UsageEvent // request_id -> event
	pending   map[string]*memoryDeductionTx
}

func newMemoryDeductionStore() *memoryDeductionStore {
	return &memoryDeductionStore{
		committed: map[string]*model.UsageEvent{},
		pending:   map[string]*memoryDeductionTx{},
	}
}

func (s *memoryDeductionStore) BeginTx(context.Context) (DeductionTx, error) {
	return &memoryDeductionTx{store: s, writes: map[string]*model.UsageEvent{}}, nil
}

func (s *memoryDeductionStore) FindByRequestID(_ context.Context, requestID string) (*model.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event, ok := s.committed[requestID]; ok {
		copied := *event
		return &copied, nil
	}
	return nil, ErrUsageEventNotFound
}

func (s *memoryDeductionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

type memoryDeductionTx struct {
	store  *memoryDeductionStore
	writes map[string]*model.UsageEvent
	done   bool
}

func (t *memoryDeductionTx) FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error) {
	t.store.mu.Lock()
	own, ok := t.writes[requestID]
	t.store.mu.Unlock()
	if ok {
		copied := *own
		return &copied, nil
	}
	return t.store.FindByRequestID(ctx, requestID)
}

func (t *memoryDeductionTx) Insert(_ context.Context, event *model.UsageEvent) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, ok := t.store.committed[event.RequestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, event.RequestID)
	}
	if owner, ok := t.store.pending[event.RequestID]; ok && owner != t {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, event.RequestID)
	}

	copied := *event
	t.writes[event.RequestID] = &copied
	t.store.pending[event.RequestID] = t
	return nil
}

func (t *memoryDeductionTx) AttachTxHash(_ context.Context, id, txHash string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, event := range t.writes {
		if event.ID == id && event.StellarTxHash == nil {
			hash := txHash
			event.StellarTxHash = &hash
			return nil
		}
	}
	return fmt.Errorf("attach tx hash: %w: %s", ErrUsageEventNotFound, id)
}

func (t *memoryDeductionTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for requestID, event := range t.writes {
		t.store.committed[requestID] = event
		delete(t.store.pending, requestID)
	}
	return nil
}

func (t *memoryDeductionTx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for requestID := range t.writes {
		delete(t.store.pending, requestID)
	}
	return nil
}
