package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

// Journal keeps settlements that have not yet received an authoritative answer.
type Journal interface {
	Put(ctx context.Context, pending billing.PendingSettlement) error
	Get(ctx context.Context, sessionID string) (billing.PendingSettlement, bool, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]billing.PendingSettlement, error)
}

// MemoryJournal is a process-local Journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]billing.PendingSettlement
}

// NewMemoryJournal 创建内存待结算日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]billing.PendingSettlement)}
}

func (j *MemoryJournal) Put(_ context.Context, pending billing.PendingSettlement) error {
	j.mu.Lock()
	j.entries[pending.Final.SessionID] = pending
	j.mu.Unlock()
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, sessionID string) (billing.PendingSettlement, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	pending, ok := j.entries[sessionID]
	return pending, ok, nil
}

func (j *MemoryJournal) Delete(_ context.Context, sessionID string) error {
	j.mu.Lock()
	delete(j.entries, sessionID)
	j.mu.Unlock()
	return nil
}

// List returns entries oldest first.
func (j *MemoryJournal) List(_ context.Context) ([]billing.PendingSettlement, error) {
	j.mu.RLock()
	list := make([]billing.PendingSettlement, 0, len(j.entries))
	for _, pending := range j.entries {
		list = append(list, pending)
	}
	j.mu.RUnlock()

	sortByStoppedAt(list)
	return list, nil
}

func sortByStoppedAt(list []billing.PendingSettlement) {
	sort.Slice(list, func(a, b int) bool {
		return list[a].StoppedAt.Before(list[b].StoppedAt)
	})
}
