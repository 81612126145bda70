package credits

import (
	"context"
	"sync"
)

// MemoryLedger keeps balances in process. Workspaces start with the
// default allotment.
type MemoryLedger struct {
	mu       sync.Mutex
	initial  int64
	balances map[string]int64
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a ledger granting initial credits to every new
// workspace.
func NewMemoryLedger(initial int64) *MemoryLedger {
	return &MemoryLedger{initial: initial, balances: make(map[string]int64)}
}

func (l *MemoryLedger) balanceLocked(ws string) int64 {
	b, ok := l.balances[ws]
	if !ok {
		b = l.initial
		l.balances[ws] = b
	}
	return b
}

func (l *MemoryLedger) HasCredits(_ context.Context, workspaceID, action string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(workspaceID) >= costOf(action), nil
}

func (l *MemoryLedger) Deduct(_ context.Context, workspaceID, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cost := costOf(action)
	b := l.balanceLocked(workspaceID)
	if b < cost {
		return ErrInsufficientCredits
	}
	l.balances[workspaceID] = b - cost
	return nil
}

func (l *MemoryLedger) Grant(_ context.Context, workspaceID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(workspaceID) + amount
	l.balances[workspaceID] = b
	return b, nil
}

func (l *MemoryLedger) Balance(_ context.Context, workspaceID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(workspaceID), nil
}
