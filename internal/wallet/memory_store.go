package wallet

import (
	"context"
	"sync"

	"github.com/mzansibay/platform/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	postings []*Posting
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		postings: make([]*Posting, 0),
	}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, accounts []*Account, postings []*Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range accounts {
		cp := *acc
		m.accounts[acc.UserID] = &cp
	}
	for _, p := range postings {
		cp := *p
		m.postings = append(m.postings, &cp)
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit, offset int) ([]*Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Posting
	skipped := 0
	for i := len(m.postings) - 1; i >= 0 && len(result) < limit; i-- {
		p := m.postings[i]
		if p.UserID != userID {
			continue
		}
		if before != nil && !beforeCursor(p, before) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether p sorts strictly after the cursor position
// in (created_at, id) descending order.
func beforeCursor(p *Posting, c *pagination.Cursor) bool {
	if p.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return p.CreatedAt.Equal(c.CreatedAt) && p.ID < c.ID
}
