package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = deepCopy(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return deepCopy(escrow), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[escrow.ID] = deepCopy(escrow)
	return nil
}

func (m *MemoryStore) UpdateWithStatus(ctx context.Context, escrow *Escrow, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Status != expect {
		return ErrInvalidStatus
	}
	m.escrows[escrow.ID] = deepCopy(escrow)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			result = append(result, deepCopy(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusFunded && autoReleaseDue(e, now) {
			result = append(result, deepCopy(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// deepCopy clones an escrow including its milestone and evidence slices.
// Shallow copies share slice backing arrays, so an append on the copy
// could mutate the stored escrow.
func deepCopy(e *Escrow) *Escrow {
	cp := *e
	if e.Milestones != nil {
		cp.Milestones = make([]Milestone, len(e.Milestones))
		copy(cp.Milestones, e.Milestones)
		for i := range cp.Milestones {
			if e.Milestones[i].Evidence != nil {
				cp.Milestones[i].Evidence = make([]Evidence, len(e.Milestones[i].Evidence))
				copy(cp.Milestones[i].Evidence, e.Milestones[i].Evidence)
			}
			if e.Milestones[i].RequiredEvidence != nil {
				cp.Milestones[i].RequiredEvidence = make([]string, len(e.Milestones[i].RequiredEvidence))
				copy(cp.Milestones[i].RequiredEvidence, e.Milestones[i].RequiredEvidence)
			}
		}
	}
	if e.ReleaseConditions != nil {
		cp.ReleaseConditions = make([]string, len(e.ReleaseConditions))
		copy(cp.ReleaseConditions, e.ReleaseConditions)
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
