package card

import (
	"context"
	"sync"

	"github.com/payclaw/payclaw/internal/pagination"
)

// MemoryStore is an in-memory card ledger for demo/development mode.
type MemoryStore struct {
	cards map[string]*VirtualCard
	order []string // insertion order
	byTx  map[string]string
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory card ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards: make(map[string]*VirtualCard),
		byTx:  make(map[string]string),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, c *VirtualCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTx[c.TxRef]; exists {
		return ErrDuplicateTransaction
	}

	cp := *c
	m.cards[c.ID] = &cp
	m.order = append(m.order, c.ID)
	m.byTx[c.TxRef] = c.ID
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[id]
	if !ok {
		return ErrCardNotFound
	}
	delete(m.cards, id)
	delete(m.byTx, c.TxRef)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, c *VirtualCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cards[c.ID]; !ok {
		return ErrCardNotFound
	}
	cp := *c
	m.cards[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateFrom(_ context.Context, c *VirtualCard, prev Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cards[c.ID]
	if !ok {
		return ErrCardNotFound
	}
	if cur.Status != prev {
		return ErrStatusConflict
	}
	cp := *c
	m.cards[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*VirtualCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByTxRef(_ context.Context, txRef string) (*VirtualCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[txRef]
	if !ok {
		return nil, ErrCardNotFound
	}
	cp := *m.cards[id]
	return &cp, nil
}

func (m *MemoryStore) GetByToken(_ context.Context, issuerToken string) (*VirtualCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		if c := m.cards[id]; c.IssuerToken == issuerToken {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCardNotFound
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*VirtualCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*VirtualCard
	skipped := 0
	for _, id := range m.order {
		c := m.cards[id]
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		if filter.TxRef != "" && c.TxRef != filter.TxRef {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !c.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		if filter.After != nil && !afterCursor(c, filter.After) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *c
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Totals(_ context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{Cards: len(m.order)}
	for _, id := range m.order {
		c := m.cards[id]
		t.PaidCents += c.PaidCents
		if c.Status == StatusRefunded {
			t.RefundedCents += c.RefundCents
		}
	}
	return t, nil
}

// afterCursor reports whether c sorts strictly after the cursor position
// in (created_at, id) order.
func afterCursor(c *VirtualCard, cur *pagination.Cursor) bool {
	if c.CreatedAt.After(cur.CreatedAt) {
		return true
	}
	return c.CreatedAt.Equal(cur.CreatedAt) && c.ID > cur.ID
}

var _ Store = (*MemoryStore)(nil)
