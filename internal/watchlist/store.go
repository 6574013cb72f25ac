// Package watchlist keeps an ordered list of symbols with their intraday
// quotes and one linked price alert per item.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultMaxItems caps the list when config leaves it unset.
const DefaultMaxItems = 40

// ErrNotFound is returned for unknown item ids and symbols.
var ErrNotFound = errors.New("watchlist item not found")

// LimitError rejects an add once the list is full.
type LimitError struct {
	Max int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("Watchlist limit reached (%d)", e.Max)
}

// Item is one watched symbol. Positions start at 1 and have no gaps.
type Item struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	DisplaySymbol  string    `json:"displaySymbol"`
	ProviderSymbol string    `json:"providerSymbol"`
	InstrumentType string    `json:"instrumentType"`
	Position       int       `json:"position"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Repository persists items. List orders by position then id.
type Repository interface {
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id int64) (Item, error)
	BySymbol(ctx context.Context, symbol string) (Item, error)
	// Insert appends item after the last position. An item with the same
	// symbol is returned with false instead. A full list yields LimitError.
	Insert(ctx context.Context, item Item, maxItems int) (Item, bool, error)
	// Delete removes the item and closes the gap in positions.
	Delete(ctx context.Context, id int64) error
	// SetPositions numbers ids 1..n in the given order. ids must name
	// every item.
	SetPositions(ctx context.Context, ids []int64) error
}

// MemoryRepository keeps the list in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]Item
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: map[int64]Item{}}
}

func (m *MemoryRepository) List(context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(), nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryRepository) BySymbol(_ context.Context, symbol string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, item := range m.items {
		if item.Symbol == symbol {
			return item, nil
		}
	}
	return Item{}, ErrNotFound
}

func (m *MemoryRepository) Insert(_ context.Context, item Item, maxItems int) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for _, cur := range m.items {
		if cur.Symbol == item.Symbol {
			return cur, false, nil
		}
		last = max(last, cur.Position)
	}
	if len(m.items) >= maxItems {
		return Item{}, false, &LimitError{Max: maxItems}
	}
	m.nextID++
	item.ID = m.nextID
	item.Position = last + 1
	m.items[item.ID] = item
	return item, true, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	for i, item := range m.sorted() {
		item.Position = i + 1
		m.items[item.ID] = item
	}
	return nil
}

func (m *MemoryRepository) SetPositions(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		item, ok := m.items[id]
		if !ok {
			return ErrNotFound
		}
		item.Position = i + 1
		m.items[id] = item
	}
	return nil
}

// sorted must be called with mu held.
func (m *MemoryRepository) sorted() []Item {
	out := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}
