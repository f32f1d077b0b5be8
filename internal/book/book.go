package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/model"
)

// Book is the aggregated L2 book for one asset. Safe for concurrent use.
type Book struct {
	assetID string

	mu        sync.RWMutex
	bids      map[string]model.PriceLevel // keyed by canonical price string
	asks      map[string]model.PriceLevel
	hash      string
	updatedAt time.Time
	synced    bool // a snapshot has been applied
}

// New creates an empty book for assetID.
func New(assetID string) *Book {
	return &Book{
		assetID: assetID,
		bids:    make(map[string]model.PriceLevel),
		asks:    make(map[string]model.PriceLevel),
	}
}

// AssetID returns the asset this book tracks.
func (b *Book) AssetID() string {
	return b.assetID
}

// Snapshot replaces the book contents.
func (b *Book) Snapshot(bids, asks []model.PriceLevel, hash string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = levelsToMap(bids)
	b.asks = levelsToMap(asks)
	b.hash = hash
	b.updatedAt = at
	b.synced = true
}

// Apply sets one level. Zero size removes the level.
func (b *Book) Apply(side model.Side, price, size decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := b.bids
	if side == model.Sell {
		levels = b.asks
	}

	key := price.String()
	if size.IsZero() || size.IsNegative() {
		delete(levels, key)
	} else {
		levels[key] = model.PriceLevel{Price: price, Size: size}
	}
	if at.After(b.updatedAt) {
		b.updatedAt = at
	}
}

// Top returns the best bid and ask. Empty sides are zero.
func (b *Book) Top() model.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var q model.Quote
	for _, l := range b.bids {
		if l.Price.GreaterThan(q.Bid) {
			q.Bid = l.Price
		}
	}
	for _, l := range b.asks {
		if q.Ask.IsZero() || l.Price.LessThan(q.Ask) {
			q.Ask = l.Price
		}
	}
	return q
}

// Levels returns bids (best first, descending) and asks (best first, ascending).
func (b *Book) Levels() (bids, asks []model.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = mapToLevels(b.bids)
	asks = mapToLevels(b.asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return bids, asks
}

// Synced reports whether a snapshot has been applied.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// UpdatedAt returns the venue timestamp of the latest change.
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// Hash returns the venue hash of the last snapshot.
func (b *Book) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash
}

func levelsToMap(levels []model.PriceLevel) map[string]model.PriceLevel {
	m := make(map[string]model.PriceLevel, len(levels))
	for _, l := range levels {
		if l.Size.IsPositive() {
			m[l.Price.String()] = l
		}
	}
	return m
}

func mapToLevels(m map[string]model.PriceLevel) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

// Set holds one book per asset.
type Set struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewSet creates an empty book set.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the book for assetID, creating it if needed.
func (s *Set) Get(assetID string) *Book {
	s.mu.RLock()
	b, ok := s.books[assetID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.books[assetID]; !ok {
		b = New(assetID)
		s.books[assetID] = b
	}
	return b
}

// Lookup returns the book for assetID if one exists.
func (s *Set) Lookup(assetID string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[assetID]
	return b, ok
}

// Len returns the number of books.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}
