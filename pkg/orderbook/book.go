package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
)

// Book mirrors one instrument: two ladders plus the last traded price.
type Book struct {
	instID string
	bids   *Ladder
	asks   *Ladder

	mu        sync.RWMutex
	price     *decimal.Decimal
	updatedAt time.Time
}

func NewBook(instID string) *Book {
	return &Book{
		instID: instID,
		bids:   NewLadder(models.BookSideBids),
		asks:   NewLadder(models.BookSideAsks),
	}
}

func (b *Book) InstID() string { return b.instID }
func (b *Book) Bids() *Ladder  { return b.bids }
func (b *Book) Asks() *Ladder  { return b.asks }

func (b *Book) ApplyDepth(bids, asks []models.Level) {
	b.bids.Apply(bids)
	b.asks.Apply(asks)
	b.touch()
}

// ApplyPrice overwrites the last price and evicts levels that can no longer
// fill: bids above the price and asks below it. It returns how many levels
// were evicted.
func (b *Book) ApplyPrice(price decimal.Decimal) int {
	b.mu.Lock()
	p := price
	b.price = &p
	b.updatedAt = time.Now()
	b.mu.Unlock()

	return b.bids.PruneAbove(price) + b.asks.PruneBelow(price)
}

func (b *Book) Price() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.price == nil {
		return decimal.Zero, false
	}
	return *b.price, true
}

func (b *Book) touch() {
	b.mu.Lock()
	b.updatedAt = time.Now()
	b.mu.Unlock()
}

type Snapshot struct {
	InstID    string          `json:"inst_id"`
	Price     decimal.Decimal `json:"price"`
	HasPrice  bool            `json:"has_price"`
	Bids      []models.Level  `json:"bids"`
	Asks      []models.Level  `json:"asks"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot returns an independent copy of the book. Ladders are copied one
// after the other, so a snapshot may straddle a feed update.
func (b *Book) Snapshot() Snapshot {
	price, ok := b.Price()
	b.mu.RLock()
	updated := b.updatedAt
	b.mu.RUnlock()
	return Snapshot{
		InstID:    b.instID,
		Price:     price,
		HasPrice:  ok,
		Bids:      b.bids.Snapshot(),
		Asks:      b.asks.Snapshot(),
		UpdatedAt: updated,
	}
}

// Books is the registry of per-instrument books shared between the feed
// (writer) and the strategy, aggregator and query API (readers).
type Books struct {
	mu    sync.RWMutex
	books map[string]*Book
}

func NewBooks(instIDs ...string) *Books {
	bs := &Books{books: make(map[string]*Book)}
	for _, id := range instIDs {
		bs.books[id] = NewBook(id)
	}
	return bs
}

// Book returns the book for instID, creating it on first use.
func (bs *Books) Book(instID string) *Book {
	bs.mu.RLock()
	b, ok := bs.books[instID]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.books[instID]; ok {
		return b
	}
	b = NewBook(instID)
	bs.books[instID] = b
	return b
}

func (bs *Books) Snapshot(instID string) (Snapshot, bool) {
	bs.mu.RLock()
	b, ok := bs.books[instID]
	bs.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

func (bs *Books) Instruments() []string {
	bs.mu.RLock()
	ids := make([]string, 0, len(bs.books))
	for id := range bs.books {
		ids = append(ids, id)
	}
	bs.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
