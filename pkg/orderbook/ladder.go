package orderbook

import (
	"sort"
	"sync"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
)

// Ladder is one side of a book. It has a single writer (the feed) and any
// number of readers, which only ever see sorted copies.
type Ladder struct {
	side   models.BookSide
	mu     sync.RWMutex
	levels map[string]models.Level
}

func NewLadder(side models.BookSide) *Ladder {
	return &Ladder{
		side:   side,
		levels: make(map[string]models.Level),
	}
}

func priceKey(p decimal.Decimal) string {
	return p.String()
}

// Apply upserts levels by replacement; a zero size removes the level and is
// a no-op when the price is absent.
func (l *Ladder) Apply(levels []models.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, lv := range levels {
		key := priceKey(lv.Price)
		if lv.Size.IsZero() {
			delete(l.levels, key)
			continue
		}
		l.levels[key] = lv
	}
}

// PruneAbove removes every level priced strictly above p.
func (l *Ladder) PruneAbove(p decimal.Decimal) int {
	return l.prune(func(price decimal.Decimal) bool { return price.GreaterThan(p) })
}

// PruneBelow removes every level priced strictly below p.
func (l *Ladder) PruneBelow(p decimal.Decimal) int {
	return l.prune(func(price decimal.Decimal) bool { return price.LessThan(p) })
}

func (l *Ladder) prune(stale func(decimal.Decimal) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, lv := range l.levels {
		if stale(lv.Price) {
			delete(l.levels, key)
			removed++
		}
	}
	return removed
}

// Snapshot copies the ladder under the read lock and sorts the copy outside
// of it: bids descending, asks ascending.
func (l *Ladder) Snapshot() []models.Level {
	l.mu.RLock()
	out := make([]models.Level, 0, len(l.levels))
	for _, lv := range l.levels {
		out = append(out, lv)
	}
	l.mu.RUnlock()

	if l.side == models.BookSideBids {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}
	return out
}

func (l *Ladder) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.levels)
}

func (l *Ladder) Side() models.BookSide { return l.side }
