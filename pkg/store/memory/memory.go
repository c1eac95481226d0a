// Package memory provides in-process implementations of the store
// contracts, used by tests and when no database path is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/store"
)

// PositionStore is an in-memory implementation of store.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*models.PositionState
}

func NewPositionStore() *PositionStore {
	return &PositionStore{data: make(map[string]*models.PositionState)}
}

func (s *PositionStore) Upsert(_ context.Context, state *models.PositionState) error {
	if state == nil || state.StrategyFullName == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[state.StrategyFullName] = state.Clone()
	return nil
}

func (s *PositionStore) Get(_ context.Context, fullName string) (*models.PositionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[fullName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *PositionStore) ListAll(_ context.Context) ([]*models.PositionState, error) {
	s.mu.RLock()
	out := make([]*models.PositionState, 0, len(s.data))
	for _, st := range s.data {
		out = append(out, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StrategyFullName < out[j].StrategyFullName
	})
	return out, nil
}

// Ledger is an in-memory store.TradeLedger. It also keeps the raw records
// in arrival order.
type Ledger struct {
	mu        sync.RWMutex
	records   []models.TradeRecord
	summaries map[lifecycleKey]*models.TradeSummary
	order     []lifecycleKey
}

// lifecycleKey scopes a transaction id to its strategy.
type lifecycleKey struct {
	strategy string
	txID     string
}

func NewLedger() *Ledger {
	return &Ledger{summaries: make(map[lifecycleKey]*models.TradeSummary)}
}

func (l *Ledger) Record(_ context.Context, r models.TradeRecord) error {
	if r.TransactionID == "" {
		return store.ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, r)
	key := lifecycleKey{strategy: r.Strategy, txID: r.TransactionID}
	s, ok := l.summaries[key]
	if !ok {
		s = &models.TradeSummary{}
		l.summaries[key] = s
		l.order = append(l.order, key)
	}
	s.Apply(r)
	return nil
}

func (l *Ledger) Records() []models.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) Summaries(_ context.Context, strategy string) ([]models.TradeSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.TradeSummary
	for _, key := range l.order {
		if key.strategy != strategy {
			continue
		}
		s := l.summaries[key]
		c := *s
		if s.CloseTime != nil {
			t := *s.CloseTime
			c.CloseTime = &t
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out, nil
}

func (l *Ledger) Aggregate(ctx context.Context, strategy string) (*models.AggregateResult, error) {
	return store.AggregateOf(ctx, l, strategy)
}
