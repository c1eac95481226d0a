// Package store holds the persistence contracts for position snapshots and
// the trade ledger, plus helpers shared by the concrete backends.
package store

import (
	"context"
	"errors"

	"github.com/gregtusar/perpmartin/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for records missing their key.
	ErrInvalidInput = errors.New("invalid input")
)

// PositionStore keeps the latest PositionState per strategy full name.
type PositionStore interface {
	// Upsert replaces the snapshot stored under state.StrategyFullName.
	Upsert(ctx context.Context, state *models.PositionState) error

	// Get returns ErrNotFound when nothing was stored under fullName.
	Get(ctx context.Context, fullName string) (*models.PositionState, error)

	// ListAll returns every snapshot ordered by full name.
	ListAll(ctx context.Context) ([]*models.PositionState, error)
}

// TradeSink receives every trade record emitted by the strategy engine.
type TradeSink interface {
	Record(ctx context.Context, r models.TradeRecord) error
}

// TradeLedger folds trade records into per-transaction summaries.
type TradeLedger interface {
	TradeSink

	// Summaries returns the lifecycles of one strategy ordered by open time.
	Summaries(ctx context.Context, strategy string) ([]models.TradeSummary, error)

	// Aggregate returns ErrNotFound when the strategy has no lifecycles.
	Aggregate(ctx context.Context, strategy string) (*models.AggregateResult, error)
}

// Fanout forwards each record to every sink and joins their errors.
type Fanout []TradeSink

func (f Fanout) Record(ctx context.Context, r models.TradeRecord) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AggregateOf runs models.Aggregate over a ledger's summaries.
func AggregateOf(ctx context.Context, l interface {
	Summaries(ctx context.Context, strategy string) ([]models.TradeSummary, error)
}, strategy string) (*models.AggregateResult, error) {
	summaries, err := l.Summaries(ctx, strategy)
	if err != nil {
		return nil, err
	}
	res := models.Aggregate(summaries)
	if res == nil {
		return nil, ErrNotFound
	}
	return res, nil
}
