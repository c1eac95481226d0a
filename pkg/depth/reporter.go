package depth

import (
	"context"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reporter periodically logs the largest resting notional near the top of
// every book, bucketed to hundreds.
type Reporter struct {
	books       *orderbook.Books
	instruments map[string]models.Instrument
	interval    time.Duration
	precision   int32
	top         int
	logger      *logrus.Logger
}

func NewReporter(books *orderbook.Books, instruments []models.Instrument, interval time.Duration, logger *logrus.Logger) *Reporter {
	byID := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.InstID] = inst
	}
	return &Reporter{
		books:       books,
		instruments: byID,
		interval:    interval,
		precision:   2,
		top:         5,
		logger:      logger,
	}
}

func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

func (r *Reporter) Report() {
	for _, id := range r.books.Instruments() {
		snap, ok := r.books.Snapshot(id)
		if !ok {
			continue
		}
		multiplier := decimal.NewFromInt(1)
		if inst, ok := r.instruments[id]; ok && inst.ContractValue.IsPositive() {
			multiplier = inst.ContractValue
		}

		fields := logrus.Fields{"inst_id": id}
		if snap.HasPrice {
			fields["price"] = snap.Price.StringFixed(2)
		}
		fields["support"] = r.format(RoundBuckets(snap.Bids, r.precision, multiplier, false))
		fields["resistance"] = r.format(RoundBuckets(snap.Asks, r.precision, multiplier, true))
		r.logger.WithFields(fields).Info("Aggregated depth")
	}
}

func (r *Reporter) format(buckets []Bucket) []string {
	n := len(buckets)
	if n > r.top {
		n = r.top
	}
	out := make([]string, 0, n)
	for _, b := range buckets[:n] {
		out = append(out, b.Price.String()+"="+b.Notional.StringFixed(2))
	}
	return out
}
