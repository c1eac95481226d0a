package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/perpmartin/pkg/depth"
	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ratioScale is the scale of every division in price and return math.
const ratioScale = 8

func (t *MartinTrader) evaluateSides(ctx context.Context, s *strategy, snap orderbook.Snapshot) error {
	imb := depth.Measure(snap, s.cfg.Window, s.cfg.ContractValue)
	signals := map[models.Side]bool{
		models.SideLong:  imb.LongSignal(s.cfg.MultiplesOfTheGap),
		models.SideShort: imb.ShortSignal(s.cfg.MultiplesOfTheGap),
	}

	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		if err := t.evaluateSide(ctx, s, side, snap.Price, signals[side], imb); err != nil {
			return fmt.Errorf("%s: %w", side, err)
		}
	}
	return nil
}

// UnrealizedReturn is (price-entry)/entry for longs and (entry-price)/entry
// for shorts, rounded half-up to ratioScale.
func UnrealizedReturn(side models.Side, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(entry)
	if side == models.SideShort {
		diff = entry.Sub(price)
	}
	return diff.DivRound(entry, ratioScale)
}

// AddSize is the size added when moving from layer k to k+1.
func AddSize(base decimal.Decimal, layer int) decimal.Decimal {
	if layer < 1 {
		layer = 1
	}
	return base.Mul(decimal.NewFromInt(2).Pow(decimal.NewFromInt(int64(layer - 1))))
}

func (t *MartinTrader) evaluateSide(ctx context.Context, s *strategy, side models.Side, price decimal.Decimal, signal bool, imb depth.Imbalance) error {
	leg := s.state.Leg(side)

	if leg.Flat() {
		if !signal {
			return nil
		}
		return t.open(ctx, s, side, price, imb)
	}

	if *leg.EntryPrice == nil {
		t.logger.WithFields(logrus.Fields{
			"strategy": s.cfg.FullName(),
			"side":     side.String(),
		}).Warn("Open side has no entry price, skipping")
		return nil
	}

	ret := UnrealizedReturn(side, **leg.EntryPrice, price)
	layer := *leg.Layer
	switch {
	case ret.GreaterThanOrEqual(s.cfg.TPRatio):
		return t.close(ctx, s, side, price, ret, models.ActionTakeProfit)
	case layer < s.cfg.MaxAddPositionCount && ret.LessThanOrEqual(s.cfg.AddPositionRatio.Neg()):
		return t.add(ctx, s, side, price, ret)
	case layer >= s.cfg.MaxAddPositionCount && ret.LessThanOrEqual(s.cfg.SLRatio.Neg()):
		return t.close(ctx, s, side, price, ret, models.ActionStopLoss)
	}
	return nil
}

// placeAll sends the order for every sub-account before the state is
// touched. The gateway retries until success, so an error on the first
// account means the context ended and the state must stay as it was. Once
// one account has filled the transition is committed: the remaining
// accounts are placed on a context that ignores cancellation, and any that
// still fail are logged as untracked exposure for manual reconciliation.
func (t *MartinTrader) placeAll(ctx context.Context, s *strategy, order models.OrderRequest) error {
	creds := s.cfg.Credentials()
	if len(creds) == 0 {
		return nil
	}
	if _, err := t.gateway.PlaceOrder(ctx, order, creds[0]); err != nil {
		return err
	}

	rest := context.WithoutCancel(ctx)
	for i, c := range creds[1:] {
		if _, err := t.gateway.PlaceOrder(rest, order, c); err != nil {
			t.logger.WithFields(logrus.Fields{
				"strategy":      s.cfg.FullName(),
				"inst_id":       order.InstID,
				"side":          string(order.Side),
				"position_side": order.PositionSide.String(),
				"size":          order.Size.String(),
				"account_index": i + 1,
			}).WithError(err).Error("Sub-account order failed after others filled, reconcile manually")
		}
	}
	return nil
}

func (t *MartinTrader) open(ctx context.Context, s *strategy, side models.Side, price decimal.Decimal, imb depth.Imbalance) error {
	size := s.cfg.PositionSize
	if err := t.placeAll(ctx, s, models.OpenOrder(s.cfg.InstID, side, price, size)); err != nil {
		return err
	}

	now := t.opts.Now()
	leg := s.state.Leg(side)
	entry := price
	*leg.Size = size
	*leg.EntryPrice = &entry
	*leg.Layer = 1
	*leg.TransactionID = t.opts.NewTxID(now)
	s.state.UpdatedAt = now

	rec := t.tradeRecord(s, side, models.ActionOpen, price, size, now)
	t.logger.WithFields(logrus.Fields{
		"strategy":   s.cfg.FullName(),
		"side":       side.String(),
		"tx_id":      rec.TransactionID,
		"price":      price.String(),
		"size":       size.String(),
		"buy_power":  imb.BuyPower.StringFixed(2),
		"sell_power": imb.SellPower.StringFixed(2),
	}).Info("Opened position")

	t.record(ctx, rec)
	t.persist(ctx, s)
	return nil
}

func (t *MartinTrader) add(ctx context.Context, s *strategy, side models.Side, price, ret decimal.Decimal) error {
	leg := s.state.Leg(side)
	layer := *leg.Layer
	addSize := AddSize(s.cfg.PositionSize, layer)
	if err := t.placeAll(ctx, s, models.OpenOrder(s.cfg.InstID, side, price, addSize)); err != nil {
		return err
	}

	now := t.opts.Now()
	oldSize := *leg.Size
	oldEntry := **leg.EntryPrice
	newSize := oldSize.Add(addSize)
	newEntry := oldEntry.Mul(oldSize).Add(price.Mul(addSize)).DivRound(newSize, ratioScale)
	*leg.Size = newSize
	*leg.EntryPrice = &newEntry
	*leg.Layer = layer + 1
	s.state.UpdatedAt = now

	rec := t.tradeRecord(s, side, models.ActionAdd, price, addSize, now)
	rec.Return = ret
	t.logger.WithFields(logrus.Fields{
		"strategy": s.cfg.FullName(),
		"side":     side.String(),
		"tx_id":    rec.TransactionID,
		"layer":    layer + 1,
		"price":    price.String(),
		"size":     addSize.String(),
		"entry":    newEntry.String(),
		"return":   ret.String(),
	}).Info("Added to position")

	t.record(ctx, rec)
	t.persist(ctx, s)
	return nil
}

func (t *MartinTrader) close(ctx context.Context, s *strategy, side models.Side, price, ret decimal.Decimal, action models.TradeAction) error {
	leg := s.state.Leg(side)
	size := *leg.Size
	if err := t.placeAll(ctx, s, models.CloseOrder(s.cfg.InstID, side, price, size)); err != nil {
		return err
	}

	now := t.opts.Now()
	entry := **leg.EntryPrice
	layer := *leg.Layer
	pnl := size.Mul(s.cfg.ContractValue).Mul(entry).Mul(ret)
	s.state.Capital = s.state.Capital.Add(pnl)
	if action == models.ActionTakeProfit {
		s.state.TakeProfitCount++
	} else {
		s.state.StopLossCount++
	}

	rec := t.tradeRecord(s, side, action, price, size, now)
	rec.EntryPrice = entry
	rec.Layer = layer
	rec.Return = ret
	rec.PnL = pnl
	rec.Capital = s.state.Capital
	rec.PositionSize = decimal.Zero

	leg.Reset()
	s.state.UpdatedAt = now

	t.logger.WithFields(logrus.Fields{
		"strategy": s.cfg.FullName(),
		"side":     side.String(),
		"tx_id":    rec.TransactionID,
		"layer":    layer,
		"price":    price.String(),
		"return":   ret.String(),
		"pnl":      pnl.String(),
		"capital":  s.state.Capital.String(),
		"action":   string(action),
	}).Info("Closed position")

	t.record(ctx, rec)
	t.persist(ctx, s)
	return nil
}

// tradeRecord describes the leg as it stands after the transition.
func (t *MartinTrader) tradeRecord(s *strategy, side models.Side, action models.TradeAction, price, size decimal.Decimal, at time.Time) models.TradeRecord {
	leg := s.state.Leg(side)
	rec := models.NewTradeRecord(*leg.TransactionID, s.cfg.FullName(), s.cfg.InstID, side, action, at)
	rec.Price = price
	rec.Size = size
	rec.PositionSize = *leg.Size
	rec.Layer = *leg.Layer
	rec.Return = decimal.Zero
	rec.PnL = decimal.Zero
	rec.Capital = s.state.Capital
	if *leg.EntryPrice != nil {
		rec.EntryPrice = **leg.EntryPrice
	}
	return rec
}
