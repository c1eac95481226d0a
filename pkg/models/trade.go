package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TradeAction string

const (
	ActionOpen       TradeAction = "open"
	ActionAdd        TradeAction = "add"
	ActionTakeProfit TradeAction = "take_profit"
	ActionStopLoss   TradeAction = "stop_loss"
)

func (a TradeAction) Closes() bool {
	return a == ActionTakeProfit || a == ActionStopLoss
}

// TradeRecord describes one open/add/close transition exactly as it was
// applied to the PositionState.
type TradeRecord struct {
	RecordID      string          `json:"record_id"`
	TransactionID string          `json:"transaction_id"`
	Strategy      string          `json:"strategy"`
	InstID        string          `json:"inst_id"`
	Side          Side            `json:"side"`
	Action        TradeAction     `json:"action"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	PositionSize  decimal.Decimal `json:"position_size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Layer         int             `json:"layer"`
	Return        decimal.Decimal `json:"return"`
	PnL           decimal.Decimal `json:"pnl"`
	Capital       decimal.Decimal `json:"capital"`
	Time          time.Time       `json:"time"`
}

func NewTradeRecord(txID, strategy, instID string, side Side, action TradeAction, at time.Time) TradeRecord {
	return TradeRecord{
		RecordID:      uuid.NewString(),
		TransactionID: txID,
		Strategy:      strategy,
		InstID:        instID,
		Side:          side,
		Action:        action,
		Time:          at,
	}
}

// TradeSummary is the ledger row of one position lifecycle, keyed by
// transaction id.
type TradeSummary struct {
	TransactionID string          `json:"transaction_id"`
	Strategy      string          `json:"strategy"`
	InstID        string          `json:"inst_id"`
	Side          Side            `json:"side"`
	OpenTime      time.Time       `json:"open_time"`
	CloseTime     *time.Time      `json:"close_time,omitempty"`
	HoldingAmount decimal.Decimal `json:"holding_amount"`
	ProfitAmount  decimal.Decimal `json:"profit_amount"`
	CloseReason   TradeAction     `json:"close_reason,omitempty"`
}

// Apply folds a trade record into the summary.
func (s *TradeSummary) Apply(r TradeRecord) {
	switch {
	case r.Action == ActionOpen:
		*s = TradeSummary{
			TransactionID: r.TransactionID,
			Strategy:      r.Strategy,
			InstID:        r.InstID,
			Side:          r.Side,
			OpenTime:      r.Time,
			HoldingAmount: r.Size,
			ProfitAmount:  decimal.Zero,
		}
	case r.Action == ActionAdd:
		s.HoldingAmount = s.HoldingAmount.Add(r.Size)
	case r.Action.Closes():
		t := r.Time
		s.CloseTime = &t
		s.ProfitAmount = r.PnL
		s.CloseReason = r.Action
	}
}

type AggregateResult struct {
	TakeProfitCount       int             `json:"take_profit_count"`
	StopLossCount         int             `json:"stop_loss_count"`
	TotalTakeProfitAmount decimal.Decimal `json:"total_take_profit_amount"`
	TotalStopLossAmount   decimal.Decimal `json:"total_stop_loss_amount"`
	AvgProfitPerTrade     decimal.Decimal `json:"avg_profit_per_trade"`
	AvgLossPerTrade       decimal.Decimal `json:"avg_loss_per_trade"`
	CapitalChange         decimal.Decimal `json:"capital_change"`
	AvgHoldingMinutes     decimal.Decimal `json:"avg_holding_minutes"`
}

const aggregateScale = 5

// Aggregate computes statistics over closed lifecycles. Open lifecycles are
// ignored. Returns nil when no summaries are given.
func Aggregate(summaries []TradeSummary) *AggregateResult {
	if len(summaries) == 0 {
		return nil
	}

	res := &AggregateResult{
		TotalTakeProfitAmount: decimal.Zero,
		TotalStopLossAmount:   decimal.Zero,
		AvgProfitPerTrade:     decimal.Zero,
		AvgLossPerTrade:       decimal.Zero,
		CapitalChange:         decimal.Zero,
		AvgHoldingMinutes:     decimal.Zero,
	}
	holdingSeconds := decimal.Zero

	for _, s := range summaries {
		if s.CloseTime == nil {
			continue
		}
		switch {
		case s.ProfitAmount.IsPositive():
			res.TakeProfitCount++
			res.TotalTakeProfitAmount = res.TotalTakeProfitAmount.Add(s.ProfitAmount)
		case s.ProfitAmount.IsNegative():
			res.StopLossCount++
			res.TotalStopLossAmount = res.TotalStopLossAmount.Add(s.ProfitAmount)
		}
		res.CapitalChange = res.CapitalChange.Add(s.ProfitAmount)
		held := s.CloseTime.Sub(s.OpenTime)
		holdingSeconds = holdingSeconds.Add(decimal.NewFromInt(int64(held / time.Second)))
	}

	if res.TakeProfitCount > 0 {
		res.AvgProfitPerTrade = res.TotalTakeProfitAmount.DivRound(decimal.NewFromInt(int64(res.TakeProfitCount)), aggregateScale)
	}
	if res.StopLossCount > 0 {
		res.AvgLossPerTrade = res.TotalStopLossAmount.DivRound(decimal.NewFromInt(int64(res.StopLossCount)), aggregateScale)
	}
	if trades := res.TakeProfitCount + res.StopLossCount; trades > 0 {
		res.AvgHoldingMinutes = holdingSeconds.
			DivRound(decimal.NewFromInt(60), aggregateScale).
			DivRound(decimal.NewFromInt(int64(trades)), aggregateScale)
	}
	return res
}
