package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) String() string { return string(s) }

type RunningState string

const (
	StateRunning       RunningState = "Running"
	StateStoppedByRisk RunningState = "StoppedByRisk"
	StateStoppedManual RunningState = "StoppedManual"
	StateError         RunningState = "Error"
)

// PositionState is the durable exposure of one strategy identity. It is
// owned by the strategy evaluation path; other readers work on clones.
type PositionState struct {
	StrategyShortName  string           `json:"strategy_short_name"`
	StrategyFullName   string           `json:"strategy_full_name"`
	InstID             string           `json:"inst_id"`
	LongPosition       decimal.Decimal  `json:"long_position"`
	ShortPosition      decimal.Decimal  `json:"short_position"`
	LongEntryPrice     *decimal.Decimal `json:"long_entry_price"`
	ShortEntryPrice    *decimal.Decimal `json:"short_entry_price"`
	LongAddCount       int              `json:"long_add_count"`
	ShortAddCount      int              `json:"short_add_count"`
	LongTransactionID  string           `json:"long_transaction_id,omitempty"`
	ShortTransactionID string           `json:"short_transaction_id,omitempty"`
	Capital            decimal.Decimal  `json:"capital"`
	TakeProfitCount    int              `json:"take_profit_count"`
	StopLossCount      int              `json:"stop_loss_count"`
	RunningState       RunningState     `json:"position_running_state"`
	StopTime           *time.Time       `json:"stop_time,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func NewPositionState(cfg MartinConfig) *PositionState {
	return &PositionState{
		StrategyShortName: StrategyShortName,
		StrategyFullName:  cfg.FullName(),
		InstID:            cfg.InstID,
		LongPosition:      decimal.Zero,
		ShortPosition:     decimal.Zero,
		LongAddCount:      1,
		ShortAddCount:     1,
		Capital:           cfg.InitCapital,
		RunningState:      StateRunning,
	}
}

func (p *PositionState) Clone() *PositionState {
	if p == nil {
		return nil
	}
	c := *p
	if p.LongEntryPrice != nil {
		v := *p.LongEntryPrice
		c.LongEntryPrice = &v
	}
	if p.ShortEntryPrice != nil {
		v := *p.ShortEntryPrice
		c.ShortEntryPrice = &v
	}
	if p.StopTime != nil {
		t := *p.StopTime
		c.StopTime = &t
	}
	return &c
}

// Leg is a mutable view of one side of a PositionState.
type Leg struct {
	Size          *decimal.Decimal
	EntryPrice    **decimal.Decimal
	Layer         *int
	TransactionID *string
}

func (p *PositionState) Leg(side Side) Leg {
	if side == SideShort {
		return Leg{&p.ShortPosition, &p.ShortEntryPrice, &p.ShortAddCount, &p.ShortTransactionID}
	}
	return Leg{&p.LongPosition, &p.LongEntryPrice, &p.LongAddCount, &p.LongTransactionID}
}

func (l Leg) Flat() bool {
	return l.Size.IsZero()
}

// Reset returns the side to flat. The transaction id is kept so later
// trade records of the same lifecycle can still be correlated.
func (l Leg) Reset() {
	*l.Size = decimal.Zero
	*l.EntryPrice = nil
	*l.Layer = 1
}

func (p *PositionState) Running() bool {
	return p.RunningState == StateRunning
}
