package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type BookSide string

const (
	BookSideBids BookSide = "bids"
	BookSideAsks BookSide = "asks"
)

type Instrument struct {
	InstID        string
	ContractValue decimal.Decimal
}

type KlineBar struct {
	InstID    string          `json:"inst_id"`
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

func (k KlineBar) Time() time.Time {
	return time.UnixMilli(k.Timestamp)
}
