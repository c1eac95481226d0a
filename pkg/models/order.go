package models

import (
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

type OrderRequest struct {
	InstID       string
	Side         OrderSide
	PositionSide Side
	Type         OrderType
	MarginMode   MarginMode
	Price        decimal.Decimal
	Size         decimal.Decimal
}

// OpenOrder builds the market order that opens or adds to a side.
func OpenOrder(instID string, side Side, price, size decimal.Decimal) OrderRequest {
	orderSide := OrderSideBuy
	if side == SideShort {
		orderSide = OrderSideSell
	}
	return OrderRequest{
		InstID:       instID,
		Side:         orderSide,
		PositionSide: side,
		Type:         OrderTypeMarket,
		MarginMode:   MarginModeCross,
		Price:        price,
		Size:         size,
	}
}

// CloseOrder builds the market order that flattens a side.
func CloseOrder(instID string, side Side, price, size decimal.Decimal) OrderRequest {
	orderSide := OrderSideSell
	if side == SideShort {
		orderSide = OrderSideBuy
	}
	return OrderRequest{
		InstID:       instID,
		Side:         orderSide,
		PositionSide: side,
		Type:         OrderTypeMarket,
		MarginMode:   MarginModeCross,
		Price:        price,
		Size:         size.Abs(),
	}
}

type OrderAck struct {
	OrderID       string `json:"ordId"`
	ClientOrderID string `json:"clOrdId"`
	Code          string `json:"sCode"`
	Message       string `json:"sMsg"`
}

type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.SecretKey == ""
}
