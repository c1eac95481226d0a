package okx

import (
	"encoding/json"
	"fmt"

	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/shopspring/decimal"
)

// Handler consumes the data array of one push frame.
type Handler func(arg SubscribeArg, data json.RawMessage) error

// DepthHandler applies every depth payload as a delta to the instrument's
// book. Snapshots and updates are treated the same way.
func DepthHandler(books *orderbook.Books) Handler {
	return func(arg SubscribeArg, data json.RawMessage) error {
		var payloads []DepthPayload
		if err := json.Unmarshal(data, &payloads); err != nil {
			return fmt.Errorf("decode depth: %w", err)
		}
		book := books.Book(arg.InstID)
		for _, p := range payloads {
			bids, err := ParseLevels(p.Bids)
			if err != nil {
				return fmt.Errorf("bids: %w", err)
			}
			asks, err := ParseLevels(p.Asks)
			if err != nil {
				return fmt.Errorf("asks: %w", err)
			}
			book.ApplyDepth(bids, asks)
		}
		return nil
	}
}

// TickerHandler overwrites the last price and prunes levels that crossed it.
func TickerHandler(books *orderbook.Books) Handler {
	return func(arg SubscribeArg, data json.RawMessage) error {
		var payloads []TickerPayload
		if err := json.Unmarshal(data, &payloads); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		if len(payloads) == 0 {
			return fmt.Errorf("ticker: empty data")
		}
		last, err := decimal.NewFromString(payloads[0].Last)
		if err != nil {
			return fmt.Errorf("ticker last %q: %w", payloads[0].Last, err)
		}
		books.Book(arg.InstID).ApplyPrice(last)
		return nil
	}
}

// KlineHandler caches confirmed candles only.
func KlineHandler(cache *orderbook.KlineCache) Handler {
	return func(arg SubscribeArg, data json.RawMessage) error {
		var rows [][]string
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode candle: %w", err)
		}
		for _, row := range rows {
			bar, confirmed, err := ParseCandle(arg.InstID, row)
			if err != nil {
				return err
			}
			if confirmed {
				cache.Append(bar)
			}
		}
		return nil
	}
}
