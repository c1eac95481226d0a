// Package okx talks to the OKX v5 API: the public and business websocket
// feeds that keep the local order books and candle cache current, and the
// signed REST endpoints used to set leverage and place orders.
package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	ChannelBooks    = "books"
	ChannelTickers  = "tickers"
	ChannelCandle1m = "candle1m"

	PublicWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	BusinessWSURL = "wss://ws.okx.com:8443/ws/v5/business"
	RestURL       = "https://www.okx.com"
)

type SubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type SubscribeRequest struct {
	Op   string         `json:"op"`
	Args []SubscribeArg `json:"args"`
}

// Subscribe builds one request covering every channel for every instrument.
func Subscribe(channels []string, instIDs []string) SubscribeRequest {
	req := SubscribeRequest{Op: "subscribe"}
	for _, ch := range channels {
		for _, id := range instIDs {
			req.Args = append(req.Args, SubscribeArg{Channel: ch, InstID: id})
		}
	}
	return req
}

// Envelope is any frame pushed by the server. Event frames (subscribe acks,
// errors) carry Event; data pushes carry Arg and Data.
type Envelope struct {
	Event  string          `json:"event,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Arg    SubscribeArg    `json:"arg"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) IsEvent() bool { return e.Event != "" }

type DepthPayload struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

type TickerPayload struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

// ParseLevels converts [price, size, ...] rows to ladder levels. Extra
// columns (liquidated orders, order count) are ignored.
func ParseLevels(rows [][]string) ([]models.Level, error) {
	levels := make([]models.Level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d: expected price and size, got %d fields", i, len(row))
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price %q: %w", i, row[0], err)
		}
		size, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size %q: %w", i, row[1], err)
		}
		levels = append(levels, models.Level{Price: price, Size: size})
	}
	return levels, nil
}

// ParseCandle converts one candle row
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]. The second return
// value reports whether the bar is confirmed (closed).
func ParseCandle(instID string, row []string) (models.KlineBar, bool, error) {
	if len(row) < 6 {
		return models.KlineBar{}, false, fmt.Errorf("candle: expected at least 6 fields, got %d", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.KlineBar{}, false, fmt.Errorf("candle ts %q: %w", row[0], err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		v, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return models.KlineBar{}, false, fmt.Errorf("candle field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}
	confirmed := len(row) >= 9 && row[8] == "1"
	return models.KlineBar{
		InstID:    instID,
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, confirmed, nil
}

func isCandle(channel string) bool {
	return strings.HasPrefix(channel, "candle")
}
