package okx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = models.Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass"}

func fixedClock() time.Time {
	return time.Date(2025, 3, 1, 12, 30, 45, 123000000, time.UTC)
}

func TestClient_PlaceOrderRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch n {
		case 1, 2:
			http.Error(w, "busy", http.StatusInternalServerError)
		case 3:
			w.Write([]byte(`{"code":"51000","msg":"Parameter error","data":[]}`))
		default:
			w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"312","clOrdId":"","sCode":"0","sMsg":""}]}`))
		}
	}))
	defer server.Close()

	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	client := NewClient(server.URL, quietLogger(), WithRetryPolicy(DefaultOrderInitialBackoff, DefaultOrderMaxBackoff, sleep))

	order := models.OpenOrder("BTC-USDT-SWAP", models.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10))
	ack, err := client.PlaceOrder(context.Background(), order, testCreds)

	require.NoError(t, err)
	assert.Equal(t, "312", ack.OrderID)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestClient_RetryDelayCapsAtTenSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 5 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	client := NewClient(server.URL, quietLogger(), WithRetryPolicy(DefaultOrderInitialBackoff, DefaultOrderMaxBackoff, sleep))

	err := client.SetLeverage(ctx, "BTC-USDT-SWAP", decimal.NewFromInt(10), testCreds)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, delays)
}

func TestClient_SignsRequests(t *testing.T) {
	type captured struct {
		header http.Header
		path   string
		body   string
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), path: r.URL.Path, body: string(body)}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","lever":"5","mgnMode":"cross"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, quietLogger(), WithClock(fixedClock), WithSimulatedTrading(true))
	require.NoError(t, client.SetLeverage(context.Background(), "BTC-USDT-SWAP", decimal.NewFromInt(5), testCreds))

	req := <-got
	assert.Equal(t, "/api/v5/account/set-leverage", req.path)
	assert.JSONEq(t, `{"instId":"BTC-USDT-SWAP","lever":"5","mgnMode":"cross"}`, req.body)

	ts := "2025-03-01T12:30:45.123Z"
	assert.Equal(t, "key", req.header.Get("OK-ACCESS-KEY"))
	assert.Equal(t, ts, req.header.Get("OK-ACCESS-TIMESTAMP"))
	assert.Equal(t, "pass", req.header.Get("OK-ACCESS-PASSPHRASE"))
	assert.Equal(t, Sign("secret", ts, http.MethodPost, req.path, req.body), req.header.Get("OK-ACCESS-SIGN"))
	assert.Equal(t, "1", req.header.Get("x-simulated-trading"))
}

func TestClient_OrderBody(t *testing.T) {
	got := make(chan map[string]string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"1","sCode":"0"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, quietLogger())
	order := models.CloseOrder("ETH-USDT-SWAP", models.SideShort, decimal.RequireFromString("3000.5"), decimal.NewFromInt(-3))
	_, err := client.PlaceOrder(context.Background(), order, testCreds)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"instId":  "ETH-USDT-SWAP",
		"tdMode":  "cross",
		"side":    "buy",
		"posSide": "short",
		"ordType": "market",
		"px":      "3000.5",
		"sz":      "3",
	}, <-got)
}

func TestClient_DryRunSendsNothing(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := NewClient(server.URL, quietLogger(), WithDryRun(true))
	ack, err := client.PlaceOrder(context.Background(),
		models.OpenOrder("X", models.SideShort, decimal.NewFromInt(1), decimal.NewFromInt(1)), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "0", ack.Code)
	require.NoError(t, client.SetLeverage(context.Background(), "X", decimal.NewFromInt(3), testCreds))
	assert.Zero(t, calls.Load())
}
