package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrOrderRejected marks a response whose OKX code is not "0".
var ErrOrderRejected = errors.New("okx: request rejected")

const (
	pathSetLeverage = "/api/v5/account/set-leverage"
	pathPlaceOrder  = "/api/v5/trade/order"

	DefaultOrderInitialBackoff = 2 * time.Second
	DefaultOrderMaxBackoff     = 10 * time.Second
)

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type leverageRequest struct {
	InstID  string `json:"instId"`
	Lever   string `json:"lever"`
	MgnMode string `json:"mgnMode"`
}

type orderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	PosSide string `json:"posSide"`
	OrdType string `json:"ordType"`
	Px      string `json:"px,omitempty"`
	Sz      string `json:"sz"`
}

// Client is the REST gateway. Every call is retried until it succeeds or
// the context is cancelled; leveraged exposure must not be left unmanaged.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	initial    time.Duration
	max        time.Duration
	sleep      retry.SleepFunc
	now        func() time.Time
	simulated  bool
	dryRun     bool
	logger     *logrus.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound requests per second across all sub-accounts.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithRetryPolicy(initial, max time.Duration, sleep retry.SleepFunc) ClientOption {
	return func(c *Client) {
		c.initial = initial
		c.max = max
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithSimulatedTrading routes requests to the OKX demo environment.
func WithSimulatedTrading(on bool) ClientOption {
	return func(c *Client) { c.simulated = on }
}

// WithDryRun logs orders instead of sending them.
func WithDryRun(on bool) ClientOption {
	return func(c *Client) { c.dryRun = on }
}

func NewClient(baseURL string, logger *logrus.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 5),
		initial:    DefaultOrderInitialBackoff,
		max:        DefaultOrderMaxBackoff,
		sleep:      retry.SleepContext,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLeverage sets cross-margin leverage for the instrument on one account.
func (c *Client) SetLeverage(ctx context.Context, instID string, lever decimal.Decimal, creds models.Credentials) error {
	body := leverageRequest{
		InstID:  instID,
		Lever:   lever.String(),
		MgnMode: string(models.MarginModeCross),
	}
	if c.dryRun {
		c.logger.WithFields(logrus.Fields{
			"inst_id": instID,
			"lever":   body.Lever,
		}).Info("Dry run: set leverage")
		return nil
	}
	_, err := c.call(ctx, pathSetLeverage, body, creds)
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, order models.OrderRequest, creds models.Credentials) (*models.OrderAck, error) {
	marginMode := order.MarginMode
	if marginMode == "" {
		marginMode = models.MarginModeCross
	}
	orderType := order.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}
	body := orderRequest{
		InstID:  order.InstID,
		TdMode:  string(marginMode),
		Side:    string(order.Side),
		PosSide: string(order.PositionSide),
		OrdType: string(orderType),
		Sz:      order.Size.String(),
	}
	if !order.Price.IsZero() {
		body.Px = order.Price.String()
	}

	fields := logrus.Fields{
		"inst_id":  order.InstID,
		"side":     body.Side,
		"pos_side": body.PosSide,
		"size":     body.Sz,
		"price":    body.Px,
	}
	if c.dryRun {
		c.logger.WithFields(fields).Info("Dry run: place order")
		return &models.OrderAck{OrderID: "dry-" + uuid.NewString(), Code: "0"}, nil
	}

	data, err := c.call(ctx, pathPlaceOrder, body, creds)
	if err != nil {
		return nil, err
	}
	var acks []models.OrderAck
	if err := json.Unmarshal(data, &acks); err != nil || len(acks) == 0 {
		c.logger.WithFields(fields).Warn("Order accepted without a readable ack")
		return &models.OrderAck{Code: "0"}, nil
	}
	c.logger.WithFields(fields).WithField("ord_id", acks[0].OrderID).Info("Order placed")
	return &acks[0], nil
}

// call posts body until OKX answers HTTP 200 with code "0".
func (c *Client) call(ctx context.Context, path string, body any, creds models.Credentials) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}

	var data json.RawMessage
	policy := retry.New(c.initial, c.max)
	err = retry.Forever(ctx, policy, c.sleep, func(ctx context.Context) error {
		out, err := c.post(ctx, path, payload, creds)
		if err != nil {
			return err
		}
		data = out
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("OKX request failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, creds models.Credentials) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	NewSigner(creds, c.now).AddAuthHeaders(req, http.MethodPost, path, string(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Code != "0" {
		return nil, fmt.Errorf("%w: code=%s msg=%s", ErrOrderRejected, out.Code, out.Msg)
	}
	return out.Data, nil
}
