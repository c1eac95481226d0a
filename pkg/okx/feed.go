package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/perpmartin/pkg/retry"
	"github.com/sirupsen/logrus"
)

type FeedState int32

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedSubscribed
	FeedStreaming
)

func (s FeedState) String() string {
	switch s {
	case FeedConnecting:
		return "connecting"
	case FeedSubscribed:
		return "subscribed"
	case FeedStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

const (
	DefaultFeedInitialBackoff = 5 * time.Second
	DefaultFeedMaxBackoff     = 60 * time.Second
)

// Feed is one websocket connection to OKX. It subscribes once per session and
// dispatches pushes by channel. Any error ends the session; Run reconnects
// forever with capped exponential backoff.
type Feed struct {
	name     string
	url      string
	request  SubscribeRequest
	handlers map[string]Handler

	PingInterval time.Duration
	ReadTimeout  time.Duration

	backoff *retry.Backoff
	sleep   retry.SleepFunc
	dialer  *websocket.Dialer
	logger  *logrus.Logger

	state   atomic.Int32
	writeMu sync.Mutex
}

type FeedOption func(*Feed)

func WithBackoff(b *retry.Backoff) FeedOption {
	return func(f *Feed) { f.backoff = b }
}

// WithSleep replaces the wait between reconnect attempts.
func WithSleep(sleep retry.SleepFunc) FeedOption {
	return func(f *Feed) { f.sleep = sleep }
}

func WithPing(interval, readTimeout time.Duration) FeedOption {
	return func(f *Feed) {
		f.PingInterval = interval
		f.ReadTimeout = readTimeout
	}
}

func NewFeed(name, url string, request SubscribeRequest, logger *logrus.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		name:         name,
		url:          url,
		request:      request,
		handlers:     make(map[string]Handler),
		PingInterval: 25 * time.Second,
		ReadTimeout:  60 * time.Second,
		backoff:      retry.New(DefaultFeedInitialBackoff, DefaultFeedMaxBackoff),
		sleep:        retry.SleepContext,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handle registers the handler for a channel. Channels starting with
// "candle" share one handler registered under any candle channel name.
func (f *Feed) Handle(channel string, h Handler) {
	f.handlers[channel] = h
}

func (f *Feed) State() FeedState {
	return FeedState(f.state.Load())
}

func (f *Feed) setState(s FeedState) {
	if prev := FeedState(f.state.Swap(int32(s))); prev != s {
		f.logger.WithFields(logrus.Fields{
			"feed":  f.name,
			"state": s.String(),
		}).Debug("Feed state changed")
	}
}

// Run blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	defer f.setState(FeedDisconnected)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.session(ctx)
		f.setState(FeedDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := f.backoff.Next()
		f.logger.WithFields(logrus.Fields{
			"feed":    f.name,
			"attempt": f.backoff.Failures(),
			"delay":   delay.String(),
		}).WithError(err).Warn("Feed session ended, reconnecting")

		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	f.setState(FeedConnecting)

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	if err := f.writeJSON(conn, f.request); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.setState(FeedSubscribed)
	f.backoff.Reset()
	f.logger.WithFields(logrus.Fields{
		"feed": f.name,
		"args": len(f.request.Args),
	}).Info("Feed subscribed")

	if f.PingInterval > 0 {
		go f.keepAlive(conn, done)
	}

	for {
		if f.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) dispatch(msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		f.logger.WithField("feed", f.name).WithError(err).Warn("Dropping malformed message")
		return
	}

	if env.IsEvent() {
		entry := f.logger.WithFields(logrus.Fields{
			"feed":    f.name,
			"event":   env.Event,
			"channel": env.Arg.Channel,
			"inst_id": env.Arg.InstID,
		})
		if env.Event == "error" {
			entry.WithField("code", env.Code).Warn(env.Msg)
		} else {
			entry.Debug("Feed event")
		}
		return
	}

	handler := f.handlerFor(env.Arg.Channel)
	if handler == nil || len(env.Data) == 0 {
		return
	}
	if f.State() == FeedSubscribed {
		f.setState(FeedStreaming)
	}
	if err := handler(env.Arg, env.Data); err != nil {
		f.logger.WithFields(logrus.Fields{
			"feed":    f.name,
			"channel": env.Arg.Channel,
			"inst_id": env.Arg.InstID,
		}).WithError(err).Warn("Dropping unreadable push")
	}
}

func (f *Feed) handlerFor(channel string) Handler {
	if h, ok := f.handlers[channel]; ok {
		return h
	}
	if isCandle(channel) {
		for ch, h := range f.handlers {
			if isCandle(ch) {
				return h
			}
		}
	}
	return nil
}

// keepAlive sends the text "ping" OKX expects; the server replies "pong".
func (f *Feed) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			f.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					f.logger.WithField("feed", f.name).WithError(err).Warn("Failed to send ping")
				}
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) writeJSON(conn *websocket.Conn, v any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(v)
}
