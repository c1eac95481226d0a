package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestMailer_RetriesThenSucceeds(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com", Retries: 3, RetryDelay: time.Second}, quietLogger())

	var attempts int
	var sentTo []string
	var sentMsg string
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempts++
		assert.Equal(t, "smtp.example.com:587", addr)
		if attempts < 3 {
			return errors.New("421 try later")
		}
		sentTo = to
		sentMsg = string(msg)
		return nil
	}
	var waits []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err := m.Send(context.Background(), Alert{Subject: "hi", Body: "<p>x</p>", To: []string{"a@example.com"}, HTML: true})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, waits)
	assert.Equal(t, []string{"a@example.com"}, sentTo)
	assert.Contains(t, sentMsg, "Subject: hi\r\n")
	assert.Contains(t, sentMsg, "Content-Type: text/html")
}

func TestMailer_GivesUp(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "h", Port: 25, Retries: 2}, quietLogger())
	m.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	m.sleep = func(context.Context, time.Duration) error { return nil }

	err := m.Send(context.Background(), Alert{Subject: "s", To: []string{"x@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

type recordingSender struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingCaller struct {
	mu     sync.Mutex
	phones []string
}

func (r *recordingCaller) Call(_ context.Context, phone, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phones = append(r.phones, phone)
	return nil
}

func TestDispatcher_DeliversAsync(t *testing.T) {
	sender := &recordingSender{}
	caller := &recordingCaller{}
	d := NewDispatcher(sender, caller, time.Second, quietLogger())

	d.Dispatch(Alert{Subject: "a", To: []string{"x@example.com"}})
	d.Dispatch(Alert{Subject: "no recipients"})
	d.Call("+100", "halted")
	d.Wait()

	assert.Len(t, sender.alerts, 1)
	assert.Equal(t, []string{"+100"}, caller.phones)
}

func TestRiskStopAlert_Renders(t *testing.T) {
	stop := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	alert, err := RiskStopAlert(RiskStopData{
		UserName:     "desk",
		Strategy:     "martin_BTC-USDT-SWAP_a",
		StopTime:     stop,
		StopLosses:   2,
		DashboardURL: "https://dash.example.com",
	}, []string{"ops@example.com"})

	require.NoError(t, err)
	assert.True(t, alert.HTML)
	assert.Contains(t, alert.Subject, "martin_BTC-USDT-SWAP_a")
	assert.Contains(t, alert.Body, "2025-02-03 04:05:06 UTC")
	assert.Contains(t, alert.Body, "after 2 stop-losses")
	assert.True(t, strings.Contains(alert.Body, `href="https://dash.example.com"`))
}
