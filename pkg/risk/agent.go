// Package risk implements the per-cycle circuit breaker that halts a
// strategy after repeated stop-losses.
package risk

import (
	"context"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/notify"
	"github.com/sirupsen/logrus"
)

// DefaultThreshold halts a strategy on its second stop-loss.
const DefaultThreshold = 1

type Saver interface {
	Upsert(ctx context.Context, state *models.PositionState) error
}

type Notifier interface {
	Dispatch(alert notify.Alert)
	Call(phone, message string)
}

type Agent struct {
	Threshold    int
	DashboardURL string

	saver    Saver
	notifier Notifier
	now      func() time.Time
	logger   *logrus.Logger
}

type Option func(*Agent)

func WithThreshold(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.Threshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithDashboardURL(url string) Option {
	return func(a *Agent) { a.DashboardURL = url }
}

func NewAgent(saver Saver, notifier Notifier, logger *logrus.Logger, opts ...Option) *Agent {
	a := &Agent{
		Threshold: DefaultThreshold,
		saver:     saver,
		notifier:  notifier,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Monitor halts a running strategy whose stop-loss count exceeds the
// threshold. It reports whether this call performed the halt; strategies
// that are not running are left alone.
func (a *Agent) Monitor(ctx context.Context, state *models.PositionState, accounts []models.Account) bool {
	if state == nil || !state.Running() {
		return false
	}
	if state.StopLossCount <= a.Threshold {
		return false
	}

	now := a.now()
	state.RunningState = models.StateStoppedByRisk
	state.StopTime = &now
	state.UpdatedAt = now

	log := a.logger.WithFields(logrus.Fields{
		"strategy":  state.StrategyFullName,
		"stop_loss": state.StopLossCount,
		"threshold": a.Threshold,
		"stop_time": now.Format(time.RFC3339),
		"state":     string(state.RunningState),
	})
	log.Warn("Strategy halted by risk agent")

	if a.saver != nil {
		if err := a.saver.Upsert(ctx, state.Clone()); err != nil {
			log.WithError(err).Error("Failed to persist halted state")
		}
	}
	a.notify(state, accounts, now)
	return true
}

func (a *Agent) notify(state *models.PositionState, accounts []models.Account, at time.Time) {
	if a.notifier == nil {
		return
	}
	for _, acct := range accounts {
		if len(acct.Emails) > 0 {
			alert, err := notify.RiskStopAlert(notify.RiskStopData{
				UserName:     acct.Name,
				Strategy:     state.StrategyFullName,
				StopTime:     at,
				StopLosses:   state.StopLossCount,
				DashboardURL: a.DashboardURL,
			}, acct.Emails)
			if err != nil {
				a.logger.WithField("account", acct.Name).WithError(err).Error("Failed to build risk alert")
			} else {
				a.notifier.Dispatch(alert)
			}
		}
		for _, phone := range acct.Phones {
			a.notifier.Call(phone, state.StrategyFullName+" stopped by risk agent")
		}
	}
}
