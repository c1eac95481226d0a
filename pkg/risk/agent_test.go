package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/notify"
	"github.com/gregtusar/perpmartin/pkg/store/memory"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
	calls  []string
}

func (r *recordingNotifier) Dispatch(a notify.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingNotifier) Call(phone, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, phone)
}

func newState(stopLosses int) *models.PositionState {
	st := models.NewPositionState(models.MartinConfig{Name: "a", InstID: "BTC-USDT-SWAP", InitCapital: decimal.NewFromInt(100)})
	st.StopLossCount = stopLosses
	return st
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAgent_HaltsExactlyOnce(t *testing.T) {
	saver := memory.NewPositionStore()
	notifier := &recordingNotifier{}
	stop := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	agent := NewAgent(saver, notifier, quietLogger(), WithClock(func() time.Time { return stop }))
	accounts := []models.Account{
		{Name: "desk", Emails: []string{"a@example.com", "b@example.com"}, Phones: []string{"+1"}},
		{Name: "quiet"},
	}
	st := newState(2)

	assert.True(t, agent.Monitor(context.Background(), st, accounts))
	assert.Equal(t, models.StateStoppedByRisk, st.RunningState)
	require.NotNil(t, st.StopTime)
	assert.Equal(t, stop, *st.StopTime)

	persisted, err := saver.Get(context.Background(), st.StrategyFullName)
	require.NoError(t, err)
	assert.Equal(t, models.StateStoppedByRisk, persisted.RunningState)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, notifier.alerts[0].To)
	assert.Equal(t, []string{"+1"}, notifier.calls)

	for i := 0; i < 3; i++ {
		assert.False(t, agent.Monitor(context.Background(), st, accounts))
	}
	assert.Len(t, notifier.alerts, 1)
	assert.Equal(t, stop, *st.StopTime)
}

func TestAgent_BelowThresholdIsNoop(t *testing.T) {
	agent := NewAgent(nil, nil, quietLogger())
	st := newState(1)

	assert.False(t, agent.Monitor(context.Background(), st, nil))
	assert.Equal(t, models.StateRunning, st.RunningState)
	assert.Nil(t, st.StopTime)
}

func TestAgent_IgnoresStrategiesNotRunning(t *testing.T) {
	agent := NewAgent(nil, nil, quietLogger())
	st := newState(5)
	st.RunningState = models.StateStoppedManual

	assert.False(t, agent.Monitor(context.Background(), st, nil))
	assert.Equal(t, models.StateStoppedManual, st.RunningState)
}

func TestAgent_CustomThreshold(t *testing.T) {
	agent := NewAgent(nil, nil, quietLogger(), WithThreshold(3))

	assert.False(t, agent.Monitor(context.Background(), newState(3), nil))
	assert.True(t, agent.Monitor(context.Background(), newState(4), nil))
}
