package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validConfig() MartinConfig {
	return MartinConfig{
		Name:                "s1",
		InstID:              "BTC-USDT-SWAP",
		PositionSize:        d("1"),
		TPRatio:             d("0.003"),
		SLRatio:             d("0.05"),
		AddPositionRatio:    d("0.005"),
		MaxAddPositionCount: 3,
		Leverage:            d("10"),
		MultiplesOfTheGap:   d("2"),
		InitCapital:         d("1000"),
		ContractValue:       d("0.01"),
		Window:              ImbalanceWindow{Mode: WindowAbsolute, Value: d("5")},
		Accounts: []Account{
			{Name: "a", Credentials: []Credentials{{APIKey: "k1", SecretKey: "s1"}}},
			{Name: "b", Credentials: []Credentials{{APIKey: "k2", SecretKey: "s2"}, {APIKey: "k3", SecretKey: "s3"}}},
		},
	}
}

func TestMartinConfig_FullNameAndCredentials(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "martin_BTC-USDT-SWAP_s1", cfg.FullName())
	creds := cfg.Credentials()
	require.Len(t, creds, 3)
	assert.Equal(t, "k3", creds[2].APIKey)
}

func TestMartinConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *MartinConfig){
		"no name":         func(c *MartinConfig) { c.Name = "" },
		"no instrument":   func(c *MartinConfig) { c.InstID = "" },
		"zero size":       func(c *MartinConfig) { c.PositionSize = decimal.Zero },
		"negative tp":     func(c *MartinConfig) { c.TPRatio = d("-0.1") },
		"no layers":       func(c *MartinConfig) { c.MaxAddPositionCount = 0 },
		"too many layers": func(c *MartinConfig) { c.MaxAddPositionCount = MaxLayers + 1 },
		"negative window": func(c *MartinConfig) { c.Window.Value = d("-1") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestImbalanceWindow_Span(t *testing.T) {
	abs := ImbalanceWindow{Mode: WindowAbsolute, Value: d("5")}
	assert.Equal(t, "5", abs.Span(d("20000")).String())

	pct := ImbalanceWindow{Mode: WindowPercent, Value: d("0.001")}
	assert.Equal(t, "20", pct.Span(d("20000")).String())
}

func TestPositionState_LegAndReset(t *testing.T) {
	st := NewPositionState(validConfig())
	assert.True(t, st.Running())
	assert.Equal(t, 1, st.LongAddCount)

	leg := st.Leg(SideShort)
	assert.True(t, leg.Flat())
	entry := d("100")
	*leg.Size = d("3")
	*leg.EntryPrice = &entry
	*leg.Layer = 2
	*leg.TransactionID = "T1"

	assert.Equal(t, "3", st.ShortPosition.String())
	assert.True(t, st.LongPosition.IsZero())
	assert.Equal(t, 2, st.ShortAddCount)

	leg.Reset()
	assert.True(t, st.ShortPosition.IsZero())
	assert.Nil(t, st.ShortEntryPrice)
	assert.Equal(t, 1, st.ShortAddCount)
	assert.Equal(t, "T1", st.ShortTransactionID)
}

func TestPositionState_CloneIsIndependent(t *testing.T) {
	st := NewPositionState(validConfig())
	entry := d("100")
	stop := time.Unix(100, 0)
	st.LongEntryPrice = &entry
	st.StopTime = &stop

	c := st.Clone()
	*c.LongEntryPrice = d("1")
	*c.StopTime = time.Unix(0, 0)

	assert.Equal(t, "100", st.LongEntryPrice.String())
	assert.Equal(t, int64(100), st.StopTime.Unix())
}

func TestOrders(t *testing.T) {
	open := OpenOrder("BTC-USDT-SWAP", SideShort, d("100"), d("2"))
	assert.Equal(t, OrderSideSell, open.Side)
	assert.Equal(t, SideShort, open.PositionSide)

	closing := CloseOrder("BTC-USDT-SWAP", SideShort, d("100"), d("2"))
	assert.Equal(t, OrderSideBuy, closing.Side)
	assert.Equal(t, SideShort, closing.PositionSide)
}

func TestTradeSummary_Apply(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var s TradeSummary

	open := NewTradeRecord("T1", "martin_X_s1", "X", SideLong, ActionOpen, at)
	open.Size = d("1")
	s.Apply(open)

	add := NewTradeRecord("T1", "martin_X_s1", "X", SideLong, ActionAdd, at.Add(time.Minute))
	add.Size = d("2")
	s.Apply(add)

	closing := NewTradeRecord("T1", "martin_X_s1", "X", SideLong, ActionStopLoss, at.Add(time.Hour))
	closing.PnL = d("-1.5")
	s.Apply(closing)

	assert.Equal(t, "3", s.HoldingAmount.String())
	assert.Equal(t, "-1.5", s.ProfitAmount.String())
	assert.Equal(t, ActionStopLoss, s.CloseReason)
	require.NotNil(t, s.CloseTime)
	assert.NotEmpty(t, open.RecordID)
}

func TestAggregate(t *testing.T) {
	assert.Nil(t, Aggregate(nil))

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closed := func(pnl string, held time.Duration) TradeSummary {
		ct := at.Add(held)
		return TradeSummary{OpenTime: at, CloseTime: &ct, ProfitAmount: d(pnl)}
	}
	summaries := []TradeSummary{
		closed("3", 10*time.Minute),
		closed("1", 20*time.Minute),
		closed("-2", 60*time.Minute),
		{OpenTime: at, ProfitAmount: decimal.Zero},
	}

	res := Aggregate(summaries)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.TakeProfitCount)
	assert.Equal(t, 1, res.StopLossCount)
	assert.Equal(t, "4", res.TotalTakeProfitAmount.String())
	assert.Equal(t, "-2", res.TotalStopLossAmount.String())
	assert.Equal(t, "2", res.AvgProfitPerTrade.String())
	assert.Equal(t, "-2", res.AvgLossPerTrade.String())
	assert.Equal(t, "2", res.CapitalChange.String())
	assert.Equal(t, "30", res.AvgHoldingMinutes.String())
}
