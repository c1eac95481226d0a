package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Account struct {
	Name        string
	Credentials []Credentials
	Emails      []string
	Phones      []string
}

type WindowMode string

const (
	WindowAbsolute WindowMode = "absolute"
	WindowPercent  WindowMode = "percent"
)

// ImbalanceWindow is the price band around the last price used to measure
// buy and sell power. Absolute windows are a fixed price offset, percent
// windows are a fraction of the current price.
type ImbalanceWindow struct {
	Mode  WindowMode
	Value decimal.Decimal
}

// Span resolves the window to an absolute offset at the given price.
func (w ImbalanceWindow) Span(price decimal.Decimal) decimal.Decimal {
	if w.Mode == WindowPercent {
		return price.Mul(w.Value)
	}
	return w.Value
}

type MartinConfig struct {
	Name                string
	InstID              string
	PositionSize        decimal.Decimal
	TPRatio             decimal.Decimal
	SLRatio             decimal.Decimal
	AddPositionRatio    decimal.Decimal
	MaxAddPositionCount int
	Leverage            decimal.Decimal
	MultiplesOfTheGap   decimal.Decimal
	InitCapital         decimal.Decimal
	ContractValue       decimal.Decimal
	Window              ImbalanceWindow
	Accounts            []Account
	RiskControl         bool
}

const StrategyShortName = "martin"

// MaxLayers bounds MaxAddPositionCount; add sizes double per layer.
const MaxLayers = 32

func (c MartinConfig) FullName() string {
	return fmt.Sprintf("%s_%s_%s", StrategyShortName, c.InstID, c.Name)
}

func (c MartinConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.InstID == "" {
		errs = append(errs, errors.New("inst_id is required"))
	}
	positive := map[string]decimal.Decimal{
		"position_size":      c.PositionSize,
		"tp_ratio":           c.TPRatio,
		"sl_ratio":           c.SLRatio,
		"add_position_ratio": c.AddPositionRatio,
		"leverage":           c.Leverage,
		"multiples_of_gap":   c.MultiplesOfTheGap,
		"contract_value":     c.ContractValue,
	}
	for name, v := range positive {
		if !v.IsPositive() {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}
	if c.MaxAddPositionCount < 1 || c.MaxAddPositionCount > MaxLayers {
		errs = append(errs, fmt.Errorf("max_add_position_count must be in [1, %d], got %d", MaxLayers, c.MaxAddPositionCount))
	}
	if c.Window.Value.IsNegative() {
		errs = append(errs, fmt.Errorf("imbalance window must not be negative, got %s", c.Window.Value))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("strategy %q: %w", c.Name, err)
	}
	return nil
}

// Credentials flattens every sub-account credential sharing the config.
func (c MartinConfig) Credentials() []Credentials {
	var out []Credentials
	for _, a := range c.Accounts {
		out = append(out, a.Credentials...)
	}
	return out
}
