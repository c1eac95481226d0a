package config

import (
	"errors"
	"fmt"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
)

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", ErrInvalid, field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, raw, err)
	}
	return d, nil
}

func (ic InstrumentConfig) window() (models.ImbalanceWindow, error) {
	mode := models.WindowMode(ic.WindowMode)
	switch mode {
	case "":
		mode = models.WindowAbsolute
	case models.WindowAbsolute, models.WindowPercent:
	default:
		return models.ImbalanceWindow{}, fmt.Errorf("%w: instrument %s: unknown window_mode %q", ErrInvalid, ic.InstID, ic.WindowMode)
	}
	value, err := parseDecimal("window_value", ic.WindowValue)
	if err != nil {
		return models.ImbalanceWindow{}, fmt.Errorf("instrument %s: %w", ic.InstID, err)
	}
	return models.ImbalanceWindow{Mode: mode, Value: value}, nil
}

// BuildInstruments returns the configured instruments with their contract
// values parsed.
func (c *Config) BuildInstruments() ([]models.Instrument, error) {
	out := make([]models.Instrument, 0, len(c.Instruments))
	seen := make(map[string]bool)
	for _, ic := range c.Instruments {
		if ic.InstID == "" {
			return nil, fmt.Errorf("%w: instrument inst_id is required", ErrInvalid)
		}
		if seen[ic.InstID] {
			return nil, fmt.Errorf("%w: duplicate instrument %s", ErrInvalid, ic.InstID)
		}
		seen[ic.InstID] = true
		cv, err := parseDecimal("contract_value", ic.ContractValue)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", ic.InstID, err)
		}
		out = append(out, models.Instrument{InstID: ic.InstID, ContractValue: cv})
	}
	return out, nil
}

func (c *Config) instrument(instID string) (InstrumentConfig, bool) {
	for _, ic := range c.Instruments {
		if ic.InstID == instID {
			return ic, true
		}
	}
	return InstrumentConfig{}, false
}

func (c *Config) account(name string) (models.Account, bool) {
	for _, ac := range c.Accounts {
		if ac.Name != name {
			continue
		}
		acct := models.Account{
			Name:   ac.Name,
			Emails: append([]string(nil), ac.Emails...),
			Phones: append([]string(nil), ac.Phones...),
		}
		for _, cred := range ac.Credentials {
			acct.Credentials = append(acct.Credentials, models.Credentials{
				APIKey:     cred.APIKey,
				SecretKey:  cred.SecretKey,
				Passphrase: cred.Passphrase,
			})
		}
		return acct, true
	}
	return models.Account{}, false
}

// BuildStrategies resolves every strategy against its instrument and
// accounts and validates the result.
func (c *Config) BuildStrategies() ([]models.MartinConfig, error) {
	out := make([]models.MartinConfig, 0, len(c.Strategies))
	seen := make(map[string]bool)
	for _, sc := range c.Strategies {
		mc, err := c.buildStrategy(sc)
		if err != nil {
			return nil, err
		}
		if seen[mc.FullName()] {
			return nil, fmt.Errorf("%w: duplicate strategy %s", ErrInvalid, mc.FullName())
		}
		seen[mc.FullName()] = true
		out = append(out, mc)
	}
	return out, nil
}

func (c *Config) buildStrategy(sc StrategyConfig) (models.MartinConfig, error) {
	ic, ok := c.instrument(sc.InstID)
	if !ok {
		return models.MartinConfig{}, fmt.Errorf("%w: strategy %q: instrument %q is not configured", ErrInvalid, sc.Name, sc.InstID)
	}
	cv, err := parseDecimal("contract_value", ic.ContractValue)
	if err != nil {
		return models.MartinConfig{}, fmt.Errorf("instrument %s: %w", ic.InstID, err)
	}
	window, err := ic.window()
	if err != nil {
		return models.MartinConfig{}, err
	}

	mc := models.MartinConfig{
		Name:                sc.Name,
		InstID:              sc.InstID,
		MaxAddPositionCount: sc.MaxAddPositionCount,
		ContractValue:       cv,
		Window:              window,
		RiskControl:         sc.RiskControl == nil || *sc.RiskControl,
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"position_size", sc.PositionSize, &mc.PositionSize},
		{"tp_ratio", sc.TPRatio, &mc.TPRatio},
		{"sl_ratio", sc.SLRatio, &mc.SLRatio},
		{"add_position_ratio", sc.AddPositionRatio, &mc.AddPositionRatio},
		{"leverage", sc.Leverage, &mc.Leverage},
		{"multiples_of_gap", sc.MultiplesOfTheGap, &mc.MultiplesOfTheGap},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.name, f.raw)
		if err != nil {
			return models.MartinConfig{}, fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
		*f.dst = d
	}
	if sc.InitCapital != "" {
		if mc.InitCapital, err = parseDecimal("init_capital", sc.InitCapital); err != nil {
			return models.MartinConfig{}, fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
	}

	if len(sc.Accounts) == 0 {
		return models.MartinConfig{}, fmt.Errorf("%w: strategy %q has no accounts", ErrInvalid, sc.Name)
	}
	for _, name := range sc.Accounts {
		acct, ok := c.account(name)
		if !ok {
			return models.MartinConfig{}, fmt.Errorf("%w: strategy %q: account %q is not configured", ErrInvalid, sc.Name, name)
		}
		mc.Accounts = append(mc.Accounts, acct)
	}

	if err := mc.Validate(); err != nil {
		return models.MartinConfig{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return mc, nil
}

// Validate checks everything the service needs before it can start.
// Missing credentials are tolerated in dry-run mode.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.port must be positive", ErrInvalid))
	}
	if c.Engine.CycleInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: engine.cycle_interval must be positive", ErrInvalid))
	}
	if _, err := c.BuildInstruments(); err != nil {
		errs = append(errs, err)
	}
	strategies, err := c.BuildStrategies()
	if err != nil {
		errs = append(errs, err)
	}
	if !c.OKX.DryRun {
		for _, s := range strategies {
			for _, cred := range s.Credentials() {
				if cred.Empty() {
					errs = append(errs, fmt.Errorf("%w: strategy %s has an account without API credentials", ErrInvalid, s.FullName()))
					break
				}
			}
		}
	}
	return errors.Join(errs...)
}
