package trader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/gregtusar/perpmartin/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MinCycleInterval bounds how often the strategy loop sweeps all configs.
const MinCycleInterval = 200 * time.Millisecond

var ErrUnknownStrategy = errors.New("unknown strategy")

type Gateway interface {
	SetLeverage(ctx context.Context, instID string, lever decimal.Decimal, creds models.Credentials) error
	PlaceOrder(ctx context.Context, order models.OrderRequest, creds models.Credentials) (*models.OrderAck, error)
}

type BookSource interface {
	Snapshot(instID string) (orderbook.Snapshot, bool)
}

type RiskMonitor interface {
	Monitor(ctx context.Context, state *models.PositionState, accounts []models.Account) bool
}

type Options struct {
	CycleInterval time.Duration
	Now           func() time.Time
	NewTxID       func(time.Time) string
}

// strategy pairs an immutable config with the state only the evaluation
// path mutates.
type strategy struct {
	cfg   models.MartinConfig
	state *models.PositionState
}

// MartinTrader runs the martingale position manager for every configured
// (instrument, account group) pair.
type MartinTrader struct {
	strategies []*strategy
	books      BookSource
	gateway    Gateway
	positions  store.PositionStore
	trades     store.TradeSink
	risk       RiskMonitor
	opts       Options
	logger     *logrus.Logger

	viewMu sync.RWMutex
	views  map[string]*models.PositionState

	resumeMu sync.Mutex
	resumes  []string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMartinTrader(configs []models.MartinConfig, books BookSource, gateway Gateway, positions store.PositionStore,
	trades store.TradeSink, risk RiskMonitor, logger *logrus.Logger, opts Options) *MartinTrader {
	if opts.CycleInterval < MinCycleInterval {
		opts.CycleInterval = MinCycleInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTxID == nil {
		opts.NewTxID = NewTransactionID
	}

	t := &MartinTrader{
		books:     books,
		gateway:   gateway,
		positions: positions,
		trades:    trades,
		risk:      risk,
		opts:      opts,
		logger:    logger,
		views:     make(map[string]*models.PositionState),
		stopCh:    make(chan struct{}),
	}
	for _, cfg := range configs {
		t.strategies = append(t.strategies, &strategy{cfg: cfg, state: models.NewPositionState(cfg)})
	}
	return t
}

// NewTransactionID returns "T" + yyyyMMddHHmmss + a four digit random suffix.
func NewTransactionID(at time.Time) string {
	return fmt.Sprintf("T%s%d", at.Format("20060102150405"), 1000+rand.IntN(9000))
}

// Start sets leverage on every account, restores persisted positions and
// launches the polling loop.
func (t *MartinTrader) Start(ctx context.Context) error {
	t.logger.WithField("strategies", len(t.strategies)).Info("Starting martin trader")

	for _, s := range t.strategies {
		for _, creds := range s.cfg.Credentials() {
			if err := t.gateway.SetLeverage(ctx, s.cfg.InstID, s.cfg.Leverage, creds); err != nil {
				return fmt.Errorf("set leverage for %s: %w", s.cfg.FullName(), err)
			}
		}
	}

	if err := t.restore(ctx); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.run(ctx)
	return nil
}

func (t *MartinTrader) Stop() {
	t.stopOnce.Do(func() {
		t.logger.Info("Stopping martin trader")
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *MartinTrader) restore(ctx context.Context) error {
	persisted := make(map[string]*models.PositionState)
	if t.positions != nil {
		all, err := t.positions.ListAll(ctx)
		if err != nil {
			return fmt.Errorf("restore positions: %w", err)
		}
		for _, st := range all {
			persisted[st.StrategyFullName] = st
		}
	}

	for _, s := range t.strategies {
		name := s.cfg.FullName()
		log := t.logger.WithField("strategy", name)
		if st, ok := persisted[name]; ok {
			st.StrategyShortName = models.StrategyShortName
			st.InstID = s.cfg.InstID
			s.state = st
			log.WithFields(logrus.Fields{
				"state": string(st.RunningState),
				"long":  st.LongPosition.String(),
				"short": st.ShortPosition.String(),
			}).Info("Restored position state")
		} else {
			s.state = models.NewPositionState(s.cfg)
			s.state.UpdatedAt = t.opts.Now()
			t.persist(ctx, s)
			log.Info("Created position state")
		}
		t.publish(s)
	}
	return nil
}

func (t *MartinTrader) run(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Cycle(ctx)
		}
	}
}

// Cycle evaluates every strategy once. Strategies are independent: a
// failure or panic in one does not stop the others.
func (t *MartinTrader) Cycle(ctx context.Context) {
	t.applyResumes(ctx)
	for _, s := range t.strategies {
		t.evaluate(ctx, s)
		t.publish(s)
	}
}

func (t *MartinTrader) evaluate(ctx context.Context, s *strategy) {
	log := t.logger.WithField("strategy", s.cfg.FullName())
	defer func() {
		if r := recover(); r != nil {
			s.state.RunningState = models.StateError
			s.state.UpdatedAt = t.opts.Now()
			log.WithField("panic", fmt.Sprint(r)).Error("Strategy evaluation panicked, marking as error")
			t.persist(ctx, s)
		}
	}()

	if s.cfg.RiskControl && t.risk != nil && t.risk.Monitor(ctx, s.state, s.cfg.Accounts) {
		return
	}
	if !s.state.Running() {
		return
	}

	snap, ok := t.books.Snapshot(s.cfg.InstID)
	if !ok || !snap.HasPrice {
		return
	}

	if err := t.evaluateSides(ctx, s, snap); err != nil {
		log.WithError(err).Warn("Cycle aborted before state change")
	}
}

func (t *MartinTrader) publish(s *strategy) {
	t.viewMu.Lock()
	t.views[s.cfg.FullName()] = s.state.Clone()
	t.viewMu.Unlock()
}

func (t *MartinTrader) persist(ctx context.Context, s *strategy) {
	if t.positions == nil {
		return
	}
	if err := t.positions.Upsert(ctx, s.state.Clone()); err != nil {
		t.logger.WithField("strategy", s.cfg.FullName()).WithError(err).Error("Failed to persist position state")
	}
}

func (t *MartinTrader) record(ctx context.Context, r models.TradeRecord) {
	if t.trades == nil {
		return
	}
	if err := t.trades.Record(ctx, r); err != nil {
		t.logger.WithFields(logrus.Fields{
			"strategy": r.Strategy,
			"tx_id":    r.TransactionID,
			"action":   string(r.Action),
		}).WithError(err).Error("Failed to record trade")
	}
}

// Resume queues a manual restart of a halted strategy. It takes effect at
// the start of the next cycle.
func (t *MartinTrader) Resume(name string) error {
	s := t.find(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	t.resumeMu.Lock()
	t.resumes = append(t.resumes, s.cfg.FullName())
	t.resumeMu.Unlock()
	return nil
}

func (t *MartinTrader) applyResumes(ctx context.Context) {
	t.resumeMu.Lock()
	pending := t.resumes
	t.resumes = nil
	t.resumeMu.Unlock()

	for _, name := range pending {
		s := t.find(name)
		if s == nil || s.state.Running() {
			continue
		}
		prev := s.state.RunningState
		s.state.RunningState = models.StateRunning
		s.state.StopTime = nil
		s.state.StopLossCount = 0
		s.state.UpdatedAt = t.opts.Now()
		t.persist(ctx, s)
		t.publish(s)
		t.logger.WithFields(logrus.Fields{
			"strategy": name,
			"from":     string(prev),
		}).Info("Strategy resumed")
	}
}

func (t *MartinTrader) find(name string) *strategy {
	for _, s := range t.strategies {
		if s.cfg.FullName() == name {
			return s
		}
	}
	for _, s := range t.strategies {
		if s.cfg.Name == name {
			return s
		}
	}
	return nil
}

// State returns a copy of the last published state, looked up by full name
// or config name.
func (t *MartinTrader) State(name string) (*models.PositionState, bool) {
	s := t.find(name)
	if s == nil {
		return nil, false
	}
	t.viewMu.RLock()
	defer t.viewMu.RUnlock()
	st, ok := t.views[s.cfg.FullName()]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (t *MartinTrader) States() []*models.PositionState {
	t.viewMu.RLock()
	out := make([]*models.PositionState, 0, len(t.views))
	for _, st := range t.views {
		out = append(out, st.Clone())
	}
	t.viewMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyFullName < out[j].StrategyFullName })
	return out
}

func (t *MartinTrader) Names() []string {
	names := make([]string, 0, len(t.strategies))
	for _, s := range t.strategies {
		names = append(names, s.cfg.FullName())
	}
	sort.Strings(names)
	return names
}

// Config returns the configuration of a strategy by full name or config name.
func (t *MartinTrader) Config(name string) (models.MartinConfig, bool) {
	s := t.find(name)
	if s == nil {
		return models.MartinConfig{}, false
	}
	return s.cfg, true
}
