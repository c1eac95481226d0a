package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gregtusar/perpmartin/api"
	"github.com/gregtusar/perpmartin/internal/config"
	"github.com/gregtusar/perpmartin/pkg/depth"
	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/notify"
	"github.com/gregtusar/perpmartin/pkg/okx"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/gregtusar/perpmartin/pkg/retry"
	"github.com/gregtusar/perpmartin/pkg/risk"
	"github.com/gregtusar/perpmartin/pkg/store"
	"github.com/gregtusar/perpmartin/pkg/store/kafka"
	"github.com/gregtusar/perpmartin/pkg/store/memory"
	"github.com/gregtusar/perpmartin/pkg/store/sqlite"
	"github.com/gregtusar/perpmartin/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "perpmartin",
		Short: "Martingale position manager for OKX perpetual swaps",
		Long:  `Streams OKX order books and runs a depth-imbalance martingale strategy across configured account groups`,
		RunE:  runTrader,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration",
		RunE:  runValidate,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	strategies, err := cfg.BuildStrategies()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range strategies {
		fmt.Fprintf(out, "%s\taccounts=%d credentials=%d\n", s.FullName(), len(s.Accounts), len(s.Credentials()))
	}
	fmt.Fprintln(out, "configuration OK")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File == "" {
		return logger, nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return logger, f, nil
}

// stores is the persistence wiring picked by configuration.
type stores struct {
	positions store.PositionStore
	ledger    store.TradeLedger
	sink      store.TradeSink
	closers   []func()
}

func openStores(cfg *config.Config, logger *logrus.Logger) (*stores, error) {
	st := &stores{}
	if cfg.Storage.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		st.positions, st.ledger = db, db
		st.closers = append(st.closers, func() {
			if err := db.Close(); err != nil {
				logger.WithError(err).Error("Failed to close sqlite store")
			}
		})
		logger.WithField("path", cfg.Storage.SQLitePath).Info("Using SQLite store")
	} else {
		ledger := memory.NewLedger()
		st.positions, st.ledger = memory.NewPositionStore(), ledger
		logger.Warn("No storage path configured, positions are kept in memory only")
	}

	sinks := store.Fanout{st.ledger}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		sinks = append(sinks, pub)
		st.closers = append(st.closers, func() {
			produced, failed := pub.Stats()
			logger.WithFields(logrus.Fields{"produced": produced, "failed": failed}).Info("Closing trade publisher")
			pub.Close()
		})
	}
	st.sink = sinks
	return st, nil
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newFeeds(cfg *config.Config, instIDs []string, books *orderbook.Books, klines *orderbook.KlineCache, logger *logrus.Logger) []*okx.Feed {
	opts := func() []okx.FeedOption {
		return []okx.FeedOption{
			okx.WithBackoff(retry.New(cfg.Feed.InitialBackoff, cfg.Feed.MaxBackoff)),
			okx.WithPing(cfg.Feed.PingInterval, cfg.Feed.ReadTimeout),
		}
	}

	public := okx.NewFeed("public", cfg.OKX.PublicWSURL,
		okx.Subscribe([]string{okx.ChannelBooks, okx.ChannelTickers}, instIDs), logger, opts()...)
	public.Handle(okx.ChannelBooks, okx.DepthHandler(books))
	public.Handle(okx.ChannelTickers, okx.TickerHandler(books))
	feeds := []*okx.Feed{public}

	if cfg.Feed.Candles {
		business := okx.NewFeed("business", cfg.OKX.BusinessWSURL,
			okx.Subscribe([]string{okx.ChannelCandle1m}, instIDs), logger, opts()...)
		business.Handle(okx.ChannelCandle1m, okx.KlineHandler(klines))
		feeds = append(feeds, business)
	}
	return feeds
}

func trimKlines(ctx context.Context, cache *orderbook.KlineCache, cfg config.EngineConfig, logger *logrus.Logger) {
	if cfg.KlineTrimInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.KlineTrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Trim(cfg.KlineMaxSpan, cfg.KlineDrop); n > 0 {
				logger.WithField("removed", n).Info("Trimmed kline cache")
			}
		}
	}
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logFile, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		return err
	}
	instruments, err := cfg.BuildInstruments()
	if err != nil {
		return err
	}
	strategies, err := cfg.BuildStrategies()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	instIDs := instrumentIDs(instruments, strategies)
	books := orderbook.NewBooks(instIDs...)
	klines := orderbook.NewKlineCache()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	client := okx.NewClient(cfg.OKX.RestURL, logger,
		okx.WithRateLimit(cfg.OKX.RequestsPerSecond, cfg.OKX.Burst),
		okx.WithRetryPolicy(cfg.OKX.OrderRetryInitial, cfg.OKX.OrderRetryMax, nil),
		okx.WithSimulatedTrading(cfg.OKX.SimulatedTrading),
		okx.WithDryRun(cfg.OKX.DryRun),
	)

	mailer := notify.NewMailer(notify.SMTPConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		Retries:    cfg.SMTP.Retries,
		RetryDelay: cfg.SMTP.RetryDelay,
	}, logger)
	dispatcher := notify.NewDispatcher(mailer, nil, cfg.SMTP.Timeout, logger)
	defer dispatcher.Wait()

	agent := risk.NewAgent(st.positions, dispatcher, logger,
		risk.WithThreshold(cfg.Engine.RiskThreshold),
		risk.WithDashboardURL(cfg.Server.DashboardURL),
	)

	martin := trader.NewMartinTrader(strategies, books, client, st.positions, st.sink, agent, logger, trader.Options{
		CycleInterval: cfg.Engine.CycleInterval,
	})

	var wg sync.WaitGroup
	for _, feed := range newFeeds(cfg, instIDs, books, klines, logger) {
		wg.Add(1)
		go func(f *okx.Feed) {
			defer wg.Done()
			if err := f.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Feed stopped")
			}
		}(feed)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		depth.NewReporter(books, instruments, cfg.Engine.DepthReportInterval, logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		trimKlines(ctx, klines, cfg.Engine, logger)
	}()

	if err := martin.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start martin trader")
		cancel()
		wg.Wait()
		return err
	}

	apiServer := api.NewServer(martin, books, klines, st.ledger, instruments, logger, api.Options{
		Port:          cfg.Server.Port,
		JWTSecret:     cfg.Server.JWTSecret,
		LevelLineBins: cfg.Server.LevelLineBins,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server failed")
			cancel()
		}
	}()

	logger.WithField("strategies", martin.Names()).Info("Martin trader is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down API server")
	}

	martin.Stop()
	wg.Wait()

	logger.Info("Martin trader stopped")
	return nil
}

// instrumentIDs lists configured instruments plus any a strategy trades.
func instrumentIDs(instruments []models.Instrument, strategies []models.MartinConfig) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, inst := range instruments {
		if !seen[inst.InstID] {
			seen[inst.InstID] = true
			ids = append(ids, inst.InstID)
		}
	}
	for _, s := range strategies {
		if !seen[s.InstID] {
			seen[s.InstID] = true
			ids = append(ids, s.InstID)
		}
	}
	return ids
}
