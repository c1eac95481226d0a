package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gregtusar/perpmartin/pkg/depth"
	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/orderbook"
	"github.com/gregtusar/perpmartin/pkg/store"
	"github.com/gregtusar/perpmartin/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultLevelLineBins = 10

// Strategies is the part of the trader the query surface reads from.
type Strategies interface {
	States() []*models.PositionState
	State(name string) (*models.PositionState, bool)
	Config(name string) (models.MartinConfig, bool)
	Resume(name string) error
}

type BookSource interface {
	Snapshot(instID string) (orderbook.Snapshot, bool)
}

type KlineSource interface {
	Bars(instID string) ([]models.KlineBar, bool)
}

type Aggregator interface {
	Aggregate(ctx context.Context, strategy string) (*models.AggregateResult, error)
}

type Options struct {
	Port          int
	JWTSecret     string
	LevelLineBins int
}

type Server struct {
	strategies  Strategies
	books       BookSource
	klines      KlineSource
	ledger      Aggregator
	instruments map[string]decimal.Decimal
	opts        Options
	logger      *logrus.Logger
	httpServer  *http.Server
}

func NewServer(strategies Strategies, books BookSource, klines KlineSource, ledger Aggregator,
	instruments []models.Instrument, logger *logrus.Logger, opts Options) *Server {
	if opts.LevelLineBins <= 0 {
		opts.LevelLineBins = defaultLevelLineBins
	}
	multipliers := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		multipliers[inst.InstID] = inst.ContractValue
	}
	s := &Server{
		strategies:  strategies,
		books:       books,
		klines:      klines,
		ledger:      ledger,
		instruments: multipliers,
		opts:        opts,
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /v1/strategy/all", s.auth(http.HandlerFunc(s.handleAll), false))
	mux.Handle("GET /v1/strategy/position/state/{name}", s.auth(http.HandlerFunc(s.handleState), false))
	mux.Handle("GET /v1/strategy/aggregate/{name}", s.auth(http.HandlerFunc(s.handleAggregate), false))
	mux.Handle("GET /v1/level-lines/{instId}", s.auth(http.HandlerFunc(s.handleLevelLines), false))
	mux.Handle("GET /v1/kline/{instId}", s.auth(http.HandlerFunc(s.handleKline), false))
	mux.Handle("POST /v1/strategy/resume/{name}", s.auth(http.HandlerFunc(s.handleResume), true))

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %d", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.strategies.States())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, ok := s.strategies.State(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", name))
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, ok := s.strategies.Config(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("strategy %s not found", name))
		return
	}

	res, err := s.ledger.Aggregate(r.Context(), cfg.FullName())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no trades for %s", cfg.FullName()))
	case err != nil:
		s.logger.WithError(err).WithField("strategy", cfg.FullName()).Error("Failed to aggregate trades")
		s.writeError(w, http.StatusInternalServerError, "aggregation failed")
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleLevelLines(w http.ResponseWriter, r *http.Request) {
	instID := r.PathValue("instId")
	multiplier, ok := s.instruments[instID]
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("instrument %s not configured", instID))
		return
	}
	snap, ok := s.books.Snapshot(instID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no book for %s", instID))
		return
	}
	s.writeJSON(w, http.StatusOK, depth.LevelLines(snap, multiplier, s.opts.LevelLineBins))
}

func (s *Server) handleKline(w http.ResponseWriter, r *http.Request) {
	instID := r.PathValue("instId")
	bars, ok := s.klines.Bars(instID)
	if !ok {
		bars = []models.KlineBar{}
	}
	s.writeJSON(w, http.StatusOK, bars)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.strategies.Resume(name); err != nil {
		if errors.Is(err, trader.ErrUnknownStrategy) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.WithField("strategy", name).Info("Resume requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "strategy": name})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
