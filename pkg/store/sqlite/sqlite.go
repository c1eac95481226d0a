// Package sqlite persists position snapshots and the trade ledger in a
// single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/gregtusar/perpmartin/pkg/store"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store implements store.PositionStore and store.TradeLedger.
type Store struct {
	db *sql.DB
}

var (
	_ store.PositionStore = (*Store)(nil)
	_ store.TradeLedger   = (*Store)(nil)
)

// Open creates or opens the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			full_name TEXT PRIMARY KEY,
			inst_id TEXT NOT NULL,
			running_state TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			updated_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trade_summaries (
			transaction_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			inst_id TEXT NOT NULL,
			side TEXT NOT NULL,
			open_unix_millis INTEGER NOT NULL,
			close_unix_millis INTEGER NULL,
			holding_amount TEXT NOT NULL,
			profit_amount TEXT NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (strategy, transaction_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_summaries_open ON trade_summaries(strategy, open_unix_millis)`,
		`CREATE TABLE IF NOT EXISTS trade_records (
			record_id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, state *models.PositionState) error {
	if state == nil || state.StrategyFullName == "" {
		return store.ErrInvalidInput
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (full_name, inst_id, running_state, payload_json, updated_unix_millis)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(full_name) DO UPDATE SET
			inst_id = excluded.inst_id,
			running_state = excluded.running_state,
			payload_json = excluded.payload_json,
			updated_unix_millis = excluded.updated_unix_millis`,
		state.StrategyFullName, state.InstID, string(state.RunningState), string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", state.StrategyFullName, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, fullName string) (*models.PositionState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload_json FROM positions WHERE full_name = ?", fullName,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s: %w", fullName, err)
	}
	return decodePosition(payload)
}

func (s *Store) ListAll(ctx context.Context) ([]*models.PositionState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload_json FROM positions ORDER BY full_name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*models.PositionState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		st, err := decodePosition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func decodePosition(payload string) (*models.PositionState, error) {
	var st models.PositionState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("failed to decode position: %w", err)
	}
	return &st, nil
}

// Record appends the raw record and folds it into its transaction's
// summary row in one transaction.
func (s *Store) Record(ctx context.Context, r models.TradeRecord) error {
	if r.TransactionID == "" {
		return store.ErrInvalidInput
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal trade record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_records (record_id, transaction_id, action, payload_json, created_unix_millis)
		 VALUES (?, ?, ?, ?, ?)`,
		r.RecordID, r.TransactionID, string(r.Action), string(payload), r.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert trade record: %w", err)
	}

	summary, err := loadSummary(ctx, tx, r.Strategy, r.TransactionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if summary == nil {
		summary = &models.TradeSummary{
			TransactionID: r.TransactionID,
			Strategy:      r.Strategy,
			InstID:        r.InstID,
			Side:          r.Side,
			OpenTime:      r.Time,
			HoldingAmount: decimal.Zero,
			ProfitAmount:  decimal.Zero,
		}
	}
	summary.Apply(r)

	var closeMillis sql.NullInt64
	if summary.CloseTime != nil {
		closeMillis = sql.NullInt64{Int64: summary.CloseTime.UnixMilli(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_summaries (transaction_id, strategy, inst_id, side, open_unix_millis, close_unix_millis,
			holding_amount, profit_amount, close_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(strategy, transaction_id) DO UPDATE SET
			inst_id = excluded.inst_id,
			side = excluded.side,
			open_unix_millis = excluded.open_unix_millis,
			close_unix_millis = excluded.close_unix_millis,
			holding_amount = excluded.holding_amount,
			profit_amount = excluded.profit_amount,
			close_reason = excluded.close_reason`,
		summary.TransactionID, summary.Strategy, summary.InstID, string(summary.Side),
		summary.OpenTime.UnixMilli(), closeMillis,
		summary.HoldingAmount.String(), summary.ProfitAmount.String(), string(summary.CloseReason),
	); err != nil {
		return fmt.Errorf("failed to upsert trade %s: %w", r.TransactionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const summaryColumns = `transaction_id, strategy, inst_id, side, open_unix_millis, close_unix_millis,
	holding_amount, profit_amount, close_reason`

// Transaction ids are only unique within a strategy, so lifecycles are keyed
// by both.
func loadSummary(ctx context.Context, tx *sql.Tx, strategy, txID string) (*models.TradeSummary, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+summaryColumns+" FROM trade_summaries WHERE strategy = ? AND transaction_id = ?", strategy, txID)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return s, err
}

func scanSummary(row rowScanner) (*models.TradeSummary, error) {
	var (
		s               models.TradeSummary
		side, reason    string
		holding, profit string
		openMillis      int64
		closeMillis     sql.NullInt64
	)
	if err := row.Scan(&s.TransactionID, &s.Strategy, &s.InstID, &side, &openMillis, &closeMillis,
		&holding, &profit, &reason); err != nil {
		return nil, err
	}
	s.Side = models.Side(side)
	s.CloseReason = models.TradeAction(reason)
	s.OpenTime = time.UnixMilli(openMillis).UTC()
	if closeMillis.Valid {
		t := time.UnixMilli(closeMillis.Int64).UTC()
		s.CloseTime = &t
	}
	var err error
	if s.HoldingAmount, err = decimal.NewFromString(holding); err != nil {
		return nil, fmt.Errorf("trade %s holding amount: %w", s.TransactionID, err)
	}
	if s.ProfitAmount, err = decimal.NewFromString(profit); err != nil {
		return nil, fmt.Errorf("trade %s profit amount: %w", s.TransactionID, err)
	}
	return &s, nil
}

func (s *Store) Summaries(ctx context.Context, strategy string) ([]models.TradeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM trade_summaries WHERE strategy = ? ORDER BY open_unix_millis ASC, transaction_id ASC",
		strategy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

func (s *Store) Aggregate(ctx context.Context, strategy string) (*models.AggregateResult, error) {
	return store.AggregateOf(ctx, s, strategy)
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
