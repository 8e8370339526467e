package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// PostgresStore implements LedgerStore using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS coverages (
		id                 TEXT PRIMARY KEY,
		account_id         TEXT NOT NULL,
		asset              TEXT NOT NULL,
		position_side      TEXT NOT NULL,
		tier               TEXT NOT NULL,
		drawdown_floor_pct NUMERIC NOT NULL,
		tenor_days         INTEGER NOT NULL,
		expiry             TIMESTAMPTZ NOT NULL,
		auto_renew         BOOLEAN NOT NULL DEFAULT FALSE,
		venue              TEXT NOT NULL DEFAULT '',
		option_type        TEXT NOT NULL DEFAULT '',
		strike             NUMERIC NOT NULL DEFAULT 0,
		fee                NUMERIC NOT NULL DEFAULT 0,
		premium            NUMERIC NOT NULL DEFAULT 0,
		subsidy            NUMERIC NOT NULL DEFAULT 0,
		allocated_credit   NUMERIC NOT NULL DEFAULT 0,
		protected_notional NUMERIC NOT NULL DEFAULT 0,
		demo               BOOLEAN NOT NULL DEFAULT FALSE,
		status             TEXT NOT NULL,
		legs               JSONB NOT NULL DEFAULT '[]',
		applied_fills      TEXT[] NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL,
		renewed_at         TIMESTAMPTZ
	)`,
	`ALTER TABLE coverages ADD COLUMN IF NOT EXISTS protected_notional NUMERIC NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS idx_coverages_status ON coverages(status)`,
	`CREATE TABLE IF NOT EXISTS hedge_ledger (
		instrument   TEXT PRIMARY KEY,
		size         NUMERIC NOT NULL,
		avg_cost_usd NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hedge_pnl (
		id       SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		realized NUMERIC NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS net_lots (
		id         TEXT PRIMARY KEY,
		asset      TEXT NOT NULL,
		instrument TEXT NOT NULL,
		notional   NUMERIC NOT NULL,
		expiry     TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCoverage(ctx context.Context, c model.Coverage) error {
	legs, err := json.Marshal(c.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	fills := c.AppliedFills
	if fills == nil {
		fills = []string{}
	}
	var renewed *time.Time
	if !c.RenewedAt.IsZero() {
		renewed = &c.RenewedAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO coverages (id, account_id, asset, position_side, tier, drawdown_floor_pct, tenor_days,
		                        expiry, auto_renew, venue, option_type, strike, fee, premium, subsidy,
		                        allocated_credit, demo, status, legs, applied_fills, created_at, renewed_at,
		                        protected_notional)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17, $18, $19::JSONB, $20, $21, $22, $23::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		     expiry = EXCLUDED.expiry, auto_renew = EXCLUDED.auto_renew, venue = EXCLUDED.venue,
		     strike = EXCLUDED.strike, fee = EXCLUDED.fee, premium = EXCLUDED.premium,
		     subsidy = EXCLUDED.subsidy, allocated_credit = EXCLUDED.allocated_credit,
		     status = EXCLUDED.status, legs = EXCLUDED.legs, applied_fills = EXCLUDED.applied_fills,
		     renewed_at = EXCLUDED.renewed_at, protected_notional = EXCLUDED.protected_notional`,
		c.ID, c.AccountID, c.Asset, string(c.PositionSide), string(c.Tier),
		c.DrawdownFloorPct.String(), c.TenorDays, c.Expiry, c.AutoRenew, c.Venue,
		string(c.OptionType), c.Strike.String(), c.Fee.String(), c.Premium.String(),
		c.Subsidy.String(), c.AllocatedCredit.String(), c.Demo, c.Status,
		string(legs), fills, c.CreatedAt, renewed, c.ProtectedNotional.String(),
	)
	if err != nil {
		return fmt.Errorf("save coverage %s: %w", c.ID, err)
	}
	return nil
}

const coverageColumns = `id, account_id, asset, position_side, tier, drawdown_floor_pct::TEXT, tenor_days,
	expiry, auto_renew, venue, option_type, strike::TEXT, fee::TEXT, premium::TEXT, subsidy::TEXT,
	allocated_credit::TEXT, demo, status, legs::TEXT, applied_fills, created_at, renewed_at,
	protected_notional::TEXT`

func (s *PostgresStore) GetCoverage(ctx context.Context, id string) (model.Coverage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+coverageColumns+` FROM coverages WHERE id = $1`, id)
	c, err := scanCoverage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Coverage{}, fmt.Errorf("coverage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Coverage{}, fmt.Errorf("get coverage %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) LoadCoverages(ctx context.Context) ([]model.Coverage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+coverageColumns+` FROM coverages ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Coverage
	for rows.Next() {
		c, err := scanCoverage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveHedgeEntry(ctx context.Context, e model.HedgeLedgerEntry, realizedPnL decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO hedge_ledger (instrument, size, avg_cost_usd)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (instrument) DO UPDATE SET size = EXCLUDED.size, avg_cost_usd = EXCLUDED.avg_cost_usd`,
		e.Instrument, e.Size.String(), e.AvgCostUsd.String(),
	); err != nil {
		return fmt.Errorf("save hedge entry %s: %w", e.Instrument, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO hedge_pnl (id, realized) VALUES (1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET realized = EXCLUDED.realized`,
		realizedPnL.String(),
	); err != nil {
		return fmt.Errorf("save realized pnl: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadHedgeLedger(ctx context.Context) (HedgeLedger, error) {
	var l HedgeLedger
	rows, err := s.pool.Query(ctx,
		`SELECT instrument, size::TEXT, avg_cost_usd::TEXT FROM hedge_ledger ORDER BY instrument`)
	if err != nil {
		return l, err
	}
	defer rows.Close()

	for rows.Next() {
		var e model.HedgeLedgerEntry
		var sizeS, costS string
		if err := rows.Scan(&e.Instrument, &sizeS, &costS); err != nil {
			return l, err
		}
		e.Size, _ = decimal.NewFromString(sizeS)
		e.AvgCostUsd, _ = decimal.NewFromString(costS)
		l.Entries = append(l.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return l, err
	}

	var realized string
	err = s.pool.QueryRow(ctx, `SELECT realized::TEXT FROM hedge_pnl WHERE id = 1`).Scan(&realized)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return l, fmt.Errorf("load realized pnl: %w", err)
	default:
		l.RealizedPnL, _ = decimal.NewFromString(realized)
	}
	return l, nil
}

func (s *PostgresStore) SaveNetLot(ctx context.Context, lot model.NetLot) error {
	var expiry *time.Time
	if !lot.Expiry.IsZero() {
		expiry = &lot.Expiry
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO net_lots (id, asset, instrument, notional, expiry, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		lot.ID, lot.Asset, lot.Instrument, lot.Notional.String(), expiry, lot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save net lot %s: %w", lot.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadNetLots(ctx context.Context) ([]model.NetLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset, instrument, notional::TEXT, expiry, created_at FROM net_lots ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NetLot
	for rows.Next() {
		var lot model.NetLot
		var notionalS string
		var expiry *time.Time
		if err := rows.Scan(&lot.ID, &lot.Asset, &lot.Instrument, &notionalS, &expiry, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lot.Notional, _ = decimal.NewFromString(notionalS)
		if expiry != nil {
			lot.Expiry = *expiry
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoverage(row rowScanner) (model.Coverage, error) {
	var c model.Coverage
	var side, tier, optType string
	var ddS, strikeS, feeS, premiumS, subsidyS, creditS, legsS, protectedS string
	var renewed *time.Time

	if err := row.Scan(&c.ID, &c.AccountID, &c.Asset, &side, &tier, &ddS, &c.TenorDays,
		&c.Expiry, &c.AutoRenew, &c.Venue, &optType, &strikeS, &feeS, &premiumS, &subsidyS,
		&creditS, &c.Demo, &c.Status, &legsS, &c.AppliedFills, &c.CreatedAt, &renewed, &protectedS); err != nil {
		return c, err
	}

	c.PositionSide = model.PositionSide(side)
	c.Tier = model.Tier(tier)
	c.OptionType = model.OptionType(optType)
	c.DrawdownFloorPct, _ = decimal.NewFromString(ddS)
	c.Strike, _ = decimal.NewFromString(strikeS)
	c.Fee, _ = decimal.NewFromString(feeS)
	c.Premium, _ = decimal.NewFromString(premiumS)
	c.Subsidy, _ = decimal.NewFromString(subsidyS)
	c.AllocatedCredit, _ = decimal.NewFromString(creditS)
	c.ProtectedNotional, _ = decimal.NewFromString(protectedS)
	if renewed != nil {
		c.RenewedAt = *renewed
	}
	if err := json.Unmarshal([]byte(legsS), &c.Legs); err != nil {
		return c, fmt.Errorf("decode legs of %s: %w", c.ID, err)
	}
	return c, nil
}
