package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/hedge-engine/internal/model"
)

// SQLiteStore implements LedgerStore on a single-node SQLite file.
// Decimals are stored as TEXT and times as RFC 3339.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) and migrates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS coverages (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  asset TEXT NOT NULL,
  position_side TEXT NOT NULL,
  tier TEXT NOT NULL,
  drawdown_floor_pct TEXT NOT NULL,
  tenor_days INTEGER NOT NULL,
  expiry TEXT NOT NULL,
  auto_renew INTEGER NOT NULL DEFAULT 0,
  venue TEXT NOT NULL DEFAULT '',
  option_type TEXT NOT NULL DEFAULT '',
  strike TEXT NOT NULL DEFAULT '0',
  fee TEXT NOT NULL DEFAULT '0',
  premium TEXT NOT NULL DEFAULT '0',
  subsidy TEXT NOT NULL DEFAULT '0',
  allocated_credit TEXT NOT NULL DEFAULT '0',
  protected_notional TEXT NOT NULL DEFAULT '0',
  demo INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  legs TEXT NOT NULL DEFAULT '[]',
  applied_fills TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL,
  renewed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_coverages_created ON coverages(created_at);`,
		`
CREATE TABLE IF NOT EXISTS hedge_ledger (
  instrument TEXT PRIMARY KEY,
  size TEXT NOT NULL,
  avg_cost_usd TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS hedge_pnl (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  realized TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS net_lots (
  id TEXT PRIMARY KEY,
  asset TEXT NOT NULL,
  instrument TEXT NOT NULL,
  notional TEXT NOT NULL,
  expiry TEXT,
  created_at TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveCoverage(ctx context.Context, c model.Coverage) error {
	legs, err := json.Marshal(c.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	fills := c.AppliedFills
	if fills == nil {
		fills = []string{}
	}
	fillsJSON, err := json.Marshal(fills)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	var renewed sql.NullString
	if !c.RenewedAt.IsZero() {
		renewed = sql.NullString{String: c.RenewedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO coverages (id, account_id, asset, position_side, tier, drawdown_floor_pct, tenor_days,
  expiry, auto_renew, venue, option_type, strike, fee, premium, subsidy, allocated_credit, demo,
  status, legs, applied_fills, created_at, renewed_at, protected_notional)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  expiry=excluded.expiry, auto_renew=excluded.auto_renew, venue=excluded.venue,
  strike=excluded.strike, fee=excluded.fee, premium=excluded.premium, subsidy=excluded.subsidy,
  allocated_credit=excluded.allocated_credit, status=excluded.status, legs=excluded.legs,
  applied_fills=excluded.applied_fills, renewed_at=excluded.renewed_at,
  protected_notional=excluded.protected_notional
`,
		c.ID, c.AccountID, c.Asset, string(c.PositionSide), string(c.Tier),
		c.DrawdownFloorPct.String(), c.TenorDays, c.Expiry.UTC().Format(time.RFC3339Nano),
		c.AutoRenew, c.Venue, string(c.OptionType), c.Strike.String(), c.Fee.String(),
		c.Premium.String(), c.Subsidy.String(), c.AllocatedCredit.String(), c.Demo, c.Status,
		string(legs), string(fillsJSON), c.CreatedAt.UTC().Format(time.RFC3339Nano), renewed,
		c.ProtectedNotional.String(),
	)
	if err != nil {
		return fmt.Errorf("save coverage %s: %w", c.ID, err)
	}
	return nil
}

const sqliteCoverageColumns = `id, account_id, asset, position_side, tier, drawdown_floor_pct, tenor_days,
  expiry, auto_renew, venue, option_type, strike, fee, premium, subsidy, allocated_credit, demo,
  status, legs, applied_fills, created_at, renewed_at, protected_notional`

func (s *SQLiteStore) GetCoverage(ctx context.Context, id string) (model.Coverage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCoverageColumns+` FROM coverages WHERE id=?`, id)
	c, err := scanSQLiteCoverage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Coverage{}, fmt.Errorf("coverage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Coverage{}, fmt.Errorf("get coverage %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) LoadCoverages(ctx context.Context) ([]model.Coverage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteCoverageColumns+` FROM coverages ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Coverage
	for rows.Next() {
		c, err := scanSQLiteCoverage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveHedgeEntry(ctx context.Context, e model.HedgeLedgerEntry, realizedPnL decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
INSERT INTO hedge_ledger (instrument, size, avg_cost_usd) VALUES (?,?,?)
ON CONFLICT(instrument) DO UPDATE SET size=excluded.size, avg_cost_usd=excluded.avg_cost_usd
`, e.Instrument, e.Size.String(), e.AvgCostUsd.String()); err != nil {
		return fmt.Errorf("save hedge entry %s: %w", e.Instrument, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO hedge_pnl (id, realized) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET realized=excluded.realized
`, realizedPnL.String()); err != nil {
		return fmt.Errorf("save realized pnl: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadHedgeLedger(ctx context.Context) (HedgeLedger, error) {
	var l HedgeLedger
	rows, err := s.db.QueryContext(ctx, `SELECT instrument, size, avg_cost_usd FROM hedge_ledger ORDER BY instrument`)
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
	err = s.db.QueryRowContext(ctx, `SELECT realized FROM hedge_pnl WHERE id=1`).Scan(&realized)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return l, fmt.Errorf("load realized pnl: %w", err)
	default:
		l.RealizedPnL, _ = decimal.NewFromString(realized)
	}
	return l, nil
}

func (s *SQLiteStore) SaveNetLot(ctx context.Context, lot model.NetLot) error {
	var expiry sql.NullString
	if !lot.Expiry.IsZero() {
		expiry = sql.NullString{String: lot.Expiry.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO net_lots (id, asset, instrument, notional, expiry, created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING
`, lot.ID, lot.Asset, lot.Instrument, lot.Notional.String(), expiry, lot.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save net lot %s: %w", lot.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadNetLots(ctx context.Context) ([]model.NetLot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset, instrument, notional, expiry, created_at FROM net_lots ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NetLot
	for rows.Next() {
		var lot model.NetLot
		var notionalS, createdS string
		var expiry sql.NullString
		if err := rows.Scan(&lot.ID, &lot.Asset, &lot.Instrument, &notionalS, &expiry, &createdS); err != nil {
			return nil, err
		}
		lot.Notional, _ = decimal.NewFromString(notionalS)
		lot.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdS)
		if expiry.Valid {
			lot.Expiry, _ = time.Parse(time.RFC3339Nano, expiry.String)
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

func scanSQLiteCoverage(row rowScanner) (model.Coverage, error) {
	var c model.Coverage
	var side, tier, optType, expiryS, createdS, legsS, fillsS string
	var ddS, strikeS, feeS, premiumS, subsidyS, creditS, protectedS string
	var renewed sql.NullString

	if err := row.Scan(&c.ID, &c.AccountID, &c.Asset, &side, &tier, &ddS, &c.TenorDays,
		&expiryS, &c.AutoRenew, &c.Venue, &optType, &strikeS, &feeS, &premiumS, &subsidyS,
		&creditS, &c.Demo, &c.Status, &legsS, &fillsS, &createdS, &renewed, &protectedS); err != nil {
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
	c.Expiry, _ = time.Parse(time.RFC3339Nano, expiryS)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdS)
	if renewed.Valid {
		c.RenewedAt, _ = time.Parse(time.RFC3339Nano, renewed.String)
	}
	if err := json.Unmarshal([]byte(legsS), &c.Legs); err != nil {
		return c, fmt.Errorf("decode legs of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(fillsS), &c.AppliedFills); err != nil {
		return c, fmt.Errorf("decode fills of %s: %w", c.ID, err)
	}
	return c, nil
}
