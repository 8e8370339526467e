// Package store defines the persistence interface for the hedge engine's
// durable state: coverages, the house hedge ledger and net-exposure lots. Implementations
// include PostgreSQL and SQLite (source of truth), Redis (read-through
// cache and shared cooldowns), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// ErrNotFound is returned when a coverage does not exist.
var ErrNotFound = errors.New("store: not found")

// HedgeLedger is the persisted house inventory plus cumulative realized P&L.
type HedgeLedger struct {
	Entries     []model.HedgeLedgerEntry `json:"entries"`
	RealizedPnL decimal.Decimal          `json:"realized_pnl"`
}

// LedgerStore is the persistence interface consumed by the ledger.
type LedgerStore interface {
	// --- Coverages ---

	// SaveCoverage upserts a coverage by ID.
	SaveCoverage(ctx context.Context, c model.Coverage) error

	// GetCoverage retrieves a coverage by ID.
	GetCoverage(ctx context.Context, id string) (model.Coverage, error)

	// LoadCoverages returns every coverage, active or expired.
	LoadCoverages(ctx context.Context) ([]model.Coverage, error)

	// --- Hedge ledger ---

	// SaveHedgeEntry upserts one instrument's inventory together with the
	// cumulative realized P&L it produced.
	SaveHedgeEntry(ctx context.Context, e model.HedgeLedgerEntry, realizedPnL decimal.Decimal) error

	// LoadHedgeLedger returns all inventory and realized P&L.
	LoadHedgeLedger(ctx context.Context) (HedgeLedger, error)

	// --- Net-exposure lots ---

	// SaveNetLot inserts a lot; a lot ID already stored is left as is.
	SaveNetLot(ctx context.Context, lot model.NetLot) error

	// LoadNetLots returns every lot, oldest first.
	LoadNetLots(ctx context.Context) ([]model.NetLot, error)
}
