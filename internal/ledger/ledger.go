package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

var (
	// ErrCoverageNotFound is returned for an unknown coverage ID.
	ErrCoverageNotFound = errors.New("ledger: coverage not found")

	// ErrCoverageExists is returned when activating a duplicate ID.
	ErrCoverageExists = errors.New("ledger: coverage already exists")

	// ErrCoverageInactive is returned when mutating an expired coverage.
	ErrCoverageInactive = errors.New("ledger: coverage is not active")
)

// Ledger is the process's single owner of hedge inventory and coverages.
// Every mutation is persisted through the LedgerStore before it returns.
type Ledger struct {
	mu        sync.RWMutex
	store     store.LedgerStore
	log       *slog.Logger
	hedges    map[string]model.HedgeLedgerEntry
	realized  decimal.Decimal
	coverages map[string]*model.Coverage
	lots      []model.NetLot
}

// New creates an empty ledger over st. Call Load to restore persisted state.
func New(st store.LedgerStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:     st,
		log:       log.With("component", "ledger"),
		hedges:    make(map[string]model.HedgeLedgerEntry),
		coverages: make(map[string]*model.Coverage),
	}
}

// Load restores coverages and hedge inventory from the store.
func (l *Ledger) Load(ctx context.Context) error {
	covs, err := l.store.LoadCoverages(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load coverages: %w", err)
	}
	book, err := l.store.LoadHedgeLedger(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load hedge ledger: %w", err)
	}
	lots, err := l.store.LoadNetLots(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load net lots: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range covs {
		c := c.Clone()
		l.coverages[c.ID] = &c
	}
	for _, e := range book.Entries {
		l.hedges[e.Instrument] = e
	}
	l.realized = book.RealizedPnL
	l.lots = lots
	l.log.Info("ledger restored",
		"coverages", len(covs),
		"instruments", len(book.Entries),
		"net_lots", len(lots),
		"realized_pnl", l.realized.String(),
	)
	return nil
}

// --- Hedge inventory ---

// Update applies a fill to an instrument's inventory and persists it.
// It returns the new entry and the P&L the fill realized.
func (l *Ledger) Update(ctx context.Context, instrument string, sizeDelta, fillPrice decimal.Decimal) (model.HedgeLedgerEntry, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, realized, _, err := l.applyLocked(ctx, instrument, sizeDelta, fillPrice)
	return next, realized, err
}

// applyLocked persists and applies a fill. It returns the entry it replaced
// so a caller can undo it. l.mu must be held.
func (l *Ledger) applyLocked(ctx context.Context, instrument string, sizeDelta, fillPrice decimal.Decimal) (next model.HedgeLedgerEntry, realized decimal.Decimal, prev model.HedgeLedgerEntry, err error) {
	prev, ok := l.hedges[instrument]
	if !ok {
		prev = model.HedgeLedgerEntry{Instrument: instrument}
	}
	next, realized = Apply(prev, sizeDelta, fillPrice)
	total := l.realized.Add(realized)
	if err := l.store.SaveHedgeEntry(ctx, next, total); err != nil {
		return prev, decimal.Zero, prev, fmt.Errorf("ledger: persist %s: %w", instrument, err)
	}
	l.hedges[instrument] = next
	l.realized = total
	return next, realized, prev, nil
}

// undoLocked restores an entry replaced by applyLocked. l.mu must be held.
func (l *Ledger) undoLocked(ctx context.Context, prev model.HedgeLedgerEntry, realized decimal.Decimal) error {
	total := l.realized.Sub(realized)
	l.hedges[prev.Instrument] = prev
	l.realized = total
	return l.store.SaveHedgeEntry(ctx, prev, total)
}

// Entry returns one instrument's inventory.
func (l *Ledger) Entry(instrument string) (model.HedgeLedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.hedges[instrument]
	return e, ok
}

// Hedges returns all non-flat inventory and realized P&L.
func (l *Ledger) Hedges() store.HedgeLedger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := store.HedgeLedger{RealizedPnL: l.realized}
	for _, e := range l.hedges {
		if !e.Size.IsZero() {
			out.Entries = append(out.Entries, e)
		}
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Instrument < out.Entries[j].Instrument })
	return out
}

// --- Coverages ---

// Activate records a new active coverage.
func (l *Ledger) Activate(ctx context.Context, c model.Coverage) (model.Coverage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.coverages[c.ID]; ok {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageExists, c.ID)
	}
	c = c.Clone()
	c.Status = model.CoverageActive
	if err := l.store.SaveCoverage(ctx, c); err != nil {
		return model.Coverage{}, fmt.Errorf("ledger: persist coverage %s: %w", c.ID, err)
	}
	l.coverages[c.ID] = &c
	return c.Clone(), nil
}

// MergeLeg adds a fill to a coverage's leg for that instrument, creating
// the leg if needed. A fill ID already applied is ignored and reported
// as applied=false.
func (l *Ledger) MergeLeg(ctx context.Context, coverageID string, leg model.CoverageLeg, fillID string) (cov model.Coverage, applied bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.coverages[coverageID]
	if !ok {
		return model.Coverage{}, false, fmt.Errorf("%w: %s", ErrCoverageNotFound, coverageID)
	}
	if fillID != "" && slices.Contains(cur.AppliedFills, fillID) {
		return cur.Clone(), false, nil
	}
	return l.mergeLocked(ctx, cur, leg, fillID)
}

func (l *Ledger) mergeLocked(ctx context.Context, cur *model.Coverage, leg model.CoverageLeg, fillID string) (model.Coverage, bool, error) {
	next := cur.Clone()
	merged := false
	for i := range next.Legs {
		if next.Legs[i].Instrument == leg.Instrument {
			next.Legs[i].Size = next.Legs[i].Size.Add(leg.Size)
			merged = true
			break
		}
	}
	if !merged {
		next.Legs = append(next.Legs, leg)
	}
	next.Legs = slices.DeleteFunc(next.Legs, func(leg model.CoverageLeg) bool { return leg.Size.IsZero() })
	if fillID != "" {
		next.AppliedFills = append(next.AppliedFills, fillID)
	}

	if err := l.store.SaveCoverage(ctx, next); err != nil {
		return cur.Clone(), false, fmt.Errorf("ledger: persist coverage %s: %w", cur.ID, err)
	}
	l.coverages[cur.ID] = &next
	return next.Clone(), true, nil
}

// Book applies one venue fill to the hedge inventory and merges it into a
// coverage's leg as one step. A fill ID the coverage already holds is
// skipped without touching the inventory; when the coverage cannot be
// saved the inventory change is undone so a retry books the fill once.
// leg.Size is the signed filled size.
func (l *Ledger) Book(ctx context.Context, coverageID string, leg model.CoverageLeg, fillID string, price decimal.Decimal) (model.Coverage, decimal.Decimal, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.coverages[coverageID]
	if !ok {
		return model.Coverage{}, decimal.Zero, false, fmt.Errorf("%w: %s", ErrCoverageNotFound, coverageID)
	}
	if fillID != "" && slices.Contains(cur.AppliedFills, fillID) {
		return cur.Clone(), decimal.Zero, false, nil
	}
	_, realized, prev, err := l.applyLocked(ctx, leg.Instrument, leg.Size, price)
	if err != nil {
		return cur.Clone(), decimal.Zero, false, err
	}
	cov, _, err := l.mergeLocked(ctx, cur, leg, fillID)
	if err != nil {
		if uerr := l.undoLocked(ctx, prev, realized); uerr != nil {
			l.log.Error("inventory rollback not persisted", "instrument", leg.Instrument, "fill_id", fillID, "error", uerr)
		}
		return cov, decimal.Zero, false, err
	}
	return cov, realized, true, nil
}

// BookNet applies a net-exposure fill to the hedge inventory and records
// its lot as one step. lot.ID is the fill ID; a lot already held is
// skipped without touching the inventory.
func (l *Ledger) BookNet(ctx context.Context, lot model.NetLot, sizeDelta, price decimal.Decimal) (decimal.Decimal, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lot.ID != "" && slices.ContainsFunc(l.lots, func(x model.NetLot) bool { return x.ID == lot.ID }) {
		return decimal.Zero, false, nil
	}
	_, realized, prev, err := l.applyLocked(ctx, lot.Instrument, sizeDelta, price)
	if err != nil {
		return decimal.Zero, false, err
	}
	if err := l.store.SaveNetLot(ctx, lot); err != nil {
		if uerr := l.undoLocked(ctx, prev, realized); uerr != nil {
			l.log.Error("inventory rollback not persisted", "instrument", lot.Instrument, "lot_id", lot.ID, "error", uerr)
		}
		return decimal.Zero, false, fmt.Errorf("ledger: persist net lot %s: %w", lot.ID, err)
	}
	l.lots = append(l.lots, lot)
	return realized, true, nil
}

// NetHedged is the notional net-exposure lots still hold for asset at now.
// Option lots stop counting at their expiry.
func (l *Ledger) NetHedged(asset string, now time.Time) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, lot := range l.lots {
		if lot.Asset != asset || (!lot.Expiry.IsZero() && !now.Before(lot.Expiry)) {
			continue
		}
		total = total.Add(lot.Notional)
	}
	return total
}

// ExpireDue marks every active coverage whose expiry is at or before now
// as expired and returns them.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) ([]model.Coverage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []model.Coverage
	var errs []error
	for id, c := range l.coverages {
		if c.Status != model.CoverageActive || now.Before(c.Expiry) {
			continue
		}
		next := c.Clone()
		next.Status = model.CoverageExpired
		if err := l.store.SaveCoverage(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		l.coverages[id] = &next
		expired = append(expired, next.Clone())
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, errors.Join(errs...)
}

// Renewal is what a renewal changes on a coverage.
type Renewal struct {
	Expiry          time.Time
	Fee             decimal.Decimal
	Premium         decimal.Decimal
	Subsidy         decimal.Decimal
	AllocatedCredit decimal.Decimal
	// Notional is added to the coverage's protected notional.
	Notional        decimal.Decimal
	At              time.Time
}

// Renewed extends an active coverage to a new expiry, adding the renewal's
// fee, premium, and subsidy to its running totals.
func (l *Ledger) Renewed(ctx context.Context, id string, r Renewal) (model.Coverage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.coverages[id]
	if !ok {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageNotFound, id)
	}
	if cur.Status != model.CoverageActive {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageInactive, id)
	}
	next := cur.Clone()
	next.Expiry = r.Expiry
	next.Fee = next.Fee.Add(r.Fee)
	next.Premium = next.Premium.Add(r.Premium)
	next.Subsidy = next.Subsidy.Add(r.Subsidy)
	next.ProtectedNotional = next.ProtectedNotional.Add(r.Notional)
	if r.AllocatedCredit.IsPositive() {
		next.AllocatedCredit = r.AllocatedCredit
	}
	next.RenewedAt = r.At

	if err := l.store.SaveCoverage(ctx, next); err != nil {
		return cur.Clone(), fmt.Errorf("ledger: persist coverage %s: %w", id, err)
	}
	l.coverages[id] = &next
	return next.Clone(), nil
}

// Cancel marks an active coverage cancelled. Its legs stay as booked.
func (l *Ledger) Cancel(ctx context.Context, id string) (model.Coverage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.coverages[id]
	if !ok {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageNotFound, id)
	}
	if cur.Status != model.CoverageActive {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageInactive, id)
	}
	next := cur.Clone()
	next.Status = model.CoverageCancelled
	if err := l.store.SaveCoverage(ctx, next); err != nil {
		return cur.Clone(), fmt.Errorf("ledger: persist coverage %s: %w", id, err)
	}
	l.coverages[id] = &next
	return next.Clone(), nil
}

// BookCredit adds an offsetting credit to a coverage.
func (l *Ledger) BookCredit(ctx context.Context, id string, amount decimal.Decimal) (model.Coverage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.coverages[id]
	if !ok {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageNotFound, id)
	}
	next := cur.Clone()
	next.AllocatedCredit = next.AllocatedCredit.Add(amount)
	if err := l.store.SaveCoverage(ctx, next); err != nil {
		return cur.Clone(), fmt.Errorf("ledger: persist coverage %s: %w", id, err)
	}
	l.coverages[id] = &next
	return next.Clone(), nil
}

// Get returns a coverage by ID.
func (l *Ledger) Get(id string) (model.Coverage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.coverages[id]
	if !ok {
		return model.Coverage{}, false
	}
	return c.Clone(), true
}

// Lookup returns a coverage by ID, reading through to the store when it
// is not held locally. Coverages written by another instance sharing the
// store are found this way; they are not adopted into this ledger.
func (l *Ledger) Lookup(ctx context.Context, id string) (model.Coverage, error) {
	if c, ok := l.Get(id); ok {
		return c, nil
	}
	c, err := l.store.GetCoverage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Coverage{}, fmt.Errorf("%w: %s", ErrCoverageNotFound, id)
	}
	if err != nil {
		return model.Coverage{}, fmt.Errorf("ledger: read coverage %s: %w", id, err)
	}
	return c, nil
}

// Active returns active coverages ordered by creation time.
func (l *Ledger) Active() []model.Coverage {
	return l.list(func(c *model.Coverage) bool { return c.Status == model.CoverageActive })
}

// Coverages returns every coverage, optionally filtered by account.
func (l *Ledger) Coverages(accountID string) []model.Coverage {
	return l.list(func(c *model.Coverage) bool { return accountID == "" || c.AccountID == accountID })
}

func (l *Ledger) list(keep func(*model.Coverage) bool) []model.Coverage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Coverage
	for _, c := range l.coverages {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
