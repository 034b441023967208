/*
engine.go - Wiring and integrity checks

PURPOSE:
  Engine assembles the ledger, wallet, payment, allocation and resolution
  services over one TxStore, and runs the integrity checks the scheduler
  and the verify command rely on.

INTEGRITY CHECKS:
  1. Accounting equation: assets == liabilities + income - expenses
  2. No negative wallet: balance >= 0 and locked_balance >= 0
  3. Liability mirror, per user:
       USER_WALLET_LIABILITY(user) == balance + locked_balance + outstanding
       ACCOUNTS_RECEIVABLE(user)   == outstanding

EXAMPLE:
  engine := finance.New(store, finance.WithLogger(logger))
  if err := engine.Bootstrap(ctx); err != nil { ... }
  txn, err := engine.Wallets.Deposit(ctx, finance.DepositRequest{...})
*/
package finance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// OPTIONS
// =============================================================================

type config struct {
	logger     *slog.Logger
	now        func() time.Time
	chart      *ChartOfAccounts
	compliance ComplianceGate
}

// Option configures the engine and its services.
type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithChart(chart *ChartOfAccounts) Option {
	return func(c *config) { c.chart = chart }
}

func WithComplianceGate(g ComplianceGate) Option {
	return func(c *config) { c.compliance = g }
}

func newConfig(opts []Option) config {
	cfg := config{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chart == nil {
		cfg.chart = DefaultChart()
	}
	return cfg
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Ledger      *Ledger
	Wallets     *WalletService
	Payments    *PaymentService
	Allocations *AllocationService
	Resolution  *ResolutionService

	store  TxStore
	logger *slog.Logger
}

func New(store TxStore, opts ...Option) *Engine {
	cfg := newConfig(opts)
	ledger := &Ledger{store: store, chart: cfg.chart, logger: cfg.logger, now: cfg.now}
	rcv := &receivables{ledger: ledger, logger: cfg.logger, now: cfg.now}
	wallets := &WalletService{
		store:       store,
		ledger:      ledger,
		receivables: rcv,
		compliance:  cfg.compliance,
		logger:      cfg.logger,
		now:         cfg.now,
	}
	allocations := &AllocationService{store: store, wallets: wallets, logger: cfg.logger, now: cfg.now}
	return &Engine{
		Ledger:      ledger,
		Wallets:     wallets,
		Payments:    &PaymentService{store: store, wallets: wallets, logger: cfg.logger, now: cfg.now},
		Allocations: allocations,
		Resolution: &ResolutionService{
			store:       store,
			ledger:      ledger,
			allocations: allocations,
			receivables: rcv,
			logger:      cfg.logger,
			now:         cfg.now,
		},
		store:  store,
		logger: cfg.logger,
	}
}

// Bootstrap seeds the chart of accounts.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.Ledger.Seed(ctx)
}

// MirrorReport compares one user's wallet with their ledger sub-accounts.
type MirrorReport struct {
	UserID      string `json:"user_id"`
	Balance     Money  `json:"balance"`
	Locked      Money  `json:"locked_balance"`
	Outstanding Money  `json:"outstanding_receivable"`
	Liability   Money  `json:"liability"`
	Receivable  Money  `json:"receivable_ledger"`
	Holds       bool   `json:"holds"`
}

// IntegrityReport is the result of VerifyIntegrity. Mirrors only lists
// users whose mirror does not hold.
type IntegrityReport struct {
	Equation        EquationReport `json:"equation"`
	WalletsChecked  int            `json:"wallets_checked"`
	Mirrors         []MirrorReport `json:"mirror_violations,omitempty"`
	NegativeWallets []string       `json:"negative_wallets,omitempty"`
	Healthy         bool           `json:"healthy"`
}

// CheckUserMirror reads one user's wallet, receivables and sub-ledgers in
// one unit of work so the comparison is exact for that user.
func (e *Engine) CheckUserMirror(ctx context.Context, userID string) (MirrorReport, error) {
	var rep MirrorReport
	err := e.store.WithTx(ctx, func(s Store) error {
		w, err := s.LockWallet(ctx, userID)
		if err != nil {
			return err
		}
		outstanding, err := e.Resolution.receivables.outstanding(ctx, s, userID)
		if err != nil {
			return err
		}
		liability, err := e.Ledger.balance(ctx, s, AccountUserWalletLiability, userID)
		if err != nil {
			return err
		}
		receivable, err := e.Ledger.balance(ctx, s, AccountReceivable, userID)
		if err != nil {
			return err
		}
		rep = MirrorReport{
			UserID:      userID,
			Balance:     w.Balance,
			Locked:      w.LockedBalance,
			Outstanding: outstanding,
			Liability:   liability,
			Receivable:  receivable,
		}
		rep.Holds = liability == w.Balance+w.LockedBalance+outstanding && receivable == outstanding
		return nil
	})
	return rep, err
}

// VerifyIntegrity runs every check. It never blocks writers for longer
// than one user's mirror check.
func (e *Engine) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	var rep IntegrityReport
	eq, err := e.Ledger.VerifyAccountingEquation(ctx)
	if err != nil {
		return rep, err
	}
	rep.Equation = eq

	wallets, err := e.store.ListWallets(ctx)
	if err != nil {
		return rep, fmt.Errorf("list wallets: %w", err)
	}
	for _, w := range wallets {
		rep.WalletsChecked++
		if w.Balance < 0 || w.LockedBalance < 0 {
			rep.NegativeWallets = append(rep.NegativeWallets, w.UserID)
		}
		m, err := e.CheckUserMirror(ctx, w.UserID)
		if err != nil {
			return rep, fmt.Errorf("check mirror for %s: %w", w.UserID, err)
		}
		if !m.Holds {
			rep.Mirrors = append(rep.Mirrors, m)
			e.logger.Error("liability mirror violated",
				"user_id", m.UserID, "liability", m.Liability,
				"balance", m.Balance, "locked", m.Locked, "outstanding", m.Outstanding)
		}
	}
	rep.Healthy = eq.IsBalanced && len(rep.Mirrors) == 0 && len(rep.NegativeWallets) == 0
	return rep, nil
}

// Audit lists audit records.
func (e *Engine) Audit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	return e.store.ListAudit(ctx, filter)
}
