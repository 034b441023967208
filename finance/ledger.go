/*
ledger.go - Double-entry ledger

PURPOSE:
  The ledger is the immutable source of truth for where money sits. Every
  wallet mutation, chargeback clawback and receivable is a LedgerEntry of
  balanced debit and credit lines against the chart of accounts.

CRITICAL INVARIANTS:
  1. BALANCED: Σdebits == Σcredits for every entry, checked before any write
  2. APPEND-ONLY: No Update, No Delete. EVER.
  3. POSITIVE: Every line amount is > 0 paise
  4. RESOLVED: Every line names an account in the chart

CORRECTIONS:
  A wrong entry is never edited. Reverse posts a new entry with every
  line's direction swapped and reference_type "reversal". Both remain in
  the ledger; the net effect is zero. An entry can be reversed once.

SUB-LEDGERS:
  Lines may carry a UserID. USER_WALLET_LIABILITY lines always do, so the
  liability owed to one user is UserBalance(USER_WALLET_LIABILITY, user).

EXAMPLE:
  entry, err := ledger.Post(ctx, []Line{
      DebitLine(AccountBank, Rupees(1000)),
      CreditLine(AccountUserWalletLiability, Rupees(1000)).For("user_1"),
  }, PaymentCapture{PaymentID: "pay_1"}, "card payment captured")

SEE ALSO:
  - accounts.go: Chart of accounts
  - store.go: LedgerStore persistence
*/
package finance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// LINES AND ENTRIES
// =============================================================================

// Line is a posting instruction: one side of an entry before it is stored.
type Line struct {
	Account   AccountCode
	Direction Direction
	Amount    Money
	UserID    string
}

func DebitLine(code AccountCode, amount Money) Line {
	return Line{Account: code, Direction: Debit, Amount: amount}
}

func CreditLine(code AccountCode, amount Money) Line {
	return Line{Account: code, Direction: Credit, Amount: amount}
}

// For attributes the line to a user's sub-ledger.
func (l Line) For(userID string) Line {
	l.UserID = userID
	return l
}

// LedgerLine is a stored line. It belongs to exactly one entry.
type LedgerLine struct {
	ID        string      `json:"id"`
	EntryID   string      `json:"entry_id"`
	Account   AccountCode `json:"account_code"`
	Direction Direction   `json:"direction"`
	Amount    Money       `json:"amount"`
	UserID    string      `json:"user_id,omitempty"`
}

// LedgerEntry is one atomic, balanced financial event.
type LedgerEntry struct {
	ID              string       `json:"id"`
	ReferenceType   string       `json:"reference_type"`
	ReferenceID     string       `json:"reference_id"`
	EntryDate       time.Time    `json:"entry_date"`
	Description     string       `json:"description"`
	ReversesEntryID string       `json:"reverses_entry_id,omitempty"`
	Lines           []LedgerLine `json:"lines"`
}

// Reference decodes the entry's reference columns.
func (e LedgerEntry) Reference() (Reference, error) {
	return ParseReference(e.ReferenceType, e.ReferenceID)
}

// Totals sums the entry's debit and credit lines.
func (e LedgerEntry) Totals() Totals {
	var t Totals
	for _, l := range e.Lines {
		if l.Direction == Debit {
			t.Debits += l.Amount
		} else {
			t.Credits += l.Amount
		}
	}
	return t
}

// EquationReport is the result of VerifyAccountingEquation.
type EquationReport struct {
	IsBalanced            bool                  `json:"is_balanced"`
	Assets                Money                 `json:"assets"`
	Liabilities           Money                 `json:"liabilities"`
	Income                Money                 `json:"income"`
	Expenses              Money                 `json:"expenses"`
	LiabilitiesPlusEquity Money                 `json:"liabilities_plus_equity"`
	TotalDebits           Money                 `json:"total_debits"`
	TotalCredits          Money                 `json:"total_credits"`
	Balances              map[AccountCode]Money `json:"balances"`
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Ledger struct {
	store  TxStore
	chart  *ChartOfAccounts
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store TxStore, opts ...Option) *Ledger {
	cfg := newConfig(opts)
	return &Ledger{store: store, chart: cfg.chart, logger: cfg.logger, now: cfg.now}
}

// Chart returns the chart of accounts the ledger posts against.
func (l *Ledger) Chart() *ChartOfAccounts { return l.chart }

// Seed writes the chart of accounts to storage. Safe to call on every start.
func (l *Ledger) Seed(ctx context.Context) error {
	if err := l.store.SeedAccounts(ctx, l.chart.Accounts()); err != nil {
		return fmt.Errorf("seed chart of accounts: %w", err)
	}
	return nil
}

// Post appends one balanced entry in its own unit of work.
func (l *Ledger) Post(ctx context.Context, lines []Line, ref Reference, description string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = l.post(ctx, s, lines, ref, description)
		return err
	})
	return entry, err
}

// post validates and appends an entry inside the caller's unit of work.
// Nothing is written unless every line resolves and the entry balances.
func (l *Ledger) post(ctx context.Context, s Store, lines []Line, ref Reference, description string) (LedgerEntry, error) {
	entry, err := l.build(lines, ref, description)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("append ledger entry %s: %w", entry.ReferenceType, err)
	}
	return entry, nil
}

func (l *Ledger) build(lines []Line, ref Reference, description string) (LedgerEntry, error) {
	if len(lines) == 0 {
		return LedgerEntry{}, fmt.Errorf("%w: entry has no lines", ErrUnbalancedEntry)
	}
	refType, refID := ReferenceColumns(ref)
	entry := LedgerEntry{
		ID:            NewID(prefixEntry),
		ReferenceType: refType,
		ReferenceID:   refID,
		EntryDate:     l.now(),
		Description:   description,
		Lines:         make([]LedgerLine, 0, len(lines)),
	}
	if r, ok := ref.(Reversal); ok {
		entry.ReversesEntryID = r.EntryID
	}

	var totals Totals
	for _, line := range lines {
		if line.Amount <= 0 {
			return LedgerEntry{}, fmt.Errorf("%w: %s line on %s is %d paise",
				ErrInvalidAmount, line.Direction, line.Account, line.Amount)
		}
		if _, err := l.chart.Lookup(line.Account); err != nil {
			return LedgerEntry{}, err
		}
		switch line.Direction {
		case Debit:
			totals.Debits += line.Amount
		case Credit:
			totals.Credits += line.Amount
		default:
			return LedgerEntry{}, fmt.Errorf("%w: unknown direction %q", ErrUnbalancedEntry, line.Direction)
		}
		entry.Lines = append(entry.Lines, LedgerLine{
			ID:        NewID(prefixLine),
			EntryID:   entry.ID,
			Account:   line.Account,
			Direction: line.Direction,
			Amount:    line.Amount,
			UserID:    line.UserID,
		})
	}
	if totals.Debits != totals.Credits {
		return LedgerEntry{}, &UnbalancedEntryError{Debits: totals.Debits, Credits: totals.Credits}
	}
	return entry, nil
}

// Reverse posts the mirror image of an entry. Reversing twice is ErrAlreadyReversed.
func (l *Ledger) Reverse(ctx context.Context, entryID, reason, actorID string) (LedgerEntry, error) {
	var reversal LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		original, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		existing, err := s.EntriesByReference(ctx, Reversal{}.ReferenceType(), entryID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s by %s", ErrAlreadyReversed, entryID, existing[0].ID)
		}

		lines := make([]Line, 0, len(original.Lines))
		for _, ol := range original.Lines {
			lines = append(lines, Line{
				Account:   ol.Account,
				Direction: ol.Direction.Opposite(),
				Amount:    ol.Amount,
				UserID:    ol.UserID,
			})
		}
		reversal, err = l.post(ctx, s, lines, Reversal{EntryID: entryID}, "reversal: "+reason)
		if err != nil {
			return err
		}
		return appendAudit(ctx, s, l.now(), AuditRecord{
			Action:  AuditLedgerEntryReversed,
			ActorID: actorID,
			Metadata: map[string]any{
				"entry_id":          entryID,
				"reversal_entry_id": reversal.ID,
				"reason":            reason,
			},
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	l.logger.Info("ledger entry reversed", "entry_id", entryID, "reversal_entry_id", reversal.ID)
	return reversal, nil
}

// =============================================================================
// BALANCES
// =============================================================================

// AccountBalance returns the signed balance of an account across all users.
func (l *Ledger) AccountBalance(ctx context.Context, code AccountCode) (Money, error) {
	return l.balance(ctx, l.store, code, "")
}

// UserBalance returns the signed balance of one user's sub-ledger of an account.
func (l *Ledger) UserBalance(ctx context.Context, code AccountCode, userID string) (Money, error) {
	return l.balance(ctx, l.store, code, userID)
}

func (l *Ledger) balance(ctx context.Context, s Store, code AccountCode, userID string) (Money, error) {
	account, err := l.chart.Lookup(code)
	if err != nil {
		return 0, err
	}
	totals, err := s.AccountTotals(ctx, code, userID)
	if err != nil {
		return 0, fmt.Errorf("load totals for %s: %w", code, err)
	}
	return account.Signed(totals), nil
}

// Entries returns the entries posted for a reference, oldest first.
func (l *Ledger) Entries(ctx context.Context, ref Reference) ([]LedgerEntry, error) {
	refType, refID := ReferenceColumns(ref)
	return l.store.EntriesByReference(ctx, refType, refID)
}

// Entry loads one entry with its lines.
func (l *Ledger) Entry(ctx context.Context, id string) (LedgerEntry, error) {
	return l.store.GetEntry(ctx, id)
}

// VerifyAccountingEquation recomputes assets against liabilities + income
// - expenses from every line. It is a continuous integrity check, not a
// precondition on writes, and takes no lock across accounts.
func (l *Ledger) VerifyAccountingEquation(ctx context.Context) (EquationReport, error) {
	totals, err := l.store.LedgerTotals(ctx)
	if err != nil {
		return EquationReport{}, fmt.Errorf("load ledger totals: %w", err)
	}

	report := EquationReport{Balances: make(map[AccountCode]Money, len(totals))}
	for code, t := range totals {
		account, err := l.chart.Lookup(code)
		if err != nil {
			return EquationReport{}, err
		}
		report.TotalDebits += t.Debits
		report.TotalCredits += t.Credits

		bal := account.Signed(t)
		report.Balances[code] = bal
		switch account.Type {
		case AccountTypeAsset:
			report.Assets += bal
		case AccountTypeLiability:
			report.Liabilities += bal
		case AccountTypeIncome:
			report.Income += bal
		case AccountTypeExpense:
			report.Expenses += bal
		}
	}
	report.LiabilitiesPlusEquity = report.Liabilities + report.Income - report.Expenses
	report.IsBalanced = report.Assets == report.LiabilitiesPlusEquity &&
		report.TotalDebits == report.TotalCredits

	if !report.IsBalanced {
		l.logger.Error("accounting equation violated",
			"assets", report.Assets,
			"liabilities_plus_equity", report.LiabilitiesPlusEquity,
			"total_debits", report.TotalDebits,
			"total_credits", report.TotalCredits)
	}
	return report, nil
}
