// Package store provides an in-memory finance.TxStore.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/preiposip/fincore/finance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type state struct {
	accounts     map[finance.AccountCode]finance.LedgerAccount
	accountOrder []finance.AccountCode

	entries    []finance.LedgerEntry
	entryIndex map[string]int
	reversed   map[string]string // original entry id -> reversal entry id

	wallets      map[string]finance.Wallet
	transactions map[string][]finance.Transaction

	payments       map[string]finance.Payment
	orderIndex     map[string]string
	gatewayIndex   map[string]string
	chargebackIdx  map[string]string
	refunds        map[string]finance.PaymentRefund // by gateway refund id
	refundsByOrder []string

	receivables     map[string]finance.ChargebackReceivable
	receivableOrder []string

	allocations     map[string]finance.Allocation
	allocationOrder []string

	audit []finance.AuditRecord
}

func newState() *state {
	return &state{
		accounts:      make(map[finance.AccountCode]finance.LedgerAccount),
		entryIndex:    make(map[string]int),
		reversed:      make(map[string]string),
		wallets:       make(map[string]finance.Wallet),
		transactions:  make(map[string][]finance.Transaction),
		payments:      make(map[string]finance.Payment),
		orderIndex:    make(map[string]string),
		gatewayIndex:  make(map[string]string),
		chargebackIdx: make(map[string]string),
		refunds:       make(map[string]finance.PaymentRefund),
		receivables:   make(map[string]finance.ChargebackReceivable),
		allocations:   make(map[string]finance.Allocation),
	}
}

// clone copies everything a unit of work can change. Entries and their
// lines are never mutated, so sharing the line slices is safe.
func (s *state) clone() *state {
	c := &state{
		accounts:        maps.Clone(s.accounts),
		accountOrder:    slices.Clone(s.accountOrder),
		entries:         slices.Clone(s.entries),
		entryIndex:      maps.Clone(s.entryIndex),
		reversed:        maps.Clone(s.reversed),
		wallets:         maps.Clone(s.wallets),
		transactions:    make(map[string][]finance.Transaction, len(s.transactions)),
		payments:        maps.Clone(s.payments),
		orderIndex:      maps.Clone(s.orderIndex),
		gatewayIndex:    maps.Clone(s.gatewayIndex),
		chargebackIdx:   maps.Clone(s.chargebackIdx),
		refunds:         maps.Clone(s.refunds),
		refundsByOrder:  slices.Clone(s.refundsByOrder),
		receivables:     maps.Clone(s.receivables),
		receivableOrder: slices.Clone(s.receivableOrder),
		allocations:     maps.Clone(s.allocations),
		allocationOrder: slices.Clone(s.allocationOrder),
		audit:           slices.Clone(s.audit),
	}
	for k, v := range s.transactions {
		c.transactions[k] = slices.Clone(v)
	}
	return c
}

// Memory is a finance.TxStore backed by maps. WithTx holds the write lock
// for the whole unit of work, which serializes units the way row locks
// do in the SQL stores.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ finance.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &txView{st: m.st}
	if err := fn(view); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// read runs fn under the read lock.
func read[T any](m *Memory, fn func(*txView) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&txView{st: m.st})
}

// write runs fn as its own unit of work.
func (m *Memory) write(ctx context.Context, fn func(*txView) error) error {
	return m.WithTx(ctx, func(s finance.Store) error { return fn(s.(*txView)) })
}

// =============================================================================
// NON-TRANSACTIONAL ENTRY POINTS - each call is its own unit of work
// =============================================================================

func (m *Memory) SeedAccounts(ctx context.Context, accounts []finance.LedgerAccount) error {
	return m.write(ctx, func(v *txView) error { return v.SeedAccounts(ctx, accounts) })
}

func (m *Memory) ListAccounts(ctx context.Context) ([]finance.LedgerAccount, error) {
	return read(m, func(v *txView) ([]finance.LedgerAccount, error) { return v.ListAccounts(ctx) })
}

func (m *Memory) AppendEntry(ctx context.Context, e finance.LedgerEntry) error {
	return m.write(ctx, func(v *txView) error { return v.AppendEntry(ctx, e) })
}

func (m *Memory) GetEntry(ctx context.Context, id string) (finance.LedgerEntry, error) {
	return read(m, func(v *txView) (finance.LedgerEntry, error) { return v.GetEntry(ctx, id) })
}

func (m *Memory) EntriesByReference(ctx context.Context, refType, refID string) ([]finance.LedgerEntry, error) {
	return read(m, func(v *txView) ([]finance.LedgerEntry, error) { return v.EntriesByReference(ctx, refType, refID) })
}

func (m *Memory) AccountTotals(ctx context.Context, code finance.AccountCode, userID string) (finance.Totals, error) {
	return read(m, func(v *txView) (finance.Totals, error) { return v.AccountTotals(ctx, code, userID) })
}

func (m *Memory) LedgerTotals(ctx context.Context) (map[finance.AccountCode]finance.Totals, error) {
	return read(m, func(v *txView) (map[finance.AccountCode]finance.Totals, error) { return v.LedgerTotals(ctx) })
}

func (m *Memory) CreateWallet(ctx context.Context, w finance.Wallet) error {
	return m.write(ctx, func(v *txView) error { return v.CreateWallet(ctx, w) })
}

func (m *Memory) GetWallet(ctx context.Context, userID string) (finance.Wallet, error) {
	return read(m, func(v *txView) (finance.Wallet, error) { return v.GetWallet(ctx, userID) })
}

func (m *Memory) LockWallet(ctx context.Context, userID string) (finance.Wallet, error) {
	return m.GetWallet(ctx, userID)
}

func (m *Memory) UpdateWallet(ctx context.Context, w finance.Wallet) error {
	return m.write(ctx, func(v *txView) error { return v.UpdateWallet(ctx, w) })
}

func (m *Memory) ListWallets(ctx context.Context) ([]finance.Wallet, error) {
	return read(m, func(v *txView) ([]finance.Wallet, error) { return v.ListWallets(ctx) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx finance.Transaction) error {
	return m.write(ctx, func(v *txView) error { return v.AppendTransaction(ctx, tx) })
}

func (m *Memory) ListTransactions(ctx context.Context, userID string) ([]finance.Transaction, error) {
	return read(m, func(v *txView) ([]finance.Transaction, error) { return v.ListTransactions(ctx, userID) })
}

func (m *Memory) TransactionByReference(ctx context.Context, userID, refType, refID string) (finance.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := &txView{st: m.st}
	return v.TransactionByReference(ctx, userID, refType, refID)
}

func (m *Memory) CreatePayment(ctx context.Context, p finance.Payment) error {
	return m.write(ctx, func(v *txView) error { return v.CreatePayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id string) (finance.Payment, error) {
	return read(m, func(v *txView) (finance.Payment, error) { return v.GetPayment(ctx, id) })
}

func (m *Memory) GetPaymentByOrderID(ctx context.Context, orderID string) (finance.Payment, error) {
	return read(m, func(v *txView) (finance.Payment, error) { return v.GetPaymentByOrderID(ctx, orderID) })
}

func (m *Memory) LockPayment(ctx context.Context, id string) (finance.Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *Memory) UpdatePayment(ctx context.Context, p finance.Payment) error {
	return m.write(ctx, func(v *txView) error { return v.UpdatePayment(ctx, p) })
}

func (m *Memory) AppendRefund(ctx context.Context, r finance.PaymentRefund) error {
	return m.write(ctx, func(v *txView) error { return v.AppendRefund(ctx, r) })
}

func (m *Memory) HasRefund(ctx context.Context, gatewayRefundID string) (bool, error) {
	return read(m, func(v *txView) (bool, error) { return v.HasRefund(ctx, gatewayRefundID) })
}

func (m *Memory) ListRefunds(ctx context.Context, paymentID string) ([]finance.PaymentRefund, error) {
	return read(m, func(v *txView) ([]finance.PaymentRefund, error) { return v.ListRefunds(ctx, paymentID) })
}

func (m *Memory) CreateReceivable(ctx context.Context, r finance.ChargebackReceivable) error {
	return m.write(ctx, func(v *txView) error { return v.CreateReceivable(ctx, r) })
}

func (m *Memory) UpdateReceivable(ctx context.Context, r finance.ChargebackReceivable) error {
	return m.write(ctx, func(v *txView) error { return v.UpdateReceivable(ctx, r) })
}

func (m *Memory) ListReceivables(ctx context.Context, userID string, outstandingOnly bool) ([]finance.ChargebackReceivable, error) {
	return read(m, func(v *txView) ([]finance.ChargebackReceivable, error) {
		return v.ListReceivables(ctx, userID, outstandingOnly)
	})
}

func (m *Memory) CreateAllocation(ctx context.Context, a finance.Allocation) error {
	return m.write(ctx, func(v *txView) error { return v.CreateAllocation(ctx, a) })
}

func (m *Memory) GetAllocation(ctx context.Context, id string) (finance.Allocation, error) {
	return read(m, func(v *txView) (finance.Allocation, error) { return v.GetAllocation(ctx, id) })
}

func (m *Memory) AllocationsForPayment(ctx context.Context, paymentID string) ([]finance.Allocation, error) {
	return read(m, func(v *txView) ([]finance.Allocation, error) { return v.AllocationsForPayment(ctx, paymentID) })
}

func (m *Memory) MarkAllocationReversed(ctx context.Context, id string, at time.Time) (bool, error) {
	var flipped bool
	err := m.write(ctx, func(v *txView) error {
		var err error
		flipped, err = v.MarkAllocationReversed(ctx, id, at)
		return err
	})
	return flipped, err
}

func (m *Memory) AppendAudit(ctx context.Context, rec finance.AuditRecord) error {
	return m.write(ctx, func(v *txView) error { return v.AppendAudit(ctx, rec) })
}

func (m *Memory) ListAudit(ctx context.Context, filter finance.AuditFilter) ([]finance.AuditRecord, error) {
	return read(m, func(v *txView) ([]finance.AuditRecord, error) { return v.ListAudit(ctx, filter) })
}

func (m *Memory) UnpublishedAudit(ctx context.Context, limit int) ([]finance.AuditRecord, error) {
	return read(m, func(v *txView) ([]finance.AuditRecord, error) { return v.UnpublishedAudit(ctx, limit) })
}

func (m *Memory) MarkAuditPublished(ctx context.Context, ids []string, at time.Time) error {
	return m.write(ctx, func(v *txView) error { return v.MarkAuditPublished(ctx, ids, at) })
}

// Entries returns every posted entry in append order.
func (m *Memory) Entries() []finance.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.st.entries)
}

// =============================================================================
// TRANSACTIONAL VIEW - caller holds the lock
// =============================================================================

type txView struct {
	st *state
}

var _ finance.Store = (*txView)(nil)

func (v *txView) SeedAccounts(_ context.Context, accounts []finance.LedgerAccount) error {
	for _, a := range accounts {
		existing, ok := v.st.accounts[a.Code]
		if ok {
			if existing.Type != a.Type || existing.NormalBalance != a.NormalBalance {
				return fmt.Errorf("%w: %s", finance.ErrAccountConflict, a.Code)
			}
			continue
		}
		v.st.accounts[a.Code] = a
		v.st.accountOrder = append(v.st.accountOrder, a.Code)
	}
	return nil
}

func (v *txView) ListAccounts(_ context.Context) ([]finance.LedgerAccount, error) {
	out := make([]finance.LedgerAccount, 0, len(v.st.accountOrder))
	for _, code := range v.st.accountOrder {
		out = append(out, v.st.accounts[code])
	}
	return out, nil
}

func (v *txView) AppendEntry(_ context.Context, e finance.LedgerEntry) error {
	if _, dup := v.st.entryIndex[e.ID]; dup {
		return fmt.Errorf("ledger entry %s already exists", e.ID)
	}
	for _, l := range e.Lines {
		if _, ok := v.st.accounts[l.Account]; !ok {
			return fmt.Errorf("%w: %s not seeded", finance.ErrUnknownAccount, l.Account)
		}
	}
	if e.ReversesEntryID != "" {
		if _, ok := v.st.reversed[e.ReversesEntryID]; ok {
			return fmt.Errorf("%w: %s", finance.ErrAlreadyReversed, e.ReversesEntryID)
		}
		v.st.reversed[e.ReversesEntryID] = e.ID
	}
	e.Lines = slices.Clone(e.Lines)
	v.st.entryIndex[e.ID] = len(v.st.entries)
	v.st.entries = append(v.st.entries, e)
	return nil
}

func (v *txView) GetEntry(_ context.Context, id string) (finance.LedgerEntry, error) {
	i, ok := v.st.entryIndex[id]
	if !ok {
		return finance.LedgerEntry{}, fmt.Errorf("%w: %s", finance.ErrEntryNotFound, id)
	}
	e := v.st.entries[i]
	e.Lines = slices.Clone(e.Lines)
	return e, nil
}

func (v *txView) EntriesByReference(_ context.Context, refType, refID string) ([]finance.LedgerEntry, error) {
	var out []finance.LedgerEntry
	for _, e := range v.st.entries {
		if e.ReferenceType == refType && e.ReferenceID == refID {
			e.Lines = slices.Clone(e.Lines)
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *txView) AccountTotals(_ context.Context, code finance.AccountCode, userID string) (finance.Totals, error) {
	var t finance.Totals
	for _, e := range v.st.entries {
		for _, l := range e.Lines {
			if l.Account != code || (userID != "" && l.UserID != userID) {
				continue
			}
			if l.Direction == finance.Debit {
				t.Debits += l.Amount
			} else {
				t.Credits += l.Amount
			}
		}
	}
	return t, nil
}

func (v *txView) LedgerTotals(_ context.Context) (map[finance.AccountCode]finance.Totals, error) {
	out := make(map[finance.AccountCode]finance.Totals)
	for _, e := range v.st.entries {
		for _, l := range e.Lines {
			t := out[l.Account]
			if l.Direction == finance.Debit {
				t.Debits += l.Amount
			} else {
				t.Credits += l.Amount
			}
			out[l.Account] = t
		}
	}
	return out, nil
}

func (v *txView) CreateWallet(_ context.Context, w finance.Wallet) error {
	if _, ok := v.st.wallets[w.UserID]; ok {
		return fmt.Errorf("%w: %s", finance.ErrWalletExists, w.UserID)
	}
	v.st.wallets[w.UserID] = w
	return nil
}

func (v *txView) GetWallet(_ context.Context, userID string) (finance.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return finance.Wallet{}, fmt.Errorf("%w: %s", finance.ErrWalletNotFound, userID)
	}
	return w, nil
}

func (v *txView) LockWallet(ctx context.Context, userID string) (finance.Wallet, error) {
	return v.GetWallet(ctx, userID)
}

func (v *txView) UpdateWallet(_ context.Context, w finance.Wallet) error {
	current, ok := v.st.wallets[w.UserID]
	if !ok {
		return fmt.Errorf("%w: %s", finance.ErrWalletNotFound, w.UserID)
	}
	if current.Version != w.Version-1 {
		return fmt.Errorf("%w: wallet %s at version %d, write expects %d",
			finance.ErrConcurrentModification, w.UserID, current.Version, w.Version-1)
	}
	v.st.wallets[w.UserID] = w
	return nil
}

func (v *txView) ListWallets(_ context.Context) ([]finance.Wallet, error) {
	out := slices.Collect(maps.Values(v.st.wallets))
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (v *txView) AppendTransaction(ctx context.Context, tx finance.Transaction) error {
	withdrawal := (finance.Withdrawal{}).ReferenceType()
	if tx.ReferenceType == withdrawal && tx.ReferenceID != "" {
		if _, ok, _ := v.TransactionByReference(ctx, tx.UserID, withdrawal, tx.ReferenceID); ok {
			return fmt.Errorf("%w: withdrawal %s", finance.ErrConcurrentModification, tx.ReferenceID)
		}
	}
	v.st.transactions[tx.UserID] = append(v.st.transactions[tx.UserID], tx)
	return nil
}

func (v *txView) TransactionByReference(_ context.Context, userID, refType, refID string) (finance.Transaction, bool, error) {
	for _, tx := range v.st.transactions[userID] {
		if tx.ReferenceType == refType && tx.ReferenceID == refID {
			return tx, true, nil
		}
	}
	return finance.Transaction{}, false, nil
}

func (v *txView) ListTransactions(_ context.Context, userID string) ([]finance.Transaction, error) {
	return slices.Clone(v.st.transactions[userID]), nil
}

func (v *txView) CreatePayment(_ context.Context, p finance.Payment) error {
	if _, ok := v.st.payments[p.ID]; ok {
		return fmt.Errorf("%w: %s", finance.ErrPaymentExists, p.ID)
	}
	if _, ok := v.st.orderIndex[p.GatewayOrderID]; ok {
		return fmt.Errorf("%w: order %s", finance.ErrPaymentExists, p.GatewayOrderID)
	}
	v.st.payments[p.ID] = p
	v.st.orderIndex[p.GatewayOrderID] = p.ID
	return nil
}

func (v *txView) GetPayment(_ context.Context, id string) (finance.Payment, error) {
	p, ok := v.st.payments[id]
	if !ok {
		return finance.Payment{}, fmt.Errorf("%w: %s", finance.ErrPaymentNotFound, id)
	}
	return p, nil
}

func (v *txView) GetPaymentByOrderID(ctx context.Context, orderID string) (finance.Payment, error) {
	id, ok := v.st.orderIndex[orderID]
	if !ok {
		return finance.Payment{}, fmt.Errorf("%w: order %s", finance.ErrPaymentNotFound, orderID)
	}
	return v.GetPayment(ctx, id)
}

func (v *txView) LockPayment(ctx context.Context, id string) (finance.Payment, error) {
	return v.GetPayment(ctx, id)
}

// UpdatePayment enforces the same unique gateway ids as the SQL schema.
func (v *txView) UpdatePayment(_ context.Context, p finance.Payment) error {
	current, ok := v.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", finance.ErrPaymentNotFound, p.ID)
	}
	if current.Version != p.Version-1 {
		return fmt.Errorf("%w: payment %s at version %d, write expects %d",
			finance.ErrConcurrentModification, p.ID, current.Version, p.Version-1)
	}
	if p.GatewayPaymentID != "" {
		if owner, ok := v.st.gatewayIndex[p.GatewayPaymentID]; ok && owner != p.ID {
			return fmt.Errorf("%w: gateway payment %s", finance.ErrDuplicateGatewayEvent, p.GatewayPaymentID)
		}
		v.st.gatewayIndex[p.GatewayPaymentID] = p.ID
	}
	if p.ChargebackGatewayID != "" {
		if owner, ok := v.st.chargebackIdx[p.ChargebackGatewayID]; ok && owner != p.ID {
			return fmt.Errorf("%w: chargeback %s", finance.ErrDuplicateGatewayEvent, p.ChargebackGatewayID)
		}
		v.st.chargebackIdx[p.ChargebackGatewayID] = p.ID
	}
	v.st.payments[p.ID] = p
	return nil
}

func (v *txView) AppendRefund(_ context.Context, r finance.PaymentRefund) error {
	if _, ok := v.st.refunds[r.GatewayRefundID]; ok {
		return fmt.Errorf("%w: refund %s", finance.ErrDuplicateGatewayEvent, r.GatewayRefundID)
	}
	v.st.refunds[r.GatewayRefundID] = r
	v.st.refundsByOrder = append(v.st.refundsByOrder, r.GatewayRefundID)
	return nil
}

func (v *txView) HasRefund(_ context.Context, gatewayRefundID string) (bool, error) {
	_, ok := v.st.refunds[gatewayRefundID]
	return ok, nil
}

func (v *txView) ListRefunds(_ context.Context, paymentID string) ([]finance.PaymentRefund, error) {
	var out []finance.PaymentRefund
	for _, id := range v.st.refundsByOrder {
		if r := v.st.refunds[id]; r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *txView) CreateReceivable(_ context.Context, r finance.ChargebackReceivable) error {
	if _, ok := v.st.receivables[r.ID]; ok {
		return fmt.Errorf("receivable %s already exists", r.ID)
	}
	v.st.receivables[r.ID] = r
	v.st.receivableOrder = append(v.st.receivableOrder, r.ID)
	return nil
}

func (v *txView) UpdateReceivable(_ context.Context, r finance.ChargebackReceivable) error {
	if _, ok := v.st.receivables[r.ID]; !ok {
		return fmt.Errorf("receivable %s not found", r.ID)
	}
	v.st.receivables[r.ID] = r
	return nil
}

func (v *txView) ListReceivables(_ context.Context, userID string, outstandingOnly bool) ([]finance.ChargebackReceivable, error) {
	var out []finance.ChargebackReceivable
	for _, id := range v.st.receivableOrder {
		r := v.st.receivables[id]
		if r.UserID != userID {
			continue
		}
		if outstandingOnly && r.Status == finance.ReceivableSettled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (v *txView) CreateAllocation(_ context.Context, a finance.Allocation) error {
	if _, ok := v.st.allocations[a.ID]; ok {
		return fmt.Errorf("allocation %s already exists", a.ID)
	}
	v.st.allocations[a.ID] = a
	v.st.allocationOrder = append(v.st.allocationOrder, a.ID)
	return nil
}

func (v *txView) GetAllocation(_ context.Context, id string) (finance.Allocation, error) {
	a, ok := v.st.allocations[id]
	if !ok {
		return finance.Allocation{}, fmt.Errorf("%w: %s", finance.ErrAllocationNotFound, id)
	}
	return a, nil
}

func (v *txView) AllocationsForPayment(_ context.Context, paymentID string) ([]finance.Allocation, error) {
	var out []finance.Allocation
	for _, id := range v.st.allocationOrder {
		if a := v.st.allocations[id]; a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (v *txView) MarkAllocationReversed(_ context.Context, id string, at time.Time) (bool, error) {
	a, ok := v.st.allocations[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", finance.ErrAllocationNotFound, id)
	}
	if a.IsReversed {
		return false, nil
	}
	a.IsReversed = true
	a.ReversedAt = &at
	v.st.allocations[id] = a
	return true, nil
}

func (v *txView) AppendAudit(_ context.Context, rec finance.AuditRecord) error {
	v.st.audit = append(v.st.audit, rec)
	return nil
}

func (v *txView) ListAudit(_ context.Context, filter finance.AuditFilter) ([]finance.AuditRecord, error) {
	var out []finance.AuditRecord
	for _, rec := range v.st.audit {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (v *txView) UnpublishedAudit(_ context.Context, limit int) ([]finance.AuditRecord, error) {
	var out []finance.AuditRecord
	for _, rec := range v.st.audit {
		if rec.PublishedAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (v *txView) MarkAuditPublished(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range v.st.audit {
		if want[v.st.audit[i].ID] && v.st.audit[i].PublishedAt == nil {
			v.st.audit[i].PublishedAt = &at
		}
	}
	return nil
}
