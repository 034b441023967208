/*
accounts.go - Chart of accounts

PURPOSE:
  The fixed set of ledger accounts every posting is made against. Each
  account has a type and a normal-balance side; the side decides the sign
  of AccountBalance. The chart is loaded from an embedded YAML file and
  seeded into storage once at bootstrap.

ACCOUNTS:
  BANK                   asset      debit   cash the platform holds
  ACCOUNTS_RECEIVABLE    asset      debit   money users owe after a shortfall
  USER_WALLET_LIABILITY  liability  credit  money the platform owes users
  TDS_PAYABLE            liability  credit  tax withheld on bonuses
  SHARE_SALE_INCOME      income     credit  revenue from share allocations
  BONUS_EXPENSE          expense    debit   bonuses granted

SEE ALSO:
  - chart.yaml: Seed data
  - ledger.go: Resolves every posted line against the chart
*/
package finance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// AccountCode identifies a ledger account.
type AccountCode string

const (
	AccountBank                AccountCode = "BANK"
	AccountReceivable          AccountCode = "ACCOUNTS_RECEIVABLE"
	AccountUserWalletLiability AccountCode = "USER_WALLET_LIABILITY"
	AccountTDSPayable          AccountCode = "TDS_PAYABLE"
	AccountShareSaleIncome     AccountCode = "SHARE_SALE_INCOME"
	AccountBonusExpense        AccountCode = "BONUS_EXPENSE"
)

// requiredAccounts are the accounts the engine posts to directly.
var requiredAccounts = []AccountCode{
	AccountBank,
	AccountReceivable,
	AccountUserWalletLiability,
	AccountTDSPayable,
	AccountShareSaleIncome,
	AccountBonusExpense,
}

// AccountType classifies an account for the accounting equation.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeIncome    AccountType = "income"
	AccountTypeExpense   AccountType = "expense"
)

// Direction is the side of a ledger line.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

func (d Direction) Opposite() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// normalSide is the only normal balance an account type may carry.
func (t AccountType) normalSide() (Direction, bool) {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return Debit, true
	case AccountTypeLiability, AccountTypeIncome:
		return Credit, true
	}
	return "", false
}

// LedgerAccount is one row of the chart.
type LedgerAccount struct {
	Code          AccountCode `yaml:"code" json:"code"`
	Name          string      `yaml:"name" json:"name"`
	Type          AccountType `yaml:"type" json:"type"`
	NormalBalance Direction   `yaml:"normal_balance" json:"normal_balance"`
}

// Signed turns raw debit/credit totals into the account's signed balance.
func (a LedgerAccount) Signed(t Totals) Money {
	if a.NormalBalance == Credit {
		return t.Credits - t.Debits
	}
	return t.Debits - t.Credits
}

// Totals is the raw sum of debit and credit lines for an account.
type Totals struct {
	Debits  Money
	Credits Money
}

func (t Totals) Add(o Totals) Totals {
	return Totals{Debits: t.Debits + o.Debits, Credits: t.Credits + o.Credits}
}

// =============================================================================
// CHART - Process-wide registry
// =============================================================================

//go:embed chart.yaml
var defaultChartYAML []byte

// ChartOfAccounts is an immutable, ordered set of accounts.
type ChartOfAccounts struct {
	accounts map[AccountCode]LedgerAccount
	order    []AccountCode
}

type chartFile struct {
	Accounts []LedgerAccount `yaml:"accounts"`
}

// DefaultChart returns the embedded chart of accounts.
func DefaultChart() *ChartOfAccounts {
	chart, err := LoadChart(defaultChartYAML)
	if err != nil {
		panic(fmt.Sprintf("finance: embedded chart of accounts is invalid: %v", err))
	}
	return chart
}

// LoadChart parses and validates a YAML chart. Every account the engine
// posts to must be present.
func LoadChart(raw []byte) (*ChartOfAccounts, error) {
	var file chartFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse chart of accounts: %w", err)
	}
	return NewChart(file.Accounts...)
}

// NewChart validates accounts and builds a chart from them.
func NewChart(accounts ...LedgerAccount) (*ChartOfAccounts, error) {
	c := &ChartOfAccounts{accounts: make(map[AccountCode]LedgerAccount, len(accounts))}
	for _, a := range accounts {
		if a.Code == "" {
			return nil, fmt.Errorf("chart of accounts: account with empty code")
		}
		if _, dup := c.accounts[a.Code]; dup {
			return nil, fmt.Errorf("chart of accounts: duplicate code %s", a.Code)
		}
		side, ok := a.Type.normalSide()
		if !ok {
			return nil, fmt.Errorf("chart of accounts: %s has unknown type %q", a.Code, a.Type)
		}
		if a.NormalBalance != side {
			return nil, fmt.Errorf("chart of accounts: %s is %s but normal balance is %s",
				a.Code, a.Type, a.NormalBalance)
		}
		c.accounts[a.Code] = a
		c.order = append(c.order, a.Code)
	}
	for _, code := range requiredAccounts {
		if _, ok := c.accounts[code]; !ok {
			return nil, fmt.Errorf("chart of accounts: missing required account %s", code)
		}
	}
	return c, nil
}

// Lookup resolves an account code.
func (c *ChartOfAccounts) Lookup(code AccountCode) (LedgerAccount, error) {
	a, ok := c.accounts[code]
	if !ok {
		return LedgerAccount{}, fmt.Errorf("%w: %s", ErrUnknownAccount, code)
	}
	return a, nil
}

// Accounts returns every account in chart order.
func (c *ChartOfAccounts) Accounts() []LedgerAccount {
	out := make([]LedgerAccount, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.accounts[code])
	}
	return out
}
