/*
reference.go - What caused a ledger entry or wallet transaction

PURPOSE:
  Every ledger entry names the event that produced it. Instead of a free
  (type, id) string pair, callers pick one of a closed set of reference
  kinds. Storage flattens a Reference into reference_type/reference_id
  columns and ParseReference turns them back.

REFERENCE TYPES:
  payment                PaymentCapture{PaymentID}
  chargeback             Chargeback{PaymentID}
  chargeback_receivable  ChargebackReceivable{PaymentID}
  refund                 Refund{PaymentID}
  refund_receivable      RefundReceivable{PaymentID}
  receivable_recovery    ReceivableRecovery{UserID}
  investment             Investment{AllocationID}
  bonus                  BonusAward{AwardID}
  withdrawal             Withdrawal{RequestID}
  admin_adjustment       AdminAdjustment{UserID}
  reversal               Reversal{EntryID}
*/
package finance

import "fmt"

// Reference is a tagged union of the events that can cause a posting.
type Reference interface {
	ReferenceType() string
	ReferenceID() string
	isReference()
}

type PaymentCapture struct{ PaymentID string }

func (PaymentCapture) ReferenceType() string { return "payment" }
func (r PaymentCapture) ReferenceID() string { return r.PaymentID }
func (PaymentCapture) isReference()          {}

type Chargeback struct{ PaymentID string }

func (Chargeback) ReferenceType() string { return "chargeback" }
func (r Chargeback) ReferenceID() string { return r.PaymentID }
func (Chargeback) isReference()          {}

type ChargebackReceivableRef struct{ PaymentID string }

func (ChargebackReceivableRef) ReferenceType() string { return "chargeback_receivable" }
func (r ChargebackReceivableRef) ReferenceID() string { return r.PaymentID }
func (ChargebackReceivableRef) isReference()          {}

type Refund struct{ PaymentID string }

func (Refund) ReferenceType() string { return "refund" }
func (r Refund) ReferenceID() string { return r.PaymentID }
func (Refund) isReference()          {}

type RefundReceivable struct{ PaymentID string }

func (RefundReceivable) ReferenceType() string { return "refund_receivable" }
func (r RefundReceivable) ReferenceID() string { return r.PaymentID }
func (RefundReceivable) isReference()          {}

type ReceivableRecovery struct{ UserID string }

func (ReceivableRecovery) ReferenceType() string { return "receivable_recovery" }
func (r ReceivableRecovery) ReferenceID() string { return r.UserID }
func (ReceivableRecovery) isReference()          {}

type Investment struct{ AllocationID string }

func (Investment) ReferenceType() string { return "investment" }
func (r Investment) ReferenceID() string { return r.AllocationID }
func (Investment) isReference()          {}

type BonusAward struct{ AwardID string }

func (BonusAward) ReferenceType() string { return "bonus" }
func (r BonusAward) ReferenceID() string { return r.AwardID }
func (BonusAward) isReference()          {}

type Withdrawal struct{ RequestID string }

func (Withdrawal) ReferenceType() string { return "withdrawal" }
func (r Withdrawal) ReferenceID() string { return r.RequestID }
func (Withdrawal) isReference()          {}

type AdminAdjustment struct{ UserID string }

func (AdminAdjustment) ReferenceType() string { return "admin_adjustment" }
func (r AdminAdjustment) ReferenceID() string { return r.UserID }
func (AdminAdjustment) isReference()          {}

type Reversal struct{ EntryID string }

func (Reversal) ReferenceType() string { return "reversal" }
func (r Reversal) ReferenceID() string { return r.EntryID }
func (Reversal) isReference()          {}

// ParseReference rebuilds a Reference from its stored columns. An empty
// type means "no reference" and yields nil.
func ParseReference(refType, refID string) (Reference, error) {
	switch refType {
	case "":
		return nil, nil
	case "payment":
		return PaymentCapture{PaymentID: refID}, nil
	case "chargeback":
		return Chargeback{PaymentID: refID}, nil
	case "chargeback_receivable":
		return ChargebackReceivableRef{PaymentID: refID}, nil
	case "refund":
		return Refund{PaymentID: refID}, nil
	case "refund_receivable":
		return RefundReceivable{PaymentID: refID}, nil
	case "receivable_recovery":
		return ReceivableRecovery{UserID: refID}, nil
	case "investment":
		return Investment{AllocationID: refID}, nil
	case "bonus":
		return BonusAward{AwardID: refID}, nil
	case "withdrawal":
		return Withdrawal{RequestID: refID}, nil
	case "admin_adjustment":
		return AdminAdjustment{UserID: refID}, nil
	case "reversal":
		return Reversal{EntryID: refID}, nil
	}
	return nil, fmt.Errorf("unknown reference type %q", refType)
}

// ReferenceColumns flattens a possibly-nil Reference for storage.
func ReferenceColumns(ref Reference) (refType, refID string) {
	if ref == nil {
		return "", ""
	}
	return ref.ReferenceType(), ref.ReferenceID()
}
