package finance

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID prefixes. Every persisted record gets a sortable, prefixed TypeID
// ("entry_01h455vb4pex5vsknk084sn02q") so logs and audit trails say what
// kind of record an id points at.
const (
	prefixEntry       = "entry"
	prefixLine        = "line"
	prefixTransaction = "txn"
	prefixPayment     = "pay"
	prefixReceivable  = "rcv"
	prefixAllocation  = "alloc"
	prefixAudit       = "audit"
	prefixRefund      = "rfnd"
)

// NewID returns a fresh TypeID string with the given prefix.
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		// Only an invalid prefix fails, and every prefix is a constant above.
		panic(fmt.Sprintf("finance: generate id with prefix %q: %v", prefix, err))
	}
	return tid.String()
}
