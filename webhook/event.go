/*
Package webhook turns verified payment-gateway events into engine calls.

PURPOSE:
  The gateway retries deliveries and may send them concurrently. Each event
  is claimed in Redis by its event id so a retry storm is absorbed before
  it reaches the database. The engine's unique gateway ids and state checks
  stay the authority: an event that slips past the deduper still resolves
  to a no-op.

EVENTS:
  payment.captured   pending -> paid, wallet credited
  payment.failed     pending -> failed
  refund.processed   refund of amount, keyed by refund_id
  dispute.created    paid -> chargeback_pending
  dispute.won        chargeback_pending -> paid
  dispute.lost       chargeback confirmed, money unwound

AMOUNTS:
  Minor units (paise), as the gateway sends them.

SEE ALSO:
  - api/handlers.go: GatewayWebhook, signature check and HTTP mapping
  - finance/resolution.go: Refund and chargeback resolution
*/
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// EventType names a gateway event.
type EventType string

const (
	PaymentCaptured EventType = "payment.captured"
	PaymentFailed   EventType = "payment.failed"
	RefundProcessed EventType = "refund.processed"
	DisputeCreated  EventType = "dispute.created"
	DisputeWon      EventType = "dispute.won"
	DisputeLost     EventType = "dispute.lost"
)

// ErrInvalidEvent is returned for payloads missing what their type needs.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Event is one gateway delivery.
type Event struct {
	ID      string    `json:"id" validate:"required"`
	Type    EventType `json:"event" validate:"required,oneof=payment.captured payment.failed refund.processed dispute.created dispute.won dispute.lost"`
	Payload Payload   `json:"payload"`
}

// Payload carries the gateway ids. Which ones are required depends on the
// event type.
type Payload struct {
	OrderID       string `json:"order_id" validate:"required"`
	PaymentID     string `json:"payment_id"`
	RefundID      string `json:"refund_id"`
	ChargebackID  string `json:"chargeback_id"`
	Amount        int64  `json:"amount" validate:"gte=0"`
	FailureReason string `json:"failure_reason"`
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under secret.
func VerifySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
