package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/preiposip/fincore/finance"
)

// Outcome is what processing one event did. Duplicate means the deduper
// had already seen the event id; NoOp means the engine recognised a replay.
type Outcome struct {
	EventID    string                    `json:"event_id"`
	Type       EventType                 `json:"event"`
	PaymentID  string                    `json:"payment_id,omitempty"`
	Status     finance.PaymentStatus     `json:"status,omitempty"`
	Duplicate  bool                      `json:"duplicate"`
	NoOp       bool                      `json:"no_op"`
	Resolution *finance.ResolutionResult `json:"resolution,omitempty"`
}

type Processor struct {
	engine   *finance.Engine
	dedup    Deduper
	validate *validator.Validate
	logger   *slog.Logger
}

func NewProcessor(engine *finance.Engine, dedup Deduper, logger *slog.Logger) *Processor {
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		engine:   engine,
		dedup:    dedup,
		validate: validator.New(),
		logger:   logger,
	}
}

// Process validates, claims and dispatches ev. A failed dispatch releases
// the claim so the gateway's retry is processed.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	if err := p.validate.Struct(ev); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	out := Outcome{EventID: ev.ID, Type: ev.Type}

	claimed, err := p.dedup.Claim(ctx, ev.ID)
	if err != nil {
		// The database constraints still catch replays.
		p.logger.WarnContext(ctx, "webhook dedup unavailable", "event_id", ev.ID, "error", err)
		claimed = true
	}
	if !claimed {
		out.Duplicate = true
		p.logger.InfoContext(ctx, "duplicate webhook ignored", "event_id", ev.ID, "event", ev.Type)
		return out, nil
	}

	if err := p.dispatch(ctx, ev, &out); err != nil {
		if relErr := p.dedup.Release(ctx, ev.ID); relErr != nil {
			p.logger.WarnContext(ctx, "webhook claim not released", "event_id", ev.ID, "error", relErr)
		}
		return out, err
	}
	p.logger.InfoContext(ctx, "webhook processed",
		"event_id", ev.ID, "event", ev.Type, "payment_id", out.PaymentID,
		"status", out.Status, "no_op", out.NoOp)
	return out, nil
}

func (p *Processor) dispatch(ctx context.Context, ev Event, out *Outcome) error {
	payment, err := p.engine.Payments.GetByOrderID(ctx, ev.Payload.OrderID)
	if err != nil {
		return err
	}
	out.PaymentID = payment.ID
	amount := finance.Money(ev.Payload.Amount)

	switch ev.Type {
	case PaymentCaptured:
		if ev.Payload.PaymentID == "" {
			return fmt.Errorf("%w: %s without payment_id", ErrInvalidEvent, ev.Type)
		}
		before := payment.Version
		updated, err := p.engine.Payments.MarkPaid(ctx, payment.ID, ev.Payload.PaymentID)
		if err != nil {
			return err
		}
		out.Status, out.NoOp = updated.Status, updated.Version == before

	case PaymentFailed:
		before := payment.Version
		updated, err := p.engine.Payments.MarkFailed(ctx, payment.ID, ev.Payload.FailureReason)
		if err != nil {
			return err
		}
		out.Status, out.NoOp = updated.Status, updated.Version == before

	case RefundProcessed:
		if ev.Payload.RefundID == "" || amount <= 0 {
			return fmt.Errorf("%w: %s needs refund_id and amount", ErrInvalidEvent, ev.Type)
		}
		res, err := p.engine.Resolution.ResolveRefund(ctx, finance.RefundNotice{
			PaymentID:       payment.ID,
			GatewayRefundID: ev.Payload.RefundID,
			Amount:          amount,
		})
		if err != nil {
			return err
		}
		out.Status, out.NoOp, out.Resolution = res.Status, res.NoOp, &res

	case DisputeCreated, DisputeWon:
		if ev.Payload.ChargebackID == "" {
			return fmt.Errorf("%w: %s without chargeback_id", ErrInvalidEvent, ev.Type)
		}
		notice := finance.ChargebackNotice{
			PaymentID:           payment.ID,
			GatewayChargebackID: ev.Payload.ChargebackID,
			Amount:              amount,
		}
		before := payment.Version
		var updated finance.Payment
		if ev.Type == DisputeCreated {
			updated, err = p.engine.Resolution.OpenChargeback(ctx, notice)
		} else {
			updated, err = p.engine.Resolution.DismissChargeback(ctx, notice)
		}
		if err != nil {
			return err
		}
		out.Status, out.NoOp = updated.Status, updated.Version == before

	case DisputeLost:
		if ev.Payload.ChargebackID == "" {
			return fmt.Errorf("%w: %s without chargeback_id", ErrInvalidEvent, ev.Type)
		}
		res, err := p.engine.Resolution.ResolveChargeback(ctx, finance.ChargebackNotice{
			PaymentID:           payment.ID,
			GatewayChargebackID: ev.Payload.ChargebackID,
			Amount:              amount,
		})
		if err != nil {
			return err
		}
		out.Status, out.NoOp, out.Resolution = res.Status, res.NoOp, &res

	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, ev.Type)
	}
	return nil
}
