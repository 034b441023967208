package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/preiposip/fincore/finance"
)

// Outbox is the slice of finance.AuditStore the relay needs.
type Outbox interface {
	UnpublishedAudit(ctx context.Context, limit int) ([]finance.AuditRecord, error)
	MarkAuditPublished(ctx context.Context, ids []string, at time.Time) error
}

// Relay moves outbox records to a Publisher, oldest first.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

func NewRelay(outbox Outbox, publisher Publisher, logger *slog.Logger, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce publishes one batch and returns how many records were marked
// published. It stops at the first publish failure so later records never
// overtake an earlier one.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	records, err := r.outbox.UnpublishedAudit(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(records))
	var publishErr error
	for _, rec := range records {
		payload, key, err := Encode(rec)
		if err == nil {
			err = r.publisher.Publish(ctx, string(rec.Action), payload, key)
		}
		if err != nil {
			publishErr = fmt.Errorf("publish %s (%s): %w", rec.ID, rec.Action, err)
			break
		}
		published = append(published, rec.ID)
	}

	if len(published) > 0 {
		if err := r.outbox.MarkAuditPublished(ctx, published, r.now()); err != nil {
			return 0, fmt.Errorf("mark published: %w", err)
		}
	}
	if publishErr != nil {
		r.logger.ErrorContext(ctx, "outbox relay stalled",
			"published", len(published),
			"pending", len(records)-len(published),
			"error", publishErr,
		)
		return len(published), publishErr
	}
	r.logger.DebugContext(ctx, "outbox batch relayed", "published", len(published))
	return len(published), nil
}

// Drain calls RunOnce until the outbox is empty or a batch fails.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
	}
}
