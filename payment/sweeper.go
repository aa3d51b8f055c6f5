package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mpesa-payment-svc/models"
)

const defaultSweepBatch = 100

// Sweeper moves PENDING transactions past their expiry window to EXPIRED.
// A row locked by an in-flight callback is skipped and picked up next run.
type Sweeper struct {
	store     TransactionStore
	audit     AuditLog
	events    EventPublisher
	cache     StatusCache
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewSweeper(batchSize int, deps Dependencies, logger *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	s := &Sweeper{
		store:     deps.Store,
		audit:     deps.Audit,
		events:    deps.Publisher,
		cache:     deps.Cache,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.cache == nil {
		s.cache = nopCache{}
	}
	return s
}

// Sweep expires due transactions page by page and returns how many moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Payment.Sweep")
	defer span.End()

	now := s.now().UTC()
	total := 0
	for {
		expired, err := s.store.ExpirePending(ctx, now, s.batchSize)
		if err != nil {
			span.RecordError(err)
			return total, newError(CodeStorage, "Failed to expire transactions", nil, err)
		}
		for i := range expired {
			tx := &expired[i]
			recordAudit(ctx, s.audit, s.logger, models.AuditLogEntry{
				Action:        models.AuditPaymentExpired,
				TransactionID: &tx.ID,
				Description:   models.PaymentStatusExpired.Description(),
			})
			publishTerminal(ctx, s.events, s.cache, s.logger, tx, EventPaymentExpired, models.PaymentStatusExpired.Description())
		}
		total += len(expired)
		if len(expired) < s.batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 {
		s.logger.Info("Expired pending transactions", zap.Int("count", total))
	}
	return total, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}
