package payoutd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/PomeGroup/ontonbot-sub004/integrations/webhooks"
)

// CompletionPublisher announces jobs whose every recipient has been settled.
type CompletionPublisher interface {
	PayoutCompleted(ctx context.Context, event webhooks.PayoutCompleted) error
}

// Recorder writes confirmed batches to the store and closes jobs once nobody is left unpaid.
type Recorder struct {
	store     Store
	publisher CompletionPublisher
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder constructs a recorder. publisher and metrics may be nil.
func NewRecorder(store Store, publisher CompletionPublisher, metrics *Metrics, logger *slog.Logger, now func() time.Time) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, publisher: publisher, metrics: metrics, logger: logger, now: now}
}

// Record marks every recipient of a confirmed batch as paid amount under ref and returns the
// recipients that were not settled before. It reports whether the job is now complete.
func (r *Recorder) Record(ctx context.Context, job Job, chunk []Recipient, amount *big.Int, ref string) ([]Recipient, bool, error) {
	if len(chunk) == 0 {
		return nil, false, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, false, fmt.Errorf("payoutd: settlement amount must be positive")
	}
	if ref == "" {
		return nil, false, fmt.Errorf("payoutd: settlement reference required")
	}
	at := r.now().UTC()
	ids := make([]string, 0, len(chunk))
	for _, rec := range chunk {
		ids = append(ids, rec.ID)
	}
	newlyIDs, err := r.store.MarkPaid(ctx, job.ID, ids, amount, ref, at)
	if err != nil {
		return nil, false, fmt.Errorf("payoutd: mark paid: %w", err)
	}
	fresh := make(map[string]struct{}, len(newlyIDs))
	for _, id := range newlyIDs {
		fresh[id] = struct{}{}
	}
	settled := make([]Recipient, 0, len(newlyIDs))
	for _, rec := range chunk {
		if _, ok := fresh[rec.ID]; !ok {
			continue
		}
		rec.Settled = true
		rec.AmountPaid = cloneBigInt(amount)
		rec.SettlementRef = ref
		rec.SettledAt = at
		settled = append(settled, rec)
	}
	r.metrics.RecordSettled(job.Kind, len(settled))

	completed, err := r.Complete(ctx, job)
	if err != nil {
		return settled, false, err
	}
	return settled, completed, nil
}

// Complete closes the job when no unsettled recipients remain. It is safe to call repeatedly;
// the completion event fires only for the call that performed the transition.
func (r *Recorder) Complete(ctx context.Context, job Job) (bool, error) {
	remaining, err := r.store.CountUnsettled(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("payoutd: count unsettled: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}
	at := r.now().UTC()
	transitioned, err := r.store.CompleteJob(ctx, job.ID, at)
	if err != nil {
		return false, fmt.Errorf("payoutd: complete job: %w", err)
	}
	if transitioned {
		r.logger.Info("payout job completed",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind))
		r.publish(ctx, job, at)
	}
	return true, nil
}

func (r *Recorder) publish(ctx context.Context, job Job, at time.Time) {
	if r.publisher == nil {
		return
	}
	recipients, err := r.store.ListRecipients(ctx, job.ID)
	if err != nil {
		r.logger.Warn("payout completion event skipped", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	total := new(big.Int)
	refs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, rec := range recipients {
		if rec.AmountPaid != nil {
			total.Add(total, rec.AmountPaid)
		}
		if rec.SettlementRef == "" {
			continue
		}
		if _, ok := seen[rec.SettlementRef]; ok {
			continue
		}
		seen[rec.SettlementRef] = struct{}{}
		refs = append(refs, rec.SettlementRef)
	}
	event := webhooks.PayoutCompleted{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Kind:        job.Kind,
		Recipients:  len(recipients),
		Total:       total.String(),
		TxRefs:      refs,
		CompletedAt: at,
	}
	if err := r.publisher.PayoutCompleted(ctx, event); err != nil {
		r.logger.Warn("payout completion event failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
