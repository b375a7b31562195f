package payoutd

import (
	"context"
	"fmt"

	"github.com/PomeGroup/ontonbot-sub004/integrations/exports"
)

// SettlementRows loads every recipient of jobID as report rows in rank order.
func SettlementRows(ctx context.Context, store Store, jobID string) ([]exports.SettlementRow, error) {
	if store == nil {
		return nil, fmt.Errorf("payoutd: store required")
	}
	job, err := store.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	recipients, err := store.ListRecipients(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("payoutd: list recipients: %w", err)
	}
	rows := make([]exports.SettlementRow, 0, len(recipients))
	for _, rec := range recipients {
		row := exports.SettlementRow{
			JobID:        job.ID,
			Kind:         job.Kind,
			RecipientID:  rec.ID,
			Address:      rec.Address,
			Rank:         rec.Rank,
			TxRef:        rec.SettlementRef,
			Settled:      rec.Settled,
			SettledAt:    rec.SettledAt,
			Notification: string(rec.NotificationStatus),
		}
		if rec.AmountPaid != nil {
			row.Amount = rec.AmountPaid.String()
		}
		rows = append(rows, row)
	}
	return rows, nil
}
