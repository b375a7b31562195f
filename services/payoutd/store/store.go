package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
)

const recipientOrder = "rank_no ASC, id ASC"

// Open connects to the configured database and migrates the schema. driver is "postgres"
// or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Repository implements payoutd.Store on top of gorm.
type Repository struct {
	db *gorm.DB
}

var _ payoutd.Store = (*Repository)(nil)

// New wraps an open database handle.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob inserts a job together with its recipients.
func (r *Repository) CreateJob(ctx context.Context, job payoutd.Job, recipients []payoutd.Recipient) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("store: job id required")
	}
	status := job.Status
	if status == "" {
		status = payoutd.JobPending
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Job{
			ID:             job.ID,
			OwnerID:        job.OwnerID,
			Kind:           job.Kind,
			Title:          job.Title,
			Status:         string(status),
			NotifyTemplate: job.NotifyTemplate,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store: create job: %w", err)
		}
		if len(recipients) == 0 {
			return nil
		}
		rows := make([]Recipient, 0, len(recipients))
		for _, rec := range recipients {
			notification := rec.NotificationStatus
			if notification == "" {
				notification = payoutd.NotificationPending
			}
			rows = append(rows, Recipient{
				ID:                 rec.ID,
				JobID:              job.ID,
				Address:            rec.Address,
				Rank:               rec.Rank,
				ChatID:             rec.ChatID,
				NotificationStatus: string(notification),
			})
		}
		if err := tx.CreateInBatches(&rows, 500).Error; err != nil {
			return fmt.Errorf("store: create recipients: %w", err)
		}
		return nil
	})
}

// StartDistribution moves a pending job to distributing.
func (r *Repository) StartDistribution(ctx context.Context, jobID string) error {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, string(payoutd.JobPending)).
		Update("status", string(payoutd.JobDistributing))
	if res.Error != nil {
		return fmt.Errorf("store: start distribution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: job %s is not pending", jobID)
	}
	return nil
}

// PutCustodialAccount creates or replaces the sealed key of an owner.
func (r *Repository) PutCustodialAccount(ctx context.Context, account payoutd.CustodialAccount) error {
	row := CustodialAccount{
		OwnerID:      account.OwnerID,
		Address:      account.Address,
		EncryptedKey: account.EncryptedKey,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "encrypted_key", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: put custodial account: %w", err)
	}
	return nil
}

// ListDistributingJobs returns jobs awaiting payout, oldest first.
func (r *Repository) ListDistributingJobs(ctx context.Context) ([]payoutd.Job, error) {
	var rows []Job
	if err := r.db.WithContext(ctx).Where("status = ?", string(payoutd.JobDistributing)).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list distributing jobs: %w", err)
	}
	out := make([]payoutd.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, toJob(row))
	}
	return out, nil
}

// Job loads a job by id.
func (r *Repository) Job(ctx context.Context, jobID string) (payoutd.Job, error) {
	var row Job
	err := r.db.WithContext(ctx).First(&row, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payoutd.Job{}, payoutd.ErrJobNotFound
	}
	if err != nil {
		return payoutd.Job{}, fmt.Errorf("store: load job: %w", err)
	}
	return toJob(row), nil
}

// ListUnsettledRecipients returns unsettled recipients ordered by rank then id.
func (r *Repository) ListUnsettledRecipients(ctx context.Context, jobID string) ([]payoutd.Recipient, error) {
	return r.listRecipients(ctx, r.db.WithContext(ctx).Where("job_id = ? AND settled = ?", jobID, false))
}

// ListRecipients returns every recipient of the job ordered by rank then id.
func (r *Repository) ListRecipients(ctx context.Context, jobID string) ([]payoutd.Recipient, error) {
	return r.listRecipients(ctx, r.db.WithContext(ctx).Where("job_id = ?", jobID))
}

func (r *Repository) listRecipients(_ context.Context, query *gorm.DB) ([]payoutd.Recipient, error) {
	var rows []Recipient
	if err := query.Order(recipientOrder).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list recipients: %w", err)
	}
	out := make([]payoutd.Recipient, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecipient(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CustodialAccount loads the custodial account of an owner.
func (r *Repository) CustodialAccount(ctx context.Context, ownerID string) (payoutd.CustodialAccount, error) {
	var row CustodialAccount
	err := r.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payoutd.CustodialAccount{}, fmt.Errorf("store: owner %s: %w", ownerID, payoutd.ErrNoCustodialAccount)
	}
	if err != nil {
		return payoutd.CustodialAccount{}, fmt.Errorf("store: load custodial account: %w", err)
	}
	return payoutd.CustodialAccount{OwnerID: row.OwnerID, Address: row.Address, EncryptedKey: row.EncryptedKey}, nil
}

// MarkPaid settles the listed recipients in one transaction. Rows already settled keep their
// amount and reference and are left out of the returned ids.
func (r *Repository) MarkPaid(ctx context.Context, jobID string, recipientIDs []string, amount *big.Int, ref string, at time.Time) ([]string, error) {
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("store: settlement amount must be positive")
	}
	var newly []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []Recipient
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND id IN ? AND settled = ?", jobID, recipientIDs, false).
			Order(recipientOrder).
			Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		ids := make([]string, 0, len(pending))
		for _, row := range pending {
			ids = append(ids, row.ID)
		}
		settledAt := at.UTC()
		if err := tx.Model(&Recipient{}).
			Where("job_id = ? AND id IN ? AND settled = ?", jobID, ids, false).
			Updates(map[string]interface{}{
				"settled":        true,
				"amount_paid":    amount.String(),
				"settlement_ref": ref,
				"settled_at":     &settledAt,
			}).Error; err != nil {
			return err
		}
		newly = ids
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: mark paid: %w", err)
	}
	return newly, nil
}

// CountUnsettled counts recipients of the job still waiting for payment.
func (r *Repository) CountUnsettled(ctx context.Context, jobID string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Recipient{}).Where("job_id = ? AND settled = ?", jobID, false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count unsettled: %w", err)
	}
	return int(count), nil
}

// CompleteJob marks the job completed and reports whether this call made the transition.
func (r *Repository) CompleteJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	completedAt := at.UTC()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status <> ?", jobID, string(payoutd.JobCompleted)).
		Updates(map[string]interface{}{"status": string(payoutd.JobCompleted), "completed_at": &completedAt})
	if res.Error != nil {
		return false, fmt.Errorf("store: complete job: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := r.Job(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// SetNotificationStatus records the notification outcome of a recipient.
func (r *Repository) SetNotificationStatus(ctx context.Context, recipientID string, status payoutd.NotificationStatus) error {
	res := r.db.WithContext(ctx).Model(&Recipient{}).Where("id = ?", recipientID).Update("notification_status", string(status))
	if res.Error != nil {
		return fmt.Errorf("store: set notification status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: unknown recipient %s", recipientID)
	}
	return nil
}

func toJob(row Job) payoutd.Job {
	job := payoutd.Job{
		ID:             row.ID,
		OwnerID:        row.OwnerID,
		Kind:           row.Kind,
		Title:          row.Title,
		Status:         payoutd.JobStatus(row.Status),
		NotifyTemplate: row.NotifyTemplate,
	}
	if row.CompletedAt != nil {
		job.CompletedAt = row.CompletedAt.UTC()
	}
	return job
}

func toRecipient(row Recipient) (payoutd.Recipient, error) {
	rec := payoutd.Recipient{
		ID:                 row.ID,
		JobID:              row.JobID,
		Address:            row.Address,
		Rank:               row.Rank,
		ChatID:             row.ChatID,
		Settled:            row.Settled,
		SettlementRef:      row.SettlementRef,
		NotificationStatus: payoutd.NotificationStatus(row.NotificationStatus),
	}
	if row.AmountPaid != "" {
		amount, ok := new(big.Int).SetString(row.AmountPaid, 10)
		if !ok {
			return payoutd.Recipient{}, fmt.Errorf("store: recipient %s amount %q invalid", row.ID, row.AmountPaid)
		}
		rec.AmountPaid = amount
	}
	if row.SettledAt != nil {
		rec.SettledAt = row.SettledAt.UTC()
	}
	return rec, nil
}
