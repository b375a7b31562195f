package store

import (
	"time"

	"gorm.io/gorm"
)

// Job is a payout run owned by an event.
type Job struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerID        string `gorm:"size:64;index;not null"`
	Kind           string `gorm:"size:32;not null"`
	Title          string `gorm:"size:256"`
	Status         string `gorm:"size:16;index;not null"`
	NotifyTemplate string `gorm:"type:text"`
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName pins the table name.
func (Job) TableName() string { return "payout_jobs" }

// Recipient is one winner of a job. AmountPaid is a decimal string in smallest units.
type Recipient struct {
	ID                 string `gorm:"primaryKey;size:64"`
	JobID              string `gorm:"size:64;not null;index:idx_payout_recipients_job_order,priority:1"`
	Address            string `gorm:"size:128;not null"`
	Rank               int    `gorm:"column:rank_no;not null;index:idx_payout_recipients_job_order,priority:2"`
	ChatID             string `gorm:"size:64"`
	Settled            bool   `gorm:"not null;default:false;index"`
	AmountPaid         string `gorm:"size:80"`
	SettlementRef      string `gorm:"size:128;index"`
	NotificationStatus string `gorm:"size:16;not null;default:pending"`
	SettledAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName pins the table name.
func (Recipient) TableName() string { return "payout_recipients" }

// CustodialAccount holds the sealed signing key of an event wallet.
type CustodialAccount struct {
	OwnerID      string `gorm:"primaryKey;size:64"`
	Address      string `gorm:"size:128;not null;uniqueIndex"`
	EncryptedKey []byte `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name.
func (CustodialAccount) TableName() string { return "custodial_accounts" }

// AutoMigrate performs all schema migrations for the payout store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Job{},
		&Recipient{},
		&CustodialAccount{},
	)
}
