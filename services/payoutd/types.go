package payoutd

import (
	"context"
	"math/big"
	"time"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
)

// JobStatus tracks the lifecycle of a payout job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobDistributing JobStatus = "distributing"
	JobCompleted    JobStatus = "completed"
)

// NotificationStatus tracks delivery of the "you were paid" message.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Job identifies one distribution run such as a raffle draw or a merch prize round. Kind only
// selects message text and policy caps; every kind follows the same payout path.
type Job struct {
	ID             string
	OwnerID        string
	Kind           string
	Title          string
	Status         JobStatus
	NotifyTemplate string
	CompletedAt    time.Time
}

// Recipient is one awardee of a job.
type Recipient struct {
	ID                 string
	JobID              string
	Address            string
	Rank               int
	ChatID             string
	Settled            bool
	AmountPaid         *big.Int
	SettlementRef      string
	NotificationStatus NotificationStatus
	SettledAt          time.Time
}

// CustodialAccount holds the funding wallet of a job owner. Activation is never stored here;
// it is derived from live chain state on every attempt.
type CustodialAccount struct {
	OwnerID      string
	Address      string
	EncryptedKey []byte
}

// Store is the persistence collaborator consumed by the engine.
type Store interface {
	ListDistributingJobs(ctx context.Context) ([]Job, error)
	// Job loads one job; unknown ids yield ErrJobNotFound.
	Job(ctx context.Context, jobID string) (Job, error)
	// ListUnsettledRecipients returns unsettled recipients ordered by rank then id.
	ListUnsettledRecipients(ctx context.Context, jobID string) ([]Recipient, error)
	ListRecipients(ctx context.Context, jobID string) ([]Recipient, error)
	CustodialAccount(ctx context.Context, ownerID string) (CustodialAccount, error)
	// MarkPaid settles the given recipients in one transaction and returns the ids that were
	// unsettled before the call. Already settled recipients keep their amount and reference.
	MarkPaid(ctx context.Context, jobID string, recipientIDs []string, amount *big.Int, ref string, at time.Time) ([]string, error)
	CountUnsettled(ctx context.Context, jobID string) (int, error)
	// CompleteJob moves the job to completed and reports whether this call made the transition.
	CompleteJob(ctx context.Context, jobID string, at time.Time) (bool, error)
	SetNotificationStatus(ctx context.Context, recipientID string, status NotificationStatus) error
}

// Network is the account-model chain as seen by the engine.
type Network interface {
	Account(ctx context.Context, address string) (types.AccountState, error)
	Broadcast(ctx context.Context, tx *types.Transaction) (string, error)
	Receipt(ctx context.Context, hash string) (types.Receipt, error)
}

// Decrypter opens the sealed key material of a custodial account.
type Decrypter interface {
	Decrypt(ctx context.Context, ownerID string, sealed []byte) (*crypto.PrivateKey, error)
}

// Sender delivers a notification message to a recipient chat.
type Sender interface {
	Send(ctx context.Context, chatID, message string) error
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
