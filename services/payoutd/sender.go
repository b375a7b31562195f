package payoutd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/wallet"
)

const (
	// DefaultMaxBatchSize keeps one slot below the protocol ceiling.
	DefaultMaxBatchSize = 254
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 10
)

// SenderConfig bounds batch size and confirmation polling.
type SenderConfig struct {
	MaxBatchSize int
	PollInterval time.Duration
	MaxPolls     int
	ChainID      *big.Int
}

func (c SenderConfig) normalised() SenderConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize > types.MaxMessagesPerTx {
		c.MaxBatchSize = types.MaxMessagesPerTx
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = defaultMaxPolls
	}
	if c.ChainID == nil {
		c.ChainID = types.ChainID()
	}
	return c
}

// SendResult summarises one PayAll invocation.
type SendResult struct {
	Settled    []Recipient
	Chunks     int
	Broadcasts int
	Recovered  int
	Completed  bool
	Spends     []Spend
}

// Spend is what one settled batch disbursed, dated by the broadcast that landed it.
type Spend struct {
	Amount *big.Int
	At     time.Time
}

// BatchSender pays recipients in sequence-gated batches: a batch is only followed by the next
// once the account sequence moved past the one it was signed with.
type BatchSender struct {
	network  Network
	journal  *Journal
	recorder *Recorder
	metrics  *Metrics
	logger   *slog.Logger
	cfg      SenderConfig
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewBatchSender constructs a sender.
func NewBatchSender(network Network, journal *Journal, recorder *Recorder, cfg SenderConfig, metrics *Metrics, logger *slog.Logger) *BatchSender {
	if journal == nil {
		journal = NewJournal(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchSender{
		network:  network,
		journal:  journal,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg.normalised(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// MaxBatchSize reports the effective batch size.
func (s *BatchSender) MaxBatchSize() int { return s.cfg.MaxBatchSize }

// Chunk splits recipients into ordered slices of at most size entries.
func Chunk(recipients []Recipient, size int) [][]Recipient {
	if size <= 0 || len(recipients) == 0 {
		return nil
	}
	out := make([][]Recipient, 0, ChunkCount(len(recipients), size))
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, recipients[start:end])
	}
	return out
}

// PayAll pays perRecipient to every recipient. Chunks are settled as soon as they confirm, so
// on error the result still lists everyone paid before the failing chunk.
func (s *BatchSender) PayAll(ctx context.Context, w *wallet.Custodial, job Job, recipients []Recipient, perRecipient *big.Int) (SendResult, error) {
	var result SendResult
	if w == nil {
		return result, configurationError("custodial wallet missing")
	}
	if perRecipient == nil || perRecipient.Sign() <= 0 {
		return result, fmt.Errorf("payoutd: payout amount must be positive")
	}
	destinations := make(map[string][]byte, len(recipients))
	for _, rec := range recipients {
		addr, err := crypto.DecodeAddress(rec.Address)
		if err != nil {
			return result, wrapConfiguration(err, "recipient %s address %q", rec.ID, rec.Address)
		}
		destinations[rec.ID] = addr.Bytes()
	}

	recipients, err := s.reconcile(ctx, w, job, recipients, &result)
	if err != nil {
		return result, fmt.Errorf("payoutd: job %s reconcile journal: %w", job.ID, err)
	}

	chunks := Chunk(recipients, s.cfg.MaxBatchSize)
	result.Chunks = len(chunks)
	for idx, chunk := range chunks {
		outcome, err := s.payChunk(ctx, w, job, chunk, destinations, perRecipient)
		result.Settled = append(result.Settled, outcome.settled...)
		result.Spends = append(result.Spends, outcome.spends...)
		result.Broadcasts += outcome.broadcasts
		if outcome.recovered {
			result.Recovered++
		}
		if outcome.completed {
			result.Completed = true
		}
		if err != nil {
			return result, fmt.Errorf("payoutd: job %s chunk %d/%d: %w", job.ID, idx+1, len(chunks), err)
		}
	}
	return result, nil
}

// Reconcile settles journaled batches of job that landed after an earlier run stopped waiting
// for them and returns the recipients still owed a payout.
func (s *BatchSender) Reconcile(ctx context.Context, w *wallet.Custodial, job Job, recipients []Recipient) (SendResult, []Recipient, error) {
	var result SendResult
	if w == nil {
		return result, recipients, configurationError("custodial wallet missing")
	}
	remaining, err := s.reconcile(ctx, w, job, recipients, &result)
	if err != nil {
		return result, remaining, fmt.Errorf("payoutd: job %s reconcile journal: %w", job.ID, err)
	}
	return result, remaining, nil
}

// reconcile settles journaled batches that landed after their confirmation window closed
// and drops those whose sequence was consumed by something else. It returns the recipients
// still needing payment.
func (s *BatchSender) reconcile(ctx context.Context, w *wallet.Custodial, job Job, recipients []Recipient, result *SendResult) ([]Recipient, error) {
	pending, err := s.journal.Pending(job.ID)
	if err != nil || len(pending) == 0 {
		return recipients, err
	}
	state, err := s.network.Account(ctx, w.Address())
	if err != nil {
		return recipients, fmt.Errorf("load account state: %w", err)
	}
	byID := make(map[string]Recipient, len(recipients))
	for _, rec := range recipients {
		byID[rec.ID] = rec
	}
	paid := make(map[string]struct{})
	for _, entry := range pending {
		if state.Sequence <= entry.Sequence {
			continue
		}
		landed, amount, err := s.findLanded(ctx, entry)
		if err != nil {
			return recipients, err
		}
		if landed.TxHash == "" {
			s.logger.Warn("journaled batch never landed, dropping",
				slog.String("job_id", job.ID),
				slog.Uint64("journaled_sequence", entry.Sequence),
				slog.Uint64("sequence", state.Sequence))
			if err := s.journal.Delete(job.ID, entry.Fingerprint); err != nil {
				return recipients, err
			}
			continue
		}
		chunk := make([]Recipient, 0, len(entry.RecipientIDs))
		for _, id := range entry.RecipientIDs {
			rec, ok := byID[id]
			if !ok {
				rec = Recipient{ID: id, JobID: job.ID}
			}
			chunk = append(chunk, rec)
			paid[id] = struct{}{}
		}
		var outcome chunkOutcome
		err = s.settle(ctx, job, chunk, entry.Fingerprint, amount, landed, &outcome)
		result.Settled = append(result.Settled, outcome.settled...)
		result.Spends = append(result.Spends, outcome.spends...)
		if outcome.completed {
			result.Completed = true
		}
		if err != nil {
			return recipients, err
		}
		result.Recovered++
		s.metrics.RecordBatch("recovered")
		s.logger.Info("journaled batch found on chain, settled without resend",
			slog.String("job_id", job.ID),
			slog.String("tx_hash", landed.TxHash))
	}
	if len(paid) == 0 {
		return recipients, nil
	}
	remaining := make([]Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if _, ok := paid[rec.ID]; !ok {
			remaining = append(remaining, rec)
		}
	}
	return remaining, nil
}

type chunkOutcome struct {
	settled    []Recipient
	spends     []Spend
	broadcasts int
	recovered  bool
	completed  bool
}

func (s *BatchSender) payChunk(ctx context.Context, w *wallet.Custodial, job Job, chunk []Recipient, destinations map[string][]byte, perRecipient *big.Int) (chunkOutcome, error) {
	var outcome chunkOutcome
	fingerprint := ChunkFingerprint(chunk)
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("chunk", fingerprint[:16]), slog.Int("size", len(chunk)))

	state, err := s.network.Account(ctx, w.Address())
	if err != nil {
		return outcome, fmt.Errorf("load account state: %w", err)
	}
	seq := state.Sequence

	entry, found, err := s.journal.Lookup(job.ID, fingerprint)
	if err != nil {
		return outcome, err
	}
	if found && seq > entry.Sequence {
		landed, amount, err := s.findLanded(ctx, entry)
		if err != nil {
			return outcome, err
		}
		if landed.TxHash != "" {
			log.Info("journaled batch found on chain, settling without resend", slog.String("tx_hash", landed.TxHash))
			if err := s.settle(ctx, job, chunk, fingerprint, amount, landed, &outcome); err != nil {
				return outcome, err
			}
			outcome.recovered = true
			s.metrics.RecordBatch("recovered")
			return outcome, nil
		}
		log.Warn("journaled batch never landed, resending", slog.Uint64("journaled_sequence", entry.Sequence), slog.Uint64("sequence", seq))
		if err := s.journal.Delete(job.ID, fingerprint); err != nil {
			return outcome, err
		}
		found = false
	}
	if !found || entry.Sequence != seq {
		entry = JournalEntry{JobID: job.ID, Fingerprint: fingerprint, Sequence: seq, RecipientIDs: recipientIDs(chunk)}
	}

	tx := &types.Transaction{
		ChainID:  new(big.Int).Set(s.cfg.ChainID),
		Type:     types.TxTypeTransferBatch,
		Sequence: seq,
		Messages: make([]types.TransferMessage, 0, len(chunk)),
	}
	for _, rec := range chunk {
		tx.Messages = append(tx.Messages, types.TransferMessage{
			To:    destinations[rec.ID],
			Value: new(big.Int).Set(perRecipient),
			Memo:  fmt.Sprintf("%s:%s:%d", job.ID, rec.ID, rec.Rank),
			Mode:  types.SendModePayFeesSeparately,
		})
	}
	if err := w.Sign(tx); err != nil {
		if errors.Is(err, wallet.ErrAddressMismatch) {
			return outcome, ErrKeyMismatch
		}
		return outcome, fmt.Errorf("sign batch: %w", err)
	}
	hash, err := tx.HashHex()
	if err != nil {
		return outcome, fmt.Errorf("hash batch: %w", err)
	}
	entry.Attempts = append(entry.Attempts, BroadcastAttempt{TxHash: hash, Amount: perRecipient.String(), BroadcastAt: s.now().UTC()})
	if err := s.journal.Put(entry); err != nil {
		return outcome, err
	}

	sentAt := s.now()
	reported, err := s.network.Broadcast(ctx, tx)
	outcome.broadcasts++
	if err != nil {
		s.metrics.RecordBatch("failed")
		return outcome, fmt.Errorf("broadcast batch: %w", err)
	}
	if reported != "" && reported != hash {
		hash = reported
		entry.Attempts = append(entry.Attempts, BroadcastAttempt{TxHash: reported, Amount: perRecipient.String(), BroadcastAt: s.now().UTC()})
		if err := s.journal.Put(entry); err != nil {
			return outcome, err
		}
	}
	log.Info("batch broadcast", slog.String("tx_hash", hash), slog.Uint64("sequence", seq))

	confirmed, err := s.awaitSequence(ctx, w.Address(), seq)
	if err != nil {
		return outcome, err
	}
	if !confirmed {
		s.metrics.RecordBatch("timeout")
		return outcome, fmt.Errorf("%w: sequence %d not advanced after %d polls", ErrNotConfirmed, seq, s.cfg.MaxPolls)
	}
	s.metrics.ObserveConfirmation(s.now().Sub(sentAt))

	// The journal entry stays in place on every error below so the next reconcile decides.
	landed, amount, err := s.confirmedAttempt(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrBatchFailed) {
			s.metrics.RecordBatch("failed")
			log.Warn("batch consumed its sequence without paying", slog.Uint64("sequence", seq), slog.Any("error", err))
		}
		return outcome, err
	}
	if err := s.settle(ctx, job, chunk, fingerprint, amount, landed, &outcome); err != nil {
		return outcome, err
	}
	s.metrics.RecordBatch("confirmed")
	return outcome, nil
}

func (s *BatchSender) settle(ctx context.Context, job Job, chunk []Recipient, fingerprint string, amount *big.Int, landed BroadcastAttempt, outcome *chunkOutcome) error {
	settled, completed, err := s.recorder.Record(ctx, job, chunk, amount, landed.TxHash)
	outcome.settled = append(outcome.settled, settled...)
	if len(settled) > 0 {
		spent := new(big.Int).Mul(amount, big.NewInt(int64(len(settled))))
		outcome.spends = append(outcome.spends, Spend{Amount: spent, At: landed.BroadcastAt})
	}
	outcome.completed = completed
	if err != nil {
		return err
	}
	if err := s.journal.Delete(job.ID, fingerprint); err != nil {
		s.logger.Warn("journal cleanup failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return nil
}

// findLanded returns the newest journaled attempt the network reports as executed. The
// returned attempt has an empty hash when none did.
func (s *BatchSender) findLanded(ctx context.Context, entry JournalEntry) (BroadcastAttempt, *big.Int, error) {
	for i := len(entry.Attempts) - 1; i >= 0; i-- {
		attempt := entry.Attempts[i]
		receipt, err := s.network.Receipt(ctx, attempt.TxHash)
		if err != nil {
			return BroadcastAttempt{}, nil, fmt.Errorf("lookup receipt %s: %w", attempt.TxHash, err)
		}
		if !receipt.Found || !receipt.Success {
			continue
		}
		amount, err := attempt.AmountInt()
		if err != nil {
			return BroadcastAttempt{}, nil, err
		}
		return attempt, amount, nil
	}
	return BroadcastAttempt{}, nil, nil
}

// confirmedAttempt picks the attempt that consumed the sequence of entry once it advanced.
// A lone attempt whose receipt is not indexed yet counts as landed. A receipt reporting
// failure never does, and with several attempts only a successful receipt identifies the
// one that paid.
func (s *BatchSender) confirmedAttempt(ctx context.Context, entry JournalEntry) (BroadcastAttempt, *big.Int, error) {
	if len(entry.Attempts) == 0 {
		return BroadcastAttempt{}, nil, fmt.Errorf("payoutd: journal entry at sequence %d has no attempts", entry.Sequence)
	}
	if len(entry.Attempts) == 1 {
		attempt := entry.Attempts[0]
		receipt, err := s.network.Receipt(ctx, attempt.TxHash)
		if err != nil {
			return BroadcastAttempt{}, nil, fmt.Errorf("lookup receipt %s: %w", attempt.TxHash, err)
		}
		if receipt.Found && !receipt.Success {
			return BroadcastAttempt{}, nil, fmt.Errorf("%w: %s at sequence %d", ErrBatchFailed, attempt.TxHash, entry.Sequence)
		}
		amount, err := attempt.AmountInt()
		if err != nil {
			return BroadcastAttempt{}, nil, err
		}
		return attempt, amount, nil
	}
	landed, amount, err := s.findLanded(ctx, entry)
	if err != nil {
		return BroadcastAttempt{}, nil, err
	}
	if landed.TxHash == "" {
		return BroadcastAttempt{}, nil, fmt.Errorf("%w: none of %d attempts at sequence %d succeeded", ErrBatchFailed, len(entry.Attempts), entry.Sequence)
	}
	return landed, amount, nil
}

// awaitSequence polls until the account sequence exceeds seq or the poll budget runs out.
func (s *BatchSender) awaitSequence(ctx context.Context, address string, seq uint64) (bool, error) {
	for attempt := 1; attempt <= s.cfg.MaxPolls; attempt++ {
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return false, err
		}
		state, err := s.network.Account(ctx, address)
		if err != nil {
			s.logger.Warn("sequence poll failed", slog.String("address", address), slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		if state.Sequence > seq {
			return true, nil
		}
	}
	return false, nil
}

func recipientIDs(chunk []Recipient) []string {
	ids := make([]string, 0, len(chunk))
	for _, rec := range chunk {
		ids = append(ids, rec.ID)
	}
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
