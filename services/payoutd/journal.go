package payoutd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"lukechampine.com/blake3"

	"github.com/PomeGroup/ontonbot-sub004/storage"
)

const journalPrefix = "journal:"

// JournalEntry records a batch that was handed to the network but not yet settled. Every
// transaction broadcast for the batch at Sequence is kept, since any one of them may be the
// one the network accepts.
type JournalEntry struct {
	JobID        string             `json:"job_id"`
	Fingerprint  string             `json:"fingerprint"`
	Sequence     uint64             `json:"sequence"`
	RecipientIDs []string           `json:"recipient_ids"`
	Attempts     []BroadcastAttempt `json:"attempts"`
}

// BroadcastAttempt is one signed transaction handed to the network.
type BroadcastAttempt struct {
	TxHash      string    `json:"tx_hash"`
	Amount      string    `json:"amount"`
	BroadcastAt time.Time `json:"broadcast_at"`
}

// AmountInt parses the per-recipient amount carried by the attempt.
func (a BroadcastAttempt) AmountInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("payoutd: journal amount %q invalid", a.Amount)
	}
	return v, nil
}

// Journal persists broadcast intents so a retry can tell a landed batch from a lost one.
type Journal struct {
	db storage.Database
}

// NewJournal wraps db. A nil database falls back to an in-memory store.
func NewJournal(db storage.Database) *Journal {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Journal{db: db}
}

// ChunkFingerprint identifies a batch by the ordered ids of its recipients.
func ChunkFingerprint(recipients []Recipient) string {
	h := blake3.New(32, nil)
	for _, r := range recipients {
		_, _ = h.Write([]byte(r.ID))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Job ids are hex encoded so that no id is a key prefix of another job's entries.
func journalJobPrefix(jobID string) string {
	return journalPrefix + hex.EncodeToString([]byte(jobID)) + ":"
}

func journalKey(jobID, fingerprint string) []byte {
	return []byte(journalJobPrefix(jobID) + fingerprint)
}

// Put stores or replaces the entry for its job and fingerprint.
func (j *Journal) Put(entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("payoutd: encode journal entry: %w", err)
	}
	if err := j.db.Put(journalKey(entry.JobID, entry.Fingerprint), data); err != nil {
		return fmt.Errorf("payoutd: write journal entry: %w", err)
	}
	return nil
}

// Lookup returns the entry for the chunk, if any.
func (j *Journal) Lookup(jobID, fingerprint string) (JournalEntry, bool, error) {
	data, err := j.db.Get(journalKey(jobID, fingerprint))
	if errors.Is(err, storage.ErrNotFound) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, fmt.Errorf("payoutd: read journal entry: %w", err)
	}
	var entry JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return JournalEntry{}, false, fmt.Errorf("payoutd: decode journal entry: %w", err)
	}
	return entry, true, nil
}

// Delete drops the chunk entry. Missing entries are ignored.
func (j *Journal) Delete(jobID, fingerprint string) error {
	if err := j.db.Delete(journalKey(jobID, fingerprint)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("payoutd: delete journal entry: %w", err)
	}
	return nil
}

// Pending lists the outstanding entries of a job, or of every job when jobID is empty.
func (j *Journal) Pending(jobID string) ([]JournalEntry, error) {
	prefix := journalPrefix
	if jobID != "" {
		prefix = journalJobPrefix(jobID)
	}
	keys, err := j.db.Keys([]byte(prefix))
	if err != nil {
		return nil, fmt.Errorf("payoutd: list journal: %w", err)
	}
	out := make([]JournalEntry, 0, len(keys))
	for _, key := range keys {
		data, err := j.db.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("payoutd: read journal entry: %w", err)
		}
		var entry JournalEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("payoutd: decode journal entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}
