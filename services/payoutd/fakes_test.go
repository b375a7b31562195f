package payoutd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
	"github.com/PomeGroup/ontonbot-sub004/crypto"
	"github.com/PomeGroup/ontonbot-sub004/integrations/webhooks"
	"github.com/PomeGroup/ontonbot-sub004/observability/logging"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/wallet"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	jobOrder    []string
	recipients  map[string]*Recipient
	accounts    map[string]CustodialAccount
	markPaidErr error
	completions int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[string]*Job),
		recipients: make(map[string]*Recipient),
		accounts:   make(map[string]CustodialAccount),
	}
}

func (s *memStore) addJob(job Job, recipients ...Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status == "" {
		job.Status = JobDistributing
	}
	s.jobs[job.ID] = &job
	s.jobOrder = append(s.jobOrder, job.ID)
	for i := range recipients {
		rec := recipients[i]
		rec.JobID = job.ID
		if rec.NotificationStatus == "" {
			rec.NotificationStatus = NotificationPending
		}
		s.recipients[rec.ID] = &rec
	}
}

func (s *memStore) ListDistributingJobs(context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0)
	for _, id := range s.jobOrder {
		if job := s.jobs[id]; job.Status == JobDistributing {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *memStore) Job(_ context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

func (s *memStore) list(jobID string, unsettledOnly bool) []Recipient {
	out := make([]Recipient, 0)
	for _, rec := range s.recipients {
		if rec.JobID != jobID || (unsettledOnly && rec.Settled) {
			continue
		}
		copyRec := *rec
		copyRec.AmountPaid = cloneBigInt(rec.AmountPaid)
		out = append(out, copyRec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) ListUnsettledRecipients(_ context.Context, jobID string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(jobID, true), nil
}

func (s *memStore) ListRecipients(_ context.Context, jobID string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(jobID, false), nil
}

func (s *memStore) CustodialAccount(_ context.Context, ownerID string) (CustodialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[ownerID]
	if !ok {
		return CustodialAccount{}, fmt.Errorf("owner %s: %w", ownerID, ErrNoCustodialAccount)
	}
	return acct, nil
}

func (s *memStore) MarkPaid(_ context.Context, jobID string, ids []string, amount *big.Int, ref string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPaidErr != nil {
		return nil, s.markPaidErr
	}
	newly := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.recipients[id]
		if !ok || rec.JobID != jobID || rec.Settled {
			continue
		}
		rec.Settled = true
		rec.AmountPaid = cloneBigInt(amount)
		rec.SettlementRef = ref
		rec.SettledAt = at
		newly = append(newly, id)
	}
	return newly, nil
}

func (s *memStore) CountUnsettled(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list(jobID, true)), nil
}

func (s *memStore) CompleteJob(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("unknown job %s", jobID)
	}
	if job.Status == JobCompleted {
		return false, nil
	}
	job.Status = JobCompleted
	job.CompletedAt = at
	s.completions++
	return true, nil
}

func (s *memStore) SetNotificationStatus(_ context.Context, id string, status NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recipients[id]
	if !ok {
		return fmt.Errorf("unknown recipient %s", id)
	}
	rec.NotificationStatus = status
	return nil
}

func (s *memStore) job(id string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) recipient(id string) Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

// fakeChain simulates an account-model network: a transaction applies only when its
// sequence equals the account sequence.
type fakeChain struct {
	mu         sync.Mutex
	accounts   map[string]*types.AccountState
	receipts   map[string]types.Receipt
	broadcasts []*types.Transaction
	received   map[string]*big.Int
	held       []*types.Transaction

	// dropNext silently discards that many broadcasts.
	dropNext int
	// dropBroadcast discards the n-th broadcast (1-based).
	dropBroadcast map[int]bool
	// holdBroadcasts keeps broadcasts pending until release is called.
	holdBroadcasts bool
	// failApplied executes transactions without their transfers: the sequence is consumed
	// and the receipt reports failure.
	failApplied  bool
	broadcastErr error
	accountErr   error
	receiptErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		accounts: make(map[string]*types.AccountState),
		receipts: make(map[string]types.Receipt),
		received: make(map[string]*big.Int),
	}
}

func (c *fakeChain) fund(address string, balance int64, active bool, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[address] = &types.AccountState{Address: address, Balance: big.NewInt(balance), Active: active, Sequence: seq}
}

func (c *fakeChain) Account(_ context.Context, address string) (types.AccountState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountErr != nil {
		return types.AccountState{}, c.accountErr
	}
	acct, ok := c.accounts[address]
	if !ok {
		return types.AccountState{Address: address, Balance: big.NewInt(0)}, nil
	}
	out := *acct
	out.Balance = new(big.Int).Set(acct.Balance)
	return out, nil
}

func (c *fakeChain) Broadcast(_ context.Context, tx *types.Transaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	c.broadcasts = append(c.broadcasts, tx)
	hash, err := tx.HashHex()
	if err != nil {
		return "", err
	}
	switch {
	case c.dropBroadcast[len(c.broadcasts)]:
	case c.dropNext > 0:
		c.dropNext--
	case c.holdBroadcasts:
		c.held = append(c.held, tx)
	default:
		c.applyLocked(tx)
	}
	return hash, nil
}

func (c *fakeChain) applyLocked(tx *types.Transaction) {
	from, err := tx.From()
	if err != nil {
		return
	}
	address := crypto.NewAddress(crypto.AccountPrefix, from).String()
	acct, ok := c.accounts[address]
	if !ok {
		acct = &types.AccountState{Address: address, Balance: big.NewInt(0)}
		c.accounts[address] = acct
	}
	if tx.Sequence != acct.Sequence {
		return
	}
	acct.Sequence++
	hash, _ := tx.HashHex()
	if c.failApplied {
		c.receipts[hash] = types.Receipt{Hash: hash, Found: true, Success: false, Sequence: tx.Sequence}
		return
	}
	if tx.Type == types.TxTypeActivate {
		acct.Active = true
	}
	for _, msg := range tx.Messages {
		key := hex.EncodeToString(msg.To)
		if c.received[key] == nil {
			c.received[key] = new(big.Int)
		}
		c.received[key].Add(c.received[key], msg.Value)
		acct.Balance.Sub(acct.Balance, msg.Value)
	}
	c.receipts[hash] = types.Receipt{Hash: hash, Found: true, Success: true, Sequence: tx.Sequence}
}

// release applies held broadcasts in order.
func (c *fakeChain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held = nil
	c.holdBroadcasts = false
	for _, tx := range held {
		c.applyLocked(tx)
	}
}

// releaseFailed applies held broadcasts in order as failed executions.
func (c *fakeChain) releaseFailed() {
	c.mu.Lock()
	c.failApplied = true
	c.mu.Unlock()
	c.release()
	c.mu.Lock()
	c.failApplied = false
	c.mu.Unlock()
}

func (c *fakeChain) Receipt(_ context.Context, hash string) (types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiptErr != nil {
		return types.Receipt{}, c.receiptErr
	}
	if receipt, ok := c.receipts[hash]; ok {
		return receipt, nil
	}
	return types.Receipt{Hash: hash}, nil
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

func (c *fakeChain) receivedBy(t *testing.T, address string) *big.Int {
	t.Helper()
	addr, err := crypto.DecodeAddress(address)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.received[hex.EncodeToString(addr.Bytes())]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// recordingSender captures notifications and fails the first failures[chatID] attempts.
type recordingSender struct {
	mu       sync.Mutex
	messages map[string][]string
	attempts map[string]int
	failures map[string]int
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		messages: make(map[string][]string),
		attempts: make(map[string]int),
		failures: make(map[string]int),
	}
}

func (s *recordingSender) Send(_ context.Context, chatID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[chatID]++
	if s.failures[chatID] > 0 {
		s.failures[chatID]--
		return errors.New("telegram unavailable")
	}
	s.messages[chatID] = append(s.messages[chatID], message)
	return nil
}

type capturedCompletions struct {
	mu     sync.Mutex
	events []string
}

func (c *capturedCompletions) PayoutCompleted(_ context.Context, event webhooks.PayoutCompleted) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event.JobID)
	return nil
}

// owner is a custodial account with its live key.
type owner struct {
	id      string
	key     *crypto.PrivateKey
	address string
}

func newOwner(t *testing.T, id string) owner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return owner{id: id, key: key, address: key.Address().String()}
}

func (o owner) account() CustodialAccount {
	return CustodialAccount{OwnerID: o.id, Address: o.address, EncryptedKey: o.key.Bytes()}
}

// rawDecrypter treats EncryptedKey as the raw secret and always returns a fresh copy, since
// the processor wipes keys after each job.
var rawDecrypter = wallet.FuncDecrypter(func(_ context.Context, _ string, sealed []byte) (*crypto.PrivateKey, error) {
	return crypto.PrivateKeyFromBytes(sealed)
})

func makeRecipients(t *testing.T, prefix string, n int) []Recipient {
	t.Helper()
	out := make([]Recipient, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		out = append(out, Recipient{
			ID:      fmt.Sprintf("%s-%04d", prefix, i),
			Address: key.Address().String(),
			Rank:    i + 1,
			ChatID:  fmt.Sprintf("chat-%s-%d", prefix, i),
		})
	}
	return out
}

type harness struct {
	store     *memStore
	chain     *fakeChain
	journal   *Journal
	recorder  *Recorder
	sender    *BatchSender
	notifier  *Notifier
	messenger *recordingSender
	events    *capturedCompletions
	processor *Processor
}

type harnessConfig struct {
	maxBatch int
	maxPolls int
	fees     Fees
	policies *PolicyEnforcer
	// onPoll runs before every confirmation poll.
	onPoll func(poll int)
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{
		store:     newMemStore(),
		chain:     newFakeChain(),
		journal:   NewJournal(nil),
		messenger: newRecordingSender(),
		events:    &capturedCompletions{},
	}
	if cfg.maxPolls == 0 {
		cfg.maxPolls = 3
	}
	if cfg.fees.PerTx == nil {
		cfg.fees = Fees{PerTx: big.NewInt(5), PerMessage: big.NewInt(1), SafetyFloor: big.NewInt(1)}
	}
	h.recorder = NewRecorder(h.store, h.events, nil, logger, nil)
	h.sender = NewBatchSender(h.chain, h.journal, h.recorder, SenderConfig{
		MaxBatchSize: cfg.maxBatch,
		PollInterval: time.Millisecond,
		MaxPolls:     cfg.maxPolls,
	}, nil, logger)
	polls := 0
	h.sender.sleep = func(ctx context.Context, _ time.Duration) error {
		polls++
		if cfg.onPoll != nil {
			cfg.onPoll(polls)
		}
		return ctx.Err()
	}
	h.notifier = NewNotifier(h.messenger, h.store, NotifierConfig{Attempts: 3, RetryDelay: -1, Pause: -1}, nil, logger)
	h.notifier.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	proc, err := NewProcessor(ProcessorDeps{
		Store:     h.store,
		Network:   h.chain,
		Decrypter: rawDecrypter,
		Gate:      NewActivationGate(h.chain, nil, logger),
		Sender:    h.sender,
		Recorder:  h.recorder,
		Fees:      cfg.fees,
	}, WithNotifier(h.notifier), WithPolicies(cfg.policies), WithLogger(logger), WithMetrics(nil))
	require.NoError(t, err)
	h.processor = proc
	return h
}

func (h *harness) addOwner(o owner, balance int64, active bool) {
	h.store.mu.Lock()
	h.store.accounts[o.id] = o.account()
	h.store.mu.Unlock()
	h.chain.fund(o.address, balance, active, 0)
}
