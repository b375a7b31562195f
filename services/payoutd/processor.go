package payoutd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	telemetry "github.com/PomeGroup/ontonbot-sub004/observability/otel"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/wallet"
)

// Fees are the network costs reserved before the pool is split.
type Fees struct {
	PerTx      *big.Int
	PerMessage *big.Int
	// SafetyFloor is left untouched in the custodial account.
	SafetyFloor *big.Int
}

// JobOutcome labels what happened to a job during a tick.
type JobOutcome string

const (
	OutcomeCompleted   JobOutcome = "completed"
	OutcomePartial     JobOutcome = "partial"
	OutcomeActivating  JobOutcome = "activating"
	OutcomeUnderfunded JobOutcome = "underfunded"
	OutcomeCapped      JobOutcome = "capped"
	OutcomeFailed      JobOutcome = "failed"
	OutcomeQuarantined JobOutcome = "quarantined"
	OutcomeSkipped     JobOutcome = "skipped"
)

// JobReport describes one job's tick.
type JobReport struct {
	JobID    string     `json:"job_id"`
	Kind     string     `json:"kind"`
	Outcome  JobOutcome `json:"outcome"`
	Settled  int        `json:"settled"`
	Notified int        `json:"notified"`
	Error    string     `json:"error,omitempty"`
}

// TickReport summarises one orchestrator invocation.
type TickReport struct {
	StartedAt time.Time   `json:"started_at"`
	Duration  string      `json:"duration"`
	Jobs      []JobReport `json:"jobs"`
}

type quarantineEntry struct {
	reason string
	since  time.Time
}

// Processor drives every distributing job through activation, budgeting, batch sending,
// settlement and notification. Jobs are processed one at a time; a failing job never stops
// its siblings.
type Processor struct {
	store     Store
	network   Network
	decrypter Decrypter
	gate      *ActivationGate
	sender    *BatchSender
	recorder  *Recorder
	notifier  *Notifier
	policies  *PolicyEnforcer
	fees      Fees
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	runMu sync.Mutex

	mu          sync.Mutex
	paused      bool
	quarantined map[string]quarantineEntry
	lastReport  *TickReport
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithPolicies supplies the daily cap enforcer.
func WithPolicies(policies *PolicyEnforcer) ProcessorOption {
	return func(p *Processor) { p.policies = policies }
}

// WithNotifier supplies the notifier used after settlement.
func WithNotifier(n *Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithPaused starts the processor paused.
func WithPaused(paused bool) ProcessorOption {
	return func(p *Processor) { p.paused = paused }
}

// ProcessorDeps are the collaborators every processor needs.
type ProcessorDeps struct {
	Store     Store
	Network   Network
	Decrypter Decrypter
	Gate      *ActivationGate
	Sender    *BatchSender
	Recorder  *Recorder
	Fees      Fees
}

// NewProcessor constructs a payout processor.
func NewProcessor(deps ProcessorDeps, opts ...ProcessorOption) (*Processor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("payoutd: store required")
	}
	if deps.Network == nil {
		return nil, fmt.Errorf("payoutd: network required")
	}
	if deps.Decrypter == nil {
		return nil, fmt.Errorf("payoutd: decrypter required")
	}
	if deps.Gate == nil || deps.Sender == nil || deps.Recorder == nil {
		return nil, fmt.Errorf("payoutd: activation gate, batch sender and recorder required")
	}
	proc := &Processor{
		store:       deps.Store,
		network:     deps.Network,
		decrypter:   deps.Decrypter,
		gate:        deps.Gate,
		sender:      deps.Sender,
		recorder:    deps.Recorder,
		fees:        deps.Fees,
		metrics:     NewMetrics(),
		logger:      slog.Default(),
		tracer:      telemetry.Tracer("payoutd"),
		now:         time.Now,
		quarantined: make(map[string]quarantineEntry),
	}
	for _, opt := range opts {
		opt(proc)
	}
	proc.metrics.SetPause(proc.paused)
	return proc, nil
}

// RunOnce processes every distributing job once. Ticks never overlap; a call made while
// another tick runs waits for it.
func (p *Processor) RunOnce(ctx context.Context) (TickReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := p.now()
	report := TickReport{StartedAt: start.UTC()}
	if p.Paused() {
		return report, ErrProcessorPaused
	}
	ctx, span := p.tracer.Start(ctx, "payoutd.tick")
	defer span.End()

	jobs, err := p.store.ListDistributingJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list jobs")
		return report, fmt.Errorf("payoutd: list distributing jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("payoutd.jobs", len(jobs)))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			break
		}
		if p.Paused() {
			report.Jobs = append(report.Jobs, JobReport{JobID: job.ID, Kind: job.Kind, Outcome: OutcomeSkipped, Error: ErrProcessorPaused.Error()})
			continue
		}
		report.Jobs = append(report.Jobs, p.runJob(ctx, job))
	}

	elapsed := p.now().Sub(start)
	report.Duration = elapsed.String()
	p.metrics.ObserveTick(elapsed)
	p.mu.Lock()
	snapshot := report
	p.lastReport = &snapshot
	p.mu.Unlock()
	return report, ctx.Err()
}

func (p *Processor) runJob(ctx context.Context, job Job) (report JobReport) {
	report = JobReport{JobID: job.ID, Kind: job.Kind}
	log := p.logger.With(slog.String("job_id", job.ID), slog.String("kind", job.Kind))

	if reason, ok := p.quarantineReason(job.ID); ok {
		report.Outcome = OutcomeQuarantined
		report.Error = fmt.Sprintf("%v: %s", ErrJobQuarantined, reason)
		return report
	}

	ctx, span := p.tracer.Start(ctx, "payoutd.job", trace.WithAttributes(
		attribute.String("payoutd.job_id", job.ID),
		attribute.String("payoutd.kind", job.Kind),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("payoutd: job panicked: %v", r)
			log.Error("payout job panicked", slog.Any("error", err), slog.String("stack", string(debug.Stack())))
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			report.Outcome = OutcomeFailed
			report.Error = err.Error()
			p.metrics.RecordJob(job.Kind, string(OutcomeFailed))
		}
	}()

	outcome, settled, notified, err := p.processJob(ctx, job, log)
	report.Outcome = outcome
	report.Settled = settled
	report.Notified = notified
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		if IsFatal(err) {
			p.quarantine(job.ID, err)
			report.Outcome = OutcomeQuarantined
			p.metrics.RecordConfigurationError()
			log.Error("payout job quarantined", slog.Bool("alert", true), slog.Any("error", err))
		} else {
			log.Warn("payout job deferred", slog.String("outcome", string(outcome)), slog.Any("error", err))
		}
	}
	p.metrics.RecordJob(job.Kind, string(report.Outcome))
	return report
}

func (p *Processor) processJob(ctx context.Context, job Job, log *slog.Logger) (JobOutcome, int, int, error) {
	account, err := p.store.CustodialAccount(ctx, job.OwnerID)
	if err != nil {
		return OutcomeFailed, 0, 0, fmt.Errorf("payoutd: load custodial account: %w", err)
	}
	key, err := p.decrypter.Decrypt(ctx, account.OwnerID, account.EncryptedKey)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return OutcomeFailed, 0, 0, err
		}
		return OutcomeFailed, 0, 0, wrapConfiguration(err, "decrypt custodial key for owner %s", job.OwnerID)
	}
	w, err := wallet.NewCustodial(account.Address, key)
	if err != nil {
		key.Zero()
		return OutcomeFailed, 0, 0, wrapConfiguration(err, "custodial account of owner %s", job.OwnerID)
	}
	defer w.Close()

	active, err := p.gate.Ensure(ctx, w)
	if err != nil {
		return OutcomeFailed, 0, 0, err
	}
	if !active {
		log.Info("custodial wallet activating, job deferred", slog.String("address", w.Address()))
		return OutcomeActivating, 0, 0, nil
	}

	recipients, err := p.store.ListUnsettledRecipients(ctx, job.ID)
	if err != nil {
		return OutcomeFailed, 0, 0, fmt.Errorf("payoutd: list unsettled recipients: %w", err)
	}
	recovered, recipients, err := p.sender.Reconcile(ctx, w, job, recipients)
	if err != nil {
		return p.finish(ctx, job, recovered.Settled, recovered.Spends, false, err)
	}
	if len(recipients) == 0 {
		if _, err := p.recorder.Complete(ctx, job); err != nil {
			return p.finish(ctx, job, recovered.Settled, recovered.Spends, false, err)
		}
		return p.finish(ctx, job, recovered.Settled, recovered.Spends, true, nil)
	}

	state, err := p.network.Account(ctx, w.Address())
	if err != nil {
		return p.finish(ctx, job, recovered.Settled, recovered.Spends, false, fmt.Errorf("payoutd: load balance: %w", err))
	}
	chunks := ChunkCount(len(recipients), p.sender.MaxBatchSize())
	budget := ComputeBudget(state.Balance, len(recipients), chunks, p.fees.PerTx, p.fees.PerMessage, p.fees.SafetyFloor)
	if !budget.OK {
		err := fmt.Errorf("%w: balance %s, gas budget %s, floor %s, %d recipients",
			ErrUnderfunded, bigString(state.Balance), bigString(budget.GasBudget), bigString(p.fees.SafetyFloor), len(recipients))
		if len(recovered.Settled) > 0 {
			return p.finish(ctx, job, recovered.Settled, recovered.Spends, false, err)
		}
		return OutcomeUnderfunded, 0, 0, err
	}

	total := budget.Total(len(recipients))
	if err := p.policies.Validate(job.Kind, total, p.now()); err != nil {
		p.recordCap(job.Kind)
		if len(recovered.Settled) > 0 {
			return p.finish(ctx, job, recovered.Settled, recovered.Spends, false, fmt.Errorf("payoutd: %w", err))
		}
		return OutcomeCapped, 0, 0, fmt.Errorf("payoutd: %w", err)
	}

	result, sendErr := p.sender.PayAll(ctx, w, job, recipients, budget.PerRecipient)
	settled := append(recovered.Settled, result.Settled...)
	spends := append(recovered.Spends, result.Spends...)
	return p.finish(ctx, job, settled, spends, result.Completed || recovered.Completed, sendErr)
}

// finish books spend against the daily cap of the day each batch was broadcast and notifies
// everyone newly paid, including after a mid-job abort.
func (p *Processor) finish(ctx context.Context, job Job, settled []Recipient, spends []Spend, completed bool, err error) (JobOutcome, int, int, error) {
	booked := false
	for _, spend := range spends {
		if spend.Amount == nil || spend.Amount.Sign() <= 0 {
			continue
		}
		at := spend.At
		if at.IsZero() {
			at = p.now()
		}
		p.policies.Record(job.Kind, spend.Amount, at)
		booked = true
	}
	if booked {
		p.recordCap(job.Kind)
	}
	notified := p.notifier.NotifyAll(ctx, job, settled)
	switch {
	case err != nil && len(settled) > 0:
		return OutcomePartial, len(settled), notified, err
	case err != nil:
		return OutcomeFailed, 0, notified, err
	case completed:
		return OutcomeCompleted, len(settled), notified, nil
	default:
		return OutcomePartial, len(settled), notified, nil
	}
}

func (p *Processor) recordCap(kind string) {
	if !p.policies.Capped(kind) {
		return
	}
	p.metrics.RecordCap(kind, p.policies.RemainingCap(kind, p.now()), p.policies.DailyCap(kind))
}

func (p *Processor) quarantine(jobID string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantined[jobID] = quarantineEntry{reason: cause.Error(), since: p.now().UTC()}
	p.metrics.SetQuarantined(len(p.quarantined))
}

func (p *Processor) quarantineReason(jobID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.quarantined[jobID]
	return entry.reason, ok
}

// Release lets a quarantined job run again on the next tick.
func (p *Processor) Release(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("payoutd: job id required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.quarantined[trimmed]; !ok {
		return fmt.Errorf("payoutd: job %s is not quarantined", trimmed)
	}
	delete(p.quarantined, trimmed)
	p.metrics.SetQuarantined(len(p.quarantined))
	p.logger.Info("payout job released", slog.String("job_id", trimmed))
	return nil
}

// Pause halts new payout processing. A running tick finishes its current job.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPause(true)
}

// Resume re-enables payout processing.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPause(false)
}

// Paused reports whether processing is paused.
func (p *Processor) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// QuarantinedJob describes a job held back for operator review.
type QuarantinedJob struct {
	JobID  string    `json:"job_id"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused       bool              `json:"paused"`
	Quarantined  []QuarantinedJob  `json:"quarantined"`
	CapRemaining map[string]string `json:"cap_remaining"`
	LastTick     *TickReport       `json:"last_tick,omitempty"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := Status{
		Paused:       p.paused,
		Quarantined:  make([]QuarantinedJob, 0, len(p.quarantined)),
		CapRemaining: make(map[string]string),
		LastTick:     p.lastReport,
	}
	for id, entry := range p.quarantined {
		status.Quarantined = append(status.Quarantined, QuarantinedJob{JobID: id, Reason: entry.reason, Since: entry.since})
	}
	sort.Slice(status.Quarantined, func(i, j int) bool { return status.Quarantined[i].JobID < status.Quarantined[j].JobID })
	for kind, remaining := range p.policies.Snapshot(p.now()) {
		status.CapRemaining[kind] = remaining.String()
	}
	return status
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
