package payoutd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"text/template"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultNotifyAttempts = 3
	defaultNotifyDelay    = 2 * time.Second
	defaultNotifyPause    = time.Second
)

var defaultNotifyTexts = map[string]string{
	"raffle":    "Congratulations! You placed #{{.Rank}} in {{.Title}} and {{.Amount}} was sent to your wallet. Tx: {{.Ref}}",
	"merch":     "Your prize for {{.Title}} is on its way: {{.Amount}} was sent to your wallet. Tx: {{.Ref}}",
	"affiliate": "Your affiliate reward of {{.Amount}} for {{.Title}} has been paid. Tx: {{.Ref}}",
}

const fallbackNotifyText = "You received {{.Amount}} from {{.Title}}. Tx: {{.Ref}}"

// NotifierConfig bounds delivery retries and pacing.
type NotifierConfig struct {
	Attempts     int
	RetryDelay   time.Duration
	Pause        time.Duration
	AmountFormat func(*big.Int) string
}

type notifyData struct {
	Title  string
	Kind   string
	Amount string
	Ref    string
	Rank   int
}

// Notifier tells settled recipients they were paid. Delivery is best-effort: failures mark
// the recipient for manual follow-up and never affect settlement.
type Notifier struct {
	sender  Sender
	store   Store
	metrics *Metrics
	logger  *slog.Logger
	cfg     NotifierConfig
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
}

// NewNotifier constructs a notifier. A nil sender disables delivery.
func NewNotifier(sender Sender, store Store, cfg NotifierConfig, metrics *Metrics, logger *slog.Logger) *Notifier {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultNotifyAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultNotifyDelay
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	} else if cfg.Pause == 0 {
		cfg.Pause = defaultNotifyPause
	}
	if cfg.AmountFormat == nil {
		cfg.AmountFormat = func(v *big.Int) string { return v.String() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.Pause > 0 {
		limit = rate.Every(cfg.Pause)
	}
	return &Notifier{
		sender:  sender,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepContext,
	}
}

// NotifyAll delivers one message per settled recipient and returns how many were delivered.
func (n *Notifier) NotifyAll(ctx context.Context, job Job, recipients []Recipient) int {
	if n == nil || n.sender == nil || len(recipients) == 0 {
		return 0
	}
	tmpl, err := n.template(job)
	if err != nil {
		n.logger.Error("notification template invalid, skipping notifications",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return 0
	}
	delivered := 0
	for _, rec := range recipients {
		if err := n.limiter.Wait(ctx); err != nil {
			n.logger.Warn("notifications interrupted", slog.String("job_id", job.ID), slog.Any("error", err))
			return delivered
		}
		status := NotificationSent
		if err := n.notifyOne(ctx, tmpl, job, rec); err != nil {
			status = NotificationFailed
			n.metrics.RecordNotification("failed")
			n.logger.Warn("payout notification failed",
				slog.String("job_id", job.ID),
				slog.String("recipient_id", rec.ID),
				slog.Any("error", err))
		} else {
			delivered++
			n.metrics.RecordNotification("sent")
		}
		if n.store != nil {
			if err := n.store.SetNotificationStatus(ctx, rec.ID, status); err != nil {
				n.logger.Warn("notification status not stored",
					slog.String("recipient_id", rec.ID),
					slog.Any("error", err))
			}
		}
	}
	return delivered
}

func (n *Notifier) notifyOne(ctx context.Context, tmpl *template.Template, job Job, rec Recipient) error {
	if strings.TrimSpace(rec.ChatID) == "" {
		return fmt.Errorf("recipient has no chat id")
	}
	amount := rec.AmountPaid
	if amount == nil {
		amount = new(big.Int)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, notifyData{
		Title:  job.Title,
		Kind:   job.Kind,
		Amount: n.cfg.AmountFormat(amount),
		Ref:    rec.SettlementRef,
		Rank:   rec.Rank,
	}); err != nil {
		return fmt.Errorf("render message: %w", err)
	}
	message := buf.String()

	var lastErr error
	for attempt := 1; attempt <= n.cfg.Attempts; attempt++ {
		lastErr = n.sender.Send(ctx, rec.ChatID, message)
		if lastErr == nil {
			return nil
		}
		if attempt == n.cfg.Attempts {
			break
		}
		if err := n.sleep(ctx, n.cfg.RetryDelay); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", n.cfg.Attempts, lastErr)
}

func (n *Notifier) template(job Job) (*template.Template, error) {
	text := strings.TrimSpace(job.NotifyTemplate)
	if text == "" {
		text = defaultNotifyTexts[strings.ToLower(strings.TrimSpace(job.Kind))]
	}
	if text == "" {
		text = fallbackNotifyText
	}
	return template.New("notify").Option("missingkey=error").Parse(text)
}
