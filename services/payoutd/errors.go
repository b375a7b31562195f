package payoutd

import (
	"errors"
	"fmt"
)

// Transient conditions leave the job distributing for the next tick.
var (
	// ErrUnderfunded reports that the balance cannot cover fees, the safety floor and a
	// non-zero payout per recipient.
	ErrUnderfunded = errors.New("payoutd: custodial account underfunded")
	// ErrNotConfirmed reports that a batch did not advance the account sequence in time.
	ErrNotConfirmed = errors.New("payoutd: batch not confirmed")
	// ErrBatchFailed reports that a batch consumed its sequence but no broadcast of it
	// executed successfully.
	ErrBatchFailed = errors.New("payoutd: batch failed on chain")
	// ErrProcessorPaused is returned when a run is requested while the processor is paused.
	ErrProcessorPaused = errors.New("payoutd: processor paused")
	// ErrJobQuarantined reports that a job is held back until an operator releases it.
	ErrJobQuarantined = errors.New("payoutd: job quarantined")
	// ErrJobNotFound reports an unknown job id.
	ErrJobNotFound = errors.New("payoutd: job not found")
)

// ErrConfiguration marks failures that retrying cannot fix. Jobs hitting one are
// quarantined and alerted on.
var ErrConfiguration = errors.New("payoutd: configuration error")

// ErrKeyMismatch reports that the decrypted key does not control the stored address.
var ErrKeyMismatch = fmt.Errorf("%w: signing key does not control custodial address", ErrConfiguration)

// ErrNoCustodialAccount reports that a job owner has no custodial wallet on record.
var ErrNoCustodialAccount = fmt.Errorf("%w: no custodial account", ErrConfiguration)

// IsFatal reports whether err requires operator intervention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func configurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// wrapConfiguration tags cause as a configuration error while keeping it inspectable.
func wrapConfiguration(cause error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %w", ErrConfiguration, fmt.Sprintf(format, args...), cause)
}
