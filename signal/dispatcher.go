package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Delivery parameters. The transport has no acknowledgment channel, so the
// dispatcher only guarantees attempted delivery: a fixed number of tries with
// exponential backoff, then give up and log.
const (
	// SendRetries is the maximum number of delivery attempts per signal.
	SendRetries = 3

	// SendBackoffBase is the delay before the second attempt; each further
	// attempt doubles it.
	SendBackoffBase = 100 * time.Millisecond
)

// Appender is the outbound half of the transport contract.
type Appender interface {
	Append(sig *Signal) error
}

// Dispatcher reliably attempts delivery of signals. Failure after all
// retries is logged and swallowed; the caller's timeout or rejection logic
// is what ultimately surfaces failure to the user.
type Dispatcher struct {
	tr      Appender
	retries int
	backoff time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given transport.
func NewDispatcher(tr Appender) (*Dispatcher, error) {
	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}
	return &Dispatcher{
		tr:      tr,
		retries: SendRetries,
		backoff: SendBackoffBase,
	}, nil
}

// Send appends the signal, retrying with exponential backoff. It returns
// ErrDeliveryFailed (wrapping the last transport error) when every attempt
// failed.
func (d *Dispatcher) Send(sig *Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		lastErr = d.tr.Append(sig)
		if lastErr == nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Send",
				"signal_id": sig.ID,
				"kind":      sig.Kind,
				"recipient": sig.Recipient.String(),
				"attempt":   attempt,
			}).Debug("Signal appended")
			return nil
		}

		if attempt < d.retries {
			// 100ms, 200ms, 400ms, ...
			delay := d.backoff << (attempt - 1)
			logrus.WithFields(logrus.Fields{
				"function":  "Send",
				"signal_id": sig.ID,
				"kind":      sig.Kind,
				"attempt":   attempt,
				"delay":     delay,
				"error":     lastErr.Error(),
			}).Warn("Signal append failed, retrying")
			time.Sleep(delay)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Send",
		"signal_id": sig.ID,
		"kind":      sig.Kind,
		"recipient": sig.Recipient.String(),
		"attempts":  d.retries,
		"error":     lastErr.Error(),
	}).Error("Signal delivery failed after all retries")

	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

// SendAsync fires the signal without waiting for the retry loop. Used for
// fire-and-forget traffic such as ICE candidates and best-effort teardown.
func (d *Dispatcher) SendAsync(sig *Signal) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Error already logged by Send; nothing more to do here.
		_ = d.Send(sig)
	}()
}

// Wait blocks until all in-flight async sends have finished. Intended for
// orderly shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
