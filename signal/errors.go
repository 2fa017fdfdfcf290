package signal

import "errors"

// Sentinel errors for signal handling. Classified with errors.Is.
var (
	// ErrMalformedSignal indicates a structurally invalid signal. Consumers
	// drop these silently; they are never fatal to a session.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrDeliveryFailed indicates all delivery attempts were exhausted.
	// Logged, not surfaced: the ring timeout is the user-visible failure.
	ErrDeliveryFailed = errors.New("signal delivery failed after all retries")

	// ErrSealFailed indicates a sealed payload could not be opened, either
	// because it was tampered with or sealed under a different family secret.
	ErrSealFailed = errors.New("signal payload could not be opened")
)
