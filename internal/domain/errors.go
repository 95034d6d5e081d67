package domain

import "errors"

// Error taxonomy shared across the scoring pipeline. Callers match with
// errors.Is; producers wrap with fmt.Errorf("...: %w", ...).
var (
	// ErrStoreUnavailable means the history backend could not serve the call.
	// Non-fatal: callers degrade.
	ErrStoreUnavailable = errors.New("history store unavailable")

	// ErrInsufficientHistory means fewer than lookback records exist.
	// Expected; triggers the degraded sequence.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrScoringFailure means a scoring capability failed or returned an
	// out-of-range score. Fatal to the single request.
	ErrScoringFailure = errors.New("scoring capability failure")

	// ErrAttributionFailure means the attribution capability failed.
	// Non-fatal: the decision carries no model factors.
	ErrAttributionFailure = errors.New("attribution failure")

	// ErrConfiguration means the configuration is invalid. Fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidRequest means the inbound transaction could not be scored as given.
	ErrInvalidRequest = errors.New("invalid request")
)
