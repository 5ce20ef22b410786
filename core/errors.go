package core

import "errors"

// Error kinds shared across the fabric. Components wrap these with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is while the
// message keeps the local context.
var (
	// ErrAuthFailure covers AEAD tag mismatches and signature rejections.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrRouteUnreachable is returned when no P2P path exists within the
	// hop budget, or when the recipient of a centralized send is unknown or
	// offline.
	ErrRouteUnreachable = errors.New("route unreachable")

	// ErrLedgerCorruption indicates chain validation failed on load or
	// during an integrity sweep. Never recovered locally; the node is
	// quarantined and rebuilt from peers.
	ErrLedgerCorruption = errors.New("ledger corruption")

	// ErrClockRegression flags an inbound lamport clock at or below our
	// own for a message we did not author. The message is still accepted
	// after re-stamping.
	ErrClockRegression = errors.New("clock regression")

	// ErrTransportError covers session read/write failures and outbound
	// queue overflow.
	ErrTransportError = errors.New("transport error")

	// ErrScenarioConflict marks a scenario request that is a no-op given
	// current state (e.g. failing an already-down server).
	ErrScenarioConflict = errors.New("scenario conflict")

	// ErrCryptoUnavailable is fatal: the OS RNG or key source failed.
	ErrCryptoUnavailable = errors.New("crypto unavailable")
)
