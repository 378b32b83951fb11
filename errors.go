package openr

import "errors"

// Sentinel errors, grouped by the taxonomy of spec §7 (Error Handling
// Design). Subsystem packages define their own sentinels for
// finer-grained cases and wrap these where a caller needs to test
// against the broad category with errors.Is.
var (
	// ────────────────────────────────────────────────────────────────
	// Protocol errors: malformed request, unknown command, missing
	// required params. Reported to the caller as an error frame; no
	// state change.
	// ────────────────────────────────────────────────────────────────

	ErrUnknownCommand  = errors.New("openr: unknown command")
	ErrMissingParams   = errors.New("openr: missing request parameters")
	ErrEmptyKeyList    = errors.New("openr: empty key list where one is required")

	// ────────────────────────────────────────────────────────────────
	// Transport errors on peer send. Counted per peer and cause;
	// never fatal.
	// ────────────────────────────────────────────────────────────────

	ErrPeerUnreachable = errors.New("openr: peer unreachable")
	ErrSendFailed      = errors.New("openr: send to peer failed")

	// ────────────────────────────────────────────────────────────────
	// Invalid value: rejected on ingress, dropped silently (logged),
	// never propagated to the caller.
	// ────────────────────────────────────────────────────────────────

	ErrInvalidTtl      = errors.New("openr: ttl must be positive or Infinity")
	ErrUnresolvedMerge = errors.New("openr: merge cannot be resolved: missing hash or value")

	// ────────────────────────────────────────────────────────────────
	// Loop detection.
	// ────────────────────────────────────────────────────────────────

	ErrLoopDetected = errors.New("openr: publication node_ids contains self")

	// ────────────────────────────────────────────────────────────────
	// DUAL inconsistency: unknown root id, logged and ignored.
	// ────────────────────────────────────────────────────────────────

	ErrUnknownRoot = errors.New("openr: unknown DUAL root id")

	// ────────────────────────────────────────────────────────────────
	// Fatal, startup only.
	// ────────────────────────────────────────────────────────────────

	ErrBindFailed = errors.New("openr: failed to bind local socket")
)
