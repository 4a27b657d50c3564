package runtime

import (
	"context"
	"errors"
)

// Protocol step failures. Scripts match these with errors.Is and decide
// whether to retry, abort, or escalate; whatever escapes the script is
// recorded on the ledger with the matching machine tag.
var (
	ErrTimeout          = errors.New("runtime: timed out")
	ErrInvalidOperation = errors.New("runtime: invalid operation")
	ErrCryptoFailure    = errors.New("runtime: crypto failure")
	ErrSessionNotFound  = errors.New("runtime: session not found")
	ErrThresholdNotMet  = errors.New("runtime: threshold not met")
	ErrLockLost         = errors.New("runtime: operation lock lost")
)

// Stable machine tags for protocol.failed events. Peers alert on tags, not
// on error strings.
const (
	TagTimeout          = "timeout"
	TagInvalidOperation = "invalid_operation"
	TagCryptoFailure    = "crypto_failure"
	TagSessionNotFound  = "session_not_found"
	TagThresholdNotMet  = "threshold_not_met"
	TagLockLost         = "lock_lost"
	TagCancelled        = "cancelled"
	TagOther            = "other"
)

// Tag maps an error to its stable machine tag.
func Tag(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return TagTimeout
	case errors.Is(err, ErrInvalidOperation):
		return TagInvalidOperation
	case errors.Is(err, ErrCryptoFailure):
		return TagCryptoFailure
	case errors.Is(err, ErrSessionNotFound):
		return TagSessionNotFound
	case errors.Is(err, ErrThresholdNotMet):
		return TagThresholdNotMet
	case errors.Is(err, ErrLockLost):
		return TagLockLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return TagCancelled
	default:
		return TagOther
	}
}
