package ledger

import (
	"errors"
	"fmt"
)

// Sentinel targets for errors.Is. Errors that carry structured context wrap
// these through Unwrap so callers can match on class and still read fields.
var (
	ErrMalformedEvent     = errors.New("malformed event")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrNonceReplay        = errors.New("nonce replay")
	ErrBrokenParentChain  = errors.New("broken parent chain")
	ErrEpochRegression    = errors.New("epoch regression")
	ErrUnknownVariant     = errors.New("unknown event variant")
	ErrAccountNotCreated  = errors.New("account not created")
	ErrAccountExists      = errors.New("account already created")
	ErrDeviceNotFound     = errors.New("device not registered")
	ErrDeviceExists       = errors.New("device already registered")
	ErrGuardianNotFound   = errors.New("guardian not registered")
	ErrGuardianExists     = errors.New("guardian already registered")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session already terminal")
	ErrSessionExists      = errors.New("session already exists")
	ErrThresholdNotMet    = errors.New("signer count below threshold")
	ErrNoGroupKey         = errors.New("no group public key established")
	ErrUntrustedLifecycle = errors.New("internal lifecycle event from untrusted source")
	ErrRecoveryCooldown   = errors.New("recovery cooldown active")
	ErrSnapshotOutOfRange = errors.New("snapshot index out of range")
	ErrEventNotFound      = errors.New("event not found")
	ErrCompacted          = errors.New("event compacted into snapshot")
	ErrLastDevice         = errors.New("cannot remove the last active device")
	ErrSnapshotIntegrity  = errors.New("snapshot does not match its state hash")
)

// NonceReplayError reports a duplicate (author, nonce) pair.
type NonceReplayError struct {
	Author string
	Nonce  uint64
}

func (e *NonceReplayError) Error() string {
	return fmt.Sprintf("nonce replay: author %s already used nonce %d", e.Author, e.Nonce)
}

func (e *NonceReplayError) Unwrap() error { return ErrNonceReplay }

// EpochRegressionError reports an epoch_at_write too far behind the
// author's previously observed clock.
type EpochRegressionError struct {
	Author    string
	Observed  uint64
	Previous  uint64
	Tolerance uint64
}

func (e *EpochRegressionError) Error() string {
	return fmt.Sprintf("epoch regression: author %s wrote epoch %d, previous %d, tolerance %d",
		e.Author, e.Observed, e.Previous, e.Tolerance)
}

func (e *EpochRegressionError) Unwrap() error { return ErrEpochRegression }

// ParentChainError reports a parent hash that does not extend the author's
// local chain.
type ParentChainError struct {
	Author string
	Want   string
	Got    string
}

func (e *ParentChainError) Error() string {
	return fmt.Sprintf("broken parent chain: author %s expected parent %s, got %s", e.Author, e.Want, e.Got)
}

func (e *ParentChainError) Unwrap() error { return ErrBrokenParentChain }

// RecoveryCooldownError reports a recovery attempted before the cooldown
// window elapsed.
type RecoveryCooldownError struct {
	LastRecoveryEpoch uint64
	CurrentEpoch      uint64
	CooldownEpochs    uint64
}

func (e *RecoveryCooldownError) Error() string {
	return fmt.Sprintf("recovery cooldown active: last recovery at epoch %d, attempted at %d, cooldown %d epochs",
		e.LastRecoveryEpoch, e.CurrentEpoch, e.CooldownEpochs)
}

func (e *RecoveryCooldownError) Unwrap() error { return ErrRecoveryCooldown }
