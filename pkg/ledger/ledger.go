package ledger

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// DefaultEpochRegressionTolerance bounds how far behind its own previous
// epoch an author may write before the event is rejected.
const DefaultEpochRegressionTolerance = 16

// Config tunes admission policy.
type Config struct {
	EpochRegressionTolerance uint64
	RecoveryCooldownEpochs   uint64
}

func (c Config) withDefaults() Config {
	if c.EpochRegressionTolerance == 0 {
		c.EpochRegressionTolerance = DefaultEpochRegressionTolerance
	}
	if c.RecoveryCooldownEpochs == 0 {
		c.RecoveryCooldownEpochs = DefaultRecoveryCooldownEpochs
	}
	return c
}

// ChainCursor tracks one author's append chain: its head, the highest epoch
// it wrote, and the nonces it has consumed.
type ChainCursor struct {
	Head      aura.Hash32  `json:"head"`
	HasHead   bool         `json:"has_head"`
	LastEpoch uint64       `json:"last_epoch"`
	Nonces    *NonceWindow `json:"nonces"`
}

func newChainCursor() *ChainCursor { return &ChainCursor{Nonces: NewNonceWindow()} }

func (c *ChainCursor) clone() *ChainCursor {
	return &ChainCursor{Head: c.Head, HasHead: c.HasHead, LastEpoch: c.LastEpoch, Nonces: c.Nonces.Clone()}
}

// ThresholdVerifier checks aggregate authorizations. The default treats the
// aggregate as a standard Ed25519 signature under the account's group public
// key; deployments with interactive aggregation schemes plug in their own.
type ThresholdVerifier interface {
	VerifyAggregate(s *AccountState, e *event.Event) error
}

// Rejection pairs a dropped event with the reason it was dropped.
type Rejection struct {
	EventID aura.Hash32
	Type    event.EventType
	Err     error
}

// admitMode selects which policy set gates an append.
type admitMode int

const (
	admitLocal  admitMode = iota // written by this device: full local policy
	admitRemote                  // merged from a peer: no lifecycle, no local-only policy
	admitReplay                  // replayed from our own storage: lifecycle allowed
)

// Ledger is the device-local append-only event log plus its reduced state.
// Admission verifies schema, authorization, nonce freshness, the author's
// parent chain, and epoch monotonicity before the reducer folds the event in.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	reducer  *Reducer
	verifier ThresholdVerifier
	logger   *slog.Logger

	accountID aura.AccountID
	state     *AccountState
	log       []*event.Event
	byID      map[aura.Hash32]uint64
	covered   map[aura.Hash32]struct{}
	cursors   map[string]*ChainCursor
	base      uint64

	subMu  sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger routes drop-and-log records to the given logger.
func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithThresholdVerifier replaces the aggregate signature check.
func WithThresholdVerifier(v ThresholdVerifier) Option {
	return func(led *Ledger) { led.verifier = v }
}

func New(accountID aura.AccountID, cfg Config, opts ...Option) *Ledger {
	cfg = cfg.withDefaults()
	l := &Ledger{
		cfg:       cfg,
		reducer:   NewReducer(),
		verifier:  ed25519ThresholdVerifier{},
		logger:    slog.Default(),
		accountID: accountID,
		state:     NewAccountState(),
		byID:      make(map[aura.Hash32]uint64),
		covered:   make(map[aura.Hash32]struct{}),
		cursors:   make(map[string]*ChainCursor),
		subs:      make(map[uint64]chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AccountID returns the account this ledger holds events for.
func (l *Ledger) AccountID() aura.AccountID { return l.accountID }

// Append admits a locally written event. The full policy set applies:
// schema, authorization, replay, chain, epoch bounds, variant invariants,
// and local-only rules such as terminal-session and last-device guards.
func (l *Ledger) Append(e *event.Event) error {
	l.mu.Lock()
	err := l.admit(e, admitLocal)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notify()
	return nil
}

// Merge admits a batch of remote events. Events are retried until a pass
// makes no progress, so in-batch dependency order does not matter; whatever
// still fails is dropped and logged, to be re-pulled on a later round.
func (l *Ledger) Merge(events []*event.Event) (accepted int, rejected []Rejection) {
	l.mu.Lock()
	pending := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if e == nil || l.containsLocked(e.EventID) {
			continue
		}
		pending = append(pending, e)
	}
	// Per-author chain order first; the fixpoint loop resolves cross-author
	// dependencies.
	sort.SliceStable(pending, func(i, j int) bool {
		ai, aj := pending[i].AuthorKey(), pending[j].AuthorKey()
		if ai != aj {
			return ai < aj
		}
		return pending[i].Nonce < pending[j].Nonce
	})
	lastErr := make(map[aura.Hash32]error, len(pending))
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0]
		for _, e := range pending {
			if err := l.admit(e, admitRemote); err != nil {
				lastErr[e.EventID] = err
				remaining = append(remaining, e)
				continue
			}
			accepted++
			progressed = true
		}
		pending = remaining
		if !progressed {
			break
		}
	}
	for _, e := range pending {
		err := lastErr[e.EventID]
		rejected = append(rejected, Rejection{EventID: e.EventID, Type: e.Type, Err: err})
		l.logger.Warn("dropped event during merge",
			"event_id", e.EventID.String(), "type", string(e.Type), "err", err)
	}
	l.mu.Unlock()
	if accepted > 0 {
		l.notify()
	}
	return accepted, rejected
}

// admit runs the append pipeline. Caller holds l.mu.
func (l *Ledger) admit(e *event.Event, mode admitMode) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.AccountID != l.accountID {
		return fmt.Errorf("%w: event for account %s", ErrMalformedEvent, e.AccountID)
	}
	author := e.AuthorKey()
	if l.containsLocked(e.EventID) {
		return &NonceReplayError{Author: author, Nonce: e.Nonce}
	}
	if err := l.verifyAuthorization(e, mode); err != nil {
		return err
	}
	cursor := l.cursors[author]
	if cursor == nil {
		cursor = newChainCursor()
	}
	if cursor.Nonces.Seen(e.Nonce) {
		return &NonceReplayError{Author: author, Nonce: e.Nonce}
	}
	if err := checkParent(cursor, author, e); err != nil {
		return err
	}
	if cursor.HasHead && e.EpochAtWrite+l.cfg.EpochRegressionTolerance < cursor.LastEpoch {
		return &EpochRegressionError{
			Author:    author,
			Observed:  e.EpochAtWrite,
			Previous:  cursor.LastEpoch,
			Tolerance: l.cfg.EpochRegressionTolerance,
		}
	}
	if mode == admitLocal {
		if err := l.checkLocalPolicy(e); err != nil {
			return err
		}
	}
	if err := l.reducer.Apply(l.state, e); err != nil {
		return err
	}
	cursor.Nonces.Mark(e.Nonce)
	cursor.Head = e.EventID
	cursor.HasHead = true
	cursor.LastEpoch = max(cursor.LastEpoch, e.EpochAtWrite)
	l.cursors[author] = cursor
	idx := l.base + uint64(len(l.log))
	l.log = append(l.log, e.Clone())
	l.byID[e.EventID] = idx
	return nil
}

func checkParent(cursor *ChainCursor, author string, e *event.Event) error {
	switch {
	case !cursor.HasHead:
		if e.ParentHash != nil {
			return &ParentChainError{Author: author, Want: "none", Got: e.ParentHash.String()}
		}
	case e.ParentHash == nil:
		return &ParentChainError{Author: author, Want: cursor.Head.String(), Got: "none"}
	case *e.ParentHash != cursor.Head:
		return &ParentChainError{Author: author, Want: cursor.Head.String(), Got: e.ParentHash.String()}
	}
	return nil
}

// authRule says which authorization kinds an event type accepts.
type authRule struct {
	device    bool
	threshold bool
	internal  bool
}

var authRules = map[event.EventType]authRule{
	event.TypeAccountCreated: {device: true},

	event.TypeDeviceAdded:     {device: true, threshold: true},
	event.TypeDeviceRemoved:   {device: true, threshold: true},
	event.TypeGuardianAdded:   {device: true, threshold: true},
	event.TypeGuardianRemoved: {device: true, threshold: true},

	event.TypeEpochTick:      {internal: true},
	event.TypeBudgetRefilled: {internal: true},
	event.TypeSyncFailed:     {internal: true},

	event.TypeSnapshotCommitted: {threshold: true},

	event.TypeCapabilityDelegated: {device: true},
	event.TypeCapabilityRevoked:   {device: true},

	event.TypeDkdInitiated:          {device: true},
	event.TypeDkdCommitmentRecorded: {device: true},
	event.TypeDkdPointRevealed:      {device: true},
	event.TypeDkdFinalized:          {device: true},

	event.TypeSigningInitiated:       {device: true},
	event.TypeSignatureShareRecorded: {device: true},
	event.TypeSigningFinalized:       {device: true},

	event.TypeResharingInitiated:        {device: true},
	event.TypeResharingSubShareRecorded: {device: true},
	event.TypeResharingAckRecorded:      {device: true},
	event.TypeResharingFinalized:        {threshold: true},

	event.TypeRecoveryInitiated:         {device: true},
	event.TypeGuardianApprovalCollected: {device: true},
	event.TypeRecoveryShareCommitted:    {device: true},
	event.TypeRecoveryShareSubmitted:    {device: true},
	event.TypeRecoveryCompleted:         {threshold: true},
	event.TypeRecoveryFailed:            {device: true},
	event.TypeSharesMarkedForDeletion:   {device: true},

	event.TypeLockRequested: {device: true},
	event.TypeLockGranted:   {device: true},
	event.TypeLockReleased:  {device: true},

	event.TypeSessionTimedOut: {device: true},
	event.TypeProtocolFailed:  {device: true},
}

func (l *Ledger) verifyAuthorization(e *event.Event, mode admitMode) error {
	rule, ok := authRules[e.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, e.Type)
	}
	switch e.Authorization.Kind {
	case event.AuthDeviceCertificate:
		if !rule.device {
			return fmt.Errorf("%w: %s does not accept device certificates", ErrInvalidSignature, e.Type)
		}
		cert := e.Authorization.Device
		pub, err := l.signerKey(e, cert.DeviceID)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, e.EventID[:], cert.Signature) {
			return fmt.Errorf("%w: device certificate on %s", ErrInvalidSignature, e.Type)
		}
		return nil
	case event.AuthThresholdSignature:
		if !rule.threshold {
			return fmt.Errorf("%w: %s does not accept threshold signatures", ErrInvalidSignature, e.Type)
		}
		return l.verifier.VerifyAggregate(l.state, e)
	case event.AuthInternalLifecycle:
		if !rule.internal {
			return fmt.Errorf("%w: %s is not a lifecycle event", ErrInvalidSignature, e.Type)
		}
		if mode == admitRemote {
			return fmt.Errorf("%w: %s", ErrUntrustedLifecycle, e.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: authorization kind %q", ErrMalformedEvent, e.Authorization.Kind)
	}
}

// signerKey resolves the public key a device certificate verifies against.
// Beyond the device registry it covers three cases: guardians sign under
// their guardian id, the genesis event is certified by the founding key it
// carries, and a recovery is opened by the new device it names.
func (l *Ledger) signerKey(e *event.Event, id aura.DeviceID) (ed25519.PublicKey, error) {
	if d := l.state.Devices[id]; d != nil {
		// A tombstoned device can still be the author of events it wrote
		// before removal; merges may deliver those late.
		if d.Active() || e.EpochAtWrite <= d.RemovedAt {
			return ed25519.PublicKey(d.PublicKey), nil
		}
		return nil, fmt.Errorf("%w: %s removed at epoch %d", ErrDeviceNotFound, id, d.RemovedAt)
	}
	if g := l.state.Guardians[aura.GuardianID(id)]; g != nil {
		if g.Active() || e.EpochAtWrite <= g.RemovedAt {
			return ed25519.PublicKey(g.PublicKey), nil
		}
		return nil, fmt.Errorf("%w: %s removed at epoch %d", ErrGuardianNotFound, id, g.RemovedAt)
	}
	switch e.Type {
	case event.TypeAccountCreated:
		var p event.AccountCreated
		if err := e.DecodePayload(&p); err == nil && p.DeviceID == id {
			return ed25519.PublicKey(p.DevicePublicKey), nil
		}
	case event.TypeRecoveryInitiated:
		var p event.RecoveryInitiated
		if err := e.DecodePayload(&p); err == nil && p.NewDevice == id {
			return ed25519.PublicKey(p.NewDevicePublicKey), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// checkLocalPolicy enforces rules that gate what this device may write but
// must not gate merges: they read live registry or session state that other
// replicas can observe in a different order.
func (l *Ledger) checkLocalPolicy(e *event.Event) error {
	if sid, ok := e.SessionID(); ok {
		if sess := l.state.Sessions[sid]; sess != nil && sess.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrSessionClosed, sid, sess.Status())
		}
	}
	switch e.Type {
	case event.TypeDeviceRemoved:
		var p event.DeviceRemoved
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		active := l.state.ActiveDevices()
		if len(active) == 1 && active[0].ID == p.DeviceID {
			return ErrLastDevice
		}
	case event.TypeDkdInitiated:
		var p event.DkdInitiated
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return l.requireActiveDevices(p.Participants)
	case event.TypeResharingInitiated:
		var p event.ResharingInitiated
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return l.requireActiveDevices(p.NewParticipants)
	case event.TypeRecoveryInitiated:
		var p event.RecoveryInitiated
		if err := e.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if got := len(l.state.ActiveGuardians()); got < int(p.GuardianThreshold.M) {
			return fmt.Errorf("%w: %d active guardians, threshold needs %d",
				ErrThresholdNotMet, got, p.GuardianThreshold.M)
		}
		if last := l.state.LastRecoveryEpoch; last > 0 && e.EpochAtWrite < last+l.cfg.RecoveryCooldownEpochs {
			return &RecoveryCooldownError{
				LastRecoveryEpoch: last,
				CurrentEpoch:      e.EpochAtWrite,
				CooldownEpochs:    l.cfg.RecoveryCooldownEpochs,
			}
		}
	}
	return nil
}

func (l *Ledger) requireActiveDevices(ids []aura.DeviceID) error {
	for _, id := range ids {
		if !l.state.Devices[id].Active() {
			return fmt.Errorf("%w: participant %s", ErrDeviceNotFound, id)
		}
	}
	return nil
}

// ed25519ThresholdVerifier verifies the aggregate as plain Ed25519 under the
// account group key. Recovery completions are measured against the session's
// guardian threshold; everything else against the account device threshold.
type ed25519ThresholdVerifier struct{}

func (ed25519ThresholdVerifier) VerifyAggregate(s *AccountState, e *event.Event) error {
	group := s.GroupPublicKey()
	if group == nil {
		return ErrNoGroupKey
	}
	ts := e.Authorization.Threshold
	need := s.Threshold
	if e.Type == event.TypeRecoveryCompleted {
		if sid, ok := e.SessionID(); ok {
			if sess := s.Sessions[sid]; sess != nil && sess.Recovery != nil {
				need = sess.Recovery.GuardianThreshold
			}
		}
	}
	if !need.Met(int(ts.SignerCount)) {
		return fmt.Errorf("%w: %d signers, need %d", ErrThresholdNotMet, ts.SignerCount, need.M)
	}
	if !ed25519.Verify(ed25519.PublicKey(group), e.EventID[:], ts.Signature) {
		return fmt.Errorf("%w: aggregate on %s", ErrInvalidSignature, e.Type)
	}
	return nil
}

// State returns a deep copy of the reduced state.
func (l *Ledger) State() *AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// StateHash returns the order-independent hash of the reduced state.
func (l *Ledger) StateHash() (aura.Hash32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.ComputeStateHash()
}

// Clock returns the device-local Lamport clock.
func (l *Ledger) Clock() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.LamportClock
}

// WriteEpoch picks the epoch_at_write for a fresh local event: the wall
// epoch, unless the logical clock has already moved past it.
func (l *Ledger) WriteEpoch(wallEpoch uint64) uint64 {
	return max(wallEpoch, l.Clock())
}

// Head returns the chain head for an author key.
func (l *Ledger) Head(author string) (aura.Hash32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := l.cursors[author]
	if c == nil || !c.HasHead {
		return aura.Hash32{}, false
	}
	return c.Head, true
}

// NextNonce returns the smallest unused nonce for an author key.
func (l *Ledger) NextNonce(author string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := l.cursors[author]
	if c == nil {
		return 0
	}
	return c.Nonces.Next()
}

// Contains reports whether the ledger holds, or has compacted, the event.
func (l *Ledger) Contains(id aura.Hash32) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.containsLocked(id)
}

func (l *Ledger) containsLocked(id aura.Hash32) bool {
	if _, ok := l.byID[id]; ok {
		return true
	}
	_, ok := l.covered[id]
	return ok
}

// Get returns the event by id. Compacted events are gone from the live log;
// callers fall back to the snapshot archive.
func (l *Ledger) Get(id aura.Hash32) (*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx, ok := l.byID[id]; ok {
		return l.log[idx-l.base].Clone(), nil
	}
	if _, ok := l.covered[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCompacted, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
}

// IDs returns the replicable event ids this replica knows, including ids
// folded into snapshots. This is the anti-entropy digest source. Lifecycle
// events are local-only and excluded: peers must never try to pull them.
func (l *Ledger) IDs() []aura.Hash32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]aura.Hash32, 0, len(l.byID)+len(l.covered))
	for id := range l.covered {
		out = append(out, id)
	}
	for _, e := range l.log {
		if e.Authorization.Kind == event.AuthInternalLifecycle {
			continue
		}
		out = append(out, e.EventID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Events returns a copy of the live log in append order.
func (l *Ledger) Events() []*event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*event.Event, len(l.log))
	for i, e := range l.log {
		out[i] = e.Clone()
	}
	return out
}

// EventsSince returns events at or after the global index. Indexes below the
// compaction base are only reachable through the snapshot archive.
func (l *Ledger) EventsSince(index uint64) ([]*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < l.base {
		return nil, fmt.Errorf("%w: index %d is below base %d", ErrCompacted, index, l.base)
	}
	if index > l.base+uint64(len(l.log)) {
		return nil, fmt.Errorf("%w: index %d", ErrSnapshotOutOfRange, index)
	}
	tail := l.log[index-l.base:]
	out := make([]*event.Event, len(tail))
	for i, e := range tail {
		out[i] = e.Clone()
	}
	return out, nil
}

// NextIndex returns the global index the next accepted event will take.
func (l *Ledger) NextIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + uint64(len(l.log))
}

// Base returns the global index of the oldest retained event. Indexes below
// it were compacted away and are only reachable through the snapshot archive.
func (l *Ledger) Base() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Len returns the number of live (non-compacted) events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.log)
}

// Verify walks the live log from scratch, recomputing ids and checking every
// author chain. It is an integrity audit, not part of the hot path.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	heads := make(map[string]aura.Hash32)
	for i, e := range l.log {
		if err := e.VerifyID(); err != nil {
			return fmt.Errorf("log[%d]: %w", i, err)
		}
		author := e.AuthorKey()
		head, seen := heads[author]
		if !seen {
			// The first live event of an author either starts its chain or
			// continues one that was compacted away.
			if e.ParentHash != nil && l.base == 0 {
				return fmt.Errorf("log[%d]: %w", i, ErrBrokenParentChain)
			}
			heads[author] = e.EventID
			continue
		}
		if e.ParentHash == nil || *e.ParentHash != head {
			return fmt.Errorf("log[%d]: %w", i, ErrBrokenParentChain)
		}
		heads[author] = e.EventID
	}
	return nil
}

// Subscribe registers a capacity-one notification channel that receives a
// tick after events are accepted. One pending tick covers any number of
// appends. cancel removes the subscription.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan struct{}, 1)
	l.subs[id] = ch
	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subs, id)
	}
}

func (l *Ledger) notify() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
