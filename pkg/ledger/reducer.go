package ledger

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// DefaultRecoveryCooldownEpochs spaces out recovery attempts. At one-second
// epochs this is 24 hours.
const DefaultRecoveryCooldownEpochs = 86400

// Reducer folds accepted events into an AccountState. Apply is deterministic
// for a given (state, event) pair and commutes across events from different
// authors: collection updates are grow-only with min-folds on conflicting
// values, and terminal flags are monotone. Structural rules that depend only
// on the event and the session it names are enforced here; policy that
// depends on live registry state (active-device sets, lock ownership,
// recovery cooldown) is enforced at local write time so merges stay
// convergent.
type Reducer struct{}

func NewReducer() *Reducer {
	return &Reducer{}
}

// Apply folds one event into s, mutating it in place. On error the state is
// unchanged except where noted on the per-type rules; callers treat any
// error as a rejection of the whole event.
func (r *Reducer) Apply(s *AccountState, e *event.Event) error {
	if e.Type != event.TypeAccountCreated {
		if !s.Created {
			return fmt.Errorf("%w: %s before account.created", ErrAccountNotCreated, e.Type)
		}
		if e.AccountID != s.AccountID {
			return fmt.Errorf("%w: event addressed to account %s", ErrMalformedEvent, e.AccountID)
		}
	}
	if err := r.applyByType(s, e); err != nil {
		return err
	}
	// Lifecycle events never leave this device, so they must not move the
	// hashed counters; replicas would diverge by their own tick counts.
	if e.Authorization.Kind != event.AuthInternalLifecycle {
		s.EventCount++
		s.EventsByAuthor[e.AuthorKey()]++
	}
	s.LamportClock = max(s.LamportClock, e.EpochAtWrite) + 1
	return nil
}

func (r *Reducer) applyByType(s *AccountState, e *event.Event) error {
	switch e.Type {
	case event.TypeAccountCreated:
		return r.applyAccountCreated(s, e)
	case event.TypeDeviceAdded:
		return r.applyDeviceAdded(s, e)
	case event.TypeDeviceRemoved:
		return r.applyDeviceRemoved(s, e)
	case event.TypeGuardianAdded:
		return r.applyGuardianAdded(s, e)
	case event.TypeGuardianRemoved:
		return r.applyGuardianRemoved(s, e)
	case event.TypeEpochTick:
		return nil
	case event.TypeSnapshotCommitted:
		return r.applySnapshotCommitted(s, e)
	case event.TypeBudgetRefilled:
		return r.applyBudgetRefilled(s, e)
	case event.TypeCapabilityDelegated:
		return r.applyCapabilityDelegated(s, e)
	case event.TypeCapabilityRevoked:
		return r.applyCapabilityRevoked(s, e)
	case event.TypeDkdInitiated:
		return r.applyDkdInitiated(s, e)
	case event.TypeDkdCommitmentRecorded:
		return r.applyDkdCommitmentRecorded(s, e)
	case event.TypeDkdPointRevealed:
		return r.applyDkdPointRevealed(s, e)
	case event.TypeDkdFinalized:
		return r.applyDkdFinalized(s, e)
	case event.TypeSigningInitiated:
		return r.applySigningInitiated(s, e)
	case event.TypeSignatureShareRecorded:
		return r.applySignatureShareRecorded(s, e)
	case event.TypeSigningFinalized:
		return r.applySigningFinalized(s, e)
	case event.TypeResharingInitiated:
		return r.applyResharingInitiated(s, e)
	case event.TypeResharingSubShareRecorded:
		return r.applyResharingSubShareRecorded(s, e)
	case event.TypeResharingAckRecorded:
		return r.applyResharingAckRecorded(s, e)
	case event.TypeResharingFinalized:
		return r.applyResharingFinalized(s, e)
	case event.TypeRecoveryInitiated:
		return r.applyRecoveryInitiated(s, e)
	case event.TypeGuardianApprovalCollected:
		return r.applyGuardianApprovalCollected(s, e)
	case event.TypeRecoveryShareCommitted:
		return r.applyRecoveryShareCommitted(s, e)
	case event.TypeRecoveryShareSubmitted:
		return r.applyRecoveryShareSubmitted(s, e)
	case event.TypeRecoveryCompleted:
		return r.applyRecoveryCompleted(s, e)
	case event.TypeRecoveryFailed:
		return r.applyRecoveryFailed(s, e)
	case event.TypeSharesMarkedForDeletion:
		return r.applySharesMarkedForDeletion(s, e)
	case event.TypeLockRequested:
		return r.applyLockRequested(s, e)
	case event.TypeLockGranted:
		return r.applyLockGranted(s, e)
	case event.TypeLockReleased:
		return r.applyLockReleased(s, e)
	case event.TypeSessionTimedOut:
		return r.applySessionTimedOut(s, e)
	case event.TypeProtocolFailed:
		return r.applyProtocolFailed(s, e)
	case event.TypeSyncFailed:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVariant, e.Type)
	}
}

func decode[T any](e *event.Event) (*T, error) {
	var p T
	if err := e.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, e.Type, err)
	}
	return &p, nil
}

// foldHash keeps the smallest hash written for a key, which makes
// conflicting writes fold the same way in any order.
func foldHash[K comparable](m map[K]aura.Hash32, k K, v aura.Hash32) {
	if old, ok := m[k]; !ok || v.Less(old) {
		m[k] = v
	}
}

// foldBytes keeps the lexicographically smallest byte value for a key.
func foldBytes[K comparable](m map[K][]byte, k K, v []byte) {
	if old, ok := m[k]; !ok || bytes.Compare(v, old) < 0 {
		m[k] = bytes.Clone(v)
	}
}

func (sess *Session) foldCompleted(epoch uint64) {
	if !sess.Completed || epoch < sess.CompletedAt {
		sess.Completed = true
		sess.CompletedAt = epoch
	}
}

func (sess *Session) foldFailed(epoch uint64, tag, reason string) {
	if !sess.Failed || epoch < sess.FailedAt {
		sess.Failed = true
		sess.FailedAt = epoch
		sess.FailureTag = tag
		sess.FailureReason = reason
	}
}

func (sess *Session) foldTimedOut(at uint64) {
	if !sess.TimedOut || at < sess.TimedOutAt {
		sess.TimedOut = true
		sess.TimedOutAt = at
	}
}

func sessionFor(s *AccountState, sid aura.SessionID, purpose event.ProtocolType) (*Session, error) {
	sess := s.Sessions[sid]
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	if sess.Purpose != purpose {
		return nil, fmt.Errorf("%w: session %s runs %s, event expects %s",
			ErrMalformedEvent, sid, sess.Purpose, purpose)
	}
	return sess, nil
}

func (r *Reducer) applyAccountCreated(s *AccountState, e *event.Event) error {
	if s.Created {
		return fmt.Errorf("%w: %s", ErrAccountExists, s.AccountID)
	}
	p, err := decode[event.AccountCreated](e)
	if err != nil {
		return err
	}
	if err := p.Threshold.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(p.DevicePublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: device public key is %d bytes", ErrMalformedEvent, len(p.DevicePublicKey))
	}
	if p.DeviceID.IsZero() {
		return fmt.Errorf("%w: zero device id", ErrMalformedEvent)
	}
	s.AccountID = e.AccountID
	s.Created = true
	s.DisplayName = p.DisplayName
	s.Threshold = p.Threshold
	s.Devices[p.DeviceID] = &DeviceRecord{
		ID:        p.DeviceID,
		PublicKey: bytes.Clone(p.DevicePublicKey),
		AddedAt:   e.EpochAtWrite,
	}
	return nil
}

func (r *Reducer) applyDeviceAdded(s *AccountState, e *event.Event) error {
	p, err := decode[event.DeviceAdded](e)
	if err != nil {
		return err
	}
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: device public key is %d bytes", ErrMalformedEvent, len(p.PublicKey))
	}
	if p.DeviceID.IsZero() {
		return fmt.Errorf("%w: zero device id", ErrMalformedEvent)
	}
	if s.Devices[p.DeviceID] != nil {
		return fmt.Errorf("%w: %s", ErrDeviceExists, p.DeviceID)
	}
	s.Devices[p.DeviceID] = &DeviceRecord{
		ID:          p.DeviceID,
		PublicKey:   bytes.Clone(p.PublicKey),
		DisplayName: p.DisplayName,
		AddedAt:     e.EpochAtWrite,
	}
	return nil
}

func (r *Reducer) applyDeviceRemoved(s *AccountState, e *event.Event) error {
	p, err := decode[event.DeviceRemoved](e)
	if err != nil {
		return err
	}
	d := s.Devices[p.DeviceID]
	if d == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, p.DeviceID)
	}
	if !d.Removed || e.EpochAtWrite < d.RemovedAt {
		d.Removed = true
		d.RemovedAt = e.EpochAtWrite
	}
	return nil
}

func (r *Reducer) applyGuardianAdded(s *AccountState, e *event.Event) error {
	p, err := decode[event.GuardianAdded](e)
	if err != nil {
		return err
	}
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: guardian public key is %d bytes", ErrMalformedEvent, len(p.PublicKey))
	}
	if p.GuardianID.IsZero() {
		return fmt.Errorf("%w: zero guardian id", ErrMalformedEvent)
	}
	if s.Guardians[p.GuardianID] != nil {
		return fmt.Errorf("%w: %s", ErrGuardianExists, p.GuardianID)
	}
	s.Guardians[p.GuardianID] = &GuardianRecord{
		ID:          p.GuardianID,
		PublicKey:   bytes.Clone(p.PublicKey),
		DisplayName: p.DisplayName,
		AddedAt:     e.EpochAtWrite,
	}
	return nil
}

func (r *Reducer) applyGuardianRemoved(s *AccountState, e *event.Event) error {
	p, err := decode[event.GuardianRemoved](e)
	if err != nil {
		return err
	}
	g := s.Guardians[p.GuardianID]
	if g == nil {
		return fmt.Errorf("%w: %s", ErrGuardianNotFound, p.GuardianID)
	}
	if !g.Removed || e.EpochAtWrite < g.RemovedAt {
		g.Removed = true
		g.RemovedAt = e.EpochAtWrite
	}
	return nil
}

func (r *Reducer) applySnapshotCommitted(s *AccountState, e *event.Event) error {
	p, err := decode[event.SnapshotCommitted](e)
	if err != nil {
		return err
	}
	s.Snapshots = append(s.Snapshots, SnapshotRecord{
		EventID:        e.EventID,
		StateHash:      p.StateHash,
		LastEventIndex: p.LastEventIndex,
		Epoch:          e.EpochAtWrite,
	})
	return nil
}

// applyBudgetRefilled only validates shape. Budget balances are a projection
// maintained by the flow budget ledger, which consumes the same log.
func (r *Reducer) applyBudgetRefilled(s *AccountState, e *event.Event) error {
	_, err := decode[event.BudgetRefilled](e)
	return err
}

func (r *Reducer) applyCapabilityDelegated(s *AccountState, e *event.Event) error {
	p, err := decode[event.CapabilityDelegated](e)
	if err != nil {
		return err
	}
	if len(p.Token) == 0 {
		return fmt.Errorf("%w: empty capability token", ErrMalformedEvent)
	}
	key := event.TokenDigest(p.Token)
	rec := s.Capabilities[key.String()]
	if rec == nil {
		rec = &CapabilityRecord{Digest: key}
		s.Capabilities[key.String()] = rec
	}
	if rec.Token == nil {
		rec.Token = bytes.Clone(p.Token)
		rec.Issuer = p.Issuer
		rec.Subject = p.Subject
		rec.Scope = p.Scope
		rec.DelegatedAt = e.EpochAtWrite
	} else {
		rec.DelegatedAt = min(rec.DelegatedAt, e.EpochAtWrite)
	}
	return nil
}

// applyCapabilityRevoked tombstones by digest. A revocation that lands
// before its delegation creates the tombstone first; the delegation then
// fills in the token without resurrecting the capability.
func (r *Reducer) applyCapabilityRevoked(s *AccountState, e *event.Event) error {
	p, err := decode[event.CapabilityRevoked](e)
	if err != nil {
		return err
	}
	if p.TokenDigest.IsZero() {
		return fmt.Errorf("%w: zero token digest", ErrMalformedEvent)
	}
	rec := s.Capabilities[p.TokenDigest.String()]
	if rec == nil {
		rec = &CapabilityRecord{Digest: p.TokenDigest, Issuer: p.Issuer, Subject: p.Subject, Scope: p.Scope}
		s.Capabilities[p.TokenDigest.String()] = rec
	}
	if !rec.Revoked || e.EpochAtWrite < rec.RevokedAt {
		rec.Revoked = true
		rec.RevokedAt = e.EpochAtWrite
	}
	return nil
}

func validateSessionOpen(s *AccountState, sid aura.SessionID) error {
	if sid.IsZero() {
		return fmt.Errorf("%w: zero session id", ErrMalformedEvent)
	}
	if s.Sessions[sid] != nil {
		return fmt.Errorf("%w: %s", ErrSessionExists, sid)
	}
	return nil
}

func validateParticipants(participants []aura.DeviceID, th aura.Threshold) error {
	if err := th.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(participants) == 0 {
		return fmt.Errorf("%w: no participants", ErrMalformedEvent)
	}
	if int(th.N) != len(participants) {
		return fmt.Errorf("%w: threshold n=%d but %d participants", ErrMalformedEvent, th.N, len(participants))
	}
	seen := make(map[aura.DeviceID]struct{}, len(participants))
	for _, p := range participants {
		if p.IsZero() {
			return fmt.Errorf("%w: zero participant id", ErrMalformedEvent)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate participant %s", ErrMalformedEvent, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

func (r *Reducer) applyDkdInitiated(s *AccountState, e *event.Event) error {
	p, err := decode[event.DkdInitiated](e)
	if err != nil {
		return err
	}
	if err := validateSessionOpen(s, p.SessionID); err != nil {
		return err
	}
	if err := validateParticipants(p.Participants, p.Threshold); err != nil {
		return err
	}
	if p.Context == "" {
		return fmt.Errorf("%w: empty derivation context", ErrMalformedEvent)
	}
	s.Sessions[p.SessionID] = &Session{
		ID:           p.SessionID,
		Purpose:      event.ProtocolDKD,
		Initiator:    e.AuthorKey(),
		Participants: append([]aura.DeviceID(nil), p.Participants...),
		Threshold:    p.Threshold,
		OpenedAt:     e.EpochAtWrite,
		Dkd:          newDkdSession(p.Context, p.ContextNonce),
	}
	return nil
}

func (r *Reducer) applyDkdCommitmentRecorded(s *AccountState, e *event.Event) error {
	p, err := decode[event.DkdCommitmentRecorded](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolDKD)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(p.Participant) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrMalformedEvent, p.Participant, p.SessionID)
	}
	if dev, ok := e.Author(); ok && dev != p.Participant {
		return fmt.Errorf("%w: commitment for %s written by %s", ErrMalformedEvent, p.Participant, dev)
	}
	foldHash(sess.Dkd.Commitments, p.Participant, p.Commitment)
	return nil
}

func (r *Reducer) applyDkdPointRevealed(s *AccountState, e *event.Event) error {
	p, err := decode[event.DkdPointRevealed](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolDKD)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(p.Participant) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrMalformedEvent, p.Participant, p.SessionID)
	}
	if dev, ok := e.Author(); ok && dev != p.Participant {
		return fmt.Errorf("%w: reveal for %s written by %s", ErrMalformedEvent, p.Participant, dev)
	}
	// The participant's own chain orders its commitment before its reveal,
	// so a missing commitment here is a protocol violation, not a race.
	commit, ok := sess.Dkd.Commitments[p.Participant]
	if !ok {
		return fmt.Errorf("%w: reveal from %s without commitment", ErrMalformedEvent, p.Participant)
	}
	if event.CommitDigest(p.Point, p.BlindingNonce) != commit {
		return fmt.Errorf("%w: reveal from %s does not match commitment", ErrInvalidSignature, p.Participant)
	}
	if old, ok := sess.Dkd.Points[p.Participant]; !ok || bytes.Compare(p.Point, old.Point) < 0 {
		sess.Dkd.Points[p.Participant] = &RevealedPoint{
			Point:         bytes.Clone(p.Point),
			BlindingNonce: bytes.Clone(p.BlindingNonce),
		}
	}
	return nil
}

func (r *Reducer) applyDkdFinalized(s *AccountState, e *event.Event) error {
	p, err := decode[event.DkdFinalized](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolDKD)
	if err != nil {
		return err
	}
	if len(p.GroupPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: group public key is %d bytes", ErrMalformedEvent, len(p.GroupPublicKey))
	}
	if sess.Dkd.GroupPublicKey == nil || bytes.Compare(p.GroupPublicKey, sess.Dkd.GroupPublicKey) < 0 {
		sess.Dkd.GroupPublicKey = bytes.Clone(p.GroupPublicKey)
	}
	mergeDerivedKey(s, &DerivedKey{
		Context:        sess.Dkd.Context,
		SessionID:      sess.ID,
		GroupPublicKey: bytes.Clone(p.GroupPublicKey),
		FinalizedAt:    e.EpochAtWrite,
	})
	sess.foldCompleted(e.EpochAtWrite)
	return nil
}

// mergeDerivedKey keeps one key per context. Conflicting finalizations fold
// to the one with the smallest session id so every replica picks the same
// winner.
func mergeDerivedKey(s *AccountState, k *DerivedKey) {
	old, ok := s.DerivedKeys[k.Context]
	if !ok || k.SessionID.String() < old.SessionID.String() {
		s.DerivedKeys[k.Context] = k
	}
}

func (r *Reducer) applySigningInitiated(s *AccountState, e *event.Event) error {
	p, err := decode[event.SigningInitiated](e)
	if err != nil {
		return err
	}
	if err := validateSessionOpen(s, p.SessionID); err != nil {
		return err
	}
	if len(p.Participants) == 0 {
		return fmt.Errorf("%w: no participants", ErrMalformedEvent)
	}
	if p.MessageDigest.IsZero() {
		return fmt.Errorf("%w: zero message digest", ErrMalformedEvent)
	}
	s.Sessions[p.SessionID] = &Session{
		ID:           p.SessionID,
		Purpose:      event.ProtocolSigning,
		Initiator:    e.AuthorKey(),
		Participants: append([]aura.DeviceID(nil), p.Participants...),
		OpenedAt:     e.EpochAtWrite,
		Signing:      newSigningSession(p.MessageDigest),
	}
	return nil
}

func (r *Reducer) applySignatureShareRecorded(s *AccountState, e *event.Event) error {
	p, err := decode[event.SignatureShareRecorded](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolSigning)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(p.Participant) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrMalformedEvent, p.Participant, p.SessionID)
	}
	if dev, ok := e.Author(); ok && dev != p.Participant {
		return fmt.Errorf("%w: share for %s written by %s", ErrMalformedEvent, p.Participant, dev)
	}
	if len(p.Share) == 0 {
		return fmt.Errorf("%w: empty signature share", ErrMalformedEvent)
	}
	foldBytes(sess.Signing.Shares, p.Participant, p.Share)
	return nil
}

func (r *Reducer) applySigningFinalized(s *AccountState, e *event.Event) error {
	p, err := decode[event.SigningFinalized](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolSigning)
	if err != nil {
		return err
	}
	group := s.GroupPublicKey()
	if group == nil {
		return ErrNoGroupKey
	}
	if !s.Threshold.Met(int(p.SignerCount)) {
		return fmt.Errorf("%w: %d signers, need %d", ErrThresholdNotMet, p.SignerCount, s.Threshold.M)
	}
	if !ed25519.Verify(ed25519.PublicKey(group), sess.Signing.MessageDigest[:], p.Signature) {
		return fmt.Errorf("%w: aggregate signature does not verify", ErrInvalidSignature)
	}
	if sess.Signing.Signature == nil || bytes.Compare(p.Signature, sess.Signing.Signature) < 0 {
		sess.Signing.Signature = bytes.Clone(p.Signature)
		sess.Signing.SignerCount = p.SignerCount
	}
	sess.foldCompleted(e.EpochAtWrite)
	return nil
}

func (r *Reducer) applyResharingInitiated(s *AccountState, e *event.Event) error {
	p, err := decode[event.ResharingInitiated](e)
	if err != nil {
		return err
	}
	if err := validateSessionOpen(s, p.SessionID); err != nil {
		return err
	}
	if err := validateParticipants(p.NewParticipants, p.NewThreshold); err != nil {
		return err
	}
	s.Sessions[p.SessionID] = &Session{
		ID:           p.SessionID,
		Purpose:      event.ProtocolResharing,
		Initiator:    e.AuthorKey(),
		Participants: append([]aura.DeviceID(nil), p.NewParticipants...),
		Threshold:    p.NewThreshold,
		OpenedAt:     e.EpochAtWrite,
		Resharing:    newResharingSession(p),
	}
	return nil
}

func (r *Reducer) applyResharingSubShareRecorded(s *AccountState, e *event.Event) error {
	p, err := decode[event.ResharingSubShareRecorded](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolResharing)
	if err != nil {
		return err
	}
	if !sess.Resharing.hasNewParticipant(p.To) {
		return fmt.Errorf("%w: sub-share for %s, not a new participant", ErrMalformedEvent, p.To)
	}
	if dev, ok := e.Author(); ok && dev != p.From {
		return fmt.Errorf("%w: sub-share from %s written by %s", ErrMalformedEvent, p.From, dev)
	}
	if len(p.SealedSubShare) == 0 {
		return fmt.Errorf("%w: empty sub-share", ErrMalformedEvent)
	}
	foldBytes(sess.Resharing.SubShares, subShareKey(p.From, p.To), p.SealedSubShare)
	return nil
}

func (r *Reducer) applyResharingAckRecorded(s *AccountState, e *event.Event) error {
	p, err := decode[event.ResharingAckRecorded](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolResharing)
	if err != nil {
		return err
	}
	if !sess.Resharing.hasNewParticipant(p.Participant) {
		return fmt.Errorf("%w: ack from %s, not a new participant", ErrMalformedEvent, p.Participant)
	}
	if dev, ok := e.Author(); ok && dev != p.Participant {
		return fmt.Errorf("%w: ack for %s written by %s", ErrMalformedEvent, p.Participant, dev)
	}
	sess.Resharing.Acks[p.Participant] = true
	return nil
}

// applyResharingFinalized rotates the share epoch and, when the winning
// finalization carries a higher epoch, the account threshold. Old shares
// become unusable once KeyShareEpoch moves.
func (r *Reducer) applyResharingFinalized(s *AccountState, e *event.Event) error {
	p, err := decode[event.ResharingFinalized](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolResharing)
	if err != nil {
		return err
	}
	if err := p.NewThreshold.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.KeyShareEpoch >= s.KeyShareEpoch {
		s.KeyShareEpoch = p.KeyShareEpoch
		s.Threshold = p.NewThreshold
	}
	if sess.Resharing.KeyShareEpoch < p.KeyShareEpoch {
		sess.Resharing.KeyShareEpoch = p.KeyShareEpoch
	}
	sess.foldCompleted(e.EpochAtWrite)
	return nil
}

func (r *Reducer) applyRecoveryInitiated(s *AccountState, e *event.Event) error {
	p, err := decode[event.RecoveryInitiated](e)
	if err != nil {
		return err
	}
	if err := validateSessionOpen(s, p.SessionID); err != nil {
		return err
	}
	if err := p.GuardianThreshold.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(p.NewDevicePublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: new device public key is %d bytes", ErrMalformedEvent, len(p.NewDevicePublicKey))
	}
	if p.NewDevice.IsZero() || p.NewDevice == p.LostDevice {
		return fmt.Errorf("%w: recovery device ids", ErrMalformedEvent)
	}
	s.Sessions[p.SessionID] = &Session{
		ID:        p.SessionID,
		Purpose:   event.ProtocolRecovery,
		Initiator: e.AuthorKey(),
		Threshold: p.GuardianThreshold,
		OpenedAt:  e.EpochAtWrite,
		Recovery:  newRecoverySession(p),
	}
	return nil
}

func (r *Reducer) guardianForRecovery(s *AccountState, sid aura.SessionID, g aura.GuardianID) (*Session, error) {
	sess, err := sessionFor(s, sid, event.ProtocolRecovery)
	if err != nil {
		return nil, err
	}
	if s.Guardians[g] == nil {
		return nil, fmt.Errorf("%w: %s", ErrGuardianNotFound, g)
	}
	return sess, nil
}

func (r *Reducer) applyGuardianApprovalCollected(s *AccountState, e *event.Event) error {
	p, err := decode[event.GuardianApprovalCollected](e)
	if err != nil {
		return err
	}
	sess, err := r.guardianForRecovery(s, p.SessionID, p.Guardian)
	if err != nil {
		return err
	}
	sess.Recovery.Approvals[p.Guardian] = true
	return nil
}

func (r *Reducer) applyRecoveryShareCommitted(s *AccountState, e *event.Event) error {
	p, err := decode[event.RecoveryShareCommitted](e)
	if err != nil {
		return err
	}
	sess, err := r.guardianForRecovery(s, p.SessionID, p.Guardian)
	if err != nil {
		return err
	}
	foldHash(sess.Recovery.Commitments, p.Guardian, p.Commitment)
	return nil
}

func (r *Reducer) applyRecoveryShareSubmitted(s *AccountState, e *event.Event) error {
	p, err := decode[event.RecoveryShareSubmitted](e)
	if err != nil {
		return err
	}
	sess, err := r.guardianForRecovery(s, p.SessionID, p.Guardian)
	if err != nil {
		return err
	}
	commit, ok := sess.Recovery.Commitments[p.Guardian]
	if !ok {
		return fmt.Errorf("%w: share from %s without commitment", ErrMalformedEvent, p.Guardian)
	}
	if event.CommitDigest(p.SealedShare, p.RevealNonce) != commit {
		return fmt.Errorf("%w: share from %s does not match commitment", ErrInvalidSignature, p.Guardian)
	}
	if old, ok := sess.Recovery.Shares[p.Guardian]; !ok || bytes.Compare(p.SealedShare, old.SealedShare) < 0 {
		sess.Recovery.Shares[p.Guardian] = &SubmittedShare{
			SealedShare: bytes.Clone(p.SealedShare),
			RevealNonce: bytes.Clone(p.RevealNonce),
		}
	}
	return nil
}

func (r *Reducer) applyRecoveryCompleted(s *AccountState, e *event.Event) error {
	p, err := decode[event.RecoveryCompleted](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolRecovery)
	if err != nil {
		return err
	}
	rec := sess.Recovery
	if p.NewDevice != rec.NewDevice || !bytes.Equal(p.NewDevicePublicKey, rec.NewDevicePublicKey) {
		return fmt.Errorf("%w: completion names a different device than the session", ErrMalformedEvent)
	}
	if !rec.GuardianThreshold.Met(rec.ApprovalCount()) {
		return fmt.Errorf("%w: %d guardian approvals, need %d",
			ErrThresholdNotMet, rec.ApprovalCount(), rec.GuardianThreshold.M)
	}
	if s.Devices[rec.NewDevice] == nil {
		s.Devices[rec.NewDevice] = &DeviceRecord{
			ID:        rec.NewDevice,
			PublicKey: bytes.Clone(rec.NewDevicePublicKey),
			AddedAt:   e.EpochAtWrite,
		}
	}
	if lost := s.Devices[rec.LostDevice]; lost != nil {
		if !lost.Removed || e.EpochAtWrite < lost.RemovedAt {
			lost.Removed = true
			lost.RemovedAt = e.EpochAtWrite
		}
	}
	s.LastRecoveryEpoch = max(s.LastRecoveryEpoch, e.EpochAtWrite)
	sess.foldCompleted(e.EpochAtWrite)
	return nil
}

func (r *Reducer) applyRecoveryFailed(s *AccountState, e *event.Event) error {
	p, err := decode[event.RecoveryFailed](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolRecovery)
	if err != nil {
		return err
	}
	sess.foldFailed(e.EpochAtWrite, p.Tag, p.Reason)
	return nil
}

func (r *Reducer) applySharesMarkedForDeletion(s *AccountState, e *event.Event) error {
	p, err := decode[event.SharesMarkedForDeletion](e)
	if err != nil {
		return err
	}
	if s.Sessions[p.SessionID] == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, p.SessionID)
	}
	mark := &ShareDeletion{SessionID: p.SessionID, MarkedAt: e.EpochAtWrite, TTLEpochs: p.TTLEpochs}
	old := s.ShareDeletions[p.SessionID]
	if old == nil || mark.DueAt() < old.DueAt() || (mark.DueAt() == old.DueAt() && mark.MarkedAt < old.MarkedAt) {
		s.ShareDeletions[p.SessionID] = mark
	}
	return nil
}

// applyLockRequested creates the shared arbitration session on first use.
// There is no separate open event: every contender writes a request carrying
// the deterministic session id for the operation and context.
func (r *Reducer) applyLockRequested(s *AccountState, e *event.Event) error {
	p, err := decode[event.LockRequested](e)
	if err != nil {
		return err
	}
	if p.SessionID.IsZero() {
		return fmt.Errorf("%w: zero session id", ErrMalformedEvent)
	}
	dev, ok := e.Author()
	if !ok {
		return fmt.Errorf("%w: lock request without device author", ErrMalformedEvent)
	}
	var parent aura.Hash32
	if e.ParentHash != nil {
		parent = *e.ParentHash
	}
	if event.LotteryTicket(dev, parent) != p.Ticket {
		return fmt.Errorf("%w: ticket does not derive from the author's chain head", ErrInvalidSignature)
	}
	sess := s.Sessions[p.SessionID]
	if sess == nil {
		sess = &Session{
			ID:       p.SessionID,
			Purpose:  event.ProtocolLockAcquisition,
			OpenedAt: e.EpochAtWrite,
			Lock:     newLockSession(p.Operation, p.ContextID),
		}
		s.Sessions[p.SessionID] = sess
	} else {
		if sess.Purpose != event.ProtocolLockAcquisition {
			return fmt.Errorf("%w: session %s runs %s, event expects %s",
				ErrMalformedEvent, p.SessionID, sess.Purpose, event.ProtocolLockAcquisition)
		}
		if sess.Lock.Operation != p.Operation || sess.Lock.ContextID != p.ContextID {
			return fmt.Errorf("%w: lock request names a different operation", ErrMalformedEvent)
		}
		sess.OpenedAt = min(sess.OpenedAt, e.EpochAtWrite)
	}
	foldHash(sess.Lock.Tickets, dev, p.Ticket)
	return nil
}

func (r *Reducer) applyLockGranted(s *AccountState, e *event.Event) error {
	p, err := decode[event.LockGranted](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolLockAcquisition)
	if err != nil {
		return err
	}
	if p.Winner.IsZero() {
		return fmt.Errorf("%w: zero winner", ErrMalformedEvent)
	}
	if !sess.Lock.Granted || p.Winner.String() < sess.Lock.Winner.String() {
		sess.Lock.Granted = true
		sess.Lock.Winner = p.Winner
	}
	return nil
}

func (r *Reducer) applyLockReleased(s *AccountState, e *event.Event) error {
	p, err := decode[event.LockReleased](e)
	if err != nil {
		return err
	}
	sess, err := sessionFor(s, p.SessionID, event.ProtocolLockAcquisition)
	if err != nil {
		return err
	}
	sess.Lock.Released = true
	sess.foldCompleted(e.EpochAtWrite)
	return nil
}

func (r *Reducer) applySessionTimedOut(s *AccountState, e *event.Event) error {
	p, err := decode[event.SessionTimedOut](e)
	if err != nil {
		return err
	}
	sess := s.Sessions[p.SessionID]
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, p.SessionID)
	}
	sess.foldTimedOut(p.AtEpoch)
	return nil
}

func (r *Reducer) applyProtocolFailed(s *AccountState, e *event.Event) error {
	p, err := decode[event.ProtocolFailed](e)
	if err != nil {
		return err
	}
	sess := s.Sessions[p.SessionID]
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, p.SessionID)
	}
	sess.foldFailed(e.EpochAtWrite, p.Tag, p.Reason)
	return nil
}
