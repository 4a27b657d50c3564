// Package antientropy reconciles ledgers between peers. Reconciliation is
// digest-based: peers exchange the set of event identifiers they hold and
// transfer only the symmetric difference. Every outbound message passes the
// guard chain first; denials on one peer never block another.
package antientropy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/time/rate"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/guard"
	"github.com/aura-net/aura/pkg/ledger"
)

// Flow-budget costs per message class. Pushes charge per event so a large
// backlog drains headroom proportionally; digests and announces are flat.
const (
	CostRequestDigest int64 = 2
	CostRequestOps    int64 = 2
	CostPushOp        int64 = 1
	CostAnnounceOp    int64 = 1
)

// DefaultInterval is the base period of the background sync loop before
// jitter is applied.
const DefaultInterval = 30 * time.Second

// DefaultCompat accepts peers on the same major version.
const DefaultCompat = "^1"

// CredentialSource supplies the capability token attached to guard
// requests. Implementations typically cache a token from the issuer and
// refresh it before expiry.
type CredentialSource interface {
	Credential() (string, error)
}

// StaticCredential is a CredentialSource for a fixed token.
type StaticCredential string

func (s StaticCredential) Credential() (string, error) { return string(s), nil }

// Config carries the synchronizer's identity and pacing knobs.
type Config struct {
	Authority aura.AuthorityID
	Context   aura.ContextID
	Agent     string // announced semver, for example "1.4.0"
	Compat    string // acceptance constraint, default DefaultCompat
	Interval  time.Duration

	// Announce fast-path pacing. Zero values mean 1 announce burst per
	// second with a burst of 4.
	AnnouncePerSecond float64
	AnnounceBurst     int
}

// Synchronizer drives reconciliation for one device: a background loop on
// a jittered interval, an announce fast path on local appends, and the
// server-side handlers the transport dispatches inbound messages to.
type Synchronizer struct {
	ledger     *ledger.Ledger
	writer     *ledger.Writer
	gate       *guard.Gate
	time       effects.TimeSource
	clock      effects.Clock
	rand       effects.Rand
	creds      CredentialSource
	authority  aura.AuthorityID
	contextID  aura.ContextID
	agent      *semver.Version
	compat     *semver.Constraints
	interval   time.Duration
	announceRL *rate.Limiter
	logger     *slog.Logger

	mu    sync.RWMutex
	peers map[aura.PeerID]*Peer
}

func New(led *ledger.Ledger, w *ledger.Writer, gate *guard.Gate, ts effects.TimeSource,
	clock effects.Clock, rnd effects.Rand, creds CredentialSource, cfg Config) (*Synchronizer, error) {
	agent, err := semver.NewVersion(cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("agent version %q: %w", cfg.Agent, err)
	}
	compatExpr := cfg.Compat
	if compatExpr == "" {
		compatExpr = DefaultCompat
	}
	compat, err := semver.NewConstraint(compatExpr)
	if err != nil {
		return nil, fmt.Errorf("compat constraint %q: %w", compatExpr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	perSec := cfg.AnnouncePerSecond
	if perSec <= 0 {
		perSec = 1
	}
	burst := cfg.AnnounceBurst
	if burst <= 0 {
		burst = 4
	}
	return &Synchronizer{
		ledger:     led,
		writer:     w,
		gate:       gate,
		time:       ts,
		clock:      clock,
		rand:       rnd,
		creds:      creds,
		authority:  cfg.Authority,
		contextID:  cfg.Context,
		agent:      agent,
		compat:     compat,
		interval:   interval,
		announceRL: rate.NewLimiter(rate.Limit(perSec), burst),
		logger:     slog.Default().With("component", "antientropy"),
		peers:      make(map[aura.PeerID]*Peer),
	}, nil
}

// WithLogger replaces the synchronizer's logger.
func (s *Synchronizer) WithLogger(l *slog.Logger) *Synchronizer {
	s.logger = l
	return s
}

// AddPeer registers a sync partner. Re-adding an id replaces its client.
func (s *Synchronizer) AddPeer(p *Peer) {
	s.mu.Lock()
	s.peers[p.ID] = p
	s.mu.Unlock()
}

// RemovePeer drops a partner from the fan-out set.
func (s *Synchronizer) RemovePeer(id aura.PeerID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

// Peers snapshots the registered partners.
func (s *Synchronizer) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Synchronizer) peer(id aura.PeerID) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Run is the background loop: a full reconciliation pass against every
// peer on a jittered interval, and a rate-limited announce whenever the
// local ledger grows. Returns when ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	grew, cancel := s.ledger.Subscribe()
	defer cancel()

	cursor := s.ledger.NextIndex()
	timer := time.NewTimer(s.jittered())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.SyncAll(ctx)
			timer.Reset(s.jittered())
		case <-grew:
			cursor = s.announceSince(ctx, cursor)
		}
	}
}

// jittered spreads sync rounds over [3/4, 5/4] of the interval so a fleet
// sharing a boot time does not thunder in lockstep.
func (s *Synchronizer) jittered() time.Duration {
	half := int(s.interval / 2)
	return s.interval - s.interval/4 + time.Duration(s.rand.Intn(half+1))
}

// SyncAll reconciles with every registered peer and returns the per-peer
// metrics. Peer failures are contained; they surface in the metrics only.
func (s *Synchronizer) SyncAll(ctx context.Context) []*SyncMetrics {
	out := make([]*SyncMetrics, 0, len(s.peers))
	for _, p := range s.Peers() {
		m, err := s.SyncWithPeer(ctx, p)
		if err != nil {
			s.reportFailure(p.ID, err)
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// announceSince fans the identifiers of freshly appended events out to
// every peer, subject to the rate limiter, and returns the new cursor.
func (s *Synchronizer) announceSince(ctx context.Context, cursor uint64) uint64 {
	fresh, err := s.ledger.EventsSince(cursor)
	if err != nil {
		s.logger.Warn("announce scan failed", "error", err.Error())
		return cursor
	}
	for _, e := range fresh {
		if e.Authorization.Kind == event.AuthInternalLifecycle {
			continue
		}
		if !s.announceRL.Allow() {
			break
		}
		s.Announce(ctx, e.EventID)
	}
	return cursor + uint64(len(fresh))
}

// Announce offers one event identifier to every peer. Each send is
// independently guarded; the result separates deliveries from failures.
func (s *Synchronizer) Announce(ctx context.Context, id aura.Hash32) BroadcastResult {
	res := BroadcastResult{Failed: make(map[aura.PeerID]error)}
	for _, p := range s.Peers() {
		receipt, err := s.authorize(ctx, guard.OpAnnounceOp, CostAnnounceOp, p.ID)
		if err == nil {
			err = p.Client.Announce(ctx, receipt, id)
		}
		if err != nil {
			res.Failed[p.ID] = err
			s.logger.Debug("announce failed", "peer", p.ID.String(), "error", err.Error())
			continue
		}
		res.Delivered = append(res.Delivered, p.ID)
	}
	return res
}

func (s *Synchronizer) authorize(ctx context.Context, op guard.Operation, cost int64, peer aura.PeerID) (*guard.Receipt, error) {
	cred, err := s.creds.Credential()
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", op, err)
	}
	return s.gate.Authorize(ctx, &guard.Request{
		Authority:  s.authority,
		Operation:  op,
		Cost:       cost,
		Context:    s.contextID,
		Peer:       peer,
		Credential: cred,
	})
}

// reportFailure records the sync failure as an internal lifecycle event so
// operators can audit flaky peers from the ledger itself. Incompatible
// peers are skipped silently; version skew during a rollout is not a fault.
func (s *Synchronizer) reportFailure(peer aura.PeerID, cause error) {
	var incompat *IncompatiblePeerError
	if errors.As(cause, &incompat) {
		s.logger.Info("peer skipped", "peer", peer.String(), "agent", incompat.Agent)
		return
	}
	s.logger.Warn("sync failed", "peer", peer.String(), "error", cause.Error())
	if s.writer == nil {
		return
	}
	_, err := s.writer.WriteLifecycle(s.time.CurrentEpoch(), event.TypeSyncFailed, event.SyncFailed{
		Peer:   peer,
		Tag:    failureTag(cause),
		Reason: cause.Error(),
	})
	if err != nil {
		s.logger.Warn("sync failure not recorded", "peer", peer.String(), "error", err.Error())
	}
}

func failureTag(err error) string {
	var denied *guard.AuthorizationDeniedError
	switch {
	case errors.As(err, &denied):
		return "denied"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
