package antientropy

import (
	"context"
	"fmt"
	"time"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/guard"
)

// SyncMetrics summarizes one reconciliation round with one peer.
type SyncMetrics struct {
	Peer     aura.PeerID
	Pushed   int
	Pulled   int
	Dropped  int
	Bytes    int
	Duration time.Duration
}

// BroadcastResult separates the peers an announcement reached from the
// peers it did not, with the per-peer cause.
type BroadcastResult struct {
	Delivered []aura.PeerID
	Failed    map[aura.PeerID]error
}

// SyncWithPeer runs one reconciliation round: hello, digest exchange,
// guarded pushes of the local surplus, one guarded pull of the remote
// surplus, merge. The returned metrics are valid even when err is set;
// they describe the progress made before the failure.
func (s *Synchronizer) SyncWithPeer(ctx context.Context, p *Peer) (*SyncMetrics, error) {
	start := s.clock.Now()
	m := &SyncMetrics{Peer: p.ID}
	defer func() { m.Duration = s.clock.Now().Sub(start) }()

	hello, err := p.Client.Hello(ctx)
	if err != nil {
		return m, fmt.Errorf("hello %s: %w", p.ID, err)
	}
	if err := checkCompat(p.ID, hello.Agent, s.compat); err != nil {
		return m, err
	}

	receipt, err := s.authorize(ctx, guard.OpRequestDigest, CostRequestDigest, p.ID)
	if err != nil {
		return m, fmt.Errorf("digest authorization %s: %w", p.ID, err)
	}
	remote, err := p.Client.Digest(ctx, receipt)
	if err != nil {
		return m, fmt.Errorf("digest exchange %s: %w", p.ID, err)
	}
	local := s.LocalDigest()

	if err := s.pushMissing(ctx, p, local.Missing(remote), m); err != nil {
		return m, err
	}
	if err := s.pullMissing(ctx, p, remote.Missing(local), m); err != nil {
		return m, err
	}
	s.logger.Debug("sync round complete",
		"peer", p.ID.String(),
		"pushed", m.Pushed,
		"pulled", m.Pulled,
		"dropped", m.Dropped,
		"bytes", m.Bytes)
	return m, nil
}

// pushMissing sends the local surplus one event at a time, each under its
// own charge. Identifiers only known through a snapshot have no event body
// to send; the peer recovers those from a snapshot exchange, not from sync.
func (s *Synchronizer) pushMissing(ctx context.Context, p *Peer, ids []aura.Hash32, m *SyncMetrics) error {
	for _, id := range ids {
		e, err := s.ledger.Get(id)
		if err != nil {
			s.logger.Debug("push candidate covered by snapshot", "event", id.String())
			continue
		}
		receipt, err := s.authorize(ctx, guard.OpPushOp, CostPushOp, p.ID)
		if err != nil {
			return fmt.Errorf("push authorization %s: %w", p.ID, err)
		}
		if err := p.Client.PushEvents(ctx, receipt, []*event.Event{e}); err != nil {
			return fmt.Errorf("push %s to %s: %w", id, p.ID, err)
		}
		m.Pushed++
		if enc, err := event.Encode(e); err == nil {
			m.Bytes += len(enc)
		}
	}
	return nil
}

// pullMissing fetches the remote surplus in one request and merges it.
// Events that fail admission are dropped and logged; a corrupt peer must
// not stall the round.
func (s *Synchronizer) pullMissing(ctx context.Context, p *Peer, ids []aura.Hash32, m *SyncMetrics) error {
	if len(ids) == 0 {
		return nil
	}
	receipt, err := s.authorize(ctx, guard.OpRequestOps, CostRequestOps, p.ID)
	if err != nil {
		return fmt.Errorf("pull authorization %s: %w", p.ID, err)
	}
	events, err := p.Client.FetchEvents(ctx, receipt, ids)
	if err != nil {
		return fmt.Errorf("pull from %s: %w", p.ID, err)
	}
	for _, e := range events {
		if enc, err := event.Encode(e); err == nil {
			m.Bytes += len(enc)
		}
	}
	accepted, rejected := s.ledger.Merge(events)
	m.Pulled += accepted
	m.Dropped += len(rejected)
	for _, r := range rejected {
		s.logger.Warn("pulled event dropped",
			"peer", p.ID.String(),
			"event", r.EventID.String(),
			"type", string(r.Type),
			"error", r.Err.Error())
	}
	if accepted > 0 {
		s.time.NotifyEventsAvailable()
	}
	return nil
}

// The handlers below are the inbound half, dispatched by the transport
// server after receipt and schema checks.

// HelloInfo answers a HELLO with this agent's identity.
func (s *Synchronizer) HelloInfo(self aura.PeerID) Hello {
	return Hello{Peer: self, Agent: s.agent.String()}
}

// LocalDigest computes the digest of the local ledger.
func (s *Synchronizer) LocalDigest() Digest {
	return NewDigest(s.ledger.IDs())
}

// EventsByID resolves the requested identifiers. Unknown or
// snapshot-covered identifiers are silently omitted.
func (s *Synchronizer) EventsByID(ids []aura.Hash32) []*event.Event {
	out := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		if e, err := s.ledger.Get(id); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// AcceptEvents merges pushed events into the local ledger, dropping and
// logging failures, and wakes suspended coroutines when anything landed.
func (s *Synchronizer) AcceptEvents(from aura.PeerID, events []*event.Event) (accepted int) {
	accepted, rejected := s.ledger.Merge(events)
	for _, r := range rejected {
		s.logger.Warn("pushed event dropped",
			"peer", from.String(),
			"event", r.EventID.String(),
			"type", string(r.Type),
			"error", r.Err.Error())
	}
	if accepted > 0 {
		s.time.NotifyEventsAvailable()
	}
	return accepted
}

// HandleAnnounce reacts to a peer's announce with a targeted pull of that
// single identifier, skipping the full digest exchange.
func (s *Synchronizer) HandleAnnounce(ctx context.Context, from aura.PeerID, id aura.Hash32) error {
	if s.ledger.Contains(id) {
		return nil
	}
	p, ok := s.peer(from)
	if !ok {
		s.logger.Debug("announce from unregistered peer", "peer", from.String())
		return nil
	}
	m := &SyncMetrics{Peer: from}
	return s.pullMissing(ctx, p, []aura.Hash32{id}, m)
}
