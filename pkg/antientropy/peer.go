package antientropy

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/guard"
)

// Hello identifies a peer and the agent version it runs. Exchanged before
// any reconciliation traffic.
type Hello struct {
	Peer  aura.PeerID `json:"peer_id"`
	Agent string      `json:"agent_version"`
}

// PeerClient is the outbound half of the sync protocol. The transport
// package provides TCP and in-memory implementations; every call except
// Hello carries the guard receipt that authorized it.
type PeerClient interface {
	Hello(ctx context.Context) (Hello, error)
	Digest(ctx context.Context, receipt *guard.Receipt) (Digest, error)
	FetchEvents(ctx context.Context, receipt *guard.Receipt, ids []aura.Hash32) ([]*event.Event, error)
	PushEvents(ctx context.Context, receipt *guard.Receipt, events []*event.Event) error
	Announce(ctx context.Context, receipt *guard.Receipt, id aura.Hash32) error
}

// Peer is one registered sync partner.
type Peer struct {
	ID     aura.PeerID
	Client PeerClient
}

// IncompatiblePeerError reports a peer whose agent version falls outside
// the compatibility constraint. The peer is skipped, not failed.
type IncompatiblePeerError struct {
	Peer       aura.PeerID
	Agent      string
	Constraint string
}

func (e *IncompatiblePeerError) Error() string {
	return fmt.Sprintf("peer %s runs agent %s outside constraint %s", e.Peer, e.Agent, e.Constraint)
}

// checkCompat parses the peer's announced version against the constraint.
// An unparseable version is incompatible, not an infrastructure error.
func checkCompat(peer aura.PeerID, agent string, compat *semver.Constraints) error {
	v, err := semver.NewVersion(agent)
	if err != nil || !compat.Check(v) {
		return &IncompatiblePeerError{Peer: peer, Agent: agent, Constraint: compat.String()}
	}
	return nil
}
