package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/aura-net/aura/pkg/antientropy"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/guard"
)

// DefaultCallTimeout bounds one request-reply exchange.
const DefaultCallTimeout = 10 * time.Second

// Client speaks the sync protocol to one peer over a managed
// connection. It implements antientropy.PeerClient; a transport error
// tears down the cached connection so the next call redials.
type Client struct {
	manager ConnectionManager
	peer    aura.PeerID
	self    aura.PeerID
	account aura.AccountID
	agent   string
	timeout time.Duration
}

func NewClient(m ConnectionManager, self, peer aura.PeerID, account aura.AccountID, agent string) *Client {
	return &Client{
		manager: m,
		peer:    peer,
		self:    self,
		account: account,
		agent:   agent,
		timeout: DefaultCallTimeout,
	}
}

func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) Hello(ctx context.Context) (antientropy.Hello, error) {
	reply, err := c.call(ctx, KindHello, nil, HelloBody{Peer: c.self, Agent: c.agent}, KindHello)
	if err != nil {
		return antientropy.Hello{}, err
	}
	var body HelloBody
	if err := reply.DecodeBody(&body); err != nil {
		return antientropy.Hello{}, err
	}
	return helloFromBody(body), nil
}

func (c *Client) Digest(ctx context.Context, receipt *guard.Receipt) (antientropy.Digest, error) {
	reply, err := c.call(ctx, KindRequestDigest, receipt, RequestDigestBody{}, KindDigest)
	if err != nil {
		return antientropy.Digest{}, err
	}
	var body DigestBody
	if err := reply.DecodeBody(&body); err != nil {
		return antientropy.Digest{}, err
	}
	return antientropy.NewDigest(body.IDs), nil
}

func (c *Client) FetchEvents(ctx context.Context, receipt *guard.Receipt, ids []aura.Hash32) ([]*event.Event, error) {
	reply, err := c.call(ctx, KindRequestOps, receipt, RequestOpsBody{IDs: ids}, KindOps)
	if err != nil {
		return nil, err
	}
	var body OpsBody
	if err := reply.DecodeBody(&body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

func (c *Client) PushEvents(ctx context.Context, receipt *guard.Receipt, events []*event.Event) error {
	reply, err := c.call(ctx, KindPushOps, receipt, PushOpsBody{Events: events}, KindAck)
	if err != nil {
		return err
	}
	// The ack count is informational. Events the receiver dropped show
	// up in its own rejection log, not as a sender error.
	var body AckBody
	return reply.DecodeBody(&body)
}

func (c *Client) Announce(ctx context.Context, receipt *guard.Receipt, id aura.Hash32) error {
	_, err := c.call(ctx, KindAnnounce, receipt, AnnounceBody{ID: id}, "")
	return err
}

// call sends one envelope and, when wantReply is set, awaits the typed
// reply within the client timeout.
func (c *Client) call(ctx context.Context, kind Kind, receipt *guard.Receipt, body any, wantReply Kind) (*Envelope, error) {
	env, err := NewEnvelope(kind, c.account, c.self, receipt, body)
	if err != nil {
		return nil, err
	}
	conn, err := c.manager.Connect(ctx, c.peer)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(env); err != nil {
		c.manager.Disconnect(c.peer)
		return nil, err
	}
	if wantReply == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	reply, _, err := conn.Receive(ctx)
	if err != nil {
		c.manager.Disconnect(c.peer)
		return nil, err
	}
	if reply.Kind != wantReply {
		c.manager.Disconnect(c.peer)
		return nil, fmt.Errorf("peer %s answered %s with %s", c.peer, kind, reply.Kind)
	}
	return reply, nil
}
