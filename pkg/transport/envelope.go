// Package transport moves wire envelopes between peers: a TCP transport
// with length-prefixed framing for production and a paired in-memory
// transport for tests and simulation. The request-reply protocol on top
// implements the synchronizer's peer client; inbound traffic is validated
// against the wire schemas and the receipt replay window before dispatch.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/aura-net/aura/pkg/antientropy"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/guard"
)

// Kind tags a wire message.
type Kind string

const (
	KindHello         Kind = "HELLO"
	KindRequestDigest Kind = "REQUEST_DIGEST"
	KindDigest        Kind = "DIGEST"
	KindRequestOps    Kind = "REQUEST_OPS"
	KindOps           Kind = "OPS"
	KindPushOps       Kind = "PUSH_OPS"
	KindAck           Kind = "ACK"
	KindAnnounce      Kind = "ANNOUNCE"
)

// guardedKinds are the request kinds that must carry a receipt.
var guardedKinds = map[Kind]bool{
	KindRequestDigest: true,
	KindRequestOps:    true,
	KindPushOps:       true,
	KindAnnounce:      true,
}

// Guarded reports whether messages of this kind require a receipt.
func (k Kind) Guarded() bool { return guardedKinds[k] }

// Envelope is one wire message. The body is canonical JSON typed by Kind;
// guarded kinds carry the receipt that authorized the send.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Account aura.AccountID  `json:"account_id"`
	From    aura.PeerID     `json:"from"`
	Receipt *guard.Receipt  `json:"receipt,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// Message bodies, one per kind.

type HelloBody struct {
	Peer  aura.PeerID `json:"peer_id"`
	Agent string      `json:"agent_version"`
}

type RequestDigestBody struct{}

type DigestBody struct {
	IDs []aura.Hash32 `json:"ids"`
}

type RequestOpsBody struct {
	IDs []aura.Hash32 `json:"ids"`
}

type OpsBody struct {
	Events []*event.Event `json:"events"`
}

type PushOpsBody struct {
	Events []*event.Event `json:"events"`
}

type AckBody struct {
	Accepted int `json:"accepted"`
}

type AnnounceBody struct {
	ID aura.Hash32 `json:"id"`
}

var ErrShortFrame = errors.New("transport: short frame")

// NewEnvelope builds an envelope with a canonical JSON body.
func NewEnvelope(kind Kind, account aura.AccountID, from aura.PeerID, receipt *guard.Receipt, body any) (*Envelope, error) {
	enc, err := event.Canonicalize(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return &Envelope{Kind: kind, Account: account, From: from, Receipt: receipt, Body: enc}, nil
}

// DecodeBody unmarshals the body into v.
func (e *Envelope) DecodeBody(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}

// EncodeFrame serializes the envelope as a length-prefixed canonical JSON
// frame, the same framing the event codec uses.
func EncodeFrame(e *Envelope) ([]byte, error) {
	body, err := event.Canonicalize(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := marshal.WriteInt(nil, uint64(len(body)))
	return marshal.WriteBytes(out, body), nil
}

// DecodeFrame parses one frame and returns both the envelope and its raw
// JSON, which the server validates against the wire schema before any
// typed decode is trusted.
func DecodeFrame(b []byte) (*Envelope, []byte, error) {
	if uint64(len(b)) < 8 {
		return nil, nil, ErrShortFrame
	}
	n, rest := marshal.ReadInt(b)
	if uint64(len(rest)) < n {
		return nil, nil, ErrShortFrame
	}
	raw, _ := marshal.ReadBytes(rest, n)
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, raw, nil
}

// helloFromBody converts a HELLO body to the synchronizer's type.
func helloFromBody(b HelloBody) antientropy.Hello {
	return antientropy.Hello{Peer: b.Peer, Agent: b.Agent}
}
