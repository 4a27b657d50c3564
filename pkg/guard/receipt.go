package guard

import (
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
)

// ReceiptNonceSize is the receipt nonce length in bytes.
const ReceiptNonceSize = 32

// Receipt proves a charge went through the guard chain. Transport messages
// carry it; receivers check the nonce against a replay window. Absence of a
// receipt on an outbound message is a programming error, not a runtime
// permission failure.
type Receipt struct {
	Operation   Operation      `json:"operation"`
	Context     aura.ContextID `json:"context_id"`
	Peer        aura.PeerID    `json:"peer_id"`
	Cost        int64          `json:"cost"`
	Remaining   int64          `json:"remaining"`
	Nonce       []byte         `json:"nonce"`
	TimestampMs int64          `json:"timestamp_ms"`
}

const receiptDomain = "receipt-v1"

// Digest is the receipt's content identifier.
func (r *Receipt) Digest() (aura.Hash32, error) {
	return event.HashCanonical(receiptDomain, r)
}
