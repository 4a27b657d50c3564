package guard

import (
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/journal"
)

// Command is one deferred effect produced by an authorized decision. The
// interpreter executes commands; guards never touch the effect system.
type Command interface {
	commandKind() string
}

// ChargeBudget subtracts Amount from the (Context, Peer) flow budget and
// yields the receipt.
type ChargeBudget struct {
	Context   aura.ContextID
	Authority aura.AuthorityID
	Peer      aura.PeerID
	Amount    int64
}

// AppendJournal adds a fact to the capability journal.
type AppendJournal struct {
	Fact journal.Fact
}

// RecordLeakage accounts metadata leakage against a context.
type RecordLeakage struct {
	Context aura.ContextID
	Bits    uint64
}

// StoreMetadata persists one key under the device storage root.
type StoreMetadata struct {
	Key   string
	Value []byte
}

// GenerateNonce draws Size random bytes; the first nonce drawn becomes the
// receipt nonce.
type GenerateNonce struct {
	Size int
}

// SendEnvelope transmits an opaque payload to a peer after commit.
type SendEnvelope struct {
	Peer    aura.PeerID
	Payload []byte
}

func (ChargeBudget) commandKind() string  { return "charge_budget" }
func (AppendJournal) commandKind() string { return "append_journal" }
func (RecordLeakage) commandKind() string { return "record_leakage" }
func (StoreMetadata) commandKind() string { return "store_metadata" }
func (GenerateNonce) commandKind() string { return "generate_nonce" }
func (SendEnvelope) commandKind() string  { return "send_envelope" }
