package capability

import (
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/journal"
)

// Journal fact kinds recorded by the guard chain and delegation flows.
const (
	FactKindDelegation    = "capability.delegation"
	FactKindRevocation    = "capability.revocation"
	FactKindAuthorization = "capability.authorization"
)

// Delegation records that issuer granted subject a scope, referencing the
// token by content digest. The same struct is the payload of the
// corresponding ledger event; the journal copy makes the grant queryable
// without replaying the ledger.
type Delegation struct {
	Issuer      aura.AuthorityID `json:"issuer"`
	Subject     aura.AuthorityID `json:"subject"`
	Scope       string           `json:"scope"`
	TokenDigest aura.Hash32      `json:"token_digest"`
	ExpiresAtMs int64            `json:"expires_at_ms,omitempty"`
}

// Fact converts the delegation into its journal form.
func (d Delegation) Fact(recordedAtMs int64) (journal.Fact, error) {
	return journal.NewFact(FactKindDelegation, d, recordedAtMs)
}

// Revocation tombstones a delegation by token digest.
type Revocation struct {
	Issuer      aura.AuthorityID `json:"issuer"`
	TokenDigest aura.Hash32      `json:"token_digest"`
}

func (r Revocation) Fact(recordedAtMs int64) (journal.Fact, error) {
	return journal.NewFact(FactKindRevocation, r, recordedAtMs)
}
