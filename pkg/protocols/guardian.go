package protocols

import (
	"context"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/ledger"
)

// EnrollGuardian derives and seals one guardian's recovery share after a
// derivation round finalized. The guardian index is its 1-based position in
// the account's ordered guardian set; share delivery to the guardian's
// store happens over whatever channel enrolled the guardian in the first
// place, so this runs on the guardian's own node against replicated state.
func EnrollGuardian(ctx context.Context, st *ledger.AccountState, store *ShareStore, keySession aura.SessionID, keyContext string, guardian aura.GuardianID, th aura.Threshold) error {
	seed, err := GroupFromState(st, keySession)
	if err != nil {
		return err
	}
	shares, err := DeriveGuardianShares(seed, th)
	if err != nil {
		return err
	}
	defer func() {
		for i := range shares {
			shares[i].Zero()
		}
	}()

	idx := guardianIndex(sortedGuardianIDs(st), guardian)
	if idx == 0 {
		return fmt.Errorf("%s is not an enrolled guardian", guardian)
	}
	if int(idx) > len(shares) {
		return fmt.Errorf("guardian index %d exceeds share set of %d", idx, len(shares))
	}

	ks := &KeyShare{
		SessionID:      keySession,
		Context:        keyContext,
		Share:          shares[idx-1].Clone(),
		GroupPublicKey: GroupSigner(seed).Public(),
	}
	err = store.Save(ctx, ks)
	ks.Zero()
	return err
}
