package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
)

// lockArbitrationEpochs is how long a contender waits for concurrent
// requests to land before reading the lottery outcome. One epoch is enough
// because every request carries epoch_at_write and the reducer folds
// tickets commutatively.
const lockArbitrationEpochs = 1

// lockGeneration finds the first non-terminal arbitration slot for the
// operation and context. Generations advance as lock sessions close, so
// contenders that agree on the ledger land in the same session.
func lockGeneration(st *ledger.AccountState, op event.ProtocolType, contextID aura.ContextID) uint64 {
	var gen uint64
	for {
		sess := st.Session(event.LockSessionID(op, contextID, gen))
		if sess == nil || !sess.IsTerminal() {
			return gen
		}
		gen++
	}
}

// checkSessionCollision runs one round of the lock lottery: emit a ticket
// derived from this device's chain head, wait out the arbitration window,
// and read the winner. The smallest ticket wins; losers wait a randomized
// 1-3 epoch backoff before ErrLockLost returns so retries do not re-collide
// in lockstep.
func (co *Coroutine) checkSessionCollision(ctx context.Context, op event.ProtocolType, contextID aura.ContextID) (*SessionStatus, error) {
	rt := co.rt
	st := rt.ledger.State()
	sid := event.LockSessionID(op, contextID, lockGeneration(st, op, contextID))

	status := &SessionStatus{SessionID: sid}
	for _, sess := range st.ActiveSessions() {
		if sess.ID == sid || sess.Lock == nil {
			continue
		}
		if sess.Lock.Operation == op && sess.Lock.ContextID == contextID {
			status.Existing = append(status.Existing, sess.ID)
		}
	}

	// The ticket must derive from the exact parent of the request event.
	// Another coroutine appending between the head read and the write
	// invalidates the ticket; recompute and try again.
	for attempt := 0; ; attempt++ {
		head, _ := rt.ledger.Head(rt.writer.Author())
		status.Ticket = event.LotteryTicket(co.Device(), head)
		_, err := co.WriteToLedger(event.TypeLockRequested, event.LockRequested{
			SessionID: sid,
			Operation: op,
			ContextID: contextID,
			Ticket:    status.Ticket,
		})
		if err == nil {
			break
		}
		if attempt >= 2 || !errors.Is(err, ledger.ErrInvalidSignature) {
			return status, err
		}
	}

	if err := co.waitEpochs(ctx, lockArbitrationEpochs); err != nil {
		return status, err
	}

	sess := rt.ledger.State().Session(sid)
	if sess == nil || sess.Lock == nil {
		return status, fmt.Errorf("%w: arbitration session %s", ErrSessionNotFound, sid)
	}
	winner, ok := sess.Lock.SmallestTicket()
	if !ok {
		return status, fmt.Errorf("%w: arbitration session %s holds no tickets", ErrInvalidOperation, sid)
	}
	status.Winner = winner
	if winner == co.Device() {
		status.Won = true
		if !sess.Lock.Granted {
			if _, err := co.WriteToLedger(event.TypeLockGranted, event.LockGranted{
				SessionID: sid,
				Operation: op,
				Winner:    winner,
			}); err != nil {
				return status, err
			}
		}
		return status, nil
	}

	backoff := uint64(1 + rt.rand.Intn(3))
	if err := co.waitEpochs(ctx, backoff); err != nil {
		return status, err
	}
	return status, fmt.Errorf("%w: ticket %s lost to %s", ErrLockLost, status.Ticket, winner)
}
