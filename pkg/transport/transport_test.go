package transport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-net/aura/pkg/antientropy"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/capability"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/flowbudget"
	"github.com/aura-net/aura/pkg/guard"
	"github.com/aura-net/aura/pkg/journal"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/schema"
	"github.com/aura-net/aura/pkg/sim"
	"github.com/aura-net/aura/pkg/storage"
	"github.com/aura-net/aura/pkg/transport"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replica is one device wired to the in-memory network: a synchronizer
// with its full guard stack plus the server answering for it.
type replica struct {
	peer   aura.PeerID
	device aura.DeviceID
	signer *effects.Signer
	time   *sim.VirtualTime
	clock  sim.VirtualClock
	led    *ledger.Ledger
	writer *ledger.Writer
	sync   *antientropy.Synchronizer
	server *transport.Server
}

func newReplica(t *testing.T, account aura.AccountID, seed string) *replica {
	t.Helper()
	vt := sim.NewVirtualTime()
	clock := sim.VirtualClock{Time: vt}
	signer := effects.SignerFromSeed([]byte(seed))
	device := aura.NewDeviceID()
	led := ledger.New(account, ledger.Config{}, ledger.WithLogger(quiet()))
	w := ledger.NewWriter(led, device, signer, clock)

	authority := aura.NewAuthorityID()
	verifier := capability.NewEdDSAVerifier().WithNow(clock.Now)
	require.NoError(t, verifier.Trust(authority, signer.Public()))
	issuer := capability.NewIssuer(authority, signer, clock)
	token, err := issuer.Issue(authority, []string{"sync:*"}, time.Hour)
	require.NoError(t, err)

	budgets := flowbudget.New(flowbudget.NewMemoryStore(),
		flowbudget.Defaults{Capacity: 1000, RefillAmount: 1000, RefillEveryEpochs: 1}, clock)
	chain, err := guard.DefaultChain(clock, verifier, "", budgets)
	require.NoError(t, err)
	interp := guard.NewInterpreter(budgets, journal.NewStorageStore(storage.NewMemory()),
		effects.NewSeededRand([]byte(seed+" interp")), clock, effects.NewLeakageMeter())
	gate := guard.NewGate(chain, interp)

	s, err := antientropy.New(led, w, gate, vt, clock, effects.NewSeededRand([]byte(seed+" sync")),
		antientropy.StaticCredential(token), antientropy.Config{
			Authority: authority,
			Context:   aura.NewContextID(),
			Agent:     "1.0.0",
		})
	require.NoError(t, err)
	s = s.WithLogger(quiet())

	schemas, err := schema.NewRegistry()
	require.NoError(t, err)
	srv := transport.NewServer(device.Peer(), account, s, schemas,
		transport.NewMemoryWindow(clock, transport.DefaultReplayTTL)).WithLogger(quiet())

	return &replica{
		peer:   device.Peer(),
		device: device,
		signer: signer,
		time:   vt,
		clock:  clock,
		led:    led,
		writer: w,
		sync:   s,
		server: srv,
	}
}

// cluster attaches replicas to one memory network and registers each
// pairing in both synchronizers.
func cluster(t *testing.T, replicas ...*replica) *transport.MemoryNetwork {
	t.Helper()
	net := transport.NewMemoryNetwork()
	for _, r := range replicas {
		net.Attach(r.peer, r.server)
	}
	account := replicas[0].led.AccountID()
	for _, r := range replicas {
		mgr := net.Manager()
		for _, other := range replicas {
			if other.peer == r.peer {
				continue
			}
			client := transport.NewClient(mgr, r.peer, other.peer, account, "1.0.0")
			r.sync.AddPeer(&antientropy.Peer{ID: other.peer, Client: client})
		}
	}
	return net
}

func seedAccount(t *testing.T, a *replica, others ...*replica) {
	t.Helper()
	_, err := a.writer.Write(1, event.TypeAccountCreated, event.AccountCreated{
		Threshold:       aura.Threshold{M: 1, N: 1},
		DeviceID:        a.device,
		DevicePublicKey: a.signer.Public(),
		DisplayName:     "primary",
	})
	require.NoError(t, err)
	for _, o := range others {
		_, err = a.writer.Write(1, event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:  o.device,
			PublicKey: o.signer.Public(),
		})
		require.NoError(t, err)
	}
}

func mustStateHash(t *testing.T, l *ledger.Ledger) aura.Hash32 {
	t.Helper()
	h, err := l.StateHash()
	require.NoError(t, err)
	return h
}

func TestSyncConvergesOverMemoryTransport(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	b := newReplica(t, account, "replica-b")
	cluster(t, a, b)
	seedAccount(t, a, b)

	m, err := b.sync.SyncWithPeer(context.Background(), b.sync.Peers()[0])
	require.NoError(t, err)
	assert.Equal(t, 2, m.Pulled)
	assert.Greater(t, m.Bytes, 0)
	assert.Equal(t, mustStateHash(t, a.led), mustStateHash(t, b.led))

	// A second pass over converged replicas moves nothing.
	m, err = b.sync.SyncWithPeer(context.Background(), b.sync.Peers()[0])
	require.NoError(t, err)
	assert.Zero(t, m.Pulled)
	assert.Zero(t, m.Pushed)
}

func TestLocalWritesArePushedOverTransport(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	b := newReplica(t, account, "replica-b")
	cluster(t, a, b)
	seedAccount(t, a, b)

	_, err := b.sync.SyncWithPeer(context.Background(), b.sync.Peers()[0])
	require.NoError(t, err)

	third := effects.SignerFromSeed([]byte("replica-c"))
	_, err = b.writer.Write(2, event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID:  aura.NewDeviceID(),
		PublicKey: third.Public(),
	})
	require.NoError(t, err)

	m, err := b.sync.SyncWithPeer(context.Background(), b.sync.Peers()[0])
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pushed)
	assert.Equal(t, mustStateHash(t, a.led), mustStateHash(t, b.led))
}

func TestAnnounceOverTransportTriggersPull(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	b := newReplica(t, account, "replica-b")
	cluster(t, a, b)
	seedAccount(t, a, b)

	_, err := b.sync.SyncWithPeer(context.Background(), b.sync.Peers()[0])
	require.NoError(t, err)

	third := effects.SignerFromSeed([]byte("replica-c"))
	e, err := a.writer.Write(2, event.TypeDeviceAdded, event.DeviceAdded{
		DeviceID:  aura.NewDeviceID(),
		PublicKey: third.Public(),
	})
	require.NoError(t, err)

	res := a.sync.Announce(context.Background(), e.EventID)
	assert.Equal(t, []aura.PeerID{b.peer}, res.Delivered)
	assert.Empty(t, res.Failed)

	// The announce is fire-and-forget; the pull lands asynchronously.
	require.Eventually(t, func() bool {
		return b.led.Contains(e.EventID)
	}, 2*time.Second, 10*time.Millisecond)
}

func serverPipe(t *testing.T, r *replica) transport.Conn {
	t.Helper()
	local, remote := transport.Pipe()
	go r.server.ServeConn(context.Background(), remote)
	t.Cleanup(func() { local.Close() })
	return local
}

func expectNoReply(t *testing.T, conn transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := conn.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testReceipt(op guard.Operation, nonce []byte) *guard.Receipt {
	return &guard.Receipt{
		Operation:   op,
		Context:     aura.NewContextID(),
		Peer:        aura.NewDeviceID().Peer(),
		Cost:        2,
		Remaining:   10,
		Nonce:       nonce,
		TimestampMs: 1700000000000,
	}
}

func TestGuardedKindWithoutReceiptIsDropped(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	conn := serverPipe(t, a)

	env, err := transport.NewEnvelope(transport.KindRequestDigest, account,
		aura.NewDeviceID().Peer(), nil, transport.RequestDigestBody{})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
	expectNoReply(t, conn)
}

func TestReplayedReceiptIsDropped(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	conn := serverPipe(t, a)

	receipt := testReceipt(guard.OpRequestDigest, []byte("nonce-replay-test-000000000000aa"))
	env, err := transport.NewEnvelope(transport.KindRequestDigest, account,
		aura.NewDeviceID().Peer(), receipt, transport.RequestDigestBody{})
	require.NoError(t, err)

	require.NoError(t, conn.Send(env))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, _, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.KindDigest, reply.Kind)

	// Same nonce inside the window: dropped without a reply.
	require.NoError(t, conn.Send(env))
	expectNoReply(t, conn)
}

func TestWrongAccountIsDropped(t *testing.T) {
	a := newReplica(t, aura.NewAccountID(), "replica-a")
	conn := serverPipe(t, a)

	env, err := transport.NewEnvelope(transport.KindHello, aura.NewAccountID(),
		aura.NewDeviceID().Peer(), nil, transport.HelloBody{
			Peer: aura.NewDeviceID().Peer(), Agent: "1.0.0",
		})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
	expectNoReply(t, conn)
}

func TestReplyOnlyKindIsDropped(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	conn := serverPipe(t, a)

	env, err := transport.NewEnvelope(transport.KindAck, account,
		aura.NewDeviceID().Peer(), nil, transport.AckBody{Accepted: 1})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
	expectNoReply(t, conn)
}

func TestFrameRoundTrip(t *testing.T) {
	account := aura.NewAccountID()
	from := aura.NewDeviceID().Peer()
	receipt := testReceipt(guard.OpAnnounceOp, []byte("nonce-frame-round-trip-000000000"))
	env, err := transport.NewEnvelope(transport.KindAnnounce, account, from, receipt,
		transport.AnnounceBody{ID: aura.Hash32{7}})
	require.NoError(t, err)

	frame, err := transport.EncodeFrame(env)
	require.NoError(t, err)
	decoded, raw, err := transport.DecodeFrame(frame)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.Account, decoded.Account)
	assert.Equal(t, env.From, decoded.From)
	require.NotNil(t, decoded.Receipt)
	assert.Equal(t, receipt.Nonce, decoded.Receipt.Nonce)

	var body transport.AnnounceBody
	require.NoError(t, decoded.DecodeBody(&body))
	assert.Equal(t, aura.Hash32{7}, body.ID)
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	_, _, err := transport.DecodeFrame([]byte{1, 2, 3})
	require.ErrorIs(t, err, transport.ErrShortFrame)
}

func TestMemoryWindowExpiresNonces(t *testing.T) {
	vt := sim.NewVirtualTime()
	clock := sim.VirtualClock{Time: vt}
	w := transport.NewMemoryWindow(clock, 2*time.Second)
	nonce := []byte("expiring-nonce")

	fresh, err := w.Remember(context.Background(), nonce)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = w.Remember(context.Background(), nonce)
	require.NoError(t, err)
	assert.False(t, fresh)

	vt.Advance(3)
	fresh, err = w.Remember(context.Background(), nonce)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestClientDisconnectsOnBrokenStream(t *testing.T) {
	account := aura.NewAccountID()
	a := newReplica(t, account, "replica-a")
	net := transport.NewMemoryNetwork()
	net.Attach(a.peer, a.server)
	mgr := net.Manager()
	self := aura.NewDeviceID().Peer()
	client := transport.NewClient(mgr, self, a.peer, account, "1.0.0").
		WithTimeout(100 * time.Millisecond)

	hello, err := client.Hello(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.peer, hello.Peer)
	assert.True(t, mgr.IsConnected(a.peer))

	// A dropped server surfaces as a call error and tears the cached
	// connection down so the next call redials.
	net.Detach(a.peer)
	mgr.Disconnect(a.peer)
	_, err = client.Hello(context.Background())
	require.Error(t, err)
	assert.False(t, mgr.IsConnected(a.peer))
}
