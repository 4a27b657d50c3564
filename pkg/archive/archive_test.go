package archive_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-net/aura/pkg/archive"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/sim"
)

func takeSnapshot(t *testing.T) (aura.AccountID, *ledger.Snapshot) {
	t.Helper()
	account := aura.NewAccountID()
	vt := sim.NewVirtualTime()
	signer := effects.SignerFromSeed([]byte("archive-device"))
	device := aura.NewDeviceID()
	led := ledger.New(account, ledger.Config{},
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	w := ledger.NewWriter(led, device, signer, sim.VirtualClock{Time: vt})

	_, err := w.Write(1, event.TypeAccountCreated, event.AccountCreated{
		Threshold:       aura.Threshold{M: 1, N: 1},
		DeviceID:        device,
		DevicePublicKey: signer.Public(),
		DisplayName:     "primary",
	})
	require.NoError(t, err)

	snap, err := led.TakeSnapshot(1)
	require.NoError(t, err)
	return account, snap
}

func TestExportImportRoundTrip(t *testing.T) {
	account, snap := takeSnapshot(t)
	store := archive.NewMemoryStore()
	arch := archive.New(store, []byte("account root secret"), account,
		effects.NewSeededRand([]byte("archive")))

	hash, err := arch.Export(context.Background(), snap)
	require.NoError(t, err)
	ok, err := store.Exists(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := arch.Import(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, snap.StateHash, got.StateHash)
	assert.Equal(t, snap.LastEventIndex, got.LastEventIndex)
	assert.Equal(t, snap.CoveredIDs, got.CoveredIDs)
}

func TestImportWithWrongKeyFails(t *testing.T) {
	account, snap := takeSnapshot(t)
	store := archive.NewMemoryStore()
	exporter := archive.New(store, []byte("account root secret"), account,
		effects.NewSeededRand([]byte("archive")))
	hash, err := exporter.Export(context.Background(), snap)
	require.NoError(t, err)

	intruder := archive.New(store, []byte("guessed secret"), account,
		effects.NewSeededRand([]byte("intruder")))
	_, err = intruder.Import(context.Background(), hash)
	require.ErrorIs(t, err, effects.ErrUnsealFailed)
}

func TestTamperedBlobRejected(t *testing.T) {
	account, snap := takeSnapshot(t)
	store := archive.NewMemoryStore()
	arch := archive.New(store, []byte("account root secret"), account,
		effects.NewSeededRand([]byte("archive")))
	hash, err := arch.Export(context.Background(), snap)
	require.NoError(t, err)

	sealed, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	sealed[len(sealed)/2] ^= 0x40
	tamperedHash, err := store.Put(context.Background(), sealed)
	require.NoError(t, err)

	_, err = arch.Import(context.Background(), tamperedHash)
	require.ErrorIs(t, err, effects.ErrUnsealFailed)
}

func TestExportRejectsForeignSnapshot(t *testing.T) {
	_, snap := takeSnapshot(t)
	arch := archive.New(archive.NewMemoryStore(), []byte("secret"), aura.NewAccountID(),
		effects.NewSeededRand([]byte("archive")))
	_, err := arch.Export(context.Background(), snap)
	require.Error(t, err)
}

func TestMemoryStoreIsContentAddressed(t *testing.T) {
	store := archive.NewMemoryStore()
	ctx := context.Background()

	h1, err := store.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	h2, err := store.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, err = store.Get(ctx, aura.Hash32{9})
	require.ErrorIs(t, err, effects.ErrNotFound)
}
