package ledger

import (
	"sync"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
)

// Writer authors events for one signing identity on one ledger. It assigns
// the next nonce, links the author chain, stamps the write epoch, signs the
// id, and appends. A Writer serializes its own writes; a device key must not
// author through two Writers at once.
type Writer struct {
	mu     sync.Mutex
	ledger *Ledger
	device aura.DeviceID
	signer *effects.Signer
	clock  effects.Clock
	author string
}

func NewWriter(l *Ledger, device aura.DeviceID, signer *effects.Signer, clock effects.Clock) *Writer {
	return &Writer{
		ledger: l,
		device: device,
		signer: signer,
		clock:  clock,
		author: event.ByDevice(device).AuthorKey(),
	}
}

// Author returns the nonce namespace this writer signs under.
func (w *Writer) Author() string { return w.author }

// Device returns the authoring device id.
func (w *Writer) Device() aura.DeviceID { return w.device }

// Ledger returns the ledger this writer appends to.
func (w *Writer) Ledger() *Ledger { return w.ledger }

// Write composes, signs, and appends one device-certified event.
func (w *Writer) Write(wallEpoch uint64, typ event.EventType, payload any) (*event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.compose(wallEpoch, typ, payload, event.ByDevice(w.device))
	if err != nil {
		return nil, err
	}
	if err := e.AttachDeviceSignature(w.signer.Sign(e.EventID[:])); err != nil {
		return nil, err
	}
	if err := w.ledger.Append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// WriteLifecycle appends a local lifecycle event. Lifecycle events carry no
// proof and are never accepted from peers.
func (w *Writer) WriteLifecycle(wallEpoch uint64, typ event.EventType, payload any) (*event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.compose(wallEpoch, typ, payload, event.ByLifecycle())
	if err != nil {
		return nil, err
	}
	if err := w.ledger.Append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ComposeThreshold builds an unsigned threshold event. The caller collects
// the aggregate signature over the returned event's id, attaches it, and
// appends with Submit. If another write lands on the threshold chain in the
// meantime Submit fails the parent check and the caller re-composes.
func (w *Writer) ComposeThreshold(wallEpoch uint64, typ event.EventType, payload any, signerCount uint32) (*event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compose(wallEpoch, typ, payload, event.ByThreshold(nil, signerCount))
}

// Submit appends a previously composed event after its proof was attached.
func (w *Writer) Submit(e *event.Event) error {
	return w.ledger.Append(e)
}

// compose gathers the author's chain position. Caller holds w.mu.
func (w *Writer) compose(wallEpoch uint64, typ event.EventType, payload any, auth event.Authorization) (*event.Event, error) {
	author := auth.AuthorKey()
	var parent *aura.Hash32
	if h, ok := w.ledger.Head(author); ok {
		parent = &h
	}
	return event.New(event.Params{
		AccountID:     w.ledger.AccountID(),
		Timestamp:     w.clock.Now().UnixMilli(),
		Nonce:         w.ledger.NextNonce(author),
		ParentHash:    parent,
		EpochAtWrite:  w.ledger.WriteEpoch(wallEpoch),
		Type:          typ,
		Payload:       payload,
		Authorization: auth,
	})
}
