package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/protocols"
	"github.com/aura-net/aura/pkg/runtime"
	"github.com/aura-net/aura/pkg/storage"
)

// ErrStalled is returned when a drive loop exhausts its epoch budget with
// coroutines still running.
var ErrStalled = errors.New("simulation stalled before all protocols finished")

// Config sizes a simulated account.
type Config struct {
	Seed                   []byte
	Devices                int
	Guardians              int
	Threshold              aura.Threshold
	RecoveryCooldownEpochs uint64
}

// Node is one simulated participant: a device or a guardian, with its own
// ledger replica, seeded randomness, and protocol runtime.
type Node struct {
	Device  aura.DeviceID
	Signer  *effects.Signer
	Ledger  *ledger.Ledger
	Writer  *ledger.Writer
	Runtime *runtime.Runtime
	Deps    *protocols.Deps

	offline bool
	cursors map[aura.DeviceID]uint64
}

// SetOffline detaches the node from replication in both directions.
func (n *Node) SetOffline(off bool) { n.offline = off }

// GuardianID returns the node's identity as a guardian.
func (n *Node) GuardianID() aura.GuardianID { return aura.GuardianID(n.Device) }

// Cluster is a set of nodes sharing one account and one virtual clock.
// Replication is in-memory: each node keeps a cursor into every peer's log
// and merges whatever it has not seen.
type Cluster struct {
	Account   aura.AccountID
	Time      *VirtualTime
	Devices   []*Node
	Guardians []*Node

	cfg Config
	all []*Node
}

func idBytes(seed []byte, label string) uuid.UUID {
	var u uuid.UUID
	copy(u[:], effects.DeriveSeed(seed, label))
	// RFC 4122 version and variant bits, so String/Parse round-trips.
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// NewCluster builds the nodes, writes the genesis chain on the founder,
// registers the remaining devices and the guardians, and replicates until
// every replica agrees.
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.Devices < 1 {
		return nil, fmt.Errorf("cluster needs at least one device")
	}
	if err := cfg.Threshold.Validate(); err != nil {
		return nil, fmt.Errorf("cluster threshold: %w", err)
	}

	c := &Cluster{
		Account: aura.AccountID(idBytes(cfg.Seed, "account")),
		Time:    NewVirtualTime(),
		cfg:     cfg,
	}
	for i := 0; i < cfg.Devices; i++ {
		c.Devices = append(c.Devices, c.newNode(fmt.Sprintf("device:%d", i)))
	}
	for i := 0; i < cfg.Guardians; i++ {
		c.Guardians = append(c.Guardians, c.newNode(fmt.Sprintf("guardian:%d", i)))
	}

	founder := c.Devices[0]
	epoch := c.Time.CurrentEpoch()
	if _, err := founder.Writer.Write(epoch, event.TypeAccountCreated, event.AccountCreated{
		Threshold:       cfg.Threshold,
		DeviceID:        founder.Device,
		DevicePublicKey: founder.Signer.Public(),
		DisplayName:     "sim-device-0",
	}); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	for i, n := range c.Devices[1:] {
		if _, err := founder.Writer.Write(epoch, event.TypeDeviceAdded, event.DeviceAdded{
			DeviceID:    n.Device,
			PublicKey:   n.Signer.Public(),
			DisplayName: fmt.Sprintf("sim-device-%d", i+1),
		}); err != nil {
			return nil, fmt.Errorf("register device %d: %w", i+1, err)
		}
	}
	for i, n := range c.Guardians {
		if _, err := founder.Writer.Write(epoch, event.TypeGuardianAdded, event.GuardianAdded{
			GuardianID:  n.GuardianID(),
			PublicKey:   n.Signer.Public(),
			DisplayName: fmt.Sprintf("sim-guardian-%d", i),
		}); err != nil {
			return nil, fmt.Errorf("register guardian %d: %w", i, err)
		}
	}
	c.Replicate()
	return c, nil
}

func (c *Cluster) newNode(label string) *Node {
	seed := effects.DeriveSeed(c.cfg.Seed, label)
	device := aura.DeviceID(idBytes(seed, "id"))
	signer := effects.SignerFromSeed(effects.DeriveSeed(seed, "signing"))
	rnd := effects.NewSeededRand(effects.DeriveSeed(seed, "rand"))

	led := ledger.New(c.Account, ledger.Config{RecoveryCooldownEpochs: c.cfg.RecoveryCooldownEpochs})
	w := ledger.NewWriter(led, device, signer, VirtualClock{Time: c.Time})
	rt := runtime.New(w, c.Time, rnd)
	shares := protocols.NewShareStore(storage.NewMemory(), device, effects.DeriveSeed(seed, "secret"), rnd)

	n := &Node{
		Device:  device,
		Signer:  signer,
		Ledger:  led,
		Writer:  w,
		Runtime: rt,
		Deps: &protocols.Deps{
			Writer: w,
			Time:   c.Time,
			Rand:   rnd,
			Shares: shares,
		},
		cursors: make(map[aura.DeviceID]uint64),
	}
	c.all = append(c.all, n)
	return n
}

// Join adds a fresh node mid-run, replicated like any other. Recovery
// scenarios use it for the replacement device.
func (c *Cluster) Join(label string) *Node {
	n := c.newNode(label)
	c.Replicate()
	return n
}

// DeviceIDs maps device indices to ids, all devices when none are given.
func (c *Cluster) DeviceIDs(idx ...int) []aura.DeviceID {
	if len(idx) == 0 {
		for i := range c.Devices {
			idx = append(idx, i)
		}
	}
	out := make([]aura.DeviceID, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.Devices[i].Device)
	}
	return out
}

// Replicate pushes every online node's unseen events to every other online
// node, repeating until a full pass moves nothing. Lifecycle events stay
// local. Returns the number of events accepted across all passes.
func (c *Cluster) Replicate() int {
	total := 0
	for {
		moved := 0
		for _, src := range c.all {
			if src.offline {
				continue
			}
			for _, dst := range c.all {
				if dst == src || dst.offline {
					continue
				}
				moved += replicateOnce(src, dst)
			}
		}
		if moved == 0 {
			break
		}
		total += moved
		c.Time.NotifyEventsAvailable()
	}
	return total
}

func replicateOnce(src, dst *Node) int {
	events, err := src.Ledger.EventsSince(dst.cursors[src.Device])
	if err != nil || len(events) == 0 {
		return 0
	}
	dst.cursors[src.Device] += uint64(len(events))
	batch := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if e.Authorization.Kind == event.AuthInternalLifecycle {
			continue
		}
		batch = append(batch, e)
	}
	accepted, _ := dst.Ledger.Merge(batch)
	return accepted
}

// Await drives the simulation until every protocol result channel has
// delivered or maxEpochs have been spent. Each iteration replicates,
// yields real time so coroutines progress, and advances the virtual clock.
func (c *Cluster) Await(ctx context.Context, maxEpochs uint64, results ...<-chan error) error {
	remaining := make([]<-chan error, len(results))
	copy(remaining, results)
	var errs []error

	for spent := uint64(0); spent <= maxEpochs; spent++ {
		// Several settle rounds per epoch: protocols often take multiple
		// write-await turns inside one epoch.
		for round := 0; round < 8; round++ {
			c.Replicate()
			time.Sleep(200 * time.Microsecond)

			kept := remaining[:0]
			for _, ch := range remaining {
				select {
				case err := <-ch:
					if err != nil {
						errs = append(errs, err)
					}
				default:
					kept = append(kept, ch)
				}
			}
			remaining = kept
			if len(remaining) == 0 {
				c.Replicate()
				return errors.Join(errs...)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		c.Time.Advance(1)
	}
	errs = append(errs, fmt.Errorf("%w: %d coroutines still running after %d epochs",
		ErrStalled, len(remaining), maxEpochs))
	return errors.Join(errs...)
}

// StateHashes returns each online node's reduced state hash, devices first
// then guardians, in cluster order.
func (c *Cluster) StateHashes() ([]aura.Hash32, error) {
	out := make([]aura.Hash32, 0, len(c.all))
	for _, n := range c.all {
		if n.offline {
			continue
		}
		h, err := n.Ledger.StateHash()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Converged reports whether every online replica holds the same state.
func (c *Cluster) Converged() (bool, error) {
	hashes, err := c.StateHashes()
	if err != nil {
		return false, err
	}
	for _, h := range hashes[1:] {
		if h != hashes[0] {
			return false, nil
		}
	}
	return true, nil
}
