// Package agent assembles one device: the ledger with its persistence,
// the protocol runtime, the anti-entropy synchronizer with its guard
// stack, and the transport server, all behind a single Run loop. Storage
// failures and corrupt snapshots halt the agent; a personal system must
// not limp along on a broken replica.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aura-net/aura/pkg/antientropy"
	"github.com/aura-net/aura/pkg/archive"
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/capability"
	"github.com/aura-net/aura/pkg/config"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/flowbudget"
	"github.com/aura-net/aura/pkg/guard"
	"github.com/aura-net/aura/pkg/journal"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/observability"
	"github.com/aura-net/aura/pkg/protocols"
	"github.com/aura-net/aura/pkg/runtime"
	"github.com/aura-net/aura/pkg/schema"
	"github.com/aura-net/aura/pkg/storage"
	"github.com/aura-net/aura/pkg/transport"
)

// AgentVersion is the semver announced to sync peers.
const AgentVersion = "1.0.0"

// credentialTTL is how long a self-issued sync token lives before the
// agent mints a replacement.
const credentialTTL = time.Hour

// Options carries everything Run cannot construct itself.
type Options struct {
	Config  *config.Config
	Account aura.AccountID
	Device  aura.DeviceID
	Signer  *effects.Signer
	Storage effects.Storage

	// DeviceSecret seals key-share material at rest. Without it the agent
	// cannot hold threshold shares and never commits snapshots.
	DeviceSecret []byte

	// Blobs plus ArchiveKey enable off-site snapshot export.
	Blobs      archive.Store
	ArchiveKey []byte

	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     effects.Clock
	Rand      effects.Rand
}

// Agent is one running device.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	device  aura.DeviceID
	account aura.AccountID

	clock     effects.Clock
	wall      *effects.WallTime
	storage   effects.Storage
	led       *ledger.Ledger
	writer    *ledger.Writer
	rt        *runtime.Runtime
	deps      *protocols.Deps
	budgets   *flowbudget.Budgets
	sync      *antientropy.Synchronizer
	server    *transport.Server
	manager   *transport.TCPManager
	archiver  *archive.Archiver
	telemetry *observability.Provider

	mu            sync.Mutex
	nextPersist   uint64
	lastSnapEpoch uint64
}

// New restores persisted state and wires the device together. It does not
// start any loops; Run does.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Config == nil || opts.Signer == nil || opts.Storage == nil {
		return nil, fmt.Errorf("agent: config, signer, and storage are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "device", opts.Device)
	clock := opts.Clock
	if clock == nil {
		clock = effects.SystemClock{}
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = effects.SystemRand{}
	}

	ledCfg := ledger.Config{
		EpochRegressionTolerance: cfg.Ledger.EpochRegressionTolerance,
		RecoveryCooldownEpochs:   cfg.Ledger.RecoveryCooldownEpochs,
	}
	led, nextPersist, err := loadLedger(ctx, opts.Storage, opts.Account, ledCfg, logger)
	if err != nil {
		return nil, err
	}

	wall := effects.NewWallTime(time.Duration(cfg.Epoch.Seconds) * time.Second)
	writer := ledger.NewWriter(led, opts.Device, opts.Signer, clock)
	rt := runtime.New(writer, wall, rnd).WithLogger(logger.With("component", "runtime"))

	var deps *protocols.Deps
	if len(opts.DeviceSecret) > 0 {
		deps = &protocols.Deps{
			Writer: writer,
			Time:   wall,
			Rand:   rnd,
			Shares: protocols.NewShareStore(opts.Storage, opts.Device, opts.DeviceSecret, rnd),
		}
	}

	// The device is its own capability authority: it mints the tokens its
	// outbound sync requests present and trusts its own key to verify
	// inbound ones.
	authority := aura.AuthorityID(opts.Device)
	verifier := capability.NewEdDSAVerifier().WithNow(clock.Now)
	if err := verifier.Trust(authority, opts.Signer.Public()); err != nil {
		return nil, fmt.Errorf("agent: trust own authority: %w", err)
	}
	issuer := capability.NewIssuer(authority, opts.Signer, clock)

	budgets := flowbudget.New(flowbudget.NewMemoryStore(), flowbudget.Defaults{
		Capacity:          cfg.Guard.BudgetCapacity,
		RefillAmount:      cfg.Guard.BudgetRefillAmount,
		RefillEveryEpochs: cfg.Guard.BudgetRefillEveryEpochs,
	}, clock)
	chain, err := guard.DefaultChain(clock, verifier, cfg.Guard.Policy, budgets)
	if err != nil {
		return nil, fmt.Errorf("agent: build guard chain: %w", err)
	}
	interp := guard.NewInterpreter(budgets, journal.NewStorageStore(opts.Storage),
		rnd, clock, effects.NewLeakageMeter())
	gate := guard.NewGate(chain, interp)

	creds := &refreshingCredential{
		issuer:    issuer,
		authority: authority,
		clock:     clock,
		ttl:       credentialTTL,
	}
	syn, err := antientropy.New(led, writer, gate, wall, clock, rnd, creds, antientropy.Config{
		Authority:         authority,
		Context:           aura.ContextID(opts.Account),
		Agent:             AgentVersion,
		Compat:            cfg.Sync.Compat,
		Interval:          cfg.Sync.Interval(),
		AnnouncePerSecond: cfg.Sync.AnnouncePerSecond,
		AnnounceBurst:     cfg.Sync.AnnounceBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: build synchronizer: %w", err)
	}
	syn = syn.WithLogger(logger.With("component", "sync"))

	schemas, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("agent: compile wire schemas: %w", err)
	}
	replay, err := replayWindow(cfg, clock)
	if err != nil {
		return nil, err
	}
	server := transport.NewServer(opts.Device.Peer(), opts.Account, syn, schemas, replay).
		WithLogger(logger.With("component", "transport"))

	manager := transport.NewTCPManager()
	for _, p := range cfg.Sync.Peers {
		pid, err := p.PeerID()
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		manager.SetAddress(pid, p.Addr)
		client := transport.NewClient(manager, opts.Device.Peer(), pid, opts.Account, AgentVersion)
		syn.AddPeer(&antientropy.Peer{ID: pid, Client: client})
	}

	a := &Agent{
		cfg:         cfg,
		logger:      logger,
		device:      opts.Device,
		account:     opts.Account,
		clock:       clock,
		wall:        wall,
		storage:     opts.Storage,
		led:         led,
		writer:      writer,
		rt:          rt,
		deps:        deps,
		budgets:     budgets,
		sync:        syn,
		server:      server,
		manager:     manager,
		telemetry:   opts.Telemetry,
		nextPersist: nextPersist,
	}
	if opts.Blobs != nil && len(opts.ArchiveKey) > 0 {
		a.archiver = archive.New(opts.Blobs, opts.ArchiveKey, opts.Account, rnd)
	}
	return a, nil
}

func replayWindow(cfg *config.Config, clock effects.Clock) (transport.ReplayWindow, error) {
	if cfg.Sync.RedisURL == "" {
		return transport.NewMemoryWindow(clock, cfg.Sync.ReplayTTL()), nil
	}
	redisOpts, err := redis.ParseURL(cfg.Sync.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("agent: parse redis url: %w", err)
	}
	return transport.NewRedisWindow(redis.NewClient(redisOpts), cfg.Sync.ReplayTTL()), nil
}

// Ledger exposes the device's replica, mainly for inspection and tests.
func (a *Agent) Ledger() *ledger.Ledger { return a.led }

// Runtime exposes the protocol runtime so callers can start sessions.
func (a *Agent) Runtime() *runtime.Runtime { return a.rt }

// Synchronizer exposes peer management.
func (a *Agent) Synchronizer() *antientropy.Synchronizer { return a.sync }

// Run drives the agent until ctx is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := transport.ListenTCP(a.cfg.Sync.ListenAddr)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.logger.Info("agent started",
		"account", a.account,
		"listen", listener.Addr(),
		"peers", len(a.sync.Peers()))

	fatal := make(chan error, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer wg.Done()
		if err := a.server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			fatal <- fmt.Errorf("agent: transport server: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- fmt.Errorf("agent: synchronizer: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		a.tickLoop(ctx, fatal)
	}()

	// The persist loop runs on the main goroutine; its failure is the
	// fatal storage case.
	err = a.persistLoop(ctx, fatal)
	cancel()
	listener.Close()
	a.rt.Wait()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("agent halted", "err", err)
		return err
	}
	return nil
}

// tickLoop appends one epoch.tick per epoch boundary, mirrors budget
// refills onto the ledger, and schedules snapshots.
func (a *Agent) tickLoop(ctx context.Context, fatal chan<- error) {
	interval := time.Duration(a.cfg.Epoch.Seconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch := a.wall.CurrentEpoch()
			if _, err := a.writer.Write(epoch, event.TypeEpochTick, event.EpochTick{}); err != nil {
				a.logger.Warn("epoch tick rejected", "epoch", epoch, "err", err)
			}
			a.refillBudgets(ctx, epoch)
			if err := a.maybeSnapshot(ctx, epoch); err != nil {
				fatal <- err
				return
			}
		}
	}
}

func (a *Agent) refillBudgets(ctx context.Context, epoch uint64) {
	refilled, err := a.budgets.Refill(ctx, epoch)
	if err != nil {
		a.logger.Warn("budget refill failed", "epoch", epoch, "err", err)
		return
	}
	for _, b := range refilled {
		_, err := a.writer.Write(epoch, event.TypeBudgetRefilled, event.BudgetRefilled{
			ContextID: b.Context,
			Peer:      b.Peer,
			Amount:    uint64(b.Capacity),
		})
		if err != nil {
			a.logger.Warn("budget refill event rejected", "peer", b.Peer, "err", err)
		}
	}
}

// errSnapshotDeferred marks commit preconditions that resolve on their own:
// the identity key is not derived yet, or this device holds no share of it.
// The snapshot stays due and is retried on the next tick.
var errSnapshotDeferred = errors.New("snapshot commit deferred")

// maybeSnapshot compacts the ledger on the configured cadence and exports
// the snapshot off-site when an archiver is wired.
func (a *Agent) maybeSnapshot(ctx context.Context, epoch uint64) error {
	every := a.cfg.Archive.SnapshotEveryEpochs
	if every == 0 {
		return nil
	}
	a.mu.Lock()
	due := epoch >= a.lastSnapEpoch+every
	a.mu.Unlock()
	if !due || a.led.Len() == 0 {
		return nil
	}

	snap, err := a.led.TakeSnapshot(epoch)
	if err != nil {
		a.logger.Warn("snapshot skipped", "epoch", epoch, "err", err)
		return nil
	}
	if err := a.commitSnapshot(ctx, epoch, snap); err != nil {
		switch {
		case errors.Is(err, errSnapshotDeferred):
			a.logger.Debug("snapshot not committed", "epoch", epoch, "reason", err)
			return nil
		case errors.Is(err, runtime.ErrTimeout):
			// Cosigners offline. The commit needs a quorum; retry next tick.
			a.logger.Error("snapshot commit timed out", "epoch", epoch, "err", err)
			return nil
		default:
			return fmt.Errorf("agent: commit snapshot: %w", err)
		}
	}

	encoded, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("agent: encode snapshot: %w", err)
	}
	if err := a.storage.Store(ctx, storage.SnapshotKey(snap.LastEventIndex), encoded); err != nil {
		return fmt.Errorf("agent: persist snapshot: %w", err)
	}
	if err := a.led.Compact(snap.LastEventIndex); err != nil {
		a.logger.Warn("compaction skipped", "err", err)
	}
	if a.archiver != nil {
		hash, err := a.archiver.Export(ctx, snap)
		if err != nil {
			a.logger.Warn("snapshot export failed", "err", err)
		} else {
			a.logger.Info("snapshot exported", "blob", hash, "index", snap.LastEventIndex)
		}
	}

	a.mu.Lock()
	a.lastSnapEpoch = epoch
	a.mu.Unlock()
	a.logger.Info("snapshot taken", "epoch", epoch, "index", snap.LastEventIndex)
	return nil
}

// commitSnapshot records the snapshot on the ledger under the account's
// threshold policy: compose the commit event, collect the aggregate
// signature through a signing round over its id, then submit.
func (a *Agent) commitSnapshot(ctx context.Context, epoch uint64, snap *ledger.Snapshot) error {
	if a.deps == nil {
		return fmt.Errorf("%w: no device secret configured", errSnapshotDeferred)
	}
	st := a.led.State()
	key := st.DerivedKeys[ledger.IdentityContext]
	if key == nil {
		return fmt.Errorf("%w: identity key not derived", errSnapshotDeferred)
	}
	keySess := st.Session(key.SessionID)
	if keySess == nil || !holdsShare(keySess.Participants, a.device) {
		return fmt.Errorf("%w: %s holds no share of %s", errSnapshotDeferred, a.device, key.SessionID)
	}

	e, err := a.writer.ComposeThreshold(epoch, event.TypeSnapshotCommitted, event.SnapshotCommitted{
		StateHash:      snap.StateHash,
		LastEventIndex: snap.LastEventIndex,
	}, uint32(st.Threshold.M))
	if err != nil {
		return err
	}

	active := st.ActiveDevices()
	participants := make([]aura.DeviceID, 0, len(active))
	for _, d := range active {
		participants = append(participants, d.ID)
	}
	round := &protocols.Signing{
		SessionID:     aura.NewSessionID(),
		KeySession:    key.SessionID,
		KeyContext:    ledger.IdentityContext,
		MessageDigest: e.EventID,
		Participants:  participants,
		Initiator:     true,
	}
	var aggregate []byte
	err = a.rt.Run(ctx, "snapshot-commit", func(ctx context.Context, co *runtime.Coroutine) error {
		sig, err := round.Run(ctx, co, a.deps)
		aggregate = sig
		return err
	})
	if err != nil {
		return err
	}
	if err := e.AttachThresholdSignature(aggregate); err != nil {
		return err
	}
	return a.writer.Submit(e)
}

func holdsShare(participants []aura.DeviceID, id aura.DeviceID) bool {
	for _, p := range participants {
		if p == id {
			return true
		}
	}
	return false
}
