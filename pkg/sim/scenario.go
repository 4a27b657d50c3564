package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/protocols"
	"github.com/aura-net/aura/pkg/runtime"
)

// DefaultScenarioEpochs bounds each step's drive loop.
const DefaultScenarioEpochs = 64

// ThresholdSpec is the YAML form of an m-of-n policy.
type ThresholdSpec struct {
	M uint16 `yaml:"m"`
	N uint16 `yaml:"n"`
}

func (t ThresholdSpec) threshold() aura.Threshold { return aura.Threshold{M: t.M, N: t.N} }

// Scenario is a scripted multi-device run. Device and guardian indices in
// steps refer to cluster order; the seed fixes every identity, nonce, and
// lottery outcome, so one scenario always produces one outcome.
type Scenario struct {
	Name              string        `yaml:"name"`
	Seed              string        `yaml:"seed"`
	Devices           int           `yaml:"devices"`
	Guardians         int           `yaml:"guardians"`
	Threshold         ThresholdSpec `yaml:"threshold"`
	GuardianThreshold ThresholdSpec `yaml:"guardian_threshold"`
	CooldownEpochs    uint64        `yaml:"cooldown_epochs"`
	MaxEpochs         uint64        `yaml:"max_epochs"`
	Steps             []Step        `yaml:"steps"`
}

// Step is a union; exactly one member is set.
type Step struct {
	DeriveKey *DeriveKeyStep `yaml:"derive_key,omitempty"`
	Sign      *SignStep      `yaml:"sign,omitempty"`
	Reshare   *ReshareStep   `yaml:"reshare,omitempty"`
	Recover   *RecoverStep   `yaml:"recover,omitempty"`
	Advance   *AdvanceStep   `yaml:"advance,omitempty"`
	Offline   *ToggleStep    `yaml:"offline,omitempty"`
	Online    *ToggleStep    `yaml:"online,omitempty"`
}

type DeriveKeyStep struct {
	Context      string `yaml:"context"`
	Participants []int  `yaml:"participants,omitempty"`
}

type SignStep struct {
	Message      string `yaml:"message"`
	Participants []int  `yaml:"participants,omitempty"`
}

type ReshareStep struct {
	NewThreshold ThresholdSpec `yaml:"new_threshold"`
	Participants []int         `yaml:"participants,omitempty"`
}

type RecoverStep struct {
	LostDevice int   `yaml:"lost_device"`
	Guardians  []int `yaml:"guardians,omitempty"`
	// ExpectCooldown marks an attempt that must be rejected because the
	// previous recovery is still inside the cooldown window.
	ExpectCooldown bool `yaml:"expect_cooldown,omitempty"`
}

type AdvanceStep struct {
	Epochs uint64 `yaml:"epochs"`
}

type ToggleStep struct {
	Device int `yaml:"device"`
}

// LoadScenario parses a YAML scenario document.
func LoadScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Devices < 1 {
		return nil, fmt.Errorf("scenario %q: devices must be at least 1", sc.Name)
	}
	if sc.MaxEpochs == 0 {
		sc.MaxEpochs = DefaultScenarioEpochs
	}
	return &sc, nil
}

// Result is everything a finished scenario exposes for assertions.
type Result struct {
	Cluster        *Cluster
	GroupPublicKey []byte
	Signatures     [][]byte
	StateHashes    []aura.Hash32
	CooldownHits   int
}

// Run executes the scenario from a fresh cluster and returns the outcome.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	cluster, err := NewCluster(Config{
		Seed:                   []byte(sc.Seed),
		Devices:                sc.Devices,
		Guardians:              sc.Guardians,
		Threshold:              sc.Threshold.threshold(),
		RecoveryCooldownEpochs: sc.CooldownEpochs,
	})
	if err != nil {
		return nil, err
	}

	r := &scenarioRun{sc: sc, cluster: cluster, result: &Result{Cluster: cluster}}
	for i, step := range sc.Steps {
		if err := r.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("scenario %q step %d: %w", sc.Name, i, err)
		}
	}
	cluster.Replicate()
	hashes, err := cluster.StateHashes()
	if err != nil {
		return nil, err
	}
	r.result.StateHashes = hashes
	return r.result, nil
}

type scenarioRun struct {
	sc      *Scenario
	cluster *Cluster

	mu     sync.Mutex // result fields are written from protocol goroutines
	result *Result

	keySession aura.SessionID
	keyContext string
}

func (r *scenarioRun) sessionID(step int) aura.SessionID {
	return aura.SessionID(idBytes([]byte(r.sc.Seed), fmt.Sprintf("session:%d", step)))
}

func (r *scenarioRun) participants(idx []int) []int {
	if len(idx) == 0 {
		for i := range r.cluster.Devices {
			idx = append(idx, i)
		}
	}
	return idx
}

func (r *scenarioRun) step(ctx context.Context, i int, s Step) error {
	switch {
	case s.DeriveKey != nil:
		return r.deriveKey(ctx, i, s.DeriveKey)
	case s.Sign != nil:
		return r.sign(ctx, i, s.Sign)
	case s.Reshare != nil:
		return r.reshare(ctx, i, s.Reshare)
	case s.Recover != nil:
		return r.recover(ctx, i, s.Recover)
	case s.Advance != nil:
		for e := uint64(0); e < s.Advance.Epochs; e++ {
			r.cluster.Replicate()
			r.cluster.Time.Advance(1)
		}
		return nil
	case s.Offline != nil:
		r.cluster.Devices[s.Offline.Device].SetOffline(true)
		return nil
	case s.Online != nil:
		r.cluster.Devices[s.Online.Device].SetOffline(false)
		r.cluster.Replicate()
		return nil
	default:
		return fmt.Errorf("empty step")
	}
}

func (r *scenarioRun) deriveKey(ctx context.Context, stepIdx int, s *DeriveKeyStep) error {
	sid := r.sessionID(stepIdx)
	idx := r.participants(s.Participants)
	participants := r.cluster.DeviceIDs(idx...)
	keyContext := s.Context
	if keyContext == "" {
		keyContext = ledger.IdentityContext
	}

	var results []<-chan error
	for j, di := range idx {
		node := r.cluster.Devices[di]
		p := &protocols.DKD{
			SessionID:    sid,
			Context:      keyContext,
			Participants: participants,
			Threshold:    r.sc.Threshold.threshold(),
			Initiator:    j == 0,
		}
		results = append(results, node.Runtime.Spawn(ctx, fmt.Sprintf("dkd-%d", di),
			func(ctx context.Context, co *runtime.Coroutine) error {
				res, err := p.Run(ctx, co, node.Deps)
				if err != nil {
					return err
				}
				r.mu.Lock()
				r.result.GroupPublicKey = res.GroupPublicKey
				r.mu.Unlock()
				return nil
			}))
	}
	if err := r.cluster.Await(ctx, r.sc.MaxEpochs, results...); err != nil {
		return err
	}
	r.keySession, r.keyContext = sid, keyContext

	// Guardian enrollment rides on the finished round: each guardian
	// derives and seals its recovery share from replicated state.
	th := r.sc.GuardianThreshold.threshold()
	for _, g := range r.cluster.Guardians {
		if err := protocols.EnrollGuardian(ctx, g.Ledger.State(), g.Deps.Shares,
			sid, keyContext, g.GuardianID(), th); err != nil {
			return fmt.Errorf("enroll guardian: %w", err)
		}
	}
	return nil
}

func (r *scenarioRun) sign(ctx context.Context, stepIdx int, s *SignStep) error {
	sid := r.sessionID(stepIdx)
	idx := r.participants(s.Participants)
	digest := effects.Hash("aura scenario message", []byte(s.Message))

	var results []<-chan error
	for j, di := range idx {
		node := r.cluster.Devices[di]
		p := &protocols.Signing{
			SessionID:     sid,
			KeySession:    r.keySession,
			KeyContext:    r.keyContext,
			MessageDigest: digest,
			Participants:  r.cluster.DeviceIDs(idx...),
			Initiator:     j == 0,
		}
		results = append(results, node.Runtime.Spawn(ctx, fmt.Sprintf("sign-%d", di),
			func(ctx context.Context, co *runtime.Coroutine) error {
				sig, err := p.Run(ctx, co, node.Deps)
				if err != nil {
					return err
				}
				r.mu.Lock()
				r.result.Signatures = append(r.result.Signatures, sig)
				r.mu.Unlock()
				return nil
			}))
	}
	return r.cluster.Await(ctx, r.sc.MaxEpochs, results...)
}

func (r *scenarioRun) reshare(ctx context.Context, stepIdx int, s *ReshareStep) error {
	sid := r.sessionID(stepIdx)
	newIdx := r.participants(s.Participants)
	newParticipants := r.cluster.DeviceIDs(newIdx...)

	// Every old holder and every new participant runs the script.
	seen := make(map[int]bool)
	var runners []int
	keySess := r.cluster.Devices[0].Ledger.State().Session(r.keySession)
	for i, n := range r.cluster.Devices {
		isOld := keySess != nil && keySess.HasParticipant(n.Device)
		isNew := false
		for _, j := range newIdx {
			if j == i {
				isNew = true
			}
		}
		if (isOld || isNew) && !seen[i] {
			seen[i] = true
			runners = append(runners, i)
		}
	}

	var results []<-chan error
	for j, di := range runners {
		node := r.cluster.Devices[di]
		p := &protocols.Resharing{
			SessionID:       sid,
			KeySession:      r.keySession,
			KeyContext:      r.keyContext,
			NewThreshold:    s.NewThreshold.threshold(),
			NewParticipants: newParticipants,
			Initiator:       j == 0,
		}
		results = append(results, node.Runtime.Spawn(ctx, fmt.Sprintf("reshare-%d", di),
			func(ctx context.Context, co *runtime.Coroutine) error {
				return p.Run(ctx, co, node.Deps)
			}))
	}
	return r.cluster.Await(ctx, r.sc.MaxEpochs, results...)
}

func (r *scenarioRun) recover(ctx context.Context, stepIdx int, s *RecoverStep) error {
	sid := r.sessionID(stepIdx)
	lost := r.cluster.Devices[s.LostDevice]
	lost.SetOffline(true)

	replacement := r.cluster.Join(fmt.Sprintf("recovered:%d", stepIdx))
	gIdx := s.Guardians
	if len(gIdx) == 0 {
		for i := range r.cluster.Guardians {
			gIdx = append(gIdx, i)
		}
	}

	p := &protocols.Recovery{
		SessionID:  sid,
		KeySession: r.keySession,
		KeyContext: r.keyContext,
		LostDevice: lost.Device,
	}

	var results []<-chan error
	for _, gi := range gIdx {
		g := r.cluster.Guardians[gi]
		results = append(results, g.Runtime.Spawn(ctx, fmt.Sprintf("recover-guardian-%d", gi),
			func(ctx context.Context, co *runtime.Coroutine) error {
				return p.RunGuardian(ctx, co, g.Deps, true)
			}))
	}
	newDeviceErr := replacement.Runtime.Spawn(ctx, "recover-new-device",
		func(ctx context.Context, co *runtime.Coroutine) error {
			res, err := p.RunNewDevice(ctx, co, replacement.Deps,
				replacement.Signer.Public(), r.sc.GuardianThreshold.threshold())
			if err != nil {
				return err
			}
			effects.Zeroize(res.Seed[:])
			return nil
		})
	results = append(results, newDeviceErr)

	err := r.cluster.Await(ctx, r.sc.MaxEpochs, results...)
	if s.ExpectCooldown {
		var cd *ledger.RecoveryCooldownError
		if err == nil || !errors.As(err, &cd) {
			return fmt.Errorf("expected recovery cooldown rejection, got %v", err)
		}
		r.result.CooldownHits++
		return nil
	}
	return err
}
