package protocols

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/effects"
)

// ErrDeviceMismatch is returned when sealed share material is opened on a
// device other than the one that sealed it.
var ErrDeviceMismatch = errors.New("sealed share bound to a different device")

// KeyShare is a device's piece of a threshold secret together with the
// group key it belongs to. It exists unsealed only transiently; call Zero
// when done.
type KeyShare struct {
	SessionID      aura.SessionID `json:"session_id"`
	Context        string         `json:"context"`
	Share          Share          `json:"share"`
	GroupPublicKey []byte         `json:"group_public_key"`
	KeyShareEpoch  uint64         `json:"key_share_epoch"`
}

// Zero erases the secret share value.
func (k *KeyShare) Zero() {
	if k != nil {
		k.Share.Zero()
	}
}

const shareKeyPrefix = "shares/"

// ShareStore seals key shares at rest. The sealing key derives from the
// device secret and the share's derivation context, and the associated data
// binds the device id and the participant index, so a blob copied to
// another device or another slot fails to open.
type ShareStore struct {
	storage effects.Storage
	device  aura.DeviceID
	secret  []byte
	rand    effects.Rand
}

func NewShareStore(st effects.Storage, device aura.DeviceID, deviceSecret []byte, rnd effects.Rand) *ShareStore {
	return &ShareStore{
		storage: st,
		device:  device,
		secret:  append([]byte(nil), deviceSecret...),
		rand:    rnd,
	}
}

func (s *ShareStore) sealKey(shareContext string) [32]byte {
	return effects.DeriveKey32("aura share seal v1:"+shareContext, s.secret)
}

func (s *ShareStore) aad(participant uint8) []byte {
	return append(s.device.Bytes(), participant)
}

func shareStorageKey(sid aura.SessionID) string { return shareKeyPrefix + sid.String() }

// Save seals and persists the share under shares/<session_id>.
func (s *ShareStore) Save(ctx context.Context, share *KeyShare) error {
	plain, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("encode key share: %w", err)
	}
	sealed, err := effects.Seal(s.sealKey(share.Context), s.aad(share.Share.Index), plain, s.rand)
	effects.Zeroize(plain)
	if err != nil {
		return fmt.Errorf("seal key share: %w", err)
	}
	if err := s.storage.Store(ctx, shareStorageKey(share.SessionID), sealed); err != nil {
		return fmt.Errorf("persist key share: %w", err)
	}
	return nil
}

// Load opens the share sealed for this device. The participant index is
// part of the associated data, so it must be supplied by the caller (it is
// derivable from the session's participant list).
func (s *ShareStore) Load(ctx context.Context, sid aura.SessionID, shareContext string, participant uint8) (*KeyShare, error) {
	sealed, err := s.storage.Load(ctx, shareStorageKey(sid))
	if err != nil {
		return nil, err
	}
	plain, err := effects.Unseal(s.sealKey(shareContext), s.aad(participant), sealed)
	if err != nil {
		if errors.Is(err, effects.ErrUnsealFailed) {
			return nil, fmt.Errorf("%w: session %s", ErrDeviceMismatch, sid)
		}
		return nil, err
	}
	var share KeyShare
	if err := json.Unmarshal(plain, &share); err != nil {
		effects.Zeroize(plain)
		return nil, fmt.Errorf("decode key share: %w", err)
	}
	effects.Zeroize(plain)
	return &share, nil
}

// Delete removes the sealed share for a session. Missing keys are not an
// error; deletion marks are idempotent.
func (s *ShareStore) Delete(ctx context.Context, sid aura.SessionID) error {
	err := s.storage.Delete(ctx, shareStorageKey(sid))
	if err != nil && !errors.Is(err, effects.ErrNotFound) {
		return err
	}
	return nil
}

// List returns the session ids with sealed shares on disk.
func (s *ShareStore) List(ctx context.Context) ([]aura.SessionID, error) {
	keys, err := s.storage.List(ctx, shareKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]aura.SessionID, 0, len(keys))
	for _, k := range keys {
		sid, err := aura.ParseSessionID(k[len(shareKeyPrefix):])
		if err != nil {
			continue
		}
		out = append(out, sid)
	}
	return out, nil
}
