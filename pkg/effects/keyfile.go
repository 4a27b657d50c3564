package effects

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedKeyFile is returned when a key file cannot be parsed or names
// an unsupported format version.
var ErrMalformedKeyFile = errors.New("malformed key file")

// Argon2id parameters for the device secret at rest. Fixed rather than
// configurable so every key file written by one release unseals the same way.
const (
	keyFileVersion    = 1
	argonTime         = 1
	argonMemoryKiB    = 64 * 1024
	argonThreads      = 4
	keyFileSaltLength = 16
)

// keyFileEnvelope is the serialized form. The KDF parameters travel with the
// blob so they can be raised later without breaking existing files.
type keyFileEnvelope struct {
	Version   int    `json:"version"`
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	Sealed    []byte `json:"sealed"`
}

func keyFileAAD(env *keyFileEnvelope) []byte {
	return []byte(fmt.Sprintf("aura-keyfile-v%d:t=%d,m=%d,p=%d", env.Version, env.Time, env.MemoryKiB, env.Threads))
}

// SealDeviceSecret wraps the device secret for storage at rest. The
// passphrase is stretched with argon2id and the result keys AES-256-GCM;
// the KDF parameters are bound into the authentication tag.
func SealDeviceSecret(passphrase, secret []byte, rnd Rand) ([]byte, error) {
	env := &keyFileEnvelope{
		Version:   keyFileVersion,
		Salt:      rnd.Bytes(keyFileSaltLength),
		Time:      argonTime,
		MemoryKiB: argonMemoryKiB,
		Threads:   argonThreads,
	}
	var key [32]byte
	copy(key[:], argon2.IDKey(passphrase, env.Salt, env.Time, env.MemoryKiB, env.Threads, 32))
	defer Zeroize(key[:])

	sealed, err := Seal(key, keyFileAAD(env), secret, rnd)
	if err != nil {
		return nil, fmt.Errorf("seal device secret: %w", err)
	}
	env.Sealed = sealed
	return json.Marshal(env)
}

// UnsealDeviceSecret reverses SealDeviceSecret. A wrong passphrase returns
// ErrUnsealFailed; an unparseable file returns ErrMalformedKeyFile.
func UnsealDeviceSecret(passphrase, data []byte) ([]byte, error) {
	var env keyFileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyFile, err)
	}
	if env.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedKeyFile, env.Version)
	}
	if len(env.Salt) == 0 || env.Threads == 0 {
		return nil, fmt.Errorf("%w: missing KDF parameters", ErrMalformedKeyFile)
	}
	var key [32]byte
	copy(key[:], argon2.IDKey(passphrase, env.Salt, env.Time, env.MemoryKiB, env.Threads, 32))
	defer Zeroize(key[:])

	return Unseal(key, keyFileAAD(&env), env.Sealed)
}
