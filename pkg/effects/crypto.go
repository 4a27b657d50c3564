package effects

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/aura-net/aura/pkg/aura"
)

// ErrUnsealFailed covers both a wrong key and mismatched associated data;
// AES-GCM cannot distinguish the two and neither should callers.
var ErrUnsealFailed = errors.New("unseal failed: wrong key or associated data")

// Signer holds one device's Ed25519 identity key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh identity key from the system CSPRNG.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// SignerFromSeed derives the identity key deterministically; the simulator
// uses it so device keys replay across runs.
func SignerFromSeed(seed []byte) *Signer {
	material := make([]byte, ed25519.SeedSize)
	blake3.DeriveKey("aura identity v1", seed, material)
	priv := ed25519.NewKeyFromSeed(material)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Signer) Sign(data []byte) []byte { return ed25519.Sign(s.priv, data) }

func (s *Signer) Public() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// PrivateKey copies out the raw key for callers that sign through another
// library, such as the capability token issuer.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	out := make(ed25519.PrivateKey, len(s.priv))
	copy(out, s.priv)
	return out
}

// Verify checks an Ed25519 signature. Malformed keys verify as false, never
// as an error, so callers treat all failures uniformly.
func Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// Hash computes a domain-separated Blake3 digest over the given parts.
func Hash(domain string, parts ...[]byte) aura.Hash32 {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out aura.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveKey32 derives a 32-byte key from secret material and a context
// string using the Blake3 KDF.
func DeriveKey32(context string, material []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(context, material, out[:])
	return out
}

const gcmNonceSize = 12

// Seal encrypts plaintext with AES-256-GCM. The associated data is bound
// into the authentication tag; Unseal with different aad fails.
func Seal(key [32]byte, aad, plaintext []byte, rnd Rand) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	nonce := rnd.Bytes(gcmNonceSize)
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	return append(nonce, sealed...), nil
}

// Unseal reverses Seal. Authentication failure returns ErrUnsealFailed.
func Unseal(key [32]byte, aad, sealed []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize {
		return nil, ErrUnsealFailed
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	plaintext, err := gcm.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], aad)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

// Zeroize overwrites secret bytes in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
