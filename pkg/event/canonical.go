package event

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"

	"github.com/aura-net/aura/pkg/aura"
)

// idDomain prefixes the canonical encoding before hashing so event ids can
// never collide with other Blake3 uses of the same bytes.
const idDomain = "event-v1"

// Canonicalize returns the RFC 8785 canonical JSON encoding of v. Map keys
// are sorted by UTF-8 byte order and numbers use the shortest double
// representation, so the output is byte-stable across devices.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// HashCanonical hashes the canonical encoding of v under a domain prefix.
func HashCanonical(domain string, v any) (aura.Hash32, error) {
	enc, err := Canonicalize(v)
	if err != nil {
		return aura.Hash32{}, err
	}
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write(enc)
	var out aura.Hash32
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ComputeID derives the event id: Blake3 over "event-v1" plus the canonical
// encoding of every field except the id itself and the signature bytes.
// Signatures are excluded because they sign the id; the author identity and
// signer count stay inside the hash.
func ComputeID(e *Event) (aura.Hash32, error) {
	c := *e
	c.EventID = aura.Hash32{}
	c.Authorization = e.Authorization.withoutSignatures()
	return HashCanonical(idDomain, &c)
}

// Finalize computes and stores the event id. Call after every hashed field
// is set and before signing.
func (e *Event) Finalize() error {
	id, err := ComputeID(e)
	if err != nil {
		return err
	}
	e.EventID = id
	return nil
}

// VerifyID recomputes the content hash and compares it to the stored id.
func (e *Event) VerifyID() error {
	want, err := ComputeID(e)
	if err != nil {
		return err
	}
	if want != e.EventID {
		return fmt.Errorf("%w: have %s want %s", ErrIDMismatch, e.EventID, want)
	}
	return nil
}

// EncodePayload canonicalizes an arbitrary payload value so the bytes that
// enter the event (and therefore the id) are already in JCS form.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	out, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
