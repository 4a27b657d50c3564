package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tchajed/marshal"
)

// Wire and disk encoding: a little-endian u64 length prefix followed by the
// canonical JSON of the event. Because the JSON is already canonical,
// Encode(Decode(b)) reproduces b for every encoder-produced buffer.

var ErrShortBuffer = errors.New("event codec: short buffer")

// Encode serializes one event with its length prefix.
func Encode(e *Event) ([]byte, error) {
	body, err := Canonicalize(e)
	if err != nil {
		return nil, err
	}
	out := marshal.WriteInt(nil, uint64(len(body)))
	return marshal.WriteBytes(out, body), nil
}

// Decode parses one length-prefixed event and returns the remaining bytes.
func Decode(b []byte) (*Event, []byte, error) {
	if uint64(len(b)) < 8 {
		return nil, nil, ErrShortBuffer
	}
	n, rest := marshal.ReadInt(b)
	if uint64(len(rest)) < n {
		return nil, nil, ErrShortBuffer
	}
	body, rest := marshal.ReadBytes(rest, n)
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, nil, fmt.Errorf("event codec: %w", err)
	}
	return &e, rest, nil
}

// EncodeList serializes a count-prefixed sequence of events.
func EncodeList(events []*Event) ([]byte, error) {
	out := marshal.WriteInt(nil, uint64(len(events)))
	for _, e := range events {
		enc, err := Encode(e)
		if err != nil {
			return nil, err
		}
		out = marshal.WriteBytes(out, enc)
	}
	return out, nil
}

// DecodeList parses a count-prefixed sequence of events.
func DecodeList(b []byte) ([]*Event, error) {
	if uint64(len(b)) < 8 {
		return nil, ErrShortBuffer
	}
	count, rest := marshal.ReadInt(b)
	events := make([]*Event, 0, count)
	for i := uint64(0); i < count; i++ {
		e, r, err := Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("event %d of %d: %w", i, count, err)
		}
		events = append(events, e)
		rest = r
	}
	return events, nil
}
