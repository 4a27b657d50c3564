// Package schema validates inbound wire messages against compiled JSON
// Schemas before any decode. Validation fails closed: an unknown message
// kind or a body that does not match its schema is rejected outright.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const wireSchemaURL = "https://aura.schemas.local/wire.schema.json"

// wireSchema defines the envelope and every message body. Identifiers are
// "b3:"-prefixed Blake3 hex digests; peers and accounts are UUIDs.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aura.schemas.local/wire.schema.json",
  "$defs": {
    "hash": {
      "type": "string",
      "pattern": "^b3:[0-9a-f]{64}$"
    },
    "uuid": {
      "type": "string",
      "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"
    },
    "receipt": {
      "type": "object",
      "required": ["operation", "context_id", "peer_id", "cost", "remaining", "nonce", "timestamp_ms"],
      "properties": {
        "operation": {
          "type": "string",
          "enum": ["sync:request_digest", "sync:request_ops", "sync:push_op", "sync:announce_op"]
        },
        "context_id": {"$ref": "#/$defs/uuid"},
        "peer_id": {"$ref": "#/$defs/uuid"},
        "cost": {"type": "integer", "minimum": 0},
        "remaining": {"type": "integer", "minimum": 0},
        "nonce": {"type": "string", "minLength": 1},
        "timestamp_ms": {"type": "integer"}
      }
    },
    "envelope": {
      "type": "object",
      "required": ["kind", "account_id", "from", "body"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["HELLO", "REQUEST_DIGEST", "DIGEST", "REQUEST_OPS", "OPS", "PUSH_OPS", "ACK", "ANNOUNCE"]
        },
        "account_id": {"$ref": "#/$defs/uuid"},
        "from": {"$ref": "#/$defs/uuid"},
        "receipt": {"$ref": "#/$defs/receipt"},
        "body": {"type": "object"}
      }
    },
    "hello": {
      "type": "object",
      "required": ["peer_id", "agent_version"],
      "properties": {
        "peer_id": {"$ref": "#/$defs/uuid"},
        "agent_version": {"type": "string", "minLength": 1}
      }
    },
    "request_digest": {
      "type": "object",
      "additionalProperties": false
    },
    "digest": {
      "type": "object",
      "required": ["ids"],
      "properties": {
        "ids": {"type": "array", "items": {"$ref": "#/$defs/hash"}}
      }
    },
    "request_ops": {
      "type": "object",
      "required": ["ids"],
      "properties": {
        "ids": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/hash"}}
      }
    },
    "ops": {
      "type": "object",
      "required": ["events"],
      "properties": {
        "events": {"type": "array", "items": {"type": "object"}}
      }
    },
    "push_ops": {
      "type": "object",
      "required": ["events"],
      "properties": {
        "events": {"type": "array", "minItems": 1, "items": {"type": "object"}}
      }
    },
    "ack": {
      "type": "object",
      "required": ["accepted"],
      "properties": {
        "accepted": {"type": "integer", "minimum": 0}
      }
    },
    "announce": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"$ref": "#/$defs/hash"}
      }
    }
  }
}`

// bodyDefs maps wire kinds to their schema fragment.
var bodyDefs = map[string]string{
	"HELLO":          "hello",
	"REQUEST_DIGEST": "request_digest",
	"DIGEST":         "digest",
	"REQUEST_OPS":    "request_ops",
	"OPS":            "ops",
	"PUSH_OPS":       "push_ops",
	"ACK":            "ack",
	"ANNOUNCE":       "announce",
}

// Registry holds the compiled envelope and body schemas.
type Registry struct {
	envelope *jsonschema.Schema
	bodies   map[string]*jsonschema.Schema
}

// NewRegistry compiles the wire schemas once; Validate calls are cheap and
// concurrency-safe afterwards.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(wireSchemaURL, strings.NewReader(wireSchema)); err != nil {
		return nil, fmt.Errorf("load wire schema: %w", err)
	}
	envelope, err := c.Compile(wireSchemaURL + "#/$defs/envelope")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	bodies := make(map[string]*jsonschema.Schema, len(bodyDefs))
	for kind, def := range bodyDefs {
		s, err := c.Compile(wireSchemaURL + "#/$defs/" + def)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		bodies[kind] = s
	}
	return &Registry{envelope: envelope, bodies: bodies}, nil
}

// ValidateEnvelope checks the outer envelope structure of a raw message.
func (r *Registry) ValidateEnvelope(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("envelope is not JSON: %w", err)
	}
	if err := r.envelope.Validate(v); err != nil {
		return fmt.Errorf("envelope rejected: %w", err)
	}
	return nil
}

// ValidateBody checks a message body against the schema of its kind.
// Unknown kinds are rejected.
func (r *Registry) ValidateBody(kind string, body []byte) error {
	s, ok := r.bodies[kind]
	if !ok {
		return fmt.Errorf("no schema for message kind %q", kind)
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%s body is not JSON: %w", kind, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s body rejected: %w", kind, err)
	}
	return nil
}
