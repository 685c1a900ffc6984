// Package envelope defines the message that carries one raw record from the
// publisher to the worker.
//
// An envelope is encoded exactly once, at publish time. Redeliveries hand the
// worker the bytes the broker stored, so a redelivered message is
// byte-identical to the original.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the schema tag written into every envelope.
const Version = 1

// ContentType is set on every published message.
const ContentType = "application/json"

// ErrMalformed wraps every decoding failure. A malformed envelope can never
// be processed successfully and is dead-lettered.
var ErrMalformed = errors.New("malformed envelope")

// Envelope wraps one raw record with its resumption marker.
type Envelope struct {
	Version     int             `json:"v"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Marker      int64           `json:"marker"`
	Key         string          `json:"key,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
	Record      json.RawMessage `json:"record"`
}

// New builds an envelope with a fresh id and the current schema version.
func New(source string, marker int64, key string, record json.RawMessage) Envelope {
	return Envelope{
		Version:     Version,
		ID:          uuid.NewString(),
		Source:      source,
		Marker:      marker,
		Key:         key,
		PublishedAt: time.Now().UTC().Truncate(time.Millisecond),
		Record:      record,
	}
}

// Encode serialises the envelope. The output is compact and deterministic
// for a given value.
func Encode(e Envelope) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Record); err != nil {
		return nil, fmt.Errorf("compact record: %w", err)
	}
	e.Record = compact.Bytes()

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses and validates an envelope. Every failure wraps ErrMalformed.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case e.Version != Version:
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	case e.Source == "":
		return Envelope{}, fmt.Errorf("%w: missing source", ErrMalformed)
	case e.Marker <= 0:
		return Envelope{}, fmt.Errorf("%w: marker must be positive, got %d", ErrMalformed, e.Marker)
	case len(e.Record) == 0 || bytes.Equal(e.Record, []byte("null")):
		return Envelope{}, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	return e, nil
}
