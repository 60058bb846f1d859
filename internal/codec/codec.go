// Package codec stores nested entity fields (arrays and objects) in TEXT
// columns using a versioned JSON envelope:
//
//	{"v":2,"d":[...]}
//
// Values written before the envelope existed (bare JSON) decode as version 0.
// Older versions are brought forward through registered upgrade steps; values
// written by a newer schema are rejected rather than guessed at.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
)

// Upgrade rewrites the payload of version N into the shape of version N+1.
type Upgrade func(json.RawMessage) (json.RawMessage, error)

// Codec encodes values of T for one column.
type Codec[T any] struct {
	name     string
	version  int
	upgrades map[int]Upgrade
}

type envelope struct {
	V int             `json:"v"`
	D json.RawMessage `json:"d"`
}

// New creates a codec for the named column writing the given version.
func New[T any](name string, version int) *Codec[T] {
	if version < 1 {
		version = 1
	}
	return &Codec[T]{
		name:     name,
		version:  version,
		upgrades: make(map[int]Upgrade),
	}
}

// WithUpgrade registers the step from version `from` to `from+1`.
// Versions without a registered step are assumed to share the next version's shape.
func (c *Codec[T]) WithUpgrade(from int, fn Upgrade) *Codec[T] {
	c.upgrades[from] = fn
	return c
}

// Version returns the version this codec writes.
func (c *Codec[T]) Version() int {
	return c.version
}

// Encode serializes v into the column representation.
func (c *Codec[T]) Encode(v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("encode %s", c.name), err)
	}
	out, err := json.Marshal(envelope{V: c.version, D: data})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("encode %s", c.name), err)
	}
	return string(out), nil
}

// Decode parses a stored column value. Empty input yields the zero value.
func (c *Codec[T]) Decode(s string) (T, error) {
	var zero T
	raw := bytes.TrimSpace([]byte(s))
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return zero, nil
	}

	version, payload := 0, json.RawMessage(raw)
	if raw[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err == nil && len(fields) == 2 {
			v, hasV := fields["v"]
			d, hasD := fields["d"]
			if hasV && hasD {
				if err := json.Unmarshal(v, &version); err != nil {
					return zero, apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("decode %s version", c.name), err)
				}
				payload = d
				if len(payload) == 0 {
					payload = json.RawMessage("null")
				}
			}
		}
	}

	if version > c.version {
		return zero, apperrors.Newf(apperrors.ErrCodec,
			"%s: stored version %d is newer than supported version %d", c.name, version, c.version)
	}

	for v := version; v < c.version; v++ {
		step, ok := c.upgrades[v]
		if !ok {
			continue
		}
		upgraded, err := step(payload)
		if err != nil {
			return zero, apperrors.Wrap(apperrors.ErrCodec,
				fmt.Sprintf("%s: upgrade from version %d", c.name, v), err)
		}
		payload = upgraded
	}

	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("decode %s", c.name), err)
	}
	return out, nil
}
