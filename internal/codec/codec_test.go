// Package codec tests for versioned column encoding.
package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
)

type set struct {
	Reps   int     `json:"reps"`
	Weight float64 `json:"weight_kg"`
}

// TestCodec_roundTrip verifies encode then decode returns the value.
func TestCodec_roundTrip(t *testing.T) {
	c := New[[]set]("sets", 1)
	in := []set{{Reps: 5, Weight: 100}, {Reps: 3, Weight: 110}}

	encoded, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if !strings.HasPrefix(encoded, `{"v":1,"d":`) {
		t.Errorf("Encode() = %s, want versioned envelope", encoded)
	}

	out, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if len(out) != 2 || out[1].Weight != 110 {
		t.Errorf("Decode() = %+v", out)
	}
}

// TestCodec_legacyBareJSON verifies rows written before the envelope still decode.
func TestCodec_legacyBareJSON(t *testing.T) {
	c := New[[]set]("sets", 1)

	out, err := c.Decode(`[{"reps":8,"weight_kg":60}]`)
	if err != nil {
		t.Fatalf("Decode(legacy) failed: %v", err)
	}
	if len(out) != 1 || out[0].Reps != 8 {
		t.Errorf("Decode(legacy) = %+v", out)
	}
}

// TestCodec_upgrade verifies upgrade steps run in order.
func TestCodec_upgrade(t *testing.T) {
	// version 1 stored weight in pounds under "weight_lb"
	c := New[[]set]("sets", 2).WithUpgrade(1, func(raw json.RawMessage) (json.RawMessage, error) {
		var old []struct {
			Reps     int     `json:"reps"`
			WeightLB float64 `json:"weight_lb"`
		}
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, err
		}
		next := make([]set, len(old))
		for i, o := range old {
			next[i] = set{Reps: o.Reps, Weight: o.WeightLB / 2}
		}
		return json.Marshal(next)
	})

	out, err := c.Decode(`{"v":1,"d":[{"reps":5,"weight_lb":200}]}`)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if out[0].Weight != 100 {
		t.Errorf("upgraded weight = %v, want 100", out[0].Weight)
	}
}

// TestCodec_newerVersionRejected verifies unknown future versions fail loudly.
func TestCodec_newerVersionRejected(t *testing.T) {
	c := New[[]set]("sets", 1)

	_, err := c.Decode(`{"v":3,"d":[]}`)
	if !apperrors.Is(err, apperrors.ErrCodec) {
		t.Errorf("Decode(newer) error = %v, want CODEC_ERROR", err)
	}
}

// TestCodec_upgradeError verifies a failing step surfaces as a codec error.
func TestCodec_upgradeError(t *testing.T) {
	c := New[map[string]int]("macro_split", 2).WithUpgrade(1, func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("bad shape")
	})

	if _, err := c.Decode(`{"v":1,"d":{}}`); !apperrors.Is(err, apperrors.ErrCodec) {
		t.Errorf("Decode() error = %v, want CODEC_ERROR", err)
	}
}

// TestCodec_empty verifies empty and null columns decode to the zero value.
func TestCodec_empty(t *testing.T) {
	c := New[map[string]string]("preferences", 1)
	for _, in := range []string{"", "  ", "null"} {
		out, err := c.Decode(in)
		if err != nil || out != nil {
			t.Errorf("Decode(%q) = %v, %v", in, out, err)
		}
	}
}
