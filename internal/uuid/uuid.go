// Package uuid generates the identifiers used by the sync core: local record
// ids and queue entry ids. Both are UUID v4 strings.
package uuid

import (
	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocalID generates a local record id. It never collides with a server id
// because the server addresses records by natural key.
func NewLocalID() string {
	return New()
}

// IsValid checks if a string is a canonical UUID v4.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// Validate rejects anything but the 36-character dashed v4 form, so ids coming
// from a host over FFI or HTTP match what New produces.
func Validate(s string) error {
	if len(s) != 36 {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid id %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid id "+s, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return apperrors.Newf(apperrors.ErrInvalid, "id %q is not a UUID v4", s)
	}
	return nil
}
