package model

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a fresh, lexicographically sortable identifier seeded
// from crypto/rand so ids sort by creation time but never collide.
func NewULID() ulid.ULID {
	return ulid.MustNew(ulid.Now(), rand.Reader)
}
