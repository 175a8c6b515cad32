// Package ids generates the document and connection identifiers used across
// scoping.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is monotonic within a millisecond, so ids minted in a burst keep
// their creation order when sorted.
var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewULID returns a new ULID string (26 chars) stamped with now.
// A zero now uses the current time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
