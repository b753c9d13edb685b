// Package ids generates time-ordered identifiers. ULIDs sort
// lexicographically by creation time, which is what the session and OTP
// tables rely on for newest-first reads.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID. Strictly increasing within the process, so rows
// created back-to-back keep their creation order.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
