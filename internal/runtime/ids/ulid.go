package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ClientID builds a broker client identifier from prefix and a fresh ULID.
// Brokers commonly cap client ids at 23 bytes, so only the random tail of
// the ULID is kept.
func ClientID(prefix string) string {
	suffix := strings.ToLower(CreateULID()[16:])
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}
