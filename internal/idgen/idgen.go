// Package idgen generates monotonic, lexicographically sortable ids for
// newly created Events (spec §4's domain-stack table: "ulid | Event/Node
// IDs"). Stores that already receive an id leave it untouched — only
// processors minting a brand-new Event call this package; Message and
// Thread ids stay on uuid per the same table's "uuid | Thread/Message IDs"
// row, and the graph/queue/threadstate stores keep their existing
// uuid.NewString() fallback for callers that leave ID empty.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new monotonically increasing ULID string. Safe for
// concurrent use.
func NewULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
