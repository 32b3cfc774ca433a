package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	lastMs    uint64
)

// New returns a ULID. IDs issued by one process are strictly increasing, even
// when several are minted within the same millisecond or the clock steps back.
func New() string {
	return NewAt(time.Now())
}

// NewAt mints an ID whose timestamp component is t, clamped so the sequence
// never goes backwards.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	ms := ulid.Timestamp(t)
	if ms < lastMs {
		ms = lastMs
	}
	lastMs = ms
	return ulid.MustNew(ms, entropy).String()
}

// Time extracts the timestamp embedded in an ID produced by New.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// Correlation returns a random identifier used to tie together every record
// produced by one request.
func Correlation() string {
	return uuid.NewString()
}
