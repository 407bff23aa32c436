// Package msgid assigns identities to queued messages.
//
// Every message gets a ULID when it is created. The ID is independent of
// where the payload lives in memory, so it stays valid as the Backing Store
// key after the in-memory buffer is released and reused. IDs produced by one
// process are strictly increasing, which also makes them sort in enqueue order.
package msgid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a 26-character ULID string.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Time returns the millisecond timestamp embedded in the ID.
// The zero time is returned for malformed IDs.
func (id ID) Time() time.Time {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}

// monoEntropy is shared by every New call so IDs generated within the same
// millisecond still sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh, process-wide unique ID.
func New() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("msgid: generate: %w", err)
	}
	return ID(id.String()), nil
}

// MustNew is like New but panics on error. The monotonic source only fails
// when more than 2^80 IDs are drawn within one millisecond.
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", fmt.Errorf("msgid: parse %q: %w", s, err)
	}
	return ID(s), nil
}
