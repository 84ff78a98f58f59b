// Package clock supplies the monotonic time source and jittered timer
// schedule the consensus engine runs on. It exists so tests can swap in a
// fake clock without touching real wall time.
package clock

import (
	"math/rand"
	"time"

	"github.com/mathdee/rale/internal/raleerr"
)

// Clock is the capability the rest of the engine depends on instead of
// calling time.Now directly (§9: no hidden global state).
type Clock interface {
	Now() time.Time
	// ElectionDeadline returns now + U[timeout, 2*timeout).
	ElectionDeadline(timeout time.Duration) time.Time
}

// System is the production Clock backed by the real wall clock and a
// seeded PRNG for jitter.
type System struct {
	rnd *rand.Rand
}

// NewSystem builds a System clock. seed lets callers pin the jitter
// sequence in tests; production callers pass time.Now().UnixNano().
func NewSystem(seed int64) *System {
	return &System{rnd: rand.New(rand.NewSource(seed))}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) ElectionDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return s.Now()
	}
	jitter := time.Duration(s.rnd.Int63n(int64(timeout)))
	return s.Now().Add(timeout + jitter)
}

// ValidateTimings enforces §4.1's InvalidConfig rule: election timeout
// must be positive and the heartbeat interval must be strictly less than
// half of it.
func ValidateTimings(election, heartbeat time.Duration) error {
	if election <= 0 {
		return raleerr.New(raleerr.ConfigInvalid, "election_timeout_s must be > 0")
	}
	if heartbeat <= 0 || heartbeat >= election/2 {
		return raleerr.New(raleerr.ConfigInvalid, "heartbeat_interval_s must be > 0 and < election_timeout/2")
	}
	return nil
}
