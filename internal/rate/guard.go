package rate

import "errors"

var (
	ErrRateExceeded  = errors.New("write rate exceeded")
	ErrTooManyWrites = errors.New("too many concurrent writes")
)

// WriteGuard admits a write for a client key when both its recent rate and
// its in-flight count are under the configured limits. A zero limit disables
// that check.
type WriteGuard struct {
	rps         *SlidingRPS
	inflight    *Concurrency
	rpsLimit    float64
	maxInflight int
}

func NewWriteGuard(rpsLimit, maxInflight int) *WriteGuard {
	return &WriteGuard{
		rps:         NewSlidingRPS(10),
		inflight:    NewConcurrency(10000),
		rpsLimit:    float64(rpsLimit),
		maxInflight: maxInflight,
	}
}

// Admit returns a release func on success. The caller must call it once the
// write has finished.
func (g *WriteGuard) Admit(key string) (func(), error) {
	if g.rpsLimit > 0 && g.rps.Add(key) > g.rpsLimit {
		return nil, ErrRateExceeded
	}
	if g.maxInflight <= 0 {
		return func() {}, nil
	}
	if ok, _ := g.inflight.Acquire(key, g.maxInflight); !ok {
		return nil, ErrTooManyWrites
	}
	return func() { g.inflight.Release(key) }, nil
}
