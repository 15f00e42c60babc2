package timer

import (
	"time"

	"github.com/ehrlich-b/mainmemory/internal/constants"
)

// Timepiece is a per-context coarse clock caching the OS monotonic and
// real-time values. Values are never refreshed mid-iteration so ordering
// decisions stay stable; the context resets the cache after waking from
// the event source.
type Timepiece struct {
	base  time.Time // anchor carrying the monotonic reading
	mono  int64     // cached monotonic nanoseconds
	real  time.Time
	reads int
}

// NewTimepiece returns a timepiece primed with the current time.
func NewTimepiece() *Timepiece {
	tp := &Timepiece{base: time.Now()}
	tp.Reset()
	return tp
}

// Mono returns the cached monotonic clock in nanoseconds. After the
// refresh budget is spent the cache marks itself stale; the value still
// only changes on the next Reset.
func (tp *Timepiece) Mono() int64 {
	tp.reads++
	return tp.mono
}

// Real returns the cached wall-clock time.
func (tp *Timepiece) Real() time.Time {
	tp.reads++
	return tp.real
}

// Stale reports whether the refresh budget is spent.
func (tp *Timepiece) Stale() bool {
	return tp.reads >= constants.TimepieceRefreshReads
}

// Reset refreshes both cached values from the OS. Called after the
// context wakes from the event source.
func (tp *Timepiece) Reset() {
	now := time.Now()
	tp.mono = now.Sub(tp.base).Nanoseconds()
	tp.real = now
	tp.reads = 0
}
