package constants

import "time"

// Default configuration constants
const (
	// DefaultLockSpinLimit is the number of spin iterations a context
	// attempts on the poller token before falling back to waiting.
	DefaultLockSpinLimit = 200

	// DefaultPollSpinLimit is the number of zero-timeout poll iterations
	// a context performs looking for new events before halting.
	DefaultPollSpinLimit = 4

	// DefaultWorkersMin is the floor on worker fibers per context.
	DefaultWorkersMin = 2

	// DefaultWorkersMax is the ceiling on worker fibers per context.
	DefaultWorkersMax = 256

	// DefaultAsyncRingSize is the capacity of a context's async inbox.
	DefaultAsyncRingSize = 1024

	// DefaultTaskRingSize is the slot count of a single task-list ring
	// segment. The list grows by linking further segments of this size.
	DefaultTaskRingSize = 256

	// RunQueuePriorities is the number of priority bins in the run queue.
	// Bounded by the 32-bit occupancy bitmap.
	RunQueuePriorities = 32

	// DefaultPriority is the priority assigned to fibers that do not
	// request one. Lower values run first.
	DefaultPriority = 16

	// WorkerPriority is the priority of task-draining worker fibers.
	WorkerPriority = 24
)

// Fiber stack attributes.
//
// Goroutine-backed fibers do not allocate their own stacks, but the
// stack-size attribute is still honored: it selects the dead-list reuse
// class, so a fiber created with one attribute never recycles a fiber
// created with another.
const (
	// DefaultStackPages is the default fiber stack attribute, in pages.
	DefaultStackPages = 7

	// MinStackPages is the smallest accepted stack attribute.
	MinStackPages = 1
)

// Timing constants for the event loop
const (
	// MaxPollTimeout caps how long a context halts on the event source
	// even with no armed timer, so stop requests and reclamation make
	// progress on a completely idle dispatch.
	MaxPollTimeout = 500 * time.Millisecond

	// TimepieceRefreshReads is how many cached-clock reads are served
	// before the timepiece refreshes from the OS clock. Values are never
	// refreshed mid-iteration; the count only forces a refresh on the
	// next reset point.
	TimepieceRefreshReads = 64
)

// Limits
const (
	// MaxAsyncArgs is the argument limit of an async call slot. One ring
	// node carries the routine plus this many words.
	MaxAsyncArgs = 6

	// MaxDeadFibers is the number of exited fibers a context keeps for
	// reuse before trim releases the excess.
	MaxDeadFibers = 64

	// MaxEventBatch is the most events one poll delivers before the
	// backend forces the caller back into the scheduler.
	MaxEventBatch = 256
)
