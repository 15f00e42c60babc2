package sched

import (
	"fmt"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"github.com/ehrlich-b/mainmemory/internal/constants"
	"github.com/ehrlich-b/mainmemory/internal/epoch"
	"github.com/ehrlich-b/mainmemory/internal/event"
	"github.com/ehrlich-b/mainmemory/internal/logging"
	"github.com/ehrlich-b/mainmemory/internal/ring"
	"github.com/ehrlich-b/mainmemory/internal/task"
	"github.com/ehrlich-b/mainmemory/internal/timer"
)

// noOwner marks the poller token as free.
const noOwner = ^uint32(0)

// StrandParams binds one context to its worker-fiber policy.
type StrandParams struct {
	WorkersMin int
	WorkersMax int
	StackPages int
}

// Params configures a dispatch.
type Params struct {
	// Listeners is the number of contexts; one OS thread each. Must be
	// at least 1.
	Listeners int

	// Strands configures each context's fiber scheduler binding. Nil
	// entries and a short slice fall back to defaults.
	Strands []StrandParams

	// LockSpinLimit bounds spinning on the poller token before a
	// context falls back to waiting.
	LockSpinLimit uint32

	// PollSpinLimit bounds the zero-timeout event polls a context runs
	// before halting.
	PollSpinLimit uint32

	// CommonPoller designates the context that re-hosts migrated
	// common-poller sinks after their tasks complete. Negative means
	// none.
	CommonPoller int

	// InboxSize overrides the async inbox capacity.
	InboxSize int

	// CPUAffinity optionally pins context loops to CPUs, round-robin:
	// context N runs on CPUAffinity[N % len]. Nil means no affinity.
	CPUAffinity []int

	// Source overrides the event backend; mainly for tests. Built via
	// NewEpollSource when nil.
	Source event.Source

	// Logger overrides the default logger.
	Logger *logging.Logger
}

// Dispatch is the set of contexts plus the shared resources they
// coordinate on: the event source backend, the poller token and the
// reclamation epoch.
type Dispatch struct {
	contexts []*Context
	source   event.Source

	epochGlobal *epoch.Global

	lockSpinLimit uint32
	pollSpinLimit uint32
	commonPoller  uint32

	pollerOwner atomix.Uint32
	postIdx     atomix.Uint32

	log *logging.Logger
}

// Prepare validates the attributes and builds the dispatch. No context
// loop runs yet; call Context(i).Start on its OS thread.
func Prepare(params Params) (*Dispatch, error) {
	if params.Listeners < 1 {
		return nil, fmt.Errorf("sched: dispatch needs at least one listener, got %d", params.Listeners)
	}
	if len(params.Strands) > params.Listeners {
		return nil, fmt.Errorf("sched: %d strands for %d listeners", len(params.Strands), params.Listeners)
	}

	log := params.Logger
	if log == nil {
		log = logging.Default()
	}

	d := &Dispatch{
		lockSpinLimit: params.LockSpinLimit,
		pollSpinLimit: params.PollSpinLimit,
		commonPoller:  noOwner,
		epochGlobal:   epoch.NewGlobal(params.Listeners),
		log:           log,
	}
	if d.lockSpinLimit == 0 {
		d.lockSpinLimit = constants.DefaultLockSpinLimit
	}
	if d.pollSpinLimit == 0 {
		d.pollSpinLimit = constants.DefaultPollSpinLimit
	}
	if params.CommonPoller >= 0 && params.CommonPoller < params.Listeners {
		d.commonPoller = uint32(params.CommonPoller)
	}
	d.pollerOwner.StoreRelaxed(noOwner)

	inboxSize := params.InboxSize
	if inboxSize <= 0 {
		inboxSize = constants.DefaultAsyncRingSize
	}

	d.contexts = make([]*Context, params.Listeners)
	for i := range d.contexts {
		strand := StrandParams{}
		if i < len(params.Strands) {
			strand = params.Strands[i]
		}
		if strand.WorkersMin <= 0 {
			strand.WorkersMin = constants.DefaultWorkersMin
		}
		if strand.WorkersMax == 0 {
			strand.WorkersMax = constants.DefaultWorkersMax
		}
		if strand.WorkersMax < strand.WorkersMin {
			return nil, fmt.Errorf("sched: workers.max %d below workers.min %d",
				strand.WorkersMax, strand.WorkersMin)
		}
		if strand.StackPages <= 0 {
			strand.StackPages = constants.DefaultStackPages
		}

		affinity := -1
		if len(params.CPUAffinity) > 0 {
			affinity = params.CPUAffinity[i%len(params.CPUAffinity)]
		}

		d.contexts[i] = &Context{
			index:      uint32(i),
			disp:       d,
			log:        log,
			affinity:   affinity,
			tasks:      task.NewList(),
			inbox:      ring.New[asyncSlot](inboxSize),
			timers:     timer.NewQueue(),
			clock:      timer.NewTimepiece(),
			epochLocal: d.epochGlobal.Local(i),
			done:       make(chan struct{}),
			wake:       make(chan struct{}, 1),
			yieldCh:    make(chan struct{}),
			workersMin: strand.WorkersMin,
			workersMax: strand.WorkersMax,
			stackPages: strand.StackPages,
		}
	}

	source := params.Source
	if source == nil {
		var err error
		source, err = event.NewEpollSource(d.receive)
		if err != nil {
			return nil, fmt.Errorf("sched: event source: %w", err)
		}
	}
	d.source = source

	log.Debug("dispatch prepared", "listeners", params.Listeners)
	return d, nil
}

// Size returns the number of contexts.
func (d *Dispatch) Size() int {
	return len(d.contexts)
}

// Context returns context i.
func (d *Dispatch) Context(i int) *Context {
	return d.contexts[i]
}

// ContextAt resolves a context index stored on a sink.
func (d *Dispatch) ContextAt(idx uint32) *Context {
	if int(idx) >= len(d.contexts) {
		return nil
	}
	return d.contexts[idx]
}

// Source returns the event backend.
func (d *Dispatch) Source() event.Source {
	return d.source
}

// DeliveryReceiver exposes the dispatch's event delivery callback so a
// Source built before Prepare (tests, custom backends) can be wired to
// it.
func (d *Dispatch) DeliveryReceiver() event.Receiver {
	return d.receive
}

// Epoch returns the shared reclamation state.
func (d *Dispatch) Epoch() *epoch.Global {
	return d.epochGlobal
}

// Stop requests every context loop to stop.
func (d *Dispatch) Stop() {
	for _, c := range d.contexts {
		c.Stop()
	}
}

// Cleanup stops the contexts, waits for started loops to drain, frees
// everything still in limbo and closes the backend.
func (d *Dispatch) Cleanup() error {
	d.Stop()
	for _, c := range d.contexts {
		if c.started.LoadAcquire() {
			<-c.done
		}
	}
	for _, c := range d.contexts {
		c.epochLocal.Drain()
	}
	err := d.source.Close()
	d.log.Debug("dispatch cleaned up")
	return err
}

// pollerAcquire takes the poller token, spinning with back-off up to
// the configured limit. Returns false when the token stayed contended.
func (d *Dispatch) pollerAcquire(c *Context) bool {
	sw := spin.Wait{}
	for i := uint32(0); ; i++ {
		if d.pollerOwner.CompareAndSwapAcqRel(noOwner, c.index) {
			return true
		}
		if i >= d.lockSpinLimit {
			return false
		}
		sw.Once()
	}
}

// pollerTryAcquire takes the token only when immediately free.
func (d *Dispatch) pollerTryAcquire(c *Context) bool {
	return d.pollerOwner.CompareAndSwapAcqRel(noOwner, c.index)
}

func (d *Dispatch) pollerRelease() {
	d.pollerOwner.StoreRelease(noOwner)
}

// wakeOneWaiter nudges one waiting context so the poller role is picked
// up again.
func (d *Dispatch) wakeOneWaiter() {
	for _, c := range d.contexts {
		if c.state.LoadAcquire() == stateWaiting {
			select {
			case c.wake <- struct{}{}:
				return
			default:
			}
		}
	}
}

// idleContext returns a context that currently waits for work, or nil.
func (d *Dispatch) idleContext(not *Context) *Context {
	for _, c := range d.contexts {
		if c == not {
			continue
		}
		if c.state.LoadAcquire() == stateWaiting {
			return c
		}
	}
	return nil
}

// AsyncPost posts the call to any context, preferring one whose inbox
// has room. Saturated everywhere degrades to a blocking post on the
// rotation target.
func (d *Dispatch) AsyncPost(routine AsyncRoutine, args ...uintptr) {
	n := uint32(len(d.contexts))
	start := d.postIdx.AddAcqRel(1)
	for i := uint32(0); i < n; i++ {
		c := d.contexts[(start+i)%n]
		if c.TryAsyncCall(routine, args...) {
			return
		}
	}
	d.contexts[start%n].AsyncCall(routine, args...)
}
