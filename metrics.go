package mainmemory

// ContextSnapshot is a point-in-time copy of one context's counters.
type ContextSnapshot struct {
	Context          int
	LoopIterations   uint64
	Polls            uint64
	EventsDelivered  uint64
	Waits            uint64
	FiberSwitches    uint64
	FibersCreated    uint64
	FibersRecycled   uint64
	TasksExecuted    uint64
	TasksMigrated    uint64
	TimerFires       uint64
	AsyncCallsPosted uint64
	AsyncCallsRun    uint64
	SinksRegistered  uint64
	SinksClosed      uint64
	SinksRetired     uint64
}

// Stats is an aggregate snapshot across the dispatch.
type Stats struct {
	Contexts []ContextSnapshot

	EventsDelivered uint64
	FiberSwitches   uint64
	TasksExecuted   uint64
	AsyncCallsRun   uint64
	SinksRetired    uint64
}

// Snapshot copies the statistics counters of every context. Counters
// are read individually; the snapshot is not an atomic cut across
// contexts.
func Snapshot(d *Dispatch) Stats {
	out := Stats{Contexts: make([]ContextSnapshot, d.Size())}
	for i := 0; i < d.Size(); i++ {
		cs := d.Context(i).Stats()
		snap := ContextSnapshot{
			Context:          i,
			LoopIterations:   cs.LoopIterations.Load(),
			Polls:            cs.Polls.Load(),
			EventsDelivered:  cs.EventsDelivered.Load(),
			Waits:            cs.Waits.Load(),
			FiberSwitches:    cs.FiberSwitches.Load(),
			FibersCreated:    cs.FibersCreated.Load(),
			FibersRecycled:   cs.FibersRecycled.Load(),
			TasksExecuted:    cs.TasksExecuted.Load(),
			TasksMigrated:    cs.TasksMigrated.Load(),
			TimerFires:       cs.TimerFires.Load(),
			AsyncCallsPosted: cs.AsyncCallsPosted.Load(),
			AsyncCallsRun:    cs.AsyncCallsRun.Load(),
			SinksRegistered:  cs.SinksRegistered.Load(),
			SinksClosed:      cs.SinksClosed.Load(),
			SinksRetired:     cs.SinksRetired.Load(),
		}
		out.Contexts[i] = snap
		out.EventsDelivered += snap.EventsDelivered
		out.FiberSwitches += snap.FiberSwitches
		out.TasksExecuted += snap.TasksExecuted
		out.AsyncCallsRun += snap.AsyncCallsRun
		out.SinksRetired += snap.SinksRetired
	}
	return out
}
