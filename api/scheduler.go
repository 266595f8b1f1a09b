package api

// Scheduler hint interface for the agent that runs decay in the
// background. The allocator never starts goroutines of its own, it
// calls IntervalCheck after a foreground thread advanced a decay epoch
// so that the scheduler can bring its next wakeup forward.
type Scheduler interface {
	// IntervalCheck arena generated npagesnew pages of decayable
	// memory during the last epoch.
	IntervalCheck(arena int, npagesnew int64)
}
