// Package interfaces provides internal interface definitions for go-hcq.
// These are separate from the public package to avoid circular imports
// between the root package and the internal backend implementations that
// import it (internal/mockdev imports the root package the way an HCQ
// backend would; it cannot also be imported back by the root package).
package interfaces

// Logger is a minimal Printf/Debugf logging interface. Device, Signal and
// Profiler log through a *logging.Logger directly; no constructor in this
// module takes a Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer collects metrics about queue and device activity. Implementations
// must be thread-safe: submissions may originate from multiple device
// contexts and, in backends with an asynchronous execution engine, from a
// background goroutine concurrently with the caller.
type Observer interface {
	// ObserveSubmit is called once per Queue.Submit, after the backend has
	// accepted the word stream for execution.
	ObserveSubmit(kind string, words int, latencyNs uint64, success bool)

	// ObserveWait is called once per Signal.Wait, successful or not.
	ObserveWait(latencyNs uint64, success bool)

	// ObserveCopy is called once per copy queue the allocator submits
	// (chunked transfers report once per chunk); latency covers the submit.
	ObserveCopy(bytes uint64, latencyNs uint64, success bool)

	// ObserveExec is called once per kernel launch.
	ObserveExec(latencyNs uint64, success bool)

	// ObserveQueueDepth reports the number of commands in a just-submitted
	// queue, for depth-distribution tracking.
	ObserveQueueDepth(depth uint32)
}
