package hearthd

import "context"

// Subsystem is the minimal lifecycle contract every owned runtime component
// supports. Construction happens through each package's constructor; once the
// runtime enters its stopping phase no subsystem may be (re)constructed.
type Subsystem interface {
	// Name returns the unique identifier for this subsystem.
	Name() string

	// Stop requests a cooperative stop. It must return to the caller without
	// blocking and must be safe to call more than once. A perpetual loop
	// observes the request at its next iteration boundary and exits only
	// after completing its current unit of work in full.
	Stop()
}

// Looper is implemented by subsystems that own a perpetual loop the runtime
// schedules as a task on the task loop.
type Looper interface {
	Subsystem

	// Loop runs until Stop is requested or the context is cancelled.
	// Suspension occurs only at well-defined points within each iteration.
	Loop(ctx context.Context) error
}

// Terminator is implemented by subsystems that need a final drain distinct
// from Stop's cooperative signaling. Terminate is invoked only after the
// task loop has fully joined, so it never races with an in-flight iteration.
type Terminator interface {
	Subsystem

	// Terminate performs final resource release, such as flushing state.
	Terminate() error
}
