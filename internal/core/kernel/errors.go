package kernel

import "errors"

// Core kernel errors. All of them are non-fatal to the hosting process;
// callers observe them through explicit returns.
var (
	// Queue errors

	ErrQueueFull   = errors.New("inbox is at capacity")
	ErrQueueEmpty  = errors.New("inbox is empty")
	ErrQueueClosed = errors.New("inbox is closed")

	// Process errors

	ErrProcessNotFound = errors.New("process not found")

	// Routing errors

	ErrInvalidTarget = errors.New("invalid destination node")

	// Lifecycle errors

	ErrNotRunning      = errors.New("node is not running")
	ErrAlreadyRunning  = errors.New("node is already running")
	ErrShutdownTimeout = errors.New("worker did not exit before the shutdown deadline")
)
