package cluster

import "errors"

// Cluster-level errors.
var (
	ErrNotRunning = errors.New("system is not running")
)
