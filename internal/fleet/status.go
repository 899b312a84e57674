package fleet

import "fmt"

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerProvisioning: {WorkerActive, WorkerRotating, WorkerTerminated},
	WorkerActive:       {WorkerRotating, WorkerOffline},
	WorkerRotating:     {WorkerTerminated},
}

// CanTransition reports whether a worker may move from one status to another.
func CanTransition(from, to WorkerStatus) bool {
	for _, next := range workerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PredecessorsOf lists every status that may move to the target status.
// Stores use it to build conditional updates.
func PredecessorsOf(to WorkerStatus) []WorkerStatus {
	var out []WorkerStatus
	for _, from := range []WorkerStatus{
		WorkerProvisioning, WorkerActive, WorkerRotating, WorkerOffline, WorkerTerminated,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ParseWorkerStatus validates a persisted status string.
func ParseWorkerStatus(s string) (WorkerStatus, error) {
	switch st := WorkerStatus(s); st {
	case WorkerProvisioning, WorkerActive, WorkerRotating, WorkerOffline, WorkerTerminated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown worker status %q", s)
	}
}

// CountsTowardTarget reports whether a worker in this status occupies a fleet slot.
func (s WorkerStatus) CountsTowardTarget() bool {
	return s == WorkerActive || s == WorkerProvisioning
}
