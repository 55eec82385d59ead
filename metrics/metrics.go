package metrics

import "time"

// QueueMetrics receives one call per task transition. Implementations must be
// safe for concurrent use.
type QueueMetrics interface {
	TaskCreated(queue string)
	TaskClaimed(queue string)
	ClaimConflict(queue string)
	TaskCompleted(queue string)
	TaskErrored(queue string, late bool)
	TasksRequeued(queue string, n int)
	DispatchLatency(queue string, d time.Duration)
}

type Noop struct{}

func (Noop) TaskCreated(string)                    {}
func (Noop) TaskClaimed(string)                    {}
func (Noop) ClaimConflict(string)                  {}
func (Noop) TaskCompleted(string)                  {}
func (Noop) TaskErrored(string, bool)              {}
func (Noop) TasksRequeued(string, int)             {}
func (Noop) DispatchLatency(string, time.Duration) {}
