// Package eventsink defines the narrow seam between the transfer core and
// whatever process hosts it (an HTTP/WebSocket façade, a CLI, a test). The
// core never broadcasts events itself; it calls a sink.
package eventsink

// TaskUpdate carries the fields an observer cares about after a progress
// tick. Speed and TimeRemaining are best-effort, recomputed by the caller
// on each emit; they are not persisted.
type TaskUpdate struct {
	TaskID        string
	BytesDone     int64
	TotalBytes    int64
	SpeedBps      float64
	TimeRemaining string
}

// TaskTermination carries the terminal outcome of a task.
type TaskTermination struct {
	TaskID string
	Status string
	Error  string
}

// GroupUpdate carries the aggregated state of a FolderTask or a
// TransferTask's child watcher.
type GroupUpdate struct {
	GroupID    string
	Status     string
	BytesDone  int64
	TotalBytes int64
}

// Sink is implemented by whatever consumes the core's events. REST/
// WebSocket broadcasting, desktop-shell event emission, and test
// collection all implement this the same way.
type Sink interface {
	TaskCreated(taskID, kind string)
	TaskUpdated(u TaskUpdate)
	TaskStatusChanged(taskID, status string)
	TaskTerminated(t TaskTermination)
	GroupUpdated(g GroupUpdate)
}

// Noop discards every event. Used where no observer is wired (headless
// recovery paths, unit tests that don't care about events).
type Noop struct{}

func (Noop) TaskCreated(taskID, kind string)       {}
func (Noop) TaskUpdated(u TaskUpdate)              {}
func (Noop) TaskStatusChanged(taskID, status string) {}
func (Noop) TaskTerminated(t TaskTermination)      {}
func (Noop) GroupUpdated(g GroupUpdate)            {}

var _ Sink = Noop{}
