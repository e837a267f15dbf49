package eventbus

import "time"

type EventType string

const (
	EventProvisionStarted EventType = "provision.started"
	EventWorkerInvoked    EventType = "worker.invoked"
	EventWorkerReady      EventType = "worker.ready"
	EventWorkerFailed     EventType = "worker.failed"
	EventWorkerRetiring   EventType = "worker.retiring"
	EventWorkerTerminated EventType = "worker.terminated"
	EventTaskAccepted     EventType = "task.accepted"
	EventTaskFinished     EventType = "task.finished"
)

type Event struct {
	Type      EventType `json:"type"`
	Worker    string    `json:"worker"`
	Pool      string    `json:"pool,omitempty"`
	Message   string    `json:"message,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FleetChannelKey carries every worker's events.
const FleetChannelKey = "fleet:events"

func WorkerChannelKey(workerName string) string {
	return "worker:" + workerName + ":log"
}
