package schema

import "time"

// EventStatus is the durable lifecycle state of a persisted event.
type EventStatus string

const (
	// StatusPending marks an event stored but not yet processed.
	StatusPending EventStatus = "pending"
	// StatusProcessed marks an event whose handlers ran.
	StatusProcessed EventStatus = "processed"
	// StatusDeadLettered marks an event that exhausted its retries.
	StatusDeadLettered EventStatus = "dead_lettered"
	// StatusExpired marks an event dropped after its TTL elapsed.
	StatusExpired EventStatus = "expired"
)

// Valid reports whether the status is one of the defined states.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusDeadLettered, StatusExpired:
		return true
	default:
		return false
	}
}

// DeadLetter is the terminal record of an event that exhausted its retries.
type DeadLetter struct {
	Event    *Event    `json:"event"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}
