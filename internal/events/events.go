// Package events provides the pub/sub notifications emitted while a run is in
// progress: rounds, checks, gate holds and shard transfers.
package events

import (
	"time"

	"replica-chaos/internal/store"
)

// EventType represents the type of event
type EventType string

const (
	// EventRoundCompleted is emitted after the workload of a round has been applied
	EventRoundCompleted EventType = "round_completed"
	// EventCheckPassed is emitted when every node matched the expected state
	EventCheckPassed EventType = "check_passed"
	// EventCheckFailed is emitted for each failing check attempt that will be retried
	EventCheckFailed EventType = "check_failed"
	// EventInconsistency is emitted when a divergence survived every check attempt
	EventInconsistency EventType = "inconsistency"
	// EventGateHeld is emitted when the checker blocks new transfers
	EventGateHeld EventType = "gate_held"
	// EventGateReleased is emitted when the checker lets transfers start again
	EventGateReleased EventType = "gate_released"
	// EventTransferStarted is emitted when a node accepted a shard transfer request
	EventTransferStarted EventType = "transfer_started"
	// EventTransferRejected is emitted when a node refused a shard transfer request
	EventTransferRejected EventType = "transfer_rejected"
	// EventTransferCompleted is emitted once the source no longer reports the transfer
	EventTransferCompleted EventType = "transfer_completed"
	// EventOptimizersCancelled is emitted for each empty collection update
	EventOptimizersCancelled EventType = "optimizers_cancelled"
)

// Event represents a harness event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`
	Round     uint64    `json:"round"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Method      store.TransferMethod `json:"method,omitempty"`
	From        int                  `json:"from,omitempty"`
	To          int                  `json:"to,omitempty"`
	Attempt     int                  `json:"attempt,omitempty"`
	Description string               `json:"description,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func newEvent(t EventType, nodeID string, round uint64) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Round:     round,
	}
}

// NewRoundCompletedEvent creates a round completion event
func NewRoundCompletedEvent(round uint64) Event {
	return newEvent(EventRoundCompleted, "", round)
}

// NewCheckPassedEvent creates a check pass event
func NewCheckPassedEvent(round uint64, attempt int) Event {
	e := newEvent(EventCheckPassed, "", round)
	e.Data.Attempt = attempt
	return e
}

// NewCheckFailedEvent creates an event for one failing check attempt
func NewCheckFailedEvent(nodeID string, round uint64, attempt int, description string) Event {
	e := newEvent(EventCheckFailed, nodeID, round)
	e.Data.Attempt = attempt
	e.Data.Description = description
	return e
}

// NewInconsistencyEvent creates a confirmed inconsistency event
func NewInconsistencyEvent(round uint64, attempts int, err error) Event {
	e := newEvent(EventInconsistency, "", round)
	e.Data.Attempt = attempts
	if err != nil {
		e.Data.Error = err.Error()
	}
	return e
}

// NewGateEvent creates a gate held or released event
func NewGateEvent(held bool, round uint64) Event {
	if held {
		return newEvent(EventGateHeld, "", round)
	}
	return newEvent(EventGateReleased, "", round)
}

// NewTransferEvent creates a transfer lifecycle event. nodeID is the source address
func NewTransferEvent(t EventType, nodeID string, from, to int, method store.TransferMethod) Event {
	e := newEvent(t, nodeID, 0)
	e.Data.From = from
	e.Data.To = to
	e.Data.Method = method
	return e
}

// NewTransferRejectedEvent creates an event for a refused transfer request
func NewTransferRejectedEvent(nodeID string, from, to int, method store.TransferMethod, err error) Event {
	e := NewTransferEvent(EventTransferRejected, nodeID, from, to, method)
	if err != nil {
		e.Data.Error = err.Error()
	}
	return e
}

// NewOptimizersCancelledEvent creates an optimizer cancellation event
func NewOptimizersCancelledEvent(nodeID string) Event {
	return newEvent(EventOptimizersCancelled, nodeID, 0)
}
