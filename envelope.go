package botfleet

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TargetKind selects how a command's targets are resolved
type TargetKind int

const (
	// TargetSingle addresses exactly one worker; the worker must be
	// dispatchable or the command fails with ErrTargetUnavailable
	TargetSingle TargetKind = iota
	// TargetSet addresses a set of workers; unavailable ones are skipped
	// and reported
	TargetSet
	// TargetBroadcast addresses every registered worker; unavailable ones
	// are skipped and reported
	TargetBroadcast
)

// Target is a command's target selector
type Target struct {
	// Kind is the selector kind
	Kind TargetKind
	// IDs are the addressed worker ids (unused for TargetBroadcast)
	IDs []string
}

// TargetWorker addresses a single worker
func TargetWorker(id string) Target {
	return Target{Kind: TargetSingle, IDs: []string{id}}
}

// TargetWorkers addresses a set of workers
func TargetWorkers(ids ...string) Target {
	return Target{Kind: TargetSet, IDs: ids}
}

// TargetAll addresses the whole fleet
func TargetAll() Target {
	return Target{Kind: TargetBroadcast}
}

// Envelope is one routed command request awaiting a single response.
// Envelopes are immutable after creation and live for one request/response
// cycle; the correlation id ties the eventual reply back to the caller.
type Envelope struct {
	// Name is the command name checked against permission grants
	Name string
	// Payload is the structured command payload
	Payload json.RawMessage
	// Target selects the receiving worker(s)
	Target Target
	// CorrelationID traces the reply; assigned by NewEnvelope
	CorrelationID string
	// Timeout bounds the wait for a reply (0 = DefaultDispatchTimeout)
	Timeout time.Duration
}

// NewEnvelope creates an Envelope with a fresh correlation id
func NewEnvelope(name string, payload json.RawMessage, target Target) *Envelope {
	return &Envelope{
		Name:          name,
		Payload:       payload,
		Target:        target,
		CorrelationID: uuid.NewString(),
	}
}

// CommandResult is the outcome of one worker's execution of a command
type CommandResult struct {
	// WorkerID is the executing worker
	WorkerID string `json:"worker_id"`
	// Payload is the worker's reply payload, nil on error
	Payload json.RawMessage `json:"payload,omitempty"`
	// Err is the per-worker failure, nil on success
	Err error `json:"-"`
	// Error is the textual failure for serialized responses
	Error string `json:"error,omitempty"`
}

// DispatchResult is the router's response to one envelope: per-target
// results for every dispatchable target plus the ids that were skipped
// because they could not receive the command.
type DispatchResult struct {
	// Results holds one entry per dispatched target
	Results []CommandResult `json:"results"`
	// Skipped lists targets that were not dispatchable at resolution time
	Skipped []string `json:"skipped,omitempty"`
}
