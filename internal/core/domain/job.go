// Package domain contains the core types of the document processing
// pipeline: jobs, their state machine, classified errors, quarantine
// records and metric samples.
package domain

import "time"

// JobState identifies a position in the processing lifecycle.
type JobState string

const (
	StatePending         JobState = "PENDING"
	StateQueued          JobState = "QUEUED"
	StateProcessing      JobState = "PROCESSING"
	StateCompleted       JobState = "COMPLETED"
	StateFailedTransient JobState = "FAILED_TRANSIENT"
	StateFailedPermanent JobState = "FAILED_PERMANENT"
	StateRetryScheduled  JobState = "RETRY_SCHEDULED"
	StateQuarantined     JobState = "QUARANTINED"
	StateCancelled       JobState = "CANCELLED"
	StateSkipped         JobState = "SKIPPED"
)

// ValidTransitions is the allowed edge set of the job state machine.
// Cancellation from any non-terminal state is handled separately in
// CanTransition.
var ValidTransitions = map[JobState][]JobState{
	StatePending:         {StateQueued, StateSkipped},
	StateQueued:          {StateProcessing},
	StateProcessing:      {StateCompleted, StateFailedTransient, StateFailedPermanent},
	StateFailedTransient: {StateRetryScheduled, StateQuarantined},
	StateFailedPermanent: {StateQuarantined},
	StateRetryScheduled:  {StateQueued},
	StateQuarantined:     {StatePending},
}

// TerminalStates are the states a job never leaves on its own, and which
// cancellation cannot touch. QUARANTINED is terminal for the pipeline;
// operator re-admission (the QUARANTINED -> PENDING edge) is its only exit.
var TerminalStates = map[JobState]bool{
	StateCompleted:   true,
	StateCancelled:   true,
	StateSkipped:     true,
	StateQuarantined: true,
}

// IsTerminal reports whether the state ends the job's lifecycle.
func (s JobState) IsTerminal() bool {
	return TerminalStates[s]
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to JobState) bool {
	if to == StateCancelled {
		return !from.IsTerminal()
	}
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessingJob is the durable record of one document's trip through the
// pipeline. Seq is the optimistic concurrency token: every state change
// increments it, and transitions are conditioned on the expected value.
type ProcessingJob struct {
	ID              string     `db:"id" json:"id"`
	FileID          string     `db:"file_id" json:"file_id"`
	Location        string     `db:"location" json:"location"`
	State           JobState   `db:"state" json:"state"`
	Stage           string     `db:"stage" json:"stage,omitempty"`
	ProgressPercent int        `db:"progress_percent" json:"progress_percent"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	MaxRetries      int        `db:"max_retries" json:"max_retries"`
	Seq             int64      `db:"seq" json:"seq"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt   *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastProgressAt  time.Time  `db:"last_progress_at" json:"last_progress_at"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Transition is one entry of a job's audit log.
type Transition struct {
	JobID     string    `db:"job_id" json:"job_id"`
	Seq       int64     `db:"seq" json:"seq"`
	From      JobState  `db:"from_state" json:"from"`
	To        JobState  `db:"to_state" json:"to"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
}

// StateDescription returns a short human-readable label for a state.
func StateDescription(s JobState) string {
	switch s {
	case StatePending:
		return "awaiting admission"
	case StateQueued:
		return "waiting for a worker"
	case StateProcessing:
		return "being processed"
	case StateCompleted:
		return "processed successfully"
	case StateFailedTransient:
		return "failed, retry possible"
	case StateFailedPermanent:
		return "failed permanently"
	case StateRetryScheduled:
		return "waiting for retry"
	case StateQuarantined:
		return "quarantined"
	case StateCancelled:
		return "cancelled"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
