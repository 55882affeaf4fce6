package model

import "time"

// TaskKind names one of the pipeline's units of work.
type TaskKind string

const (
	TaskRun     TaskKind = "run_verification"
	TaskExtract TaskKind = "extract_summary"
	TaskReport  TaskKind = "generate_report"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskRun, TaskExtract, TaskReport:
		return true
	}
	return false
}

// TaskStatus is the queue bookkeeping state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of pipeline work addressed by verification id only.
type Task struct {
	ID             string    `json:"id"`
	Kind           TaskKind  `json:"kind"`
	VerificationID string    `json:"verification_id"`
	Attempts       int       `json:"attempts,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Outcome is the result string of a completed task.
type Outcome string

const (
	OutcomeQueuedExtraction      Outcome = "queued_extraction"
	OutcomeBlockedNeedsEvidence  Outcome = "blocked_needs_evidence"
	OutcomeNeedsHumanReview      Outcome = "needs_human_review"
	OutcomeDraftReady            Outcome = "draft_ready"
	OutcomeReportGenerated       Outcome = "report_generated"
	OutcomeVerificationNotFound  Outcome = "verification_not_found"
	OutcomeMissingFields         Outcome = "missing_fields"
	OutcomeAlreadyFinalized      Outcome = "already_finalized"
	OutcomeFailed                Outcome = "failed"
)
