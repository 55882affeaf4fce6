package model

import (
	"encoding/json"
	"time"
)

// ActorType distinguishes reviewer actions from pipeline actions.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Role is the permission level carried by an authenticated user.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReviewer  Role = "reviewer"
	RoleScheduler Role = "scheduler"
)

// Actor identifies who performed an action and within which tenant.
type Actor struct {
	Type     ActorType
	ID       string
	TenantID string
	Role     Role
}

// SystemActor returns the pipeline actor for the given tenant.
func SystemActor(tenantID string) Actor {
	return Actor{Type: ActorSystem, TenantID: tenantID}
}

// EventType names an audit event. The set is consumed by reporting outside
// the pipeline and must stay stable.
type EventType string

const (
	EventVerificationCreated      EventType = "verification_created"
	EventVerificationUpdated      EventType = "verification_updated"
	EventVerificationRunRequested EventType = "verification_run_requested"
	EventVerificationRunStarted   EventType = "verification_run_started"
	EventVerificationFailed       EventType = "verification_failed"
	EventEvidenceUploaded         EventType = "evidence_uploaded"
	EventExtractionCompleted      EventType = "extraction_completed"
	EventSummaryFieldUpdated      EventType = "summary_field_updated"
	EventVerificationFinalized    EventType = "verification_finalized"
	EventReportGenerated          EventType = "report_generated"
)

// EntityType names the kind of row an audit event is about.
type EntityType string

const (
	EntityVerification EntityType = "verification"
	EntityArtifact     EntityType = "artifact"
	EntitySummaryField EntityType = "summary_field"
	EntityReport       EntityType = "generated_report"
)

// AuditEvent is an append-only record of a state transition or mutation.
// VerificationID is a typed link to the owning verification, set for every
// event regardless of EntityType.
type AuditEvent struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	ActorType      ActorType       `json:"actor_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	VerificationID string          `json:"verification_id,omitempty"`
	Diff           json.RawMessage `json:"diff_json,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditFilter selects audit events.
type AuditFilter struct {
	TenantID       string
	VerificationID string
	EventType      EventType
	Limit          int
}
