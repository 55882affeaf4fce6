// Package store persists verifications, their evidence, summary fields,
// reports and the audit trail.
package store

import (
	"context"

	"github.com/sells-group/eb-copilot/internal/model"
)

// Reader is the read surface shared by the store and an open transaction.
// Lookups of a single row return an error wrapping model.ErrNotFound when
// the row is absent.
type Reader interface {
	GetVerification(ctx context.Context, id string) (*model.Verification, error)
	ListVerifications(ctx context.Context, filter model.VerificationFilter) ([]model.VerificationListItem, int, error)
	ListTenantVerifications(ctx context.Context, tenantID string) ([]model.VerificationListItem, error)

	// ListArtifacts returns artifacts oldest first, the order extraction
	// searches them in.
	ListArtifacts(ctx context.Context, verificationID string) ([]model.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)

	// ListSummaryFields returns the current generation ordered by field name.
	ListSummaryFields(ctx context.Context, verificationID string) ([]model.SummaryField, error)
	GetSummaryField(ctx context.Context, verificationID, fieldName string) (*model.SummaryField, error)
	LatestDraftSummary(ctx context.Context, verificationID string) (*model.DraftSummary, error)

	LatestReport(ctx context.Context, verificationID string) (*model.GeneratedReport, error)

	// ListAuditEvents returns events newest first.
	ListAuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error)
}

// Tx is a unit of work. Everything written through a Tx commits together or
// not at all.
type Tx interface {
	Reader

	// LockVerification reads a verification and holds an exclusive row lock
	// on it until the transaction ends. Pipeline tasks and reviewer edits
	// take this lock before touching the field set.
	LockVerification(ctx context.Context, id string) (*model.Verification, error)

	// CreateVerification inserts v with its patient and insurance rows.
	CreateVerification(ctx context.Context, v *model.Verification) error
	UpdateVerificationStatus(ctx context.Context, id string, status model.Status) error
	UpdateVerificationDetails(ctx context.Context, v *model.Verification) error

	CreateArtifact(ctx context.Context, a *model.Artifact) error

	// ReplaceSummary writes fields and draft as generation current+1, points
	// the verification at it and drops older field generations. It returns
	// the new generation.
	ReplaceSummary(ctx context.Context, verificationID string, draft *model.DraftSummary, fields []model.SummaryField) (int, error)
	UpdateSummaryField(ctx context.Context, f *model.SummaryField) error

	CreateReport(ctx context.Context, r *model.GeneratedReport) error

	AppendAudit(ctx context.Context, e *model.AuditEvent) error
}

// Store is the persistence interface for the verification pipeline.
type Store interface {
	Reader

	// InTx runs fn in a transaction, committing when fn returns nil. fn must
	// only use tx; calling back into the Store may deadlock on SQLite.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
