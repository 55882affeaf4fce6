// Package lifecycle is the verification state machine. It is pure: callers
// load state, ask for a transition, and persist the result together with the
// audit event it returns.
package lifecycle

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
)

// CheckMutable fails with model.ErrConflict once v is finalized.
func CheckMutable(v *model.Verification) error {
	if v.Status.Terminal() {
		return eris.Wrapf(model.ErrConflict, "verification %s is finalized", v.ID)
	}
	return nil
}

// StartRun moves v to running. Runs may be requested from any state except
// finalized; a blocked verification can be retried after the payer recovers.
func StartRun(v *model.Verification) (model.Status, error) {
	if err := CheckMutable(v); err != nil {
		return v.Status, err
	}
	return model.StatusRunning, nil
}

// ConnectorFailed is the state after a connector business failure.
func ConnectorFailed() model.Status {
	return model.StatusBlockedNeedsEvidence
}

// AcceptsEvidence reports whether a new artifact should re-queue extraction.
func AcceptsEvidence(s model.Status) bool {
	return !s.Terminal()
}

// AfterExtraction returns the review routing for an extraction pass.
func AfterExtraction(needsReview bool) model.Status {
	if needsReview {
		return model.StatusNeedsHumanReview
	}
	return model.StatusDraftReady
}

// CheckFinalize applies the finalize guard. eligibility is the current
// eligibility_status field, or nil when absent.
func CheckFinalize(v *model.Verification, eligibility *model.SummaryField) error {
	if err := CheckMutable(v); err != nil {
		return err
	}
	if v.Status != model.StatusNeedsHumanReview && v.Status != model.StatusDraftReady {
		return eris.Wrapf(model.ErrPrecondition, "verification %s cannot be finalized from %s", v.ID, v.Status)
	}
	if eligibility == nil || model.IsUnknownValue(eligibility.Value) {
		return eris.Wrap(model.ErrPrecondition, "eligibility status must be set before finalizing")
	}
	return nil
}

// CheckFieldUpdate validates a reviewer edit.
func CheckFieldUpdate(v *model.Verification, upd model.FieldUpdate) error {
	if err := CheckMutable(v); err != nil {
		return err
	}
	if !upd.Status.Valid() {
		return eris.Wrapf(model.ErrInvalid, "invalid field status %q", upd.Status)
	}
	if upd.Status.RequiresNote() && len(bytes.TrimSpace([]byte(upd.ReviewerNote))) == 0 {
		return eris.Wrapf(model.ErrPrecondition, "reviewer note is required when status is %s", upd.Status)
	}
	return nil
}

// Event builds an audit event for a verification-scoped change. diff may be
// nil.
func Event(actor model.Actor, eventType model.EventType, entityType model.EntityType, entityID, verificationID string, diff map[string]any) *model.AuditEvent {
	e := &model.AuditEvent{
		TenantID:       actor.TenantID,
		ActorType:      actor.Type,
		ActorID:        actor.ID,
		EventType:      eventType,
		EntityType:     entityType,
		EntityID:       entityID,
		VerificationID: verificationID,
	}
	if diff != nil {
		// Marshalling a map of plain values cannot fail.
		e.Diff, _ = json.Marshal(diff)
	}
	return e
}

// Transition builds the audit event for a status change of v.
func Transition(actor model.Actor, eventType model.EventType, v *model.Verification, to model.Status, extra map[string]any) *model.AuditEvent {
	diff := map[string]any{"from": v.Status, "to": to}
	for k, val := range extra {
		diff[k] = val
	}
	return Event(actor, eventType, model.EntityVerification, v.ID, v.ID, diff)
}
