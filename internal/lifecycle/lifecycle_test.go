package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/model"
)

func verification(status model.Status) *model.Verification {
	return &model.Verification{ID: "v-1", TenantID: "t-1", Status: status}
}

func eligibility(raw string) *model.SummaryField {
	return &model.SummaryField{FieldName: model.FieldEligibilityStatus, Value: json.RawMessage(raw)}
}

func TestStartRun(t *testing.T) {
	for _, s := range []model.Status{
		model.StatusPending, model.StatusRunning, model.StatusBlockedNeedsEvidence,
		model.StatusNeedsHumanReview, model.StatusDraftReady,
	} {
		to, err := StartRun(verification(s))
		require.NoError(t, err, s)
		assert.Equal(t, model.StatusRunning, to)
	}

	to, err := StartRun(verification(model.StatusFinalized))
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, model.StatusFinalized, to)
}

func TestAfterExtraction(t *testing.T) {
	assert.Equal(t, model.StatusNeedsHumanReview, AfterExtraction(true))
	assert.Equal(t, model.StatusDraftReady, AfterExtraction(false))
	assert.Equal(t, model.StatusBlockedNeedsEvidence, ConnectorFailed())
}

func TestAcceptsEvidence(t *testing.T) {
	assert.True(t, AcceptsEvidence(model.StatusPending))
	assert.True(t, AcceptsEvidence(model.StatusBlockedNeedsEvidence))
	assert.True(t, AcceptsEvidence(model.StatusDraftReady))
	assert.False(t, AcceptsEvidence(model.StatusFinalized))
}

func TestCheckFinalize(t *testing.T) {
	tests := []struct {
		name   string
		status model.Status
		field  *model.SummaryField
		want   error
	}{
		{"draft ready active", model.StatusDraftReady, eligibility(`"active"`), nil},
		{"review inactive", model.StatusNeedsHumanReview, eligibility(`"inactive"`), nil},
		{"missing field", model.StatusDraftReady, nil, model.ErrPrecondition},
		{"unknown value", model.StatusDraftReady, eligibility(`"unknown"`), model.ErrPrecondition},
		{"null value", model.StatusNeedsHumanReview, eligibility(`null`), model.ErrPrecondition},
		{"pending", model.StatusPending, eligibility(`"active"`), model.ErrPrecondition},
		{"blocked", model.StatusBlockedNeedsEvidence, eligibility(`"active"`), model.ErrPrecondition},
		{"already finalized", model.StatusFinalized, eligibility(`"active"`), model.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFinalize(verification(tt.status), tt.field)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckFieldUpdate(t *testing.T) {
	v := verification(model.StatusNeedsHumanReview)

	assert.NoError(t, CheckFieldUpdate(v, model.FieldUpdate{Status: model.FieldVerified}))
	assert.NoError(t, CheckFieldUpdate(v, model.FieldUpdate{Status: model.FieldEdited, ReviewerNote: "called payer"}))
	assert.ErrorIs(t, CheckFieldUpdate(v, model.FieldUpdate{Status: model.FieldEdited}), model.ErrPrecondition)
	assert.ErrorIs(t, CheckFieldUpdate(v, model.FieldUpdate{Status: model.FieldUnknown, ReviewerNote: "  "}), model.ErrPrecondition)
	assert.ErrorIs(t, CheckFieldUpdate(v, model.FieldUpdate{Status: "approved"}), model.ErrInvalid)

	assert.ErrorIs(t, CheckFieldUpdate(verification(model.StatusFinalized), model.FieldUpdate{Status: model.FieldVerified}), model.ErrConflict)
}

func TestTransition(t *testing.T) {
	actor := model.Actor{Type: model.ActorUser, ID: "u-1", TenantID: "t-1"}
	e := Transition(actor, model.EventVerificationFinalized, verification(model.StatusDraftReady), model.StatusFinalized, map[string]any{"note": "ok"})

	assert.Equal(t, "t-1", e.TenantID)
	assert.Equal(t, model.ActorUser, e.ActorType)
	assert.Equal(t, "u-1", e.ActorID)
	assert.Equal(t, model.EntityVerification, e.EntityType)
	assert.Equal(t, "v-1", e.EntityID)
	assert.Equal(t, "v-1", e.VerificationID)
	assert.JSONEq(t, `{"from":"draft_ready","to":"finalized","note":"ok"}`, string(e.Diff))
}

func TestEvent_NilDiff(t *testing.T) {
	e := Event(model.SystemActor("t-1"), model.EventExtractionCompleted, model.EntityVerification, "v-1", "v-1", nil)
	assert.Nil(t, e.Diff)
	assert.Equal(t, model.ActorSystem, e.ActorType)
}
