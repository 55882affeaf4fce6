package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusBlockedNeedsEvidence, StatusNeedsHumanReview, StatusDraftReady, StatusFinalized} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("archived").Valid())
	assert.True(t, StatusFinalized.Terminal())
	assert.False(t, StatusDraftReady.Terminal())
}

func TestVerificationPatch_Apply(t *testing.T) {
	payer := "Aetna"
	when := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := Verification{PayerName: "Blue Cross", PlanName: "PPO", ServiceCategory: "pt"}

	p := VerificationPatch{PayerName: &payer, ScheduledAt: &when}
	assert.False(t, p.Empty())
	p.Apply(&v)

	assert.Equal(t, "Aetna", v.PayerName)
	assert.Equal(t, "PPO", v.PlanName)
	assert.Equal(t, "pt", v.ServiceCategory)
	assert.Equal(t, when, *v.ScheduledAt)
	assert.True(t, VerificationPatch{}.Empty())
}

func TestVerificationFilter_Normalize(t *testing.T) {
	f := VerificationFilter{}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 25, f.PageSize)
	assert.Equal(t, 0, f.Offset())

	f = VerificationFilter{Page: 3, PageSize: 500}.Normalize()
	assert.Equal(t, 100, f.PageSize)
	assert.Equal(t, 200, f.Offset())
}

func TestIsUnknownValue(t *testing.T) {
	assert.True(t, IsUnknownValue(nil))
	assert.True(t, IsUnknownValue(json.RawMessage(`null`)))
	assert.True(t, IsUnknownValue(json.RawMessage(` "unknown" `)))
	assert.False(t, IsUnknownValue(json.RawMessage(`"active"`)))
	assert.False(t, IsUnknownValue(json.RawMessage(`{"amount":null,"currency":"USD"}`)))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"active"`, "active"},
		{`null`, "unknown"},
		{`{"amount":25,"currency":"USD"}`, "25.00 USD"},
		{`{"amount":null,"currency":"USD"}`, "unknown"},
		{`{"percent":20}`, "20%"},
		{`12`, "12"},
		{`true`, "true"},
		{`{"a": 1}`, `{"a":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(json.RawMessage(tt.raw)), tt.raw)
	}
}

func TestFieldStatus(t *testing.T) {
	assert.True(t, FieldEdited.RequiresNote())
	assert.True(t, FieldUnknown.RequiresNote())
	assert.False(t, FieldVerified.RequiresNote())
	assert.False(t, FieldStatus("bogus").Valid())
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(eris.Wrap(ErrNotFound, "verification v1")))
	assert.True(t, IsDomainError(eris.Wrap(ErrPrecondition, "finalize")))
	assert.False(t, IsDomainError(eris.New("connection reset")))
	assert.False(t, IsDomainError(nil))
}

func TestTaskKind_Valid(t *testing.T) {
	assert.True(t, TaskRun.Valid())
	assert.True(t, TaskReport.Valid())
	assert.False(t, TaskKind("resync").Valid())
}

func TestPatientInfo_JSONDates(t *testing.T) {
	var p PatientInfo
	assert.NoError(t, json.Unmarshal([]byte(`{"patient_name":"Jane Roe","date_of_birth":"1985-04-12"}`), &p))
	assert.Equal(t, time.Date(1985, 4, 12, 0, 0, 0, 0, time.UTC), p.DateOfBirth)
	assert.Equal(t, "Jane Roe", p.PatientName)

	assert.NoError(t, json.Unmarshal([]byte(`{"date_of_birth":"1985-04-12T00:00:00Z"}`), &p))
	assert.Equal(t, 1985, p.DateOfBirth.Year())

	err := json.Unmarshal([]byte(`{"date_of_birth":"12/04/1985"}`), &p)
	assert.ErrorIs(t, err, ErrInvalid)

	out, err := json.Marshal(PatientInfo{PatientName: "Jane Roe", DateOfBirth: time.Date(1985, 4, 12, 0, 0, 0, 0, time.UTC)})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"patient_name":"Jane Roe","date_of_birth":"1985-04-12"}`, string(out))
}
