package verification

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/evidence"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/store"
)

var (
	reviewer = model.Actor{Type: model.ActorUser, ID: "u-1", TenantID: "t-1", Role: model.RoleReviewer}
	outsider = model.Actor{Type: model.ActorUser, ID: "u-9", TenantID: "t-2", Role: model.RoleAdmin}
)

type fixture struct {
	svc   *Service
	store store.Store
	blobs *evidence.Memory
	queue *mockEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	blobs := evidence.NewMemory()
	q := &mockEnqueuer{}
	t.Cleanup(func() { q.AssertExpectations(t) })
	return &fixture{
		svc:   NewService(st, blobs, q, config.EvidenceConfig{PresignTTLSecs: 60}),
		store: st,
		blobs: blobs,
		queue: q,
	}
}

func createRequest(payer, memberID string) CreateRequest {
	return CreateRequest{
		PayerName:       payer,
		PlanName:        "Gold PPO",
		ServiceCategory: "office_visit",
		Patient: model.PatientInfo{
			PatientName: "Jane Roe",
			DateOfBirth: time.Date(1985, 4, 12, 0, 0, 0, 0, time.UTC),
		},
		Insurance: model.InsuranceInfo{RelationshipToPatient: "self", MemberID: memberID},
	}
}

func (f *fixture) create(t *testing.T) *model.Verification {
	t.Helper()
	v, err := f.svc.Create(context.Background(), reviewer, createRequest("Blue Cross", "M2"))
	require.NoError(t, err)
	return v
}

// draft seeds a field generation and moves v to status.
func (f *fixture) draft(t *testing.T, v *model.Verification, status model.Status, eligibility string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		fields := []model.SummaryField{
			{FieldName: model.FieldEligibilityStatus, Value: json.RawMessage(eligibility), Confidence: 0.9, Status: model.FieldDraft},
			{FieldName: "copay", Value: json.RawMessage(`{"amount":25,"currency":"USD"}`), Confidence: 0.7, Status: model.FieldDraft},
		}
		if _, err := tx.ReplaceSummary(ctx, v.ID, &model.DraftSummary{ModelName: "rules-v1", RawOutput: json.RawMessage(`{}`)}, fields); err != nil {
			return err
		}
		return tx.UpdateVerificationStatus(ctx, v.ID, status)
	}))
}

func (f *fixture) events(t *testing.T, id string, kind model.EventType) []model.AuditEvent {
	t.Helper()
	events, err := f.store.ListAuditEvents(context.Background(), model.AuditFilter{TenantID: "t-1", VerificationID: id, EventType: kind})
	require.NoError(t, err)
	return events
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	assert.Equal(t, model.StatusPending, v.Status)
	assert.Equal(t, "t-1", v.TenantID)
	assert.Equal(t, "u-1", v.CreatedBy)

	got, err := f.svc.Get(context.Background(), reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Roe", got.Patient.PatientName)
	assert.Equal(t, "M2", got.Insurance.MemberID)

	events := f.events(t, v.ID, model.EventVerificationCreated)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"status":"pending"}`, string(events[0].Diff))
	assert.Equal(t, model.ActorUser, events[0].ActorType)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	req := createRequest("", "M2")
	req.Patient.DateOfBirth = time.Time{}
	_, err := f.svc.Create(context.Background(), reviewer, req)
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Contains(t, err.Error(), "payer_name")
	assert.Contains(t, err.Error(), "patient_info.date_of_birth")

	_, err = f.svc.Create(context.Background(), reviewer, createRequest("Aetna", ""))
	assert.NoError(t, err, "blank member id is a connector failure, not a validation error")
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	_, err := f.svc.Get(context.Background(), outsider, v.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.GetSummary(context.Background(), outsider, v.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.Update(context.Background(), outsider, v.ID, model.VerificationPatch{PlanName: ptr("x")})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestList_ScopedAndFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, reviewer, createRequest("Blue Cross", "1"))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, reviewer, createRequest("Aetna", "2"))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, outsider, createRequest("Blue Shield", "3"))
	require.NoError(t, err)

	items, total, err := f.svc.List(ctx, reviewer, model.VerificationFilter{Payer: "blue"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Blue Cross", items[0].PayerName)
	assert.Equal(t, "Jane Roe", items[0].PatientName)

	_, total, err = f.svc.List(ctx, reviewer, model.VerificationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, _, err = f.svc.List(ctx, reviewer, model.VerificationFilter{Status: "archived"})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	got, err := f.svc.Update(context.Background(), reviewer, v.ID, model.VerificationPatch{PlanName: ptr("Silver HMO")})
	require.NoError(t, err)
	assert.Equal(t, "Silver HMO", got.PlanName)
	assert.Equal(t, "Blue Cross", got.PayerName)

	events := f.events(t, v.ID, model.EventVerificationUpdated)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"plan_name":"Silver HMO"}`, string(events[0].Diff))

	_, err = f.svc.Update(context.Background(), reviewer, v.ID, model.VerificationPatch{})
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = f.svc.Update(context.Background(), reviewer, v.ID, model.VerificationPatch{PayerName: ptr(" ")})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestRequestRun(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskRun, v.ID).Once()

	task, err := f.svc.RequestRun(context.Background(), reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRun, task.Kind)

	events := f.events(t, v.ID, model.EventVerificationRunRequested)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"task_id":"task-run_verification"}`, string(events[0].Diff))
}

func TestRequestRun_EnqueueFailureWritesNoAudit(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.On("Enqueue", mock.Anything, model.TaskRun, v.ID).Return(model.Task{}, errors.New("redis down")).Once()

	_, err := f.svc.RequestRun(context.Background(), reviewer, v.ID)
	require.Error(t, err)
	assert.Empty(t, f.events(t, v.ID, model.EventVerificationRunRequested))
}

func TestAddTextArtifact_QueuesExtraction(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskExtract, v.ID).Once()

	a, err := f.svc.AddTextArtifact(context.Background(), reviewer, v.ID, "Eligibility status: active")
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactText, a.Type)
	assert.Equal(t, model.SourceManualEntry, a.Source)
	assert.Equal(t, hashHex([]byte("Eligibility status: active")), a.SHA256)

	events := f.events(t, v.ID, model.EventEvidenceUploaded)
	require.Len(t, events, 1)
	assert.Equal(t, model.EntityArtifact, events[0].EntityType)
	assert.Equal(t, a.ID, events[0].EntityID)
	assert.JSONEq(t, `{"source":"manual_entry","verification_id":"`+v.ID+`"}`, string(events[0].Diff))

	_, err = f.svc.AddTextArtifact(context.Background(), reviewer, v.ID, "   ")
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestAddUpload(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskExtract, v.ID).Once()

	a, err := f.svc.AddUpload(context.Background(), reviewer, v.ID, Upload{Filename: "card.PNG", Data: []byte{0x89, 'P', 'N', 'G'}})
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactImage, a.Type)
	assert.Equal(t, model.SourceUpload, a.Source)
	assert.Equal(t, "artifacts/t-1/"+v.ID+"/"+a.ID+"-card.PNG", a.StorageKey)
	assert.Equal(t, "image/png", f.blobs.ContentType(a.StorageKey))

	stored, err := f.blobs.Get(context.Background(), a.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, stored)

	link, err := f.svc.ArtifactDownloadURL(context.Background(), reviewer, a.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "memory:///"+url.PathEscape(a.StorageKey)))

	_, err = f.svc.ArtifactDownloadURL(context.Background(), outsider, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAddUpload_Rejections(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	_, err := f.svc.AddUpload(context.Background(), reviewer, v.ID, Upload{Filename: "notes.docx", Data: []byte("x")})
	assert.ErrorIs(t, err, model.ErrPrecondition)
	_, err = f.svc.AddUpload(context.Background(), reviewer, v.ID, Upload{Filename: "eob.pdf"})
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestDetectArtifactType(t *testing.T) {
	tests := map[string]model.ArtifactType{
		"eob.pdf":   model.ArtifactPDF,
		"EOB.PDF":   model.ArtifactPDF,
		"card.png":  model.ArtifactImage,
		"card.jpg":  model.ArtifactImage,
		"card.jpeg": model.ArtifactImage,
	}
	for name, want := range tests {
		got, err := DetectArtifactType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := DetectArtifactType("scan.tiff")
	assert.ErrorIs(t, err, model.ErrPrecondition)
}

func TestArtifactDownloadURL_TextArtifactHasNoBytes(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskExtract, v.ID).Once()
	a, err := f.svc.AddTextArtifact(context.Background(), reviewer, v.ID, "Copay: $25")
	require.NoError(t, err)

	_, err = f.svc.ArtifactDownloadURL(context.Background(), reviewer, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListArtifacts_NewestFirst(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskExtract, v.ID).Times(3)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		a, err := f.svc.AddTextArtifact(context.Background(), reviewer, v.ID, text)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	got, err := f.svc.ListArtifacts(context.Background(), reviewer, v.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestUpdateField(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.draft(t, v, model.StatusNeedsHumanReview, `"active"`)
	ctx := context.Background()

	got, err := f.svc.UpdateField(ctx, reviewer, v.ID, "copay", model.FieldUpdate{
		Status:       model.FieldEdited,
		Value:        json.RawMessage(`{"amount":30,"currency":"USD"}`),
		ReviewerNote: "confirmed by phone",
	})
	require.NoError(t, err)
	assert.Equal(t, model.FieldEdited, got.Status)
	assert.Equal(t, "u-1", got.ReviewerID)
	assert.JSONEq(t, `{"amount":30,"currency":"USD"}`, string(got.Value))

	summary, err := f.svc.GetSummary(ctx, reviewer, v.ID)
	require.NoError(t, err)
	require.Len(t, summary.Fields, 2)
	assert.Equal(t, "copay", summary.Fields[0].FieldName)
	assert.Equal(t, "confirmed by phone", summary.Fields[0].ReviewerNote)

	events := f.events(t, v.ID, model.EventSummaryFieldUpdated)
	require.Len(t, events, 1)
	assert.Equal(t, model.EntitySummaryField, events[0].EntityType)
	var diff struct {
		Before map[string]any `json:"before"`
		After  map[string]any `json:"after"`
	}
	require.NoError(t, json.Unmarshal(events[0].Diff, &diff))
	assert.Equal(t, "draft", diff.Before["status"])
	assert.Equal(t, "edited", diff.After["status"])
}

func TestUpdateField_Guards(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.draft(t, v, model.StatusNeedsHumanReview, `"active"`)
	ctx := context.Background()

	_, err := f.svc.UpdateField(ctx, reviewer, v.ID, "copay", model.FieldUpdate{Status: model.FieldUnknown})
	assert.ErrorIs(t, err, model.ErrPrecondition)

	_, err = f.svc.UpdateField(ctx, reviewer, v.ID, "copay", model.FieldUpdate{Status: model.FieldVerified, Value: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = f.svc.UpdateField(ctx, reviewer, v.ID, "no_such_field", model.FieldUpdate{Status: model.FieldVerified})
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Empty(t, f.events(t, v.ID, model.EventSummaryFieldUpdated))
}

func TestFinalize(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.draft(t, v, model.StatusDraftReady, `"active"`)
	f.queue.expect(model.TaskReport, v.ID).Once()
	ctx := context.Background()

	task, err := f.svc.Finalize(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReport, task.Kind)

	got, err := f.svc.Get(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, got.Status)

	events := f.events(t, v.ID, model.EventVerificationFinalized)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"from":"draft_ready","to":"finalized"}`, string(events[0].Diff))

	// Everything after finalize is a conflict.
	_, err = f.svc.Finalize(ctx, reviewer, v.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.UpdateField(ctx, reviewer, v.ID, "copay", model.FieldUpdate{Status: model.FieldVerified})
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.Update(ctx, reviewer, v.ID, model.VerificationPatch{PlanName: ptr("x")})
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.AddTextArtifact(ctx, reviewer, v.ID, "late evidence")
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.RequestRun(ctx, reviewer, v.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestFinalize_ReportEnqueueFailureStillFinalizes(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.draft(t, v, model.StatusDraftReady, `"active"`)
	ctx := context.Background()
	f.queue.On("Enqueue", mock.Anything, model.TaskReport, v.ID).
		Return(model.Task{}, errors.New("queue down")).Once()

	task, err := f.svc.Finalize(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Empty(t, task.ID)

	got, err := f.svc.Get(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, got.Status)
	assert.Len(t, f.events(t, v.ID, model.EventVerificationFinalized), 1)

	// The report is queued once the queue is back.
	f.queue.expect(model.TaskReport, v.ID).Once()
	task, err = f.svc.RequestReport(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-generate_report", task.ID)
}

func TestRequestReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("not finalized", func(t *testing.T) {
		v := f.create(t)
		_, err := f.svc.RequestReport(ctx, reviewer, v.ID)
		assert.ErrorIs(t, err, model.ErrPrecondition)
	})

	t.Run("other tenant", func(t *testing.T) {
		v := f.create(t)
		_, err := f.svc.RequestReport(ctx, outsider, v.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("enqueue error", func(t *testing.T) {
		v := f.create(t)
		f.draft(t, v, model.StatusFinalized, `"active"`)
		f.queue.On("Enqueue", mock.Anything, model.TaskReport, v.ID).
			Return(model.Task{}, errors.New("queue down")).Once()
		_, err := f.svc.RequestReport(ctx, reviewer, v.ID)
		assert.ErrorContains(t, err, "queue down")
	})
}

func TestFinalize_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no fields", func(t *testing.T) {
		f := newFixture(t)
		v := f.create(t)
		require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
			return tx.UpdateVerificationStatus(ctx, v.ID, model.StatusNeedsHumanReview)
		}))
		_, err := f.svc.Finalize(ctx, reviewer, v.ID)
		assert.ErrorIs(t, err, model.ErrPrecondition)
	})

	t.Run("unknown eligibility", func(t *testing.T) {
		f := newFixture(t)
		v := f.create(t)
		f.draft(t, v, model.StatusNeedsHumanReview, `"unknown"`)
		_, err := f.svc.Finalize(ctx, reviewer, v.ID)
		assert.ErrorIs(t, err, model.ErrPrecondition)

		got, err := f.svc.Get(ctx, reviewer, v.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusNeedsHumanReview, got.Status)
		assert.Empty(t, f.events(t, v.ID, model.EventVerificationFinalized))
	})

	t.Run("still pending", func(t *testing.T) {
		f := newFixture(t)
		v := f.create(t)
		f.draft(t, v, model.StatusPending, `"active"`)
		_, err := f.svc.Finalize(ctx, reviewer, v.ID)
		assert.ErrorIs(t, err, model.ErrPrecondition)
	})

	t.Run("reviewer fixes unknown then finalizes", func(t *testing.T) {
		f := newFixture(t)
		v := f.create(t)
		f.draft(t, v, model.StatusNeedsHumanReview, `"unknown"`)
		f.queue.expect(model.TaskReport, v.ID).Once()

		_, err := f.svc.UpdateField(ctx, reviewer, v.ID, model.FieldEligibilityStatus, model.FieldUpdate{
			Status:       model.FieldEdited,
			Value:        json.RawMessage(`"active"`),
			ReviewerNote: "payer portal shows active",
		})
		require.NoError(t, err)
		_, err = f.svc.Finalize(ctx, reviewer, v.ID)
		assert.NoError(t, err)
	})
}

func TestLatestReport(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	ctx := context.Background()

	_, err := f.svc.LatestReport(ctx, reviewer, v.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "report not ready")

	key := evidence.ReportKey(v.TenantID, v.ID, "r-1")
	require.NoError(t, f.blobs.Put(ctx, key, []byte("%PDF-"), "application/pdf"))
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateReport(ctx, &model.GeneratedReport{ID: "r-1", VerificationID: v.ID, StorageKey: key, SHA256: "abc"})
	}))

	link, err := f.svc.LatestReport(ctx, reviewer, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", link.ReportID)
	assert.Equal(t, "abc", link.SHA256)
	assert.True(t, strings.HasPrefix(link.DownloadURL, "memory:///"+url.PathEscape(key)))
}

func TestAuditTrail_NewestFirst(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	f.queue.expect(model.TaskRun, v.ID).Once()
	_, err := f.svc.RequestRun(context.Background(), reviewer, v.ID)
	require.NoError(t, err)

	events, err := f.svc.AuditTrail(context.Background(), reviewer, v.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventVerificationRunRequested, events[0].EventType)
	assert.Equal(t, model.EventVerificationCreated, events[1].EventType)

	_, err = f.svc.AuditTrail(context.Background(), outsider, v.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
