package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleVerification(tenant, payer string) *model.Verification {
	return &model.Verification{
		TenantID:        tenant,
		PayerName:       payer,
		PlanName:        "Gold PPO",
		ServiceCategory: "office_visit",
		CreatedBy:       "u1",
		Patient: &model.PatientInfo{
			PatientName: "Jane Roe",
			DateOfBirth: time.Date(1985, 4, 12, 0, 0, 0, 0, time.UTC),
			Phone:       "555-0100",
		},
		Insurance: &model.InsuranceInfo{
			SubscriberName:        "Jane Roe",
			RelationshipToPatient: "self",
			MemberID:              "M123",
			GroupNumber:           "G9",
		},
	}
}

func mustCreate(t *testing.T, s Store, v *model.Verification) *model.Verification {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateVerification(context.Background(), v)
	}))
	return v
}

func summaryFields(values map[string]string) []model.SummaryField {
	var out []model.SummaryField
	for name, v := range values {
		out = append(out, model.SummaryField{
			FieldName:  name,
			Value:      json.RawMessage(v),
			Confidence: 0.9,
			Status:     model.FieldDraft,
		})
	}
	return out
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetVerification", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sched := time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC)
		v := sampleVerification("t1", "Aetna")
		v.ScheduledAt = &sched
		mustCreate(t, s, v)
		assert.NotEmpty(t, v.ID)
		assert.Equal(t, model.StatusPending, v.Status)

		got, err := s.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, "t1", got.TenantID)
		assert.Equal(t, "Aetna", got.PayerName)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, 0, got.FieldGeneration)
		require.NotNil(t, got.ScheduledAt)
		assert.True(t, sched.Equal(*got.ScheduledAt))
		require.NotNil(t, got.Patient)
		assert.Equal(t, "Jane Roe", got.Patient.PatientName)
		assert.Equal(t, 1985, got.Patient.DateOfBirth.Year())
		require.NotNil(t, got.Insurance)
		assert.Equal(t, "M123", got.Insurance.MemberID)
		assert.Equal(t, "self", got.Insurance.RelationshipToPatient)
	})

	t.Run("GetVerificationNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetVerification(context.Background(), "nope")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("UpdateStatusAndDetails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			locked, err := tx.LockVerification(ctx, v.ID)
			if err != nil {
				return err
			}
			locked.PayerName = "Cigna"
			locked.ScheduledAt = nil
			if err := tx.UpdateVerificationDetails(ctx, locked); err != nil {
				return err
			}
			return tx.UpdateVerificationStatus(ctx, v.ID, model.StatusRunning)
		}))

		got, err := s.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, "Cigna", got.PayerName)
		assert.Equal(t, model.StatusRunning, got.Status)
		assert.Nil(t, got.ScheduledAt)

		err = s.InTx(ctx, func(tx Tx) error {
			return tx.UpdateVerificationStatus(ctx, "missing", model.StatusRunning)
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("ListVerificationsFiltersAndPages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for range 3 {
			mustCreate(t, s, sampleVerification("t1", "Aetna"))
		}
		cigna := mustCreate(t, s, sampleVerification("t1", "Cigna"))
		mustCreate(t, s, sampleVerification("t2", "Aetna"))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.UpdateVerificationStatus(ctx, cigna.ID, model.StatusDraftReady)
		}))

		items, total, err := s.ListVerifications(ctx, model.VerificationFilter{TenantID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, items, 4)
		assert.Equal(t, cigna.ID, items[0].ID, "newest first")
		assert.Equal(t, "Jane Roe", items[0].PatientName)

		items, total, err = s.ListVerifications(ctx, model.VerificationFilter{TenantID: "t1", Payer: "aet", PageSize: 2, Page: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, items, 1)

		items, total, err = s.ListVerifications(ctx, model.VerificationFilter{TenantID: "t1", Status: model.StatusDraftReady})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)
		assert.Equal(t, "Cigna", items[0].PayerName)

		future := time.Now().Add(time.Hour)
		_, total, err = s.ListVerifications(ctx, model.VerificationFilter{TenantID: "t1", From: &future})
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		all, err := s.ListTenantVerifications(ctx, "t2")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ArtifactsOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			for _, name := range []string{"first.txt", "second.pdf"} {
				if err := tx.CreateArtifact(ctx, &model.Artifact{
					TenantID: "t1", VerificationID: v.ID, Type: model.ArtifactText,
					Source: model.SourceUpload, Filename: name, TextContent: "Eligibility: Active", SHA256: "abc",
				}); err != nil {
					return err
				}
			}
			return nil
		}))

		arts, err := s.ListArtifacts(ctx, v.ID)
		require.NoError(t, err)
		require.Len(t, arts, 2)
		assert.Equal(t, "first.txt", arts[0].Filename)
		assert.Equal(t, "second.pdf", arts[1].Filename)

		got, err := s.GetArtifact(ctx, arts[1].ID)
		require.NoError(t, err)
		assert.Equal(t, model.SourceUpload, got.Source)

		_, err = s.GetArtifact(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("ReplaceSummaryKeepsOnlyCurrentGeneration", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		replace := func(fields []model.SummaryField) int {
			var gen int
			require.NoError(t, s.InTx(ctx, func(tx Tx) error {
				var err error
				gen, err = tx.ReplaceSummary(ctx, v.ID,
					&model.DraftSummary{ModelName: "rules-v1", RawOutput: json.RawMessage(`{"copay":{}}`)}, fields)
				return err
			}))
			return gen
		}

		first := summaryFields(map[string]string{"copay": `"unknown"`, "eligibility_status": `"active"`})
		first[0].Evidence = &model.EvidenceRef{ArtifactID: "a1", TextSpan: [2]int{3, 17}}
		assert.Equal(t, 1, replace(first))
		assert.Equal(t, 2, replace(summaryFields(map[string]string{
			"deductible_individual": `{"amount":500,"currency":"USD"}`,
			"eligibility_status":    `"inactive"`,
		})))

		fields, err := s.ListSummaryFields(ctx, v.ID)
		require.NoError(t, err)
		require.Len(t, fields, 2)
		assert.Equal(t, "deductible_individual", fields[0].FieldName, "ordered by name")
		assert.Equal(t, "eligibility_status", fields[1].FieldName)
		assert.JSONEq(t, `"inactive"`, string(fields[1].Value))
		for _, f := range fields {
			assert.Equal(t, 2, f.Generation)
		}

		got, err := s.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.FieldGeneration)

		draft, err := s.LatestDraftSummary(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, draft.Generation)
		assert.Equal(t, "rules-v1", draft.ModelName)
		assert.JSONEq(t, `{"copay":{}}`, string(draft.RawOutput))
	})

	t.Run("SummaryFieldEvidenceRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		fields := summaryFields(map[string]string{"copay": `{"amount":25,"currency":"USD"}`})
		fields[0].Evidence = &model.EvidenceRef{ArtifactID: "a1", TextSpan: [2]int{3, 17}}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			_, err := tx.ReplaceSummary(ctx, v.ID, &model.DraftSummary{ModelName: "rules-v1", RawOutput: json.RawMessage(`{}`)}, fields)
			return err
		}))

		f, err := s.GetSummaryField(ctx, v.ID, "copay")
		require.NoError(t, err)
		require.NotNil(t, f.Evidence)
		assert.Equal(t, "a1", f.Evidence.ArtifactID)
		assert.Equal(t, [2]int{3, 17}, f.Evidence.TextSpan)
		assert.Nil(t, f.Evidence.Page)

		f.Status = model.FieldEdited
		f.Value = json.RawMessage(`{"amount":30,"currency":"USD"}`)
		f.ReviewerID = "u2"
		f.ReviewerNote = "called payer"
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.UpdateSummaryField(ctx, f) }))

		f2, err := s.GetSummaryField(ctx, v.ID, "copay")
		require.NoError(t, err)
		assert.Equal(t, model.FieldEdited, f2.Status)
		assert.Equal(t, "called payer", f2.ReviewerNote)
		assert.JSONEq(t, `{"amount":30,"currency":"USD"}`, string(f2.Value))

		_, err = s.GetSummaryField(ctx, v.ID, "coinsurance")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("NoSummaryYet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		fields, err := s.ListSummaryFields(ctx, v.ID)
		require.NoError(t, err)
		assert.Empty(t, fields)

		_, err = s.LatestDraftSummary(ctx, v.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.LatestReport(ctx, v.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("LatestReport", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			if err := tx.CreateReport(ctx, &model.GeneratedReport{VerificationID: v.ID, StorageKey: "reports/a.pdf", SHA256: "1"}); err != nil {
				return err
			}
			return tx.CreateReport(ctx, &model.GeneratedReport{VerificationID: v.ID, StorageKey: "reports/b.pdf", SHA256: "2"})
		}))

		r, err := s.LatestReport(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, "reports/b.pdf", r.StorageKey)
	})

	t.Run("AuditEventsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := mustCreate(t, s, sampleVerification("t1", "Aetna"))

		events := []*model.AuditEvent{
			{TenantID: "t1", ActorType: model.ActorUser, ActorID: "u1", EventType: model.EventVerificationCreated,
				EntityType: model.EntityVerification, EntityID: v.ID, VerificationID: v.ID},
			{TenantID: "t1", ActorType: model.ActorSystem, EventType: model.EventVerificationFailed,
				EntityType: model.EntityVerification, EntityID: v.ID, VerificationID: v.ID,
				Diff: json.RawMessage(`{"reason":"payer timeout"}`)},
			{TenantID: "t1", ActorType: model.ActorSystem, EventType: model.EventVerificationFailed,
				EntityType: model.EntityVerification, EntityID: "other"},
		}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			for _, e := range events {
				if err := tx.AppendAudit(ctx, e); err != nil {
					return err
				}
			}
			return nil
		}))

		got, err := s.ListAuditEvents(ctx, model.AuditFilter{TenantID: "t1", VerificationID: v.ID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.EventVerificationFailed, got[0].EventType)
		assert.JSONEq(t, `{"reason":"payer timeout"}`, string(got[0].Diff))
		assert.Equal(t, model.EventVerificationCreated, got[1].EventType)
		assert.Empty(t, got[1].Diff)

		failed, err := s.ListAuditEvents(ctx, model.AuditFilter{TenantID: "t1", EventType: model.EventVerificationFailed})
		require.NoError(t, err)
		assert.Len(t, failed, 2)
		assert.Empty(t, failed[0].VerificationID)

		limited, err := s.ListAuditEvents(ctx, model.AuditFilter{TenantID: "t1", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.ListAuditEvents(ctx, model.AuditFilter{TenantID: "t2"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("TxRollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v := sampleVerification("t1", "Aetna")

		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.CreateVerification(ctx, v); err != nil {
				return err
			}
			return model.ErrConflict
		})
		assert.ErrorIs(t, err, model.ErrConflict)

		_, err = s.GetVerification(ctx, v.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
