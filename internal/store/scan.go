package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
)

// Column lists shared by both backends. Scanners below read them in order.
const (
	verificationColumns = `v.id, v.tenant_id, v.status, v.payer_name, v.plan_name, v.service_category,
		v.scheduled_at, v.created_by, v.field_generation, v.created_at, v.updated_at,
		p.patient_name, p.date_of_birth, p.phone, p.patient_identifier,
		i.subscriber_name, i.relationship_to_patient, i.member_id, i.group_number`

	verificationFrom = `verifications v
		JOIN patient_info p ON p.verification_id = v.id
		JOIN insurance_info i ON i.verification_id = v.id`

	listItemColumns = `v.id, v.status, v.payer_name, v.plan_name, v.service_category, v.scheduled_at, v.created_at, p.patient_name`

	artifactColumns = `id, tenant_id, verification_id, type, source, filename, storage_key, text_content, sha256, created_by, created_at`

	summaryFieldColumns = `sf.id, sf.verification_id, sf.generation, sf.field_name, sf.value_json, sf.confidence,
		sf.evidence_ref_json, sf.status, sf.reviewer_id, sf.reviewer_note, sf.updated_at`

	draftColumns = `id, verification_id, generation, model_name, raw_output, created_at`

	reportColumns = `id, verification_id, storage_key, sha256, created_at`

	auditColumns = `id, tenant_id, actor_type, actor_id, event_type, entity_type, entity_id, verification_id, diff_json, created_at`
)

// summaryFieldInsertColumns is the column order used for bulk field inserts.
var summaryFieldInsertColumns = []string{
	"id", "verification_id", "generation", "field_name", "value_json", "confidence",
	"evidence_ref_json", "status", "reviewer_id", "reviewer_note", "updated_at",
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVerification(row scannable) (*model.Verification, error) {
	var v model.Verification
	var p model.PatientInfo
	var ins model.InsuranceInfo
	err := row.Scan(
		&v.ID, &v.TenantID, &v.Status, &v.PayerName, &v.PlanName, &v.ServiceCategory,
		&v.ScheduledAt, &v.CreatedBy, &v.FieldGeneration, &v.CreatedAt, &v.UpdatedAt,
		&p.PatientName, &p.DateOfBirth, &p.Phone, &p.PatientIdentifier,
		&ins.SubscriberName, &ins.RelationshipToPatient, &ins.MemberID, &ins.GroupNumber,
	)
	if err != nil {
		return nil, err
	}
	v.Patient = &p
	v.Insurance = &ins
	return &v, nil
}

func scanListItem(row scannable) (model.VerificationListItem, error) {
	var it model.VerificationListItem
	err := row.Scan(&it.ID, &it.Status, &it.PayerName, &it.PlanName, &it.ServiceCategory, &it.ScheduledAt, &it.CreatedAt, &it.PatientName)
	return it, err
}

func scanArtifact(row scannable) (*model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(&a.ID, &a.TenantID, &a.VerificationID, &a.Type, &a.Source, &a.Filename,
		&a.StorageKey, &a.TextContent, &a.SHA256, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSummaryField(row scannable) (*model.SummaryField, error) {
	var f model.SummaryField
	var value, evidence []byte
	err := row.Scan(&f.ID, &f.VerificationID, &f.Generation, &f.FieldName, &value, &f.Confidence,
		&evidence, &f.Status, &f.ReviewerID, &f.ReviewerNote, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Value = json.RawMessage(value)
	if len(evidence) > 0 && string(evidence) != "null" {
		f.Evidence = &model.EvidenceRef{}
		if err := json.Unmarshal(evidence, f.Evidence); err != nil {
			return nil, eris.Wrapf(err, "store: decode evidence ref for field %s", f.ID)
		}
	}
	return &f, nil
}

func scanDraft(row scannable) (*model.DraftSummary, error) {
	var d model.DraftSummary
	var raw []byte
	if err := row.Scan(&d.ID, &d.VerificationID, &d.Generation, &d.ModelName, &raw, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.RawOutput = json.RawMessage(raw)
	return &d, nil
}

func scanReport(row scannable) (*model.GeneratedReport, error) {
	var r model.GeneratedReport
	if err := row.Scan(&r.ID, &r.VerificationID, &r.StorageKey, &r.SHA256, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanAudit(row scannable) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var verificationID *string
	var diff []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.ActorType, &e.ActorID, &e.EventType, &e.EntityType,
		&e.EntityID, &verificationID, &diff, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if verificationID != nil {
		e.VerificationID = *verificationID
	}
	if len(diff) > 0 {
		e.Diff = json.RawMessage(diff)
	}
	return &e, nil
}

// fieldRow flattens a summary field into insert column order.
func fieldRow(f model.SummaryField) ([]any, error) {
	var evidence []byte
	if f.Evidence != nil {
		b, err := json.Marshal(f.Evidence)
		if err != nil {
			return nil, eris.Wrapf(err, "store: encode evidence ref for %s", f.FieldName)
		}
		evidence = b
	}
	value := []byte(f.Value)
	if len(value) == 0 {
		value = []byte("null")
	}
	return []any{
		f.ID, f.VerificationID, f.Generation, f.FieldName, value, f.Confidence,
		evidence, string(f.Status), f.ReviewerID, f.ReviewerNote, f.UpdatedAt,
	}, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rawJSON maps an empty payload to SQL NULL.
func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func now() time.Time {
	return time.Now().UTC()
}
