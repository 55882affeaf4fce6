// Package verification is the reviewer-facing surface of the pipeline:
// creating verifications, attaching evidence, editing summary fields,
// finalizing and reading back reports and the audit trail. Every operation
// is scoped to the caller's tenant.
package verification

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/evidence"
	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/queue"
	"github.com/sells-group/eb-copilot/internal/store"
)

// Service implements the verification operations.
type Service struct {
	store      store.Store
	blobs      evidence.Store
	queue      queue.Enqueuer
	presignTTL time.Duration
}

// NewService wires a Service. cfg supplies the presigned URL lifetime.
func NewService(st store.Store, blobs evidence.Store, q queue.Enqueuer, cfg config.EvidenceConfig) *Service {
	ttl := time.Duration(cfg.PresignTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{store: st, blobs: blobs, queue: q, presignTTL: ttl}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	PayerName       string              `json:"payer_name" yaml:"payer_name"`
	PlanName        string              `json:"plan_name" yaml:"plan_name"`
	ServiceCategory string              `json:"service_category" yaml:"service_category"`
	ScheduledAt     *time.Time          `json:"scheduled_at" yaml:"scheduled_at"`
	Patient         model.PatientInfo   `json:"patient_info" yaml:"patient_info"`
	Insurance       model.InsuranceInfo `json:"insurance_info" yaml:"insurance_info"`
}

// Validate checks required fields. A blank member id is accepted; the
// connector reports it as a business failure.
func (r CreateRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.PayerName) == "" {
		missing = append(missing, "payer_name")
	}
	if strings.TrimSpace(r.ServiceCategory) == "" {
		missing = append(missing, "service_category")
	}
	if strings.TrimSpace(r.Patient.PatientName) == "" {
		missing = append(missing, "patient_info.patient_name")
	}
	if r.Patient.DateOfBirth.IsZero() {
		missing = append(missing, "patient_info.date_of_birth")
	}
	if strings.TrimSpace(r.Insurance.RelationshipToPatient) == "" {
		missing = append(missing, "insurance_info.relationship_to_patient")
	}
	if len(missing) > 0 {
		return eris.Wrapf(model.ErrInvalid, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Create stores a pending verification with its patient and insurance info.
func (s *Service) Create(ctx context.Context, actor model.Actor, req CreateRequest) (*model.Verification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	patient, insurance := req.Patient, req.Insurance
	v := &model.Verification{
		ID:              uuid.NewString(),
		TenantID:        actor.TenantID,
		Status:          model.StatusPending,
		PayerName:       strings.TrimSpace(req.PayerName),
		PlanName:        req.PlanName,
		ServiceCategory: req.ServiceCategory,
		ScheduledAt:     req.ScheduledAt,
		CreatedBy:       actor.ID,
		Patient:         &patient,
		Insurance:       &insurance,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateVerification(ctx, v); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Event(actor, model.EventVerificationCreated,
			model.EntityVerification, v.ID, v.ID, map[string]any{"status": v.Status}))
	})
	if err != nil {
		return nil, eris.Wrap(err, "verification: create")
	}
	return v, nil
}

// Get returns one verification.
func (s *Service) Get(ctx context.Context, actor model.Actor, id string) (*model.Verification, error) {
	return load(ctx, s.store, actor, id)
}

// List returns a page of the tenant's worklist and the total match count.
func (s *Service) List(ctx context.Context, actor model.Actor, filter model.VerificationFilter) ([]model.VerificationListItem, int, error) {
	filter.TenantID = actor.TenantID
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, eris.Wrapf(model.ErrInvalid, "unknown status %q", filter.Status)
	}
	items, total, err := s.store.ListVerifications(ctx, filter.Normalize())
	if err != nil {
		return nil, 0, eris.Wrap(err, "verification: list")
	}
	return items, total, nil
}

// Update applies reviewer edits to verification details.
func (s *Service) Update(ctx context.Context, actor model.Actor, id string, patch model.VerificationPatch) (*model.Verification, error) {
	if patch.Empty() {
		return nil, eris.Wrap(model.ErrInvalid, "nothing to update")
	}
	if patch.PayerName != nil && strings.TrimSpace(*patch.PayerName) == "" {
		return nil, eris.Wrap(model.ErrInvalid, "payer_name cannot be blank")
	}

	var out *model.Verification
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		v, err := lock(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckMutable(v); err != nil {
			return err
		}
		patch.Apply(v)
		if err := tx.UpdateVerificationDetails(ctx, v); err != nil {
			return err
		}
		out = v
		return tx.AppendAudit(ctx, lifecycle.Event(actor, model.EventVerificationUpdated,
			model.EntityVerification, v.ID, v.ID, patchDiff(patch)))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verification: update %s", id)
	}
	return out, nil
}

// RequestRun queues the connector run and returns the queued task.
func (s *Service) RequestRun(ctx context.Context, actor model.Actor, id string) (model.Task, error) {
	v, err := load(ctx, s.store, actor, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := lifecycle.CheckMutable(v); err != nil {
		return model.Task{}, err
	}

	task, err := s.queue.Enqueue(ctx, model.TaskRun, v.ID)
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "verification: enqueue run %s", id)
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, lifecycle.Event(actor, model.EventVerificationRunRequested,
			model.EntityVerification, v.ID, v.ID, map[string]any{"task_id": task.ID}))
	})
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "verification: audit run request %s", id)
	}
	return task, nil
}

// AddTextArtifact attaches manually entered evidence text.
func (s *Service) AddTextArtifact(ctx context.Context, actor model.Actor, id, text string) (*model.Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, eris.Wrap(model.ErrInvalid, "missing text")
	}
	v, err := load(ctx, s.store, actor, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.CheckMutable(v); err != nil {
		return nil, err
	}

	a := &model.Artifact{
		ID:             uuid.NewString(),
		TenantID:       v.TenantID,
		VerificationID: v.ID,
		Type:           model.ArtifactText,
		Source:         model.SourceManualEntry,
		TextContent:    text,
		SHA256:         hashHex([]byte(text)),
		CreatedBy:      actor.ID,
	}
	return s.addArtifact(ctx, actor, a)
}

// Upload is a file attached as evidence.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DetectArtifactType maps an upload filename to an artifact type.
func DetectArtifactType(filename string) (model.ArtifactType, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return model.ArtifactPDF, nil
	case ".png", ".jpg", ".jpeg":
		return model.ArtifactImage, nil
	default:
		return "", eris.Wrapf(model.ErrPrecondition, "unsupported file %q", filename)
	}
}

// AddUpload stores an uploaded PDF or image and attaches it as evidence.
func (s *Service) AddUpload(ctx context.Context, actor model.Actor, id string, up Upload) (*model.Artifact, error) {
	typ, err := DetectArtifactType(up.Filename)
	if err != nil {
		return nil, err
	}
	if len(up.Data) == 0 {
		return nil, eris.Wrap(model.ErrInvalid, "empty file")
	}
	v, err := load(ctx, s.store, actor, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.CheckMutable(v); err != nil {
		return nil, err
	}

	artifactID := uuid.NewString()
	key := evidence.ArtifactKey(v.TenantID, v.ID, artifactID, up.Filename)
	contentType := up.ContentType
	if contentType == "" {
		contentType = defaultContentType(typ, up.Filename)
	}
	if err := s.blobs.Put(ctx, key, up.Data, contentType); err != nil {
		return nil, eris.Wrapf(err, "verification: store upload %s", up.Filename)
	}

	a := &model.Artifact{
		ID:             artifactID,
		TenantID:       v.TenantID,
		VerificationID: v.ID,
		Type:           typ,
		Source:         model.SourceUpload,
		Filename:       filepath.Base(up.Filename),
		StorageKey:     key,
		SHA256:         hashHex(up.Data),
		CreatedBy:      actor.ID,
	}
	return s.addArtifact(ctx, actor, a)
}

// addArtifact writes the artifact with its audit event and queues
// extraction. The enqueue is separate from the commit; a failure there is
// returned but the artifact stays.
func (s *Service) addArtifact(ctx context.Context, actor model.Actor, a *model.Artifact) (*model.Artifact, error) {
	var status model.Status
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		v, err := lock(ctx, tx, actor, a.VerificationID)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckMutable(v); err != nil {
			return err
		}
		status = v.Status
		if err := tx.CreateArtifact(ctx, a); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Event(actor, model.EventEvidenceUploaded,
			model.EntityArtifact, a.ID, a.VerificationID,
			map[string]any{"source": a.Source, "verification_id": a.VerificationID}))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verification: add artifact to %s", a.VerificationID)
	}

	if lifecycle.AcceptsEvidence(status) {
		if _, err := s.queue.Enqueue(ctx, model.TaskExtract, a.VerificationID); err != nil {
			return a, eris.Wrapf(err, "verification: enqueue extraction %s", a.VerificationID)
		}
	}
	return a, nil
}

// ListArtifacts returns the verification's artifacts newest first.
func (s *Service) ListArtifacts(ctx context.Context, actor model.Actor, id string) ([]model.Artifact, error) {
	if _, err := load(ctx, s.store, actor, id); err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "verification: list artifacts %s", id)
	}
	slices.Reverse(artifacts)
	return artifacts, nil
}

// ArtifactDownloadURL presigns the stored bytes of an uploaded artifact.
func (s *Service) ArtifactDownloadURL(ctx context.Context, actor model.Actor, artifactID string) (string, error) {
	a, err := s.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	if a.TenantID != actor.TenantID || a.StorageKey == "" {
		return "", eris.Wrapf(model.ErrNotFound, "artifact %s", artifactID)
	}
	url, err := s.blobs.Presign(ctx, a.StorageKey, s.presignTTL)
	if err != nil {
		return "", eris.Wrapf(err, "verification: presign artifact %s", artifactID)
	}
	return url, nil
}

// Summary is the current field generation of a verification.
type Summary struct {
	VerificationID string               `json:"verification_id"`
	Generation     int                  `json:"generation"`
	Fields         []model.SummaryField `json:"fields"`
}

// GetSummary returns the current summary fields ordered by name.
func (s *Service) GetSummary(ctx context.Context, actor model.Actor, id string) (*Summary, error) {
	v, err := load(ctx, s.store, actor, id)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.ListSummaryFields(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "verification: list summary %s", id)
	}
	if fields == nil {
		fields = []model.SummaryField{}
	}
	return &Summary{VerificationID: v.ID, Generation: v.FieldGeneration, Fields: fields}, nil
}

// UpdateField applies a reviewer edit to one summary field. The
// verification row lock keeps the edit from interleaving with extraction.
func (s *Service) UpdateField(ctx context.Context, actor model.Actor, id, fieldName string, upd model.FieldUpdate) (*model.SummaryField, error) {
	if len(bytes.TrimSpace(upd.Value)) > 0 && !json.Valid(upd.Value) {
		return nil, eris.Wrap(model.ErrInvalid, "value_json is not valid JSON")
	}

	var out *model.SummaryField
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		v, err := lock(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckFieldUpdate(v, upd); err != nil {
			return err
		}
		f, err := tx.GetSummaryField(ctx, v.ID, fieldName)
		if err != nil {
			return err
		}

		before := fieldState(f)
		f.Status = upd.Status
		if len(bytes.TrimSpace(upd.Value)) > 0 {
			f.Value = upd.Value
		}
		f.ReviewerNote = upd.ReviewerNote
		f.ReviewerID = actor.ID
		if err := tx.UpdateSummaryField(ctx, f); err != nil {
			return err
		}
		out = f
		return tx.AppendAudit(ctx, lifecycle.Event(actor, model.EventSummaryFieldUpdated,
			model.EntitySummaryField, f.ID, v.ID, map[string]any{
				"field_name":      f.FieldName,
				"before":          before,
				"after":           fieldState(f),
				"verification_id": v.ID,
			}))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verification: update field %s on %s", fieldName, id)
	}
	return out, nil
}

// Finalize locks the verification's fields and queues report generation.
// The finalize commits even when the report cannot be queued; the returned
// task then has an empty ID and RequestReport queues it later.
func (s *Service) Finalize(ctx context.Context, actor model.Actor, id string) (model.Task, error) {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		v, err := lock(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		eligibility, err := tx.GetSummaryField(ctx, v.ID, model.FieldEligibilityStatus)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				return err
			}
			eligibility = nil
		}
		if err := lifecycle.CheckFinalize(v, eligibility); err != nil {
			return err
		}
		if err := tx.UpdateVerificationStatus(ctx, v.ID, model.StatusFinalized); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Transition(actor, model.EventVerificationFinalized, v, model.StatusFinalized, nil))
	})
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "verification: finalize %s", id)
	}

	task, err := s.queue.Enqueue(ctx, model.TaskReport, id)
	if err != nil {
		zap.L().Warn("verification: finalized but report not queued",
			zap.String("verification_id", id), zap.Error(err))
		return model.Task{}, nil
	}
	return task, nil
}

// RequestReport queues report generation for a finalized verification.
// Reports are versioned, so requesting one again adds a newer report.
func (s *Service) RequestReport(ctx context.Context, actor model.Actor, id string) (model.Task, error) {
	v, err := load(ctx, s.store, actor, id)
	if err != nil {
		return model.Task{}, err
	}
	if v.Status != model.StatusFinalized {
		return model.Task{}, eris.Wrapf(model.ErrPrecondition, "verification %s is not finalized", id)
	}
	task, err := s.queue.Enqueue(ctx, model.TaskReport, v.ID)
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "verification: enqueue report %s", id)
	}
	return task, nil
}

// ReportLink is a presigned link to the latest generated report.
type ReportLink struct {
	ReportID    string    `json:"report_id"`
	DownloadURL string    `json:"download_url"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// LatestReport presigns the newest report of a verification.
func (s *Service) LatestReport(ctx context.Context, actor model.Actor, id string) (*ReportLink, error) {
	if _, err := load(ctx, s.store, actor, id); err != nil {
		return nil, err
	}
	r, err := s.store.LatestReport(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, eris.Wrap(model.ErrNotFound, "report not ready")
		}
		return nil, eris.Wrapf(err, "verification: latest report %s", id)
	}
	url, err := s.blobs.Presign(ctx, r.StorageKey, s.presignTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "verification: presign report %s", r.ID)
	}
	return &ReportLink{ReportID: r.ID, DownloadURL: url, SHA256: r.SHA256, CreatedAt: r.CreatedAt}, nil
}

// AuditTrail returns every audit event of a verification, newest first.
func (s *Service) AuditTrail(ctx context.Context, actor model.Actor, id string) ([]model.AuditEvent, error) {
	if _, err := load(ctx, s.store, actor, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, model.AuditFilter{TenantID: actor.TenantID, VerificationID: id})
	if err != nil {
		return nil, eris.Wrapf(err, "verification: audit trail %s", id)
	}
	return events, nil
}

// load reads a verification and hides rows of other tenants.
func load(ctx context.Context, r store.Reader, actor model.Actor, id string) (*model.Verification, error) {
	v, err := r.GetVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.TenantID != actor.TenantID {
		return nil, eris.Wrapf(model.ErrNotFound, "verification %s", id)
	}
	return v, nil
}

// lock is load under the verification row lock.
func lock(ctx context.Context, tx store.Tx, actor model.Actor, id string) (*model.Verification, error) {
	v, err := tx.LockVerification(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.TenantID != actor.TenantID {
		return nil, eris.Wrapf(model.ErrNotFound, "verification %s", id)
	}
	return v, nil
}

func patchDiff(p model.VerificationPatch) map[string]any {
	diff := map[string]any{}
	if p.PayerName != nil {
		diff["payer_name"] = *p.PayerName
	}
	if p.PlanName != nil {
		diff["plan_name"] = *p.PlanName
	}
	if p.ServiceCategory != nil {
		diff["service_category"] = *p.ServiceCategory
	}
	if p.ScheduledAt != nil {
		diff["scheduled_at"] = p.ScheduledAt.UTC()
	}
	return diff
}

func fieldState(f *model.SummaryField) map[string]any {
	return map[string]any{
		"status":        f.Status,
		"value_json":    f.Value,
		"reviewer_note": f.ReviewerNote,
	}
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func defaultContentType(typ model.ArtifactType, filename string) string {
	if typ == model.ArtifactPDF {
		return "application/pdf"
	}
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
