package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/evidence"
	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/report"
	"github.com/sells-group/eb-copilot/internal/store"
)

// GenerateReport renders the current field snapshot, stores it under a new
// report key and records it. Every call adds a report; the latest one wins.
func (p *Pipeline) GenerateReport(ctx context.Context, verificationID string) (model.Outcome, error) {
	v, err := p.store.GetVerification(ctx, verificationID)
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: load %s", verificationID))
	}
	fields, err := p.store.ListSummaryFields(ctx, v.ID)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: list summary %s", v.ID)
	}
	if len(fields) == 0 {
		return model.OutcomeMissingFields, nil
	}

	data, sum, err := p.renderer.Render(v.ID, report.FieldsFromSummary(fields))
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: render report %s", v.ID)
	}
	r := &model.GeneratedReport{
		ID:             uuid.NewString(),
		VerificationID: v.ID,
		SHA256:         sum,
	}
	r.StorageKey = evidence.ReportKey(v.TenantID, v.ID, r.ID)
	if err := p.blobs.Put(ctx, r.StorageKey, data, report.ContentType); err != nil {
		return "", eris.Wrapf(err, "pipeline: store report %s", v.ID)
	}

	err = p.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateReport(ctx, r); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Event(model.SystemActor(v.TenantID), model.EventReportGenerated,
			model.EntityReport, r.ID, v.ID, map[string]any{"storage_key": r.StorageKey, "sha256": r.SHA256}))
	})
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: save report %s", v.ID)
	}
	return model.OutcomeReportGenerated, nil
}
