package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/connector"
	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/store"
)

// Run looks up eligibility for a verification. A successful lookup is saved
// as a connector artifact and extraction is queued; a business failure
// blocks the verification until evidence is uploaded.
func (p *Pipeline) Run(ctx context.Context, verificationID string) (model.Outcome, error) {
	var v *model.Verification
	finalized := false
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		v, err = tx.LockVerification(ctx, verificationID)
		if err != nil {
			return err
		}
		to, err := lifecycle.StartRun(v)
		if err != nil {
			finalized = true
			return nil
		}
		if err := tx.UpdateVerificationStatus(ctx, v.ID, to); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Transition(model.SystemActor(v.TenantID),
			model.EventVerificationRunStarted, v, to, nil))
	})
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: start run %s", verificationID))
	}
	if finalized {
		return model.OutcomeAlreadyFinalized, nil
	}

	conn := p.connectors.ForPayer(v.PayerName)
	res, err := conn.GetEligibility(ctx, queryFor(v))
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: eligibility lookup %s", v.ID)
	}

	if !res.Success {
		return p.block(ctx, v.ID, res.FailureReason)
	}
	return p.saveConnectorText(ctx, v.ID, res.RawText)
}

func queryFor(v *model.Verification) connector.Query {
	q := connector.Query{PayerName: v.PayerName}
	if v.Insurance != nil {
		q.MemberID = v.Insurance.MemberID
	}
	if v.Patient != nil {
		q.PatientName = v.Patient.PatientName
		q.DateOfBirth = v.Patient.DateOfBirth
	}
	return q
}

func (p *Pipeline) block(ctx context.Context, verificationID, reason string) (model.Outcome, error) {
	outcome := model.OutcomeBlockedNeedsEvidence
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		v, err := tx.LockVerification(ctx, verificationID)
		if err != nil {
			return err
		}
		if v.Status.Terminal() {
			outcome = model.OutcomeAlreadyFinalized
			return nil
		}
		to := lifecycle.ConnectorFailed()
		if err := tx.UpdateVerificationStatus(ctx, v.ID, to); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Transition(model.SystemActor(v.TenantID),
			model.EventVerificationFailed, v, to, map[string]any{"reason": reason}))
	})
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: block %s", verificationID))
	}
	zap.L().Info("pipeline: connector could not verify",
		zap.String("verification_id", verificationID), zap.String("reason", reason))
	return outcome, nil
}

// saveConnectorText commits the connector artifact with its audit event,
// then queues extraction as a separate step.
func (p *Pipeline) saveConnectorText(ctx context.Context, verificationID, text string) (model.Outcome, error) {
	finalized := false
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		v, err := tx.LockVerification(ctx, verificationID)
		if err != nil {
			return err
		}
		if v.Status.Terminal() {
			finalized = true
			return nil
		}
		sum := sha256.Sum256([]byte(text))
		a := &model.Artifact{
			ID:             uuid.NewString(),
			TenantID:       v.TenantID,
			VerificationID: v.ID,
			Type:           model.ArtifactText,
			Source:         model.SourceConnector,
			TextContent:    text,
			SHA256:         hex.EncodeToString(sum[:]),
		}
		if err := tx.CreateArtifact(ctx, a); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, lifecycle.Event(model.SystemActor(v.TenantID), model.EventEvidenceUploaded,
			model.EntityArtifact, a.ID, v.ID, map[string]any{"source": a.Source, "verification_id": v.ID}))
	})
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: save connector artifact %s", verificationID))
	}
	if finalized {
		return model.OutcomeAlreadyFinalized, nil
	}

	if _, err := p.queue.Enqueue(ctx, model.TaskExtract, verificationID); err != nil {
		return "", eris.Wrapf(err, "pipeline: enqueue extraction %s", verificationID)
	}
	return model.OutcomeQueuedExtraction, nil
}
