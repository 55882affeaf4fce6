package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eb-copilot/internal/extract"
	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/store"
)

// maxTextResolvers bounds concurrent downloads and OCR calls per task.
const maxTextResolvers = 4

// errStaleEvidence reports that artifacts were added while text was being
// resolved. It is retryable; the next attempt extracts over the new set.
var errStaleEvidence = eris.New("pipeline: evidence changed during extraction")

// Extract runs the extraction engine over every artifact of a verification
// and replaces its summary fields. Running it again over the same artifacts
// yields the same field set.
func (p *Pipeline) Extract(ctx context.Context, verificationID string) (model.Outcome, error) {
	v, err := p.store.GetVerification(ctx, verificationID)
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: load %s", verificationID))
	}
	if v.Status.Terminal() {
		return model.OutcomeAlreadyFinalized, nil
	}

	artifacts, err := p.store.ListArtifacts(ctx, v.ID)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: list artifacts %s", v.ID)
	}
	texts, err := p.resolveTexts(ctx, artifacts)
	if err != nil {
		return "", err
	}

	res := p.engine.Extract(texts)
	fields, draft, err := summaryRows(v.ID, p.engine.ModelName(), res)
	if err != nil {
		return "", err
	}

	var outcome model.Outcome
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockVerification(ctx, v.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			outcome = model.OutcomeAlreadyFinalized
			return nil
		}
		current, err := tx.ListArtifacts(ctx, v.ID)
		if err != nil {
			return err
		}
		if !sameArtifacts(artifacts, current) {
			return errStaleEvidence
		}
		gen, err := tx.ReplaceSummary(ctx, v.ID, draft, fields)
		if err != nil {
			return err
		}
		to := lifecycle.AfterExtraction(res.NeedsReview)
		if err := tx.UpdateVerificationStatus(ctx, v.ID, to); err != nil {
			return err
		}
		outcome = model.Outcome(to)
		return tx.AppendAudit(ctx, lifecycle.Transition(model.SystemActor(locked.TenantID),
			model.EventExtractionCompleted, locked, to, map[string]any{
				"status":     to,
				"generation": gen,
				"artifacts":  len(artifacts),
			}))
	})
	if err != nil {
		return notFound(eris.Wrapf(err, "pipeline: save summary %s", v.ID))
	}
	if outcome != model.OutcomeAlreadyFinalized {
		p.metrics.IncrementExtraction(res.NeedsReview)
	}
	return outcome, nil
}

// sameArtifacts reports whether two listings hold the same artifact ids.
func sameArtifacts(a, b []model.Artifact) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, x := range a {
		seen[x.ID] = struct{}{}
	}
	for _, x := range b {
		if _, ok := seen[x.ID]; !ok {
			return false
		}
	}
	return true
}

// resolveTexts turns artifacts into engine evidence, keeping artifact order.
func (p *Pipeline) resolveTexts(ctx context.Context, artifacts []model.Artifact) ([]extract.Evidence, error) {
	out := make([]extract.Evidence, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxTextResolvers)
	for i := range artifacts {
		a := artifacts[i]
		g.Go(func() error {
			text, err := p.artifactText(gctx, a)
			if err != nil {
				return err
			}
			out[i] = extract.Evidence{ArtifactID: a.ID, Text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) artifactText(ctx context.Context, a model.Artifact) (string, error) {
	if a.Type == model.ArtifactText {
		return a.TextContent, nil
	}
	if a.StorageKey == "" {
		return "", nil
	}
	data, err := p.blobs.Get(ctx, a.StorageKey)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: fetch artifact %s", a.ID)
	}

	var text string
	switch a.Type {
	case model.ArtifactPDF:
		text, err = p.text.PDFToText(ctx, data)
	case model.ArtifactImage:
		text, err = p.text.ImageToText(ctx, data, imageMime(a.Filename))
	default:
		zap.L().Warn("pipeline: skipping artifact of unknown type",
			zap.String("artifact_id", a.ID), zap.String("type", string(a.Type)))
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: read text of artifact %s", a.ID)
	}
	return text, nil
}

func imageMime(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

// summaryRows converts an engine result into the rows of a new generation.
func summaryRows(verificationID, modelName string, res extract.Result) ([]model.SummaryField, *model.DraftSummary, error) {
	fields := make([]model.SummaryField, 0, len(res.Fields))
	for _, f := range res.Fields {
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: encode field %s", f.FieldName)
		}
		fields = append(fields, model.SummaryField{
			VerificationID: verificationID,
			FieldName:      f.FieldName,
			Value:          value,
			Confidence:     f.Confidence,
			Evidence:       f.Evidence,
			Status:         model.FieldDraft,
		})
	}
	raw, err := json.Marshal(res.RawOutput)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: encode raw output")
	}
	draft := &model.DraftSummary{
		VerificationID: verificationID,
		ModelName:      modelName,
		RawOutput:      raw,
	}
	return fields, draft, nil
}
