package verification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/store"
)

func TestOverview_Empty(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.Overview(context.Background(), reviewer)
	require.NoError(t, err)

	assert.Equal(t, 0, got.Total)
	assert.Nil(t, got.MedianMinutesToDraft)
	assert.Nil(t, got.MedianMinutesToFinalize)
	assert.Zero(t, got.PercentAutoDraft)
	assert.NotNil(t, got.TopFailureReasons)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	system := model.SystemActor("t-1")

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = f.create(t).ID
	}
	_, err := f.svc.Create(ctx, outsider, createRequest("Aetna", "9"))
	require.NoError(t, err)

	move := func(id string, to model.Status, event model.EventType, diff map[string]any) {
		require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.UpdateVerificationStatus(ctx, id, to); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, lifecycle.Event(system, event, model.EntityVerification, id, id, diff))
		}))
	}
	move(ids[0], model.StatusDraftReady, model.EventExtractionCompleted, map[string]any{"status": "draft_ready"})
	move(ids[1], model.StatusNeedsHumanReview, model.EventExtractionCompleted, map[string]any{"status": "needs_human_review"})
	move(ids[2], model.StatusBlockedNeedsEvidence, model.EventVerificationFailed, map[string]any{"reason": "Missing member ID"})
	move(ids[3], model.StatusBlockedNeedsEvidence, model.EventVerificationFailed, map[string]any{"reason": "Missing member ID"})
	move(ids[3], model.StatusBlockedNeedsEvidence, model.EventVerificationFailed, map[string]any{"task": "extract_summary", "error": "ocr timeout"})

	got, err := f.svc.Overview(ctx, reviewer)
	require.NoError(t, err)

	assert.Equal(t, 4, got.Total)
	assert.InDelta(t, 25.0, got.PercentAutoDraft, 0.001)
	assert.InDelta(t, 25.0, got.PercentNeedsReview, 0.001)
	require.NotNil(t, got.MedianMinutesToDraft)
	assert.GreaterOrEqual(t, *got.MedianMinutesToDraft, 0.0)
	assert.Nil(t, got.MedianMinutesToFinalize)
	assert.Equal(t, []FailureCount{
		{Reason: "Missing member ID", Count: 2},
		{Reason: ReasonRetriesExhausted, Count: 1},
	}, got.TopFailureReasons)
}

func TestMedian(t *testing.T) {
	assert.Nil(t, median(nil))
	assert.InDelta(t, 3.0, *median([]float64{5, 1, 3}), 0.001)
	assert.InDelta(t, 2.5, *median([]float64{4, 1, 2, 3}), 0.001)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "Missing member ID", failureReason([]byte(`{"reason":"Missing member ID"}`)))
	assert.Equal(t, ReasonRetriesExhausted, failureReason([]byte(`{"task":"run_verification","attempts":3}`)))
	assert.Equal(t, model.UnknownValue, failureReason(nil))
}
