package verification

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
)

// ReasonRetriesExhausted groups terminal task failures in the ranking.
const ReasonRetriesExhausted = "retries exhausted"

// FailureCount is one row of the failure reason ranking.
type FailureCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Overview summarises a tenant's throughput.
type Overview struct {
	Total                   int            `json:"total"`
	MedianMinutesToDraft    *float64       `json:"median_time_to_draft_minutes"`
	MedianMinutesToFinalize *float64       `json:"median_time_to_finalize_minutes"`
	PercentAutoDraft        float64        `json:"percent_auto_draft_success"`
	PercentNeedsReview      float64        `json:"percent_needs_human_review"`
	TopFailureReasons       []FailureCount `json:"top_failure_reasons"`
}

// Overview computes tenant metrics from verifications and audit events.
func (s *Service) Overview(ctx context.Context, actor model.Actor) (*Overview, error) {
	items, err := s.store.ListTenantVerifications(ctx, actor.TenantID)
	if err != nil {
		return nil, eris.Wrap(err, "verification: overview list")
	}
	created := make(map[string]time.Time, len(items))
	out := &Overview{Total: len(items), TopFailureReasons: []FailureCount{}}

	var autoDraft, needsReview int
	for _, it := range items {
		created[it.ID] = it.CreatedAt
		switch it.Status {
		case model.StatusDraftReady, model.StatusFinalized:
			autoDraft++
		case model.StatusNeedsHumanReview:
			needsReview++
		}
	}
	if out.Total > 0 {
		out.PercentAutoDraft = float64(autoDraft) / float64(out.Total) * 100
		out.PercentNeedsReview = float64(needsReview) / float64(out.Total) * 100
	}

	out.MedianMinutesToDraft, err = s.medianMinutes(ctx, actor.TenantID, model.EventExtractionCompleted, created)
	if err != nil {
		return nil, err
	}
	out.MedianMinutesToFinalize, err = s.medianMinutes(ctx, actor.TenantID, model.EventVerificationFinalized, created)
	if err != nil {
		return nil, err
	}

	failures, err := s.store.ListAuditEvents(ctx, model.AuditFilter{TenantID: actor.TenantID, EventType: model.EventVerificationFailed})
	if err != nil {
		return nil, eris.Wrap(err, "verification: overview failures")
	}
	counts := map[string]int{}
	for _, e := range failures {
		counts[failureReason(e.Diff)]++
	}
	for reason, n := range counts {
		out.TopFailureReasons = append(out.TopFailureReasons, FailureCount{Reason: reason, Count: n})
	}
	sort.Slice(out.TopFailureReasons, func(i, j int) bool {
		a, b := out.TopFailureReasons[i], out.TopFailureReasons[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})
	return out, nil
}

// medianMinutes is the median time from creation to each event of kind.
func (s *Service) medianMinutes(ctx context.Context, tenantID string, kind model.EventType, created map[string]time.Time) (*float64, error) {
	events, err := s.store.ListAuditEvents(ctx, model.AuditFilter{TenantID: tenantID, EventType: kind})
	if err != nil {
		return nil, eris.Wrapf(err, "verification: overview %s", kind)
	}
	var minutes []float64
	for _, e := range events {
		start, ok := created[e.VerificationID]
		if !ok {
			continue
		}
		minutes = append(minutes, e.CreatedAt.Sub(start).Minutes())
	}
	return median(minutes), nil
}

func median(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	xs = slices.Clone(xs)
	slices.Sort(xs)
	mid := len(xs) / 2
	m := xs[mid]
	if len(xs)%2 == 0 {
		m = (xs[mid-1] + xs[mid]) / 2
	}
	return &m
}

func failureReason(diff json.RawMessage) string {
	var d struct {
		Reason string `json:"reason"`
		Task   string `json:"task"`
	}
	if len(diff) > 0 && json.Unmarshal(diff, &d) == nil {
		if d.Reason != "" {
			return d.Reason
		}
		if d.Task != "" {
			return ReasonRetriesExhausted
		}
	}
	return model.UnknownValue
}
