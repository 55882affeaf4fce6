// Package extract turns evidence text into named benefit fields with a
// confidence score and a pointer back to the text that justified each value.
package extract

import (
	"github.com/sells-group/eb-copilot/internal/model"
)

// DefaultModelName identifies the rule-based extractor in draft summaries.
const DefaultModelName = "rules-v1"

// Evidence is one artifact's resolved text.
type Evidence struct {
	ArtifactID string
	Text       string
}

// FieldExtraction is one extracted field. Value is a string, model.Currency
// or model.Percent.
type FieldExtraction struct {
	FieldName  string             `json:"field_name"`
	Value      any                `json:"value"`
	Confidence float64            `json:"confidence"`
	Evidence   *model.EvidenceRef `json:"evidence"`
}

// RawField is the per-field entry of Result.RawOutput.
type RawField struct {
	Value      any                `json:"value"`
	Confidence float64            `json:"confidence"`
	Evidence   *model.EvidenceRef `json:"evidence"`
}

// Result is the output of a single extraction pass.
type Result struct {
	Fields      []FieldExtraction   `json:"fields"`
	RawOutput   map[string]RawField `json:"raw_output"`
	NeedsReview bool                `json:"needs_review"`
}

// Engine runs the fixed field table over evidence. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	modelName string
}

// NewEngine returns an Engine that reports itself as modelName.
func NewEngine(modelName string) *Engine {
	if modelName == "" {
		modelName = DefaultModelName
	}
	return &Engine{modelName: modelName}
}

// ModelName returns the name recorded alongside each draft summary.
func (e *Engine) ModelName() string {
	return e.modelName
}

// Extract runs every field rule against evidence. The first evidence item
// that matches a rule supplies all of that rule's fields. Fields without a
// match come back as "unknown" with zero confidence.
func (e *Engine) Extract(evidence []Evidence) Result {
	fields := make([]FieldExtraction, 0, len(FieldNames))
	for _, r := range rules {
		fields = append(fields, applyRule(r, evidence)...)
	}

	raw := make(map[string]RawField, len(fields))
	for _, f := range fields {
		raw[f.FieldName] = RawField{Value: f.Value, Confidence: f.Confidence, Evidence: f.Evidence}
	}

	return Result{
		Fields:      fields,
		RawOutput:   raw,
		NeedsReview: NeedsReview(fields),
	}
}

func applyRule(r rule, evidence []Evidence) []FieldExtraction {
	for _, ev := range evidence {
		loc := r.pattern.FindStringSubmatchIndex(ev.Text)
		if loc == nil {
			continue
		}
		ref := &model.EvidenceRef{ArtifactID: ev.ArtifactID, TextSpan: [2]int{loc[0], loc[1]}}
		out := make([]FieldExtraction, len(r.fields))
		for i, name := range r.fields {
			start, end := loc[2*(i+1)], loc[2*(i+1)+1]
			out[i] = FieldExtraction{
				FieldName:  name,
				Value:      r.transform(ev.Text[start:end]),
				Confidence: r.confidence,
				Evidence:   ref,
			}
		}
		return out
	}

	out := make([]FieldExtraction, len(r.fields))
	for i, name := range r.fields {
		out[i] = FieldExtraction{FieldName: name, Value: model.UnknownValue, Confidence: confidenceMissing}
	}
	return out
}

// NeedsReview reports whether a field set must go to a human. Only a
// confident, known eligibility_status lets a draft through.
func NeedsReview(fields []FieldExtraction) bool {
	for _, f := range fields {
		if f.FieldName != model.FieldEligibilityStatus {
			continue
		}
		s, isString := f.Value.(string)
		if f.Value == nil || (isString && s == model.UnknownValue) {
			return true
		}
		return f.Confidence < ReviewThreshold
	}
	return true
}
