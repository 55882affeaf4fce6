package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// UnknownValue is the literal value of a field that could not be determined.
const UnknownValue = "unknown"

// FieldEligibilityStatus is the one field whose value gates finalization.
const FieldEligibilityStatus = "eligibility_status"

// FieldStatus is the reviewer state of a summary field.
type FieldStatus string

const (
	FieldDraft    FieldStatus = "draft"
	FieldVerified FieldStatus = "verified"
	FieldEdited   FieldStatus = "edited"
	FieldUnknown  FieldStatus = "unknown"
)

// Valid reports whether s is a known field status.
func (s FieldStatus) Valid() bool {
	switch s {
	case FieldDraft, FieldVerified, FieldEdited, FieldUnknown:
		return true
	}
	return false
}

// RequiresNote reports whether moving a field to s needs a reviewer note.
func (s FieldStatus) RequiresNote() bool {
	return s == FieldEdited || s == FieldUnknown
}

// Currency is a monetary field value. Amount is nil when the text held no digits.
type Currency struct {
	Amount   *float64 `json:"amount"`
	Currency string   `json:"currency"`
}

// Percent is a percentage field value.
type Percent struct {
	Percent *float64 `json:"percent"`
}

// EvidenceRef points from a field back to the artifact text that justified it.
type EvidenceRef struct {
	ArtifactID string `json:"artifact_id"`
	TextSpan   [2]int `json:"text_span"`
	Page       *int   `json:"page"`
}

// SummaryField is a persisted, reviewable benefit attribute.
type SummaryField struct {
	ID             string          `json:"id"`
	VerificationID string          `json:"verification_id"`
	Generation     int             `json:"generation"`
	FieldName      string          `json:"field_name"`
	Value          json.RawMessage `json:"value_json"`
	Confidence     float64         `json:"confidence"`
	Evidence       *EvidenceRef    `json:"evidence_ref_json"`
	Status         FieldStatus     `json:"status"`
	ReviewerID     string          `json:"reviewer_id,omitempty"`
	ReviewerNote   string          `json:"reviewer_note,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FieldUpdate is a reviewer edit to one summary field.
type FieldUpdate struct {
	Status       FieldStatus     `json:"status"`
	Value        json.RawMessage `json:"value_json"`
	ReviewerNote string          `json:"reviewer_note"`
}

// DraftSummary keeps the raw extraction output of one field generation.
type DraftSummary struct {
	ID             string          `json:"id"`
	VerificationID string          `json:"verification_id"`
	Generation     int             `json:"generation"`
	ModelName      string          `json:"model_name"`
	RawOutput      json.RawMessage `json:"raw_output"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsUnknownValue reports whether raw is absent, JSON null, or the literal
// "unknown" string.
func IsUnknownValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s == UnknownValue
	}
	return false
}

// FormatValue renders a stored field value for humans (reports, exports).
func FormatValue(raw json.RawMessage) string {
	if IsUnknownValue(raw) {
		return UnknownValue
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		if cur, ok := t["currency"].(string); ok {
			amt, ok := t["amount"].(float64)
			if !ok {
				return UnknownValue
			}
			return strconv.FormatFloat(amt, 'f', 2, 64) + " " + cur
		}
		if pct, ok := t["percent"]; ok {
			f, ok := pct.(float64)
			if !ok {
				return UnknownValue
			}
			return strconv.FormatFloat(f, 'f', -1, 64) + "%"
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
