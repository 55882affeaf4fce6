package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Status is the lifecycle state of a verification.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusBlockedNeedsEvidence Status = "blocked_needs_evidence"
	StatusNeedsHumanReview     Status = "needs_human_review"
	StatusDraftReady           Status = "draft_ready"
	StatusFinalized            Status = "finalized"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusBlockedNeedsEvidence,
		StatusNeedsHumanReview, StatusDraftReady, StatusFinalized:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFinalized
}

// PatientInfo identifies the patient whose coverage is being verified.
type PatientInfo struct {
	PatientName       string    `json:"patient_name" yaml:"patient_name"`
	DateOfBirth       time.Time `json:"date_of_birth" yaml:"date_of_birth"`
	Phone             string    `json:"phone,omitempty" yaml:"phone"`
	PatientIdentifier string    `json:"patient_identifier,omitempty" yaml:"patient_identifier"`
}

// MarshalJSON writes date_of_birth as a calendar date.
func (p PatientInfo) MarshalJSON() ([]byte, error) {
	type alias PatientInfo
	return json.Marshal(struct {
		alias
		DateOfBirth string `json:"date_of_birth"`
	}{alias: alias(p), DateOfBirth: p.DateOfBirth.Format(DateLayout)})
}

// UnmarshalJSON accepts date_of_birth as YYYY-MM-DD or RFC 3339.
func (p *PatientInfo) UnmarshalJSON(data []byte) error {
	type alias PatientInfo
	aux := struct {
		*alias
		DateOfBirth string `json:"date_of_birth"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.DateOfBirth == "" {
		p.DateOfBirth = time.Time{}
		return nil
	}
	dob, err := ParseDate(aux.DateOfBirth)
	if err != nil {
		return err
	}
	p.DateOfBirth = dob
	return nil
}

// ParseDate parses YYYY-MM-DD or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(ErrInvalid, "invalid date %q", s)
	}
	return t, nil
}

// InsuranceInfo holds the subscriber details sent to the payer.
type InsuranceInfo struct {
	SubscriberName        string `json:"subscriber_name,omitempty" yaml:"subscriber_name"`
	RelationshipToPatient string `json:"relationship_to_patient" yaml:"relationship_to_patient"`
	MemberID              string `json:"member_id" yaml:"member_id"`
	GroupNumber           string `json:"group_number,omitempty" yaml:"group_number"`
}

// Verification is one eligibility & benefits check for a patient.
type Verification struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Status          Status         `json:"status"`
	PayerName       string         `json:"payer_name"`
	PlanName        string         `json:"plan_name,omitempty"`
	ServiceCategory string         `json:"service_category"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	CreatedBy       string         `json:"created_by"`
	FieldGeneration int            `json:"field_generation"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Patient         *PatientInfo   `json:"patient_info,omitempty"`
	Insurance       *InsuranceInfo `json:"insurance_info,omitempty"`
}

// VerificationListItem is the worklist projection of a verification.
type VerificationListItem struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	PayerName       string     `json:"payer_name"`
	PlanName        string     `json:"plan_name,omitempty"`
	ServiceCategory string     `json:"service_category"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PatientName     string     `json:"patient_name,omitempty"`
}

// VerificationPatch carries reviewer edits to verification details. Nil
// pointers leave the column unchanged.
type VerificationPatch struct {
	PayerName       *string    `json:"payer_name,omitempty"`
	PlanName        *string    `json:"plan_name,omitempty"`
	ServiceCategory *string    `json:"service_category,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p VerificationPatch) Empty() bool {
	return p.PayerName == nil && p.PlanName == nil && p.ServiceCategory == nil && p.ScheduledAt == nil
}

// Apply copies the set fields of p onto v.
func (p VerificationPatch) Apply(v *Verification) {
	if p.PayerName != nil {
		v.PayerName = *p.PayerName
	}
	if p.PlanName != nil {
		v.PlanName = *p.PlanName
	}
	if p.ServiceCategory != nil {
		v.ServiceCategory = *p.ServiceCategory
	}
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		v.ScheduledAt = &t
	}
}

// VerificationFilter selects verifications for the worklist.
type VerificationFilter struct {
	TenantID string
	Status   Status
	Payer    string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Normalize applies paging defaults and bounds.
func (f VerificationFilter) Normalize() VerificationFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 25
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset returns the row offset for the current page.
func (f VerificationFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
