// Package connector performs eligibility lookups against payers. The set of
// variants is closed; a payer name maps to a variant through a pure prefix
// table.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Variant names a connector implementation.
type Variant string

const (
	VariantMock       Variant = "mock"
	VariantManualOnly Variant = "manual_only"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantMock || v == VariantManualOnly
}

// Failure reasons returned by the built-in variants.
const (
	ReasonMissingMemberID = "missing member id"
	ReasonRequiresUpload  = "requires evidence upload"
)

// Query is the eligibility request sent to a payer.
type Query struct {
	PayerName   string
	MemberID    string
	PatientName string
	DateOfBirth time.Time
}

// Result is the outcome of a lookup. A business failure is a Result with
// Success false and a FailureReason, not an error.
type Result struct {
	Success       bool   `json:"success"`
	RawText       string `json:"raw_text,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Connector looks up eligibility for one query. Errors are reserved for
// transport failures and are retried by the caller.
type Connector interface {
	Variant() Variant
	GetEligibility(ctx context.Context, q Query) (Result, error)
}

// Mock returns a deterministic eligibility block derived from the member id.
type Mock struct{}

func (Mock) Variant() Variant { return VariantMock }

// GetEligibility reports active coverage when the member id ends in an even
// digit and inactive otherwise.
func (Mock) GetEligibility(_ context.Context, q Query) (Result, error) {
	memberID := strings.TrimSpace(q.MemberID)
	if memberID == "" {
		return Result{FailureReason: ReasonMissingMemberID}, nil
	}

	status := "inactive"
	if last := memberID[len(memberID)-1]; last >= '0' && last <= '9' && (last-'0')%2 == 0 {
		status = "active"
	}
	payer := cases.Title(language.Und).String(strings.ToLower(q.PayerName))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Eligibility status: %s\n", status)
	fmt.Fprintf(&sb, "Member ID: %s\n", memberID)
	sb.WriteString("Effective: 2024-01-01 to 2024-12-31\n")
	sb.WriteString("Copay: $25\n")
	sb.WriteString("Coinsurance: 20%\n")
	sb.WriteString("Deductible individual total: $500 remaining: $200\n")
	sb.WriteString("OOP max individual total: $2000 remaining: $1500\n")
	sb.WriteString("Visit limit: 12 visits per year\n")
	fmt.Fprintf(&sb, "Payer: %s\n", payer)
	return Result{Success: true, RawText: sb.String()}, nil
}

// ManualOnly is used for payers with no automated lookup.
type ManualOnly struct{}

func (ManualOnly) Variant() Variant { return VariantManualOnly }

func (ManualOnly) GetEligibility(context.Context, Query) (Result, error) {
	return Result{FailureReason: ReasonRequiresUpload}, nil
}
