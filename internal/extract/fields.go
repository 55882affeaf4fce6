package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/eb-copilot/internal/model"
)

// Confidence weights per field family.
const (
	confidenceStatus  = 0.9
	confidenceDate    = 0.85
	confidenceMoney   = 0.7
	confidenceText    = 0.6
	confidenceMissing = 0.0
)

// ReviewThreshold is the minimum eligibility_status confidence that lets a
// draft skip human review.
const ReviewThreshold = 0.8

// rule captures one or more fields from a single pattern match. Each capture
// group i feeds fields[i].
type rule struct {
	pattern    *regexp.Regexp
	fields     []string
	transform  func(string) any
	confidence float64
}

// FieldNames lists every extracted field in emission order.
var FieldNames = []string{
	model.FieldEligibilityStatus,
	"effective_from",
	"effective_to",
	"copay",
	"coinsurance",
	"deductible_total_individual",
	"deductible_remaining_individual",
	"deductible_total_family",
	"deductible_remaining_family",
	"oop_max_total_individual",
	"oop_max_remaining_individual",
	"oop_max_total_family",
	"oop_max_remaining_family",
	"limitations",
}

var rules = []rule{
	{
		pattern:    regexp.MustCompile(`(?i)Eligibility status:\s*(active|inactive|unknown)`),
		fields:     []string{model.FieldEligibilityStatus},
		transform:  lowerValue,
		confidence: confidenceStatus,
	},
	{
		pattern:    regexp.MustCompile(`(?i)Effective:\s*(\d{4}-\d{2}-\d{2})\s*to\s*(\d{4}-\d{2}-\d{2})`),
		fields:     []string{"effective_from", "effective_to"},
		transform:  identityValue,
		confidence: confidenceDate,
	},
	{
		pattern:    regexp.MustCompile(`(?i)Copay:\s*\$([0-9,.]+)`),
		fields:     []string{"copay"},
		transform:  currencyValue,
		confidence: confidenceMoney,
	},
	{
		pattern:    regexp.MustCompile(`(?i)Coinsurance:\s*([0-9,.]+%)`),
		fields:     []string{"coinsurance"},
		transform:  percentValue,
		confidence: confidenceMoney,
	},
	totalRemaining(`Deductible individual`, "deductible_total_individual", "deductible_remaining_individual"),
	totalRemaining(`Deductible family`, "deductible_total_family", "deductible_remaining_family"),
	totalRemaining(`OOP max individual`, "oop_max_total_individual", "oop_max_remaining_individual"),
	totalRemaining(`OOP max family`, "oop_max_total_family", "oop_max_remaining_family"),
	{
		// Bounded to one line so a following "Key: value" row is not swallowed.
		pattern:    regexp.MustCompile(`(?i)Visit limit:[ \t]*([\w \t]+)`),
		fields:     []string{"limitations"},
		transform:  trimmedValue,
		confidence: confidenceText,
	},
}

func totalRemaining(label, totalField, remainingField string) rule {
	return rule{
		pattern:    regexp.MustCompile(`(?i)` + label + ` total:\s*\$([0-9,.]+)\s*remaining:\s*\$([0-9,.]+)`),
		fields:     []string{totalField, remainingField},
		transform:  currencyValue,
		confidence: confidenceMoney,
	}
}

func identityValue(s string) any { return s }

func lowerValue(s string) any { return strings.ToLower(s) }

func trimmedValue(s string) any { return strings.TrimSpace(s) }

// numericOnly keeps digits and dots.
func numericOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// parseAmount returns nil when s holds no parseable number.
func parseAmount(s string) *float64 {
	clean := numericOnly(s)
	if clean == "" {
		return nil
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return nil
	}
	return &f
}

func currencyValue(s string) any {
	return model.Currency{Amount: parseAmount(s), Currency: "USD"}
}

func percentValue(s string) any {
	return model.Percent{Percent: parseAmount(s)}
}
