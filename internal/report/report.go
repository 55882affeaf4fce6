// Package report renders the benefits summary PDF for a verification.
package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
)

// ContentType of rendered reports.
const ContentType = "application/pdf"

// Layout in points on a letter page.
const (
	margin      = 50.0
	colValue    = 250.0
	colStatus   = 430.0
	rowHeight   = 12.0
	maxValueLen = 60
)

// Field is one row of the report.
type Field struct {
	Name   string
	Value  string
	Status model.FieldStatus
}

// FieldsFromSummary converts stored summary fields to report rows.
func FieldsFromSummary(fields []model.SummaryField) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Name: f.FieldName, Value: model.FormatValue(f.Value), Status: f.Status}
	}
	return out
}

// Renderer draws summary reports. Output is byte-for-byte reproducible for
// the same input and clock.
type Renderer struct {
	now func() time.Time
}

// NewRenderer returns a Renderer stamping documents with the current time.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// Render draws fields and returns the PDF with its hex SHA-256.
func (r *Renderer) Render(verificationID string, fields []Field) ([]byte, string, error) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	stamp := r.now().UTC().Truncate(time.Second)
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Benefits Summary", true)
	pdf.SetAutoPageBreak(false, margin)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	_, pageHeight := pdf.GetPageSize()

	pdf.AddPage()
	y := margin
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Text(margin, y, "Benefits Summary")
	y += 20
	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(margin, y, tr("Verification ID: "+verificationID))
	y += 30

	pdf.SetFont("Helvetica", "B", 10)
	pdf.Text(margin, y, "Field")
	pdf.Text(colValue, y, "Value")
	pdf.Text(colStatus, y, "Status")
	y += 15
	pdf.SetFont("Helvetica", "", 9)

	for _, f := range fields {
		if y > pageHeight-margin {
			pdf.AddPage()
			y = margin
			pdf.SetFont("Helvetica", "", 9)
		}
		pdf.Text(margin, y, tr(f.Name))
		pdf.Text(colValue, y, tr(truncate(f.Value, maxValueLen)))
		pdf.Text(colStatus, y, string(f.Status))
		y += rowHeight
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, "", eris.Wrapf(err, "report: render %s", verificationID)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
