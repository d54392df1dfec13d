package gdpr

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	pdfLineHeight = 6.0
	pdfBodyWidth  = 190.0
)

type pdfWriter struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (w *pdfWriter) heading(text string) {
	w.pdf.Ln(4)
	w.pdf.SetFont("Helvetica", "B", 13)
	w.pdf.CellFormat(pdfBodyWidth, 8, w.tr(text), "B", 1, "L", false, 0, "")
	w.pdf.SetFont("Helvetica", "", 10)
	w.pdf.Ln(1)
}

func (w *pdfWriter) field(label, value string) {
	if value == "" {
		value = "-"
	}
	w.pdf.SetFont("Helvetica", "B", 10)
	w.pdf.CellFormat(50, pdfLineHeight, w.tr(label), "", 0, "L", false, 0, "")
	w.pdf.SetFont("Helvetica", "", 10)
	w.pdf.MultiCell(pdfBodyWidth-50, pdfLineHeight, w.tr(value), "", "L", false)
}

func (w *pdfWriter) line(text string) {
	w.pdf.MultiCell(pdfBodyWidth, pdfLineHeight, w.tr(text), "", "L", false)
}

func (w *pdfWriter) empty() {
	w.pdf.SetFont("Helvetica", "I", 10)
	w.line("No data held.")
	w.pdf.SetFont("Helvetica", "", 10)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// RenderPDF writes a human-readable rendering of exp to out.
func RenderPDF(exp *Export, out io.Writer) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Personal data export", true)
	pdf.SetCreator("telecare", true)
	pdf.SetCreationDate(exp.ExportDate)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	w := &pdfWriter{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(pdfBodyWidth, 10, "Personal data export", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	w.field("Patient", exp.PatientID.String())
	w.field("Generated", formatTime(exp.ExportDate))
	w.field("Exported by", exp.Metadata.ExportedBy)
	w.field("Total records", fmt.Sprintf("%d", exp.Metadata.TotalRecords))

	w.heading("Personal data")
	if p := exp.PersonalData; p != nil {
		w.field("Name", p.FirstName+" "+p.LastName)
		w.field("Email", p.Email)
		w.field("Phone", deref(p.Phone))
		w.field("Date of birth", deref(p.DateOfBirth))
		w.field("Address", deref(p.Address))
		w.field("Country", p.Country)
		w.field("Registered", formatTime(p.CreatedAt))
		if p.ErasedAt != nil {
			w.field("Erased", formatTime(*p.ErasedAt))
		}
	}

	w.heading(fmt.Sprintf("Appointments (%d)", len(exp.Appointments)))
	if len(exp.Appointments) == 0 {
		w.empty()
	}
	for _, a := range exp.Appointments {
		w.line(fmt.Sprintf("%s  %s  %s %s  %s", formatTime(a.ScheduledAt), a.Status,
			a.Price.StringFixed(2), a.Currency, a.CoverageType))
		if a.CancellationReason != nil {
			w.line("    Cancelled: " + *a.CancellationReason)
		}
	}

	w.heading(fmt.Sprintf("Medical records (%d)", len(exp.MedicalRecords)))
	if len(exp.MedicalRecords) == 0 {
		w.empty()
	}
	for _, r := range exp.MedicalRecords {
		w.field("Date", formatTime(r.CreatedAt))
		w.field("Diagnosis", r.Diagnosis)
		w.field("Notes", r.Notes)
		w.field("Prescription", r.Prescription)
		pdf.Ln(2)
	}

	w.heading("Membership")
	if len(exp.Membership.Subscriptions) == 0 {
		w.empty()
	}
	for _, sub := range exp.Membership.Subscriptions {
		w.field("Plan", sub.PlanID)
		w.field("Status", string(sub.Status))
		w.field("Current period", formatTime(sub.CurrentPeriodStart)+" - "+formatTime(sub.CurrentPeriodEnd))
		pdf.Ln(2)
	}
	for _, c := range exp.Membership.Cycles {
		w.line(fmt.Sprintf("Cycle %s - %s: %d granted, %d used, %d remaining",
			c.CycleStart.UTC().Format("2006-01-02"), c.CycleEnd.UTC().Format("2006-01-02"),
			c.AllowanceGranted, c.AllowanceUsed, c.AllowanceRemaining))
	}
	for _, e := range exp.Membership.AllowanceEvents {
		w.line(fmt.Sprintf("%s  %s  %+d (%d -> %d)  %s", formatTime(e.CreatedAt), e.EventType,
			e.AllowanceChange, e.AllowanceBefore, e.AllowanceAfter, e.Reason))
	}

	w.heading(fmt.Sprintf("Consents (%d)", len(exp.Consents)))
	if len(exp.Consents) == 0 {
		w.empty()
	}
	for _, c := range exp.Consents {
		state := "given"
		if !c.Given {
			state = "refused"
		}
		if c.WithdrawnAt != nil {
			state += ", withdrawn " + formatTime(*c.WithdrawnAt)
		}
		w.line(fmt.Sprintf("%s  %s  %s (v%s, %s)", formatTime(c.GivenAt), c.Type, state,
			c.DocumentVersion, c.LegalBasis))
	}
	for _, r := range exp.Processing {
		w.line(fmt.Sprintf("%s  %s  [%s]", formatTime(r.CreatedAt), r.Purpose, r.LegalBasis))
	}

	w.heading(fmt.Sprintf("Audit trail (%d)", len(exp.AuditTrail)))
	if len(exp.AuditTrail) == 0 {
		w.empty()
	}
	for _, e := range exp.AuditTrail {
		w.line(fmt.Sprintf("%s  %s  %s", formatTime(e.CreatedAt), e.Action, e.ResourceType))
	}

	return pdf.Output(out)
}
