// Package export renders segment listings as CSV or XLSX downloads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimscope/internal/portfolio"
	"github.com/xuri/excelize/v2"
)

// Format is a download format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of a format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Filename returns the download name of a portfolio segment.
func (f Format) Filename(portfolioID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, portfolioID)
	return fmt.Sprintf("%s_segment.%s", safe, f)
}

// SegmentHeader is the column order of a segment export.
var SegmentHeader = []string{"id", "risk_score", "age", "income", "credit_score", "driving_experience", "outcome"}

func segmentRecord(r portfolio.SegmentRow) []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		strconv.Itoa(r.RiskScore),
		r.Age,
		r.Income,
		strconv.FormatFloat(r.CreditScore, 'f', -1, 64),
		r.DrivingExperience,
		strconv.Itoa(r.Outcome),
	}
}

// Write renders res in format f.
func Write(w io.Writer, f Format, res *portfolio.SegmentResult) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, res)
	case FormatXLSX:
		return WriteXLSX(w, res)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

// WriteCSV writes the segment rows with a header line.
func WriteCSV(w io.Writer, res *portfolio.SegmentResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SegmentHeader); err != nil {
		return err
	}
	for _, r := range res.Rows {
		if err := cw.Write(segmentRecord(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Sheet names of the XLSX export.
const (
	SheetSegment = "Segment"
	SheetSummary = "Summary"
)

// WriteXLSX writes a workbook with the segment rows on one sheet and the
// summary on another. Numeric columns are stored as numbers.
func WriteXLSX(w io.Writer, res *portfolio.SegmentResult) error {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	if err := xl.SetSheetName(xl.GetSheetName(0), SheetSegment); err != nil {
		return err
	}

	header := make([]any, len(SegmentHeader))
	for i, h := range SegmentHeader {
		header[i] = h
	}
	if err := xl.SetSheetRow(SheetSegment, "A1", &header); err != nil {
		return err
	}

	for i, r := range res.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		record := []any{r.ID, r.RiskScore, r.Age, r.Income, r.CreditScore, r.DrivingExperience, r.Outcome}
		if err := xl.SetSheetRow(SheetSegment, cell, &record); err != nil {
			return err
		}
	}

	if len(res.Rows) > 0 {
		if err := xl.AutoFilter(SheetSegment, fmt.Sprintf("A1:G%d", len(res.Rows)+1), nil); err != nil {
			return err
		}
	}
	if err := xl.SetPanes(SheetSegment, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	if _, err := xl.NewSheet(SheetSummary); err != nil {
		return err
	}
	summary := [][]any{
		{"customers", res.Summary.Customers},
		{"avg_risk_score", nullable(res.Summary.AvgRiskScore)},
		{"claim_rate", nullable(res.Summary.ClaimRate)},
		{"avg_credit_score", nullable(res.Summary.AvgCreditScore)},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := xl.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return err
		}
	}

	_, err := xl.WriteTo(w)
	return err
}

// nullable leaves the cell empty for a null statistic.
func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
