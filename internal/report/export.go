package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

// SessionsSheet is the name of the worksheet ExportWorkbook writes.
const SessionsSheet = "Sessions"

// ExportHeader returns the column titles of the sessions sheet.
func ExportHeader() []string {
	header := []string{
		"Completed at", "WhatsApp", "Name", "Instagram", "Income bracket", "Qualified",
		"Score", "Profile", "Strongest pillar", "Most vulnerable pillar",
	}
	for _, code := range models.PillarOrder {
		header = append(header, scoring.PillarLabel(code))
	}
	return header
}

// ExportWorkbook writes one row per completed session, pillar totals included, as XLSX.
func ExportWorkbook(w io.Writer, sessions []store.CompletedSession) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SessionsSheet); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}

	header := ExportHeader()
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(SessionsSheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("export: header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("export: style: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SessionsSheet, "A1", lastHeader, bold); err != nil {
		return fmt.Errorf("export: header style: %w", err)
	}

	for i, cs := range sessions {
		completed := ""
		if cs.Session.CompletedAt != nil {
			completed = cs.Session.CompletedAt.UTC().Format("2006-01-02 15:04:05")
		}
		row := []interface{}{
			completed,
			cs.User.WhatsAppID,
			cs.User.Name,
			cs.User.Instagram,
			cs.User.IncomeBracket,
			cs.Session.Qualified,
			cs.Session.ScoreTotal,
			cs.Session.Profile,
			scoring.PillarLabel(cs.Session.DominantPillar),
			scoring.PillarLabel(cs.Session.WeakestPillar),
		}
		for _, code := range models.PillarOrder {
			row = append(row, cs.Totals[code])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SessionsSheet, cell, &row); err != nil {
			return fmt.Errorf("export: row %d: %w", i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(SessionsSheet, "A", lastCol, 18); err != nil {
		return fmt.Errorf("export: column width: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	return nil
}
