package matches

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/xaitan80/X-Score/internal/models"
)

var scoresheetHeader = []string{
	"match_id", "title", "team_a", "team_b",
	"score_a", "score_b",
	"shots_a", "shots_b", "corners_a", "corners_b",
	"finished", "elapsed", "goals",
}

func scoresheetRow(m models.Match) []string {
	return []string{
		m.ID, m.Title, m.TeamA, m.TeamB,
		strconv.Itoa(m.ScoreA), strconv.Itoa(m.ScoreB),
		strconv.Itoa(m.Stat(models.TeamA, models.StatShoot)),
		strconv.Itoa(m.Stat(models.TeamB, models.StatShoot)),
		strconv.Itoa(m.Stat(models.TeamA, models.StatCornerKick)),
		strconv.Itoa(m.Stat(models.TeamB, models.StatCornerKick)),
		strconv.FormatBool(m.Finished),
		models.FormatTime(m.Timer.ElapsedSeconds),
		goalSummary(m),
	}
}

// goalSummary renders the log as "0:42 ESP Juan (Pedro); 1:10 Rivals Ana".
func goalSummary(m models.Match) string {
	parts := make([]string, 0, len(m.Goals))
	for _, g := range m.Goals {
		s := fmt.Sprintf("%s %s %s", g.Time, m.TeamName(g.Team), g.Scorer)
		if g.Assist != "" {
			s += " (" + g.Assist + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

// WriteScoresheetCSV writes one row per match.
func WriteScoresheetCSV(w io.Writer, list []models.Match) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(scoresheetHeader); err != nil {
		return err
	}
	for _, m := range list {
		if err := cw.Write(scoresheetRow(m)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteScoresheetXLSX writes the same table as a single-sheet workbook.
func WriteScoresheetXLSX(w io.Writer, sheet string, list []models.Match) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet = sheetName(sheet)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return err
	}
	header := append([]string(nil), scoresheetHeader...)
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, m := range list {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := scoresheetRow(m)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}

// sheetName drops characters Excel forbids and caps the length at 31.
func sheetName(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return ' '
		}
		return r
	}, strings.TrimSpace(s))
	if r := []rune(s); len(r) > 31 {
		s = string(r[:31])
	}
	if strings.TrimSpace(s) == "" {
		return "Scoresheet"
	}
	return s
}
