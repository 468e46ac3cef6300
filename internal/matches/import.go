package matches

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// maxImportBytes caps uploaded fixture files.
const maxImportBytes = 10 << 20

// ImportRow is one parsed fixture line; Line is the 1-based source row.
type ImportRow struct {
	Line  int
	Draft Draft
}

// ParseImport reads a CSV or XLSX fixture list from a multipart file.
func ParseImport(fh *multipart.FileHeader) ([]ImportRow, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch ext {
	case ".csv", ".txt":
		return parseCSV(file)
	case ".xlsx":
		b, err := io.ReadAll(io.LimitReader(file, maxImportBytes))
		if err != nil {
			return nil, err
		}
		return parseXLSX(b)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", ext)
	}
}

func parseCSV(r io.Reader) ([]ImportRow, error) {
	br := bufio.NewReader(r)
	// sniff the delimiter from the header line
	line, _ := br.ReadString('\n')
	reader := csv.NewReader(io.MultiReader(strings.NewReader(line), br))
	reader.FieldsPerRecord = -1
	if strings.Count(line, ";") > strings.Count(line, ",") {
		reader.Comma = ';'
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	return rowsToImport(rows)
}

func parseXLSX(b []byte) ([]ImportRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("no sheet")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	return rowsToImport(rows)
}

func rowsToImport(rows [][]string) ([]ImportRow, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	headers := normHeaders(rows[0])
	if !hasColumns(headers, "teama", "teamb") {
		return nil, fmt.Errorf("missing team columns (need teamA and teamB)")
	}
	var out []ImportRow
	for i := 1; i < len(rows); i++ {
		if strings.TrimSpace(strings.Join(rows[i], "")) == "" {
			continue
		}
		out = append(out, ImportRow{Line: i + 1, Draft: rowToDraft(headers, rows[i])})
	}
	return out, nil
}

// normHeaders lowercases headers, keeps letters and digits, folds Swedish
// diacritics and maps aliases onto title/teama/teamb.
func normHeaders(hdr []string) map[int]string {
	m := make(map[int]string, len(hdr))
	for i, h := range hdr {
		b := strings.Builder{}
		for _, r := range strings.ToLower(strings.TrimSpace(h)) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				switch r {
				case 'å', 'ä':
					r = 'a'
				case 'ö':
					r = 'o'
				}
				b.WriteRune(r)
			}
		}
		k := b.String()
		switch k {
		case "title", "titel", "match", "namn", "name", "matchnamn":
			k = "title"
		case "teama", "hemmalag", "home", "hometeam", "hemma", "laga":
			k = "teama"
		case "teamb", "bortalag", "away", "awayteam", "borta", "opponent", "motstandare", "lagb":
			k = "teamb"
		}
		m[i] = k
	}
	return m
}

func hasColumns(h map[int]string, keys ...string) bool {
	for _, key := range keys {
		found := false
		for _, k := range h {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func rowToDraft(h map[int]string, row []string) Draft {
	get := func(key string) string {
		for i, k := range h {
			if k == key && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}
	d := Draft{Title: get("title"), TeamA: get("teama"), TeamB: get("teamb")}
	if d.Title == "" && d.TeamA != "" && d.TeamB != "" {
		d.Title = d.TeamA + " vs " + d.TeamB
	}
	return d
}
