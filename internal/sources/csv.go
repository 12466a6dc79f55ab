package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"ingestd/internal/types"
)

var csvDelimiters = []rune{',', ';', '\t', '|'}

type CSVAdapter struct{}

func NewCSVAdapter() *CSVAdapter {
	return &CSVAdapter{}
}

func (a *CSVAdapter) Kind() Kind {
	return KindCSV
}

func (a *CSVAdapter) CanHandle(mimeType, fileName string) bool {
	switch normalizeMime(mimeType) {
	case "text/csv", "application/csv", "text/tab-separated-values":
		return true
	}
	return hasExt(fileName, ".csv", ".tsv")
}

func (a *CSVAdapter) Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error) {
	if err := checkInput(KindCSV, in); err != nil {
		return nil, err
	}

	text, err := decodeText(in.Buffer)
	if err != nil {
		return nil, types.NewFormatError(string(KindCSV), in.FileName, "invalid text encoding").WithCause(err)
	}

	delimiter := sniffDelimiter(text)
	records, err := readCSV(text, delimiter)
	if err != nil {
		return nil, types.NewFormatError(string(KindCSV), in.FileName, "unparsable csv").WithCause(err)
	}
	if len(records) == 0 {
		return nil, types.NewFormatError(string(KindCSV), in.FileName, "no rows found")
	}

	headerIdx := DetectHeaderRow(records)
	headers := headerNames(records[headerIdx])

	rows := make([]types.Row, 0, len(records)-headerIdx-1)
	for _, record := range records[headerIdx+1:] {
		if isBlankRecord(record) {
			continue
		}
		row := make(types.Row, len(headers))
		for i, h := range headers {
			if i >= len(record) {
				break
			}
			row[h] = coerceCell(record[i])
		}
		rows = append(rows, row)
	}

	meta := map[string]any{
		"headerRow": headerIdx,
		"columns":   headers,
		"delimiter": string(delimiter),
	}
	return buildResult(KindCSV, in, rows, meta), nil
}

// decodeText strips a UTF-8 BOM and transcodes UTF-16 input marked with a BOM.
func decodeText(buf []byte) (string, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, buf)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func sniffDelimiter(text string) rune {
	line := text
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}

	best, bestCount := ',', 0
	for _, d := range csvDelimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func readCSV(text string, delimiter rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// coerceCell keeps the raw string unless the cell parses as a finite number.
func coerceCell(cell string) any {
	if f, ok := parseNumber(cell); ok {
		return f
	}
	return cell
}

// headerNames trims header cells, names blank ones column_N and suffixes
// duplicates with _2, _3 and so on.
func headerNames(row []string) []string {
	names := make([]string, len(row))
	used := make(map[string]int, len(row))
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		names[i] = name
	}
	return names
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
