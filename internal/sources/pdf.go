package sources

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"ingestd/internal/types"
)

var (
	pdfMagic       = []byte("%PDF-")
	tableCellSplit = regexp.MustCompile(`\s{2,}|\t`)
)

// minTableColumns is the number of cells a line must split into to count as
// a table row.
const minTableColumns = 3

// PDFAdapter extracts naive text and table records. Layout-aware extraction
// is out of scope; text extraction currently yields a placeholder.
type PDFAdapter struct {
	extract func(buf []byte, fileName string) string
}

func NewPDFAdapter() *PDFAdapter {
	return &PDFAdapter{extract: placeholderText}
}

func (a *PDFAdapter) Kind() Kind {
	return KindPDF
}

func (a *PDFAdapter) CanHandle(mimeType, fileName string) bool {
	if normalizeMime(mimeType) == "application/pdf" {
		return true
	}
	return hasExt(fileName, ".pdf")
}

func (a *PDFAdapter) Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error) {
	if err := checkInput(KindPDF, in); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(bytes.TrimLeft(in.Buffer, "\x00\t\r\n "), pdfMagic) {
		return nil, types.NewFormatError(string(KindPDF), in.FileName, "missing %PDF- header")
	}

	text := a.extract(in.Buffer, in.FileName)
	rows, isTable := TextToRecords(text, in.Options.DetectTables)

	meta := map[string]any{
		"extraction":   "placeholder",
		"detectTables": in.Options.DetectTables,
		"tableFound":   isTable,
		"textLength":   len(text),
	}
	return buildResult(KindPDF, in, rows, meta), nil
}

func placeholderText(_ []byte, fileName string) string {
	return fmt.Sprintf("PDF text extraction is not available for %s", fileName)
}

// TextToRecords splits extracted text into records. With detectTables set,
// lines that split into at least three cells on runs of two or more spaces
// or a tab form a table whose first row is the header; otherwise every
// non-blank line becomes {line_number, content}.
func TextToRecords(text string, detectTables bool) ([]types.Row, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	if detectTables {
		if rows := tableRecords(lines); len(rows) > 0 {
			return rows, true
		}
	}

	rows := make([]types.Row, 0, len(lines))
	for i, line := range lines {
		content := strings.TrimSpace(line)
		if content == "" {
			continue
		}
		rows = append(rows, types.Row{
			"line_number": float64(i + 1),
			"content":     content,
		})
	}
	return rows, false
}

func tableRecords(lines []string) []types.Row {
	var table [][]string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cells := tableCellSplit.Split(line, -1)
		if len(cells) >= minTableColumns {
			table = append(table, cells)
		}
	}
	if len(table) < 2 {
		return nil
	}

	headers := headerNames(table[0])
	rows := make([]types.Row, 0, len(table)-1)
	for _, cells := range table[1:] {
		row := make(types.Row, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = coerceCell(cells[i])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows
}
