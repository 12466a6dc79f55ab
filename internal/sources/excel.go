package sources

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/xuri/excelize/v2"

	"ingestd/internal/types"
)

type ExcelAdapter struct{}

func NewExcelAdapter() *ExcelAdapter {
	return &ExcelAdapter{}
}

func (a *ExcelAdapter) Kind() Kind {
	return KindExcel
}

func (a *ExcelAdapter) CanHandle(mimeType, fileName string) bool {
	switch normalizeMime(mimeType) {
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel.sheet.macroenabled.12",
		"application/vnd.ms-excel":
		return true
	}
	return hasExt(fileName, ".xlsx", ".xlsm", ".xltx", ".xls")
}

func (a *ExcelAdapter) Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error) {
	if err := checkInput(KindExcel, in); err != nil {
		return nil, err
	}

	f, err := excelize.OpenReader(bytes.NewReader(in.Buffer))
	if err != nil {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "unreadable workbook").WithCause(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "workbook has no sheets")
	}
	sheet := sheets[0]
	if in.Options.Sheet != "" {
		if idx, err := f.GetSheetIndex(in.Options.Sheet); err != nil || idx < 0 {
			return nil, types.NewFormatError(string(KindExcel), in.FileName, fmt.Sprintf("sheet %q not found", in.Options.Sheet))
		}
		sheet = in.Options.Sheet
	}

	formatted, err := f.GetRows(sheet)
	if err != nil {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "failed to read rows").WithCause(err)
	}
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "failed to read raw cell values").WithCause(err)
	}

	if len(formatted) < 2 {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "sheet has no header and data rows")
	}

	headerIdx := DetectHeaderRow(formatted)
	headers := headerNames(formatted[headerIdx])

	rows := make([]types.Row, 0, len(formatted)-headerIdx-1)
	for r := headerIdx + 1; r < len(formatted); r++ {
		record := formatted[r]
		if isBlankRecord(record) {
			continue
		}
		row := make(types.Row, len(headers))
		for c, h := range headers {
			if c >= len(record) {
				break
			}
			rawValue := record[c]
			if r < len(raw) && c < len(raw[r]) {
				rawValue = raw[r][c]
			}
			row[h] = a.cellValue(f, sheet, c+1, r+1, record[c], rawValue)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, types.NewFormatError(string(KindExcel), in.FileName, "sheet has no header and data rows")
	}

	meta := map[string]any{
		"sheet":     sheet,
		"sheets":    sheets,
		"headerRow": headerIdx,
		"columns":   headers,
	}
	return buildResult(KindExcel, in, rows, meta), nil
}

// cellValue keeps the sheet's native type: numbers as float64, booleans as
// bool, date-formatted serials as their displayed text, everything else as
// the displayed string.
func (a *ExcelAdapter) cellValue(f *excelize.File, sheet string, col, row int, display, raw string) any {
	if display == "" && raw == "" {
		return ""
	}

	axis, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return display
	}
	cellType, err := f.GetCellType(sheet, axis)
	if err != nil {
		return display
	}

	switch cellType {
	case excelize.CellTypeBool:
		return raw == "1" || strings.EqualFold(raw, "true")
	case excelize.CellTypeDate:
		return display
	case excelize.CellTypeUnset, excelize.CellTypeNumber, excelize.CellTypeFormula:
		n, ok := parseNumber(raw)
		if !ok {
			return display
		}
		if display != raw {
			if _, isNum := parseNumber(display); !isNum {
				if _, err := dateparse.ParseAny(display); err == nil {
					return display
				}
			}
		}
		return n
	default:
		return display
	}
}
