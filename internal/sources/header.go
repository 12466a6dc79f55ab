package sources

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// maxHeaderScan caps how many leading rows are considered as header candidates.
const maxHeaderScan = 5

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_\s]*$`)

// DetectHeaderRow returns the index of the header row within the first rows
// of a sheet. Row i is the header when it has no numeric cell and row i+1
// does, or when row i has a descriptive identifier and row i+1 is numeric.
// Defaults to 0.
func DetectHeaderRow(rows [][]string) int {
	limit := min(len(rows)-1, maxHeaderScan)
	for i := 0; i < limit; i++ {
		cur, next := rows[i], rows[i+1]
		if !hasNumericCell(next) {
			continue
		}
		if !hasNumericCell(cur) || hasIdentifierCell(cur) {
			return i
		}
	}
	return 0
}

func hasNumericCell(row []string) bool {
	for _, cell := range row {
		if _, ok := parseNumber(cell); ok {
			return true
		}
	}
	return false
}

func hasIdentifierCell(row []string) bool {
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if len(cell) > 3 && identifierPattern.MatchString(cell) {
			return true
		}
	}
	return false
}

// parseNumber accepts finite decimal numbers only. NaN and Inf spellings stay
// text.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
