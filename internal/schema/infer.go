// Package schema assigns a semantic type to every column of a parsed source.
package schema

import (
	"net/url"
	"regexp"
	"slices"
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"ingestd/internal/types"
)

const (
	DefaultSampleSize = 100
	MaxSampleValues   = 5

	// minDateLength keeps short numeric-looking strings like "2024" or "1/2"
	// from being typed as dates.
	minDateLength = 8
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Infer samples at most DefaultSampleSize rows and returns the column schema.
func Infer(rows []types.Row) types.Schema {
	return InferSample(rows, DefaultSampleSize)
}

func InferSample(rows []types.Row, sampleSize int) types.Schema {
	if sampleSize <= 0 || sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	sample := rows[:sampleSize]

	result := make(types.Schema)
	for _, col := range Columns(sample) {
		result[col] = inferColumn(sample, col)
	}
	return result
}

// Columns returns the union of keys across rows in first-seen order. Keys
// within a single row are visited in sorted order so the result is stable.
func Columns(rows []types.Row) []string {
	var cols []string
	seen := make(map[string]struct{})
	for _, row := range rows {
		keys := lo.Keys(row)
		slices.Sort(keys)
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return cols
}

func inferColumn(sample []types.Row, col string) types.ColumnSchema {
	cs := types.ColumnSchema{Type: types.ColumnText, SampleValues: []string{}}

	var first any
	found := false
	for _, row := range sample {
		v, ok := row[col]
		if !ok || IsEmpty(v) {
			cs.Nullable = true
			continue
		}
		if !found {
			first = v
			found = true
		}
		if len(cs.SampleValues) < MaxSampleValues {
			s := Stringify(v)
			if !lo.Contains(cs.SampleValues, s) {
				cs.SampleValues = append(cs.SampleValues, s)
			}
		}
	}

	if found {
		cs.Type = DetectType(first)
	}
	return cs
}

// DetectType classifies a single value in priority order number, boolean,
// date, email, url, falling back to text.
func DetectType(v any) types.ColumnType {
	switch val := v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return types.ColumnNumber
	case bool:
		return types.ColumnBoolean
	case time.Time:
		return types.ColumnDate
	case string:
		return detectStringType(val)
	default:
		return types.ColumnText
	}
}

func detectStringType(s string) types.ColumnType {
	if IsDate(s) {
		return types.ColumnDate
	}
	if emailPattern.MatchString(s) {
		return types.ColumnEmail
	}
	if IsURL(s) {
		return types.ColumnURL
	}
	return types.ColumnText
}

func IsDate(s string) bool {
	if len(s) <= minDateLength {
		return false
	}
	_, err := dateparse.ParseAny(s)
	return err == nil
}

func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Host != "" || u.Opaque != ""
}

func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// Stringify renders a sample value. Composite values are rendered as JSON.
func Stringify(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
