package schema

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/types"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		in   any
		want types.ColumnType
	}{
		{in: 1.5, want: types.ColumnNumber},
		{in: 42, want: types.ColumnNumber},
		{in: true, want: types.ColumnBoolean},
		{in: time.Now(), want: types.ColumnDate},
		{in: "2024-01-15", want: types.ColumnDate},
		{in: "2024-01-15T10:00:00Z", want: types.ColumnDate},
		{in: "1/2/2024", want: types.ColumnText},
		{in: "someone@example.org", want: types.ColumnEmail},
		{in: "https://example.org/path", want: types.ColumnURL},
		{in: "mailto:someone", want: types.ColumnURL},
		{in: "hello world", want: types.ColumnText},
		{in: map[string]any{"a": 1}, want: types.ColumnText},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			require.Equal(t, tt.want, DetectType(tt.in))
		})
	}
}

func TestInferUsesFirstNonNullValue(t *testing.T) {
	rows := []types.Row{
		{"v": nil, "w": "x"},
		{"v": "", "w": "y"},
		{"v": 3.0, "w": "x"},
		{"v": "not a number"},
	}
	s := Infer(rows)

	require.Equal(t, types.ColumnNumber, s["v"].Type)
	require.True(t, s["v"].Nullable)
	require.Equal(t, []string{"3", "not a number"}, s["v"].SampleValues)

	require.Equal(t, types.ColumnText, s["w"].Type)
	require.True(t, s["w"].Nullable)
	require.Equal(t, []string{"x", "y"}, s["w"].SampleValues)
}

func TestNullableIffMissingOrEmpty(t *testing.T) {
	rows := []types.Row{{"a": 1.0, "b": 2.0}, {"a": 2.0, "b": 3.0}}
	s := Infer(rows)
	require.False(t, s["a"].Nullable)
	require.False(t, s["b"].Nullable)

	rows = append(rows, types.Row{"a": 3.0})
	s = Infer(rows)
	require.False(t, s["a"].Nullable)
	require.True(t, s["b"].Nullable)
}

func TestSampleValuesAreCappedAndDistinct(t *testing.T) {
	var rows []types.Row
	for i := 0; i < 20; i++ {
		rows = append(rows, types.Row{"n": float64(i % 7)})
	}
	s := Infer(rows)
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, s["n"].SampleValues)
}

func TestInferSamplesOnlyTheFirstRows(t *testing.T) {
	var rows []types.Row
	for i := 0; i < DefaultSampleSize; i++ {
		rows = append(rows, types.Row{"a": 1.0})
	}
	rows = append(rows, types.Row{"a": "", "late": "x"})

	s := Infer(rows)
	require.False(t, s["a"].Nullable)
	_, ok := s["late"]
	require.False(t, ok)
}

func TestColumnsOrder(t *testing.T) {
	rows := []types.Row{{"b": 1, "a": 2}, {"c": 3, "a": 4}}
	require.Equal(t, []string{"a", "b", "c"}, Columns(rows))
}

func TestStringify(t *testing.T) {
	require.Equal(t, "1.5", Stringify(1.5))
	require.Equal(t, "true", Stringify(true))
	require.Equal(t, `{"k":[1,2]}`, Stringify(map[string]any{"k": []any{1, 2}}))
}
