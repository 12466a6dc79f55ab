package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"ingestd/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelopeKeys are checked in order when the JSON root is an object that wraps
// the actual records.
var envelopeKeys = []string{"data", "records", "items", "results"}

type JSONAdapter struct{}

func NewJSONAdapter() *JSONAdapter {
	return &JSONAdapter{}
}

func (a *JSONAdapter) Kind() Kind {
	return KindJSON
}

func (a *JSONAdapter) CanHandle(mimeType, fileName string) bool {
	switch normalizeMime(mimeType) {
	case "application/json", "text/json", "application/x-ndjson", "application/jsonl":
		return true
	}
	return hasExt(fileName, ".json", ".jsonl", ".ndjson")
}

func (a *JSONAdapter) Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error) {
	if err := checkInput(KindJSON, in); err != nil {
		return nil, err
	}

	var (
		rows []types.Row
		err  error
		meta = map[string]any{}
	)
	if isJSONLines(in) {
		rows, err = parseJSONLines(in.Buffer)
		meta["layout"] = "lines"
	} else {
		var root string
		rows, root, err = parseJSONDocument(in.Buffer)
		meta["layout"] = root
	}
	if err != nil {
		return nil, types.NewFormatError(string(KindJSON), in.FileName, err.Error())
	}

	return buildResult(KindJSON, in, rows, meta), nil
}

func isJSONLines(in *types.FileInput) bool {
	switch normalizeMime(in.MimeType) {
	case "application/x-ndjson", "application/jsonl":
		return true
	}
	return hasExt(in.FileName, ".jsonl", ".ndjson")
}

// parseJSONDocument accepts an array root or an object root. Objects that wrap
// an array under one of the envelope keys yield that array.
func parseJSONDocument(buf []byte) ([]types.Row, string, error) {
	var parsed any
	if err := json.Unmarshal(buf, &parsed); err != nil {
		return nil, "", fmt.Errorf("invalid json: %w", err)
	}

	switch root := parsed.(type) {
	case []any:
		return rowsFromArray(root), "array", nil
	case map[string]any:
		for _, key := range envelopeKeys {
			if arr, ok := root[key].([]any); ok {
				return rowsFromArray(arr), "envelope:" + key, nil
			}
		}
		return []types.Row{root}, "object", nil
	default:
		return nil, "", fmt.Errorf("json root must be an array or an object, got %T", parsed)
	}
}

func parseJSONLines(buf []byte) ([]types.Row, error) {
	var rows []types.Row
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(text, &v); err != nil {
			return nil, fmt.Errorf("invalid json on line %d: %w", line, err)
		}
		rows = append(rows, toRow(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read json lines: %w", err)
	}
	return rows, nil
}

func rowsFromArray(arr []any) []types.Row {
	rows := make([]types.Row, 0, len(arr))
	for _, el := range arr {
		rows = append(rows, toRow(el))
	}
	return rows
}

func toRow(v any) types.Row {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return types.Row{"value": v}
}
