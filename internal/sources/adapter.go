package sources

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"ingestd/internal/schema"
	"ingestd/internal/types"
	"ingestd/internal/utils/hash"
)

const PreviewSize = 100

type Kind string

const (
	KindCSV   Kind = "csv"
	KindJSON  Kind = "json"
	KindExcel Kind = "excel"
	KindPDF   Kind = "pdf"
)

// Adapter turns raw bytes of one format into rows plus an inferred schema.
type Adapter interface {
	Kind() Kind
	CanHandle(mimeType, fileName string) bool
	Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error)
}

// Registry dispatches to format adapters in a fixed priority order.
type Registry struct {
	adapters []Adapter
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: []Adapter{
			NewExcelAdapter(),
			NewPDFAdapter(),
			NewJSONAdapter(),
			NewCSVAdapter(),
		},
		logger: logger,
	}
}

func (r *Registry) Adapters() []Adapter {
	return r.adapters
}

func (r *Registry) Get(kind Kind) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Kind() == kind {
			return a, true
		}
	}
	return nil, false
}

// Select picks the adapter for an upload. The MIME type wins over the file
// extension; within each pass the registry order decides.
func (r *Registry) Select(mimeType, fileName string) (Adapter, error) {
	mimeType = normalizeMime(mimeType)
	if mimeType != "" {
		for _, a := range r.adapters {
			if a.CanHandle(mimeType, "") {
				return a, nil
			}
		}
	}
	for _, a := range r.adapters {
		if a.CanHandle("", fileName) {
			return a, nil
		}
	}
	return nil, types.NewFormatError("registry", fileName, fmt.Sprintf("no adapter for mime type %q", mimeType))
}

func (r *Registry) Process(ctx context.Context, in *types.FileInput) (*types.SourceResult, error) {
	adapter, err := r.Select(in.MimeType, in.FileName)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Processing upload", "adapter", adapter.Kind(), "file", in.FileName, "bytes", len(in.Buffer))
	result, err := adapter.Process(ctx, in)
	if err != nil {
		r.logger.Warn("Upload rejected", "adapter", adapter.Kind(), "file", in.FileName, "error", err)
		return nil, err
	}
	return result, nil
}

func checkInput(kind Kind, in *types.FileInput) error {
	if in == nil {
		return types.NewFormatError(string(kind), "", "missing input")
	}
	if len(in.Buffer) == 0 {
		return types.NewFormatError(string(kind), in.FileName, "missing buffer")
	}
	if in.FileName == "" {
		return types.NewFormatError(string(kind), "", "missing file name")
	}
	return nil
}

func buildResult(kind Kind, in *types.FileInput, rows []types.Row, meta map[string]any) *types.SourceResult {
	if rows == nil {
		rows = []types.Row{}
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["format"] = string(kind)
	meta["fileName"] = in.FileName
	meta["mimeType"] = in.MimeType
	meta["size"] = len(in.Buffer)

	preview := rows
	if len(preview) > PreviewSize {
		preview = preview[:PreviewSize]
	}

	return &types.SourceResult{
		Data:           rows,
		Schema:         schema.Infer(rows),
		RecordCount:    len(rows),
		Preview:        preview,
		SourceMetadata: meta,
		StorageURI:     StorageURI(in.FileName),
		Checksum:       hash.Sum(in.Buffer),
	}
}

// StorageURI is an opaque handle for the storage collaborator.
func StorageURI(fileName string) string {
	return fmt.Sprintf("datasets/%s-%s", uuid.NewString(), filepath.Base(fileName))
}

func normalizeMime(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func hasExt(fileName string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
