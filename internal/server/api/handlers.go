package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"ingestd/internal/core"
	"ingestd/internal/storage"
	"ingestd/internal/types"
)

const multipartMemory = 32 << 20

type ingestResponse struct {
	DatasetID      string         `json:"datasetId"`
	RecordCount    int            `json:"recordCount"`
	Schema         types.Schema   `json:"schema"`
	Preview        []types.Row    `json:"preview"`
	StorageURI     string         `json:"storageUri"`
	Checksum       string         `json:"checksum"`
	SourceMetadata map[string]any `json:"sourceMetadata"`
}

type urlRequest struct {
	URL     string               `json:"url"`
	Options types.ProcessOptions `json:"options"`
}

type startStreamRequest struct {
	DatasetID string                      `json:"dataset_id"`
	Source    types.StreamingSourceConfig `json:"source"`
}

type allowlistRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.config.MaxUploadBytes {
		s.writeError(w, r, &http.MaxBytesError{Limit: s.config.MaxUploadBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, r, badRequest("invalid multipart upload", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("multipart field \"file\" is required", err))
		return
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, badRequest("failed to read upload", err))
		return
	}

	in := &types.FileInput{
		Buffer:   buf,
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Options: types.ProcessOptions{
			Sheet:        r.FormValue("sheet"),
			DetectTables: cast.ToBool(r.FormValue("detect_tables")),
		},
	}

	result, err := s.runtime.ProcessInput(r.Context(), types.SourceInput{File: in})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(w, r, header.Filename, types.InputFile, result)
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid JSON body", err))
		return
	}
	if req.URL == "" {
		s.writeError(w, r, badRequest("url is required", nil))
		return
	}

	result, err := s.runtime.ProcessInput(r.Context(), types.SourceInput{URL: &types.URLInput{URL: req.URL, Options: req.Options}})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.persist(w, r, req.URL, types.InputURL, result)
}

func (s *Server) persist(w http.ResponseWriter, r *http.Request, name string, kind types.InputKind, result *types.SourceResult) {
	ds := storage.Dataset{
		ID:          uuid.NewString(),
		Name:        name,
		SourceType:  string(kind),
		StorageURI:  result.StorageURI,
		Checksum:    result.Checksum,
		RecordCount: result.RecordCount,
		Schema:      result.Schema,
		Metadata:    result.SourceMetadata,
		Data:        result.Data,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateDataset(r.Context(), ds); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.datasets.Set(ds.ID, &ds)

	s.logger.Info("Dataset ingested", "dataset", ds.ID, "source_type", kind, "records", ds.RecordCount)
	s.writeJSON(w, http.StatusCreated, ingestResponse{
		DatasetID:      ds.ID,
		RecordCount:    result.RecordCount,
		Schema:         result.Schema,
		Preview:        result.Preview,
		StorageURI:     result.StorageURI,
		Checksum:       result.Checksum,
		SourceMetadata: result.SourceMetadata,
	})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ds, err := s.datasets.GetOrLoad(id, func() (*storage.Dataset, error) {
		return s.store.GetDataset(r.Context(), id)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.GetStreamingStatus())
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid JSON body", err))
		return
	}

	if err := s.runtime.StartStreamingAdapter(r.Context(), id, req.Source, s.store, req.DatasetID); err != nil {
		s.writeError(w, r, err)
		return
	}
	status := s.runtime.GetStreamingStatus()[id]
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": status})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StopStreamingAdapter(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAllowlist(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"domains": s.runtime.AllowedDomains()})
}

func (s *Server) handleAllowDomain(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid JSON body", err))
		return
	}
	if err := s.runtime.AllowDomain(req.Domain); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"name":    s.name,
		"streams": len(s.runtime.GetStreamingStatus()),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		reqErr   *requestError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case types.IsFormatError(err):
		return http.StatusUnprocessableEntity
	case types.IsSecurityError(err):
		return http.StatusForbidden
	case types.IsConnectionError(err):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrStreamNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStreamExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error(), "status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
