package sources

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"ingestd/internal/fetch"
	"ingestd/internal/types"
)

// Downloader retrieves a validated remote resource.
type Downloader interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// WebAdapter downloads a URL and hands the body to the JSON or CSV adapter.
type WebAdapter struct {
	downloader Downloader
	json       *JSONAdapter
	csv        *CSVAdapter
	logger     *slog.Logger
}

func NewWebAdapter(d Downloader, logger *slog.Logger) *WebAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebAdapter{
		downloader: d,
		json:       NewJSONAdapter(),
		csv:        NewCSVAdapter(),
		logger:     logger,
	}
}

func (a *WebAdapter) Process(ctx context.Context, in *types.URLInput) (*types.SourceResult, error) {
	if in == nil || strings.TrimSpace(in.URL) == "" {
		return nil, types.NewFormatError("web", "", "missing url")
	}

	resp, err := a.downloader.Fetch(ctx, in.URL)
	if err != nil {
		a.logger.Warn("Remote fetch failed", "url", in.URL, "error", err)
		return nil, err
	}

	kind := parserFor(resp.ContentType, resp.FinalURL)
	file := &types.FileInput{
		Buffer:   resp.Body,
		FileName: remoteFileName(resp.FinalURL),
		MimeType: resp.ContentType,
		Options:  in.Options,
	}

	var result *types.SourceResult
	if kind == KindJSON {
		result, err = a.json.Process(ctx, file)
	} else {
		result, err = a.csv.Process(ctx, file)
	}
	if err != nil {
		return nil, err
	}

	result.SourceMetadata["url"] = in.URL
	result.SourceMetadata["finalUrl"] = resp.FinalURL
	result.SourceMetadata["contentType"] = resp.ContentType
	result.SourceMetadata["fetchedAt"] = resp.FetchedAt.Format(time.RFC3339)

	a.logger.Info("Processed remote source", "url", in.URL, "parser", kind, "records", result.RecordCount)
	return result, nil
}

// parserFor decides by content type first, then the path suffix, and finally
// treats URLs mentioning "api" as JSON.
func parserFor(contentType, rawURL string) Kind {
	switch normalizeMime(contentType) {
	case "application/json":
		return KindJSON
	case "text/csv", "application/csv":
		return KindCSV
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return KindJSON
	case ".csv":
		return KindCSV
	}

	if strings.Contains(strings.ToLower(rawURL), "api") {
		return KindJSON
	}
	return KindCSV
}

func remoteFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return u.Hostname()
	}
	return name
}
