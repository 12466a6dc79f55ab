package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"ingestd/internal/types"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRedirects     = 3
	DefaultMaxResponseBytes = 100 * 1024 * 1024
	DefaultRetryMax         = 2

	userAgent = "ingestd/1.0"
)

var DefaultContentTypes = []string{"application/json", "text/csv", "application/csv", "text/plain"}

type Config struct {
	Timeout          time.Duration
	MaxRedirects     int
	MaxResponseBytes int64
	RetryMax         int
	ContentTypes     []string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.RetryMax < 0 {
		c.RetryMax = DefaultRetryMax
	}
	if len(c.ContentTypes) == 0 {
		c.ContentTypes = DefaultContentTypes
	}
}

// Response is a fully downloaded, validated body.
type Response struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Fetcher issues validated GET requests. Redirect targets go through the
// whole validation pipeline again and connections are made by the
// validator's guarded dialer.
type Fetcher struct {
	validator *Validator
	client    *retryablehttp.Client
	cfg       Config
	logger    *slog.Logger
}

func NewFetcher(v *Validator, cfg Config, logger *slog.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport:     NewTransport(v),
		CheckRedirect: v.RedirectPolicy(cfg.MaxRedirects),
	}
	client.Logger = logger
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Fetcher{validator: v, client: client, cfg: cfg, logger: logger}
}

func (f *Fetcher) Validator() *Validator {
	return f.validator
}

// checkRetry retries transport failures and 5xx responses. Security
// rejections and every other status are final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if types.IsSecurityError(err) {
			return false, err
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

// Fetch validates rawURL, downloads it within the configured timeout and
// size ceiling, and checks the response content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if _, err := f.validator.Validate(ctx, rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/csv, text/plain;q=0.9")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if types.IsSecurityError(err) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.ConnectionError{Endpoint: rawURL, Err: fmt.Errorf("request timed out after %s", f.cfg.Timeout)}
		}
		return nil, &types.ConnectionError{Endpoint: rawURL, Err: err}
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &types.ConnectionError{
			Endpoint:   finalURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	contentType, err := f.checkContentType(finalURL, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	if resp.ContentLength > f.cfg.MaxResponseBytes {
		return nil, f.tooLarge(finalURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.ConnectionError{Endpoint: finalURL, Err: fmt.Errorf("download timed out after %s", f.cfg.Timeout)}
		}
		return nil, &types.ConnectionError{Endpoint: finalURL, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if int64(len(body)) > f.cfg.MaxResponseBytes {
		return nil, f.tooLarge(finalURL)
	}

	f.logger.Info("Fetched remote resource",
		"url", rawURL,
		"final_url", finalURL,
		"content_type", contentType,
		"bytes", len(body),
		"duration", time.Since(start))

	return &Response{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (f *Fetcher) checkContentType(rawURL, header string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || !slices.Contains(f.cfg.ContentTypes, mediaType) {
		reason := fmt.Sprintf("content type %q is not allowed", header)
		f.logger.Warn("Outbound request rejected", "url", rawURL, "check", "content_type", "reason", reason)
		return "", types.NewSecurityError(rawURL, "content_type", reason)
	}
	return mediaType, nil
}

func (f *Fetcher) tooLarge(rawURL string) error {
	reason := fmt.Sprintf("response exceeds %d bytes", f.cfg.MaxResponseBytes)
	f.logger.Warn("Outbound request rejected", "url", rawURL, "check", "size", "reason", reason)
	return types.NewSecurityError(rawURL, "size", reason)
}
