package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"ingestd/internal/fetch"
	"ingestd/internal/sources"
	"ingestd/internal/storage"
	"ingestd/internal/types"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already running")
)

type RuntimeOption func(*Runtime)

func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

func WithFetchConfig(cfg fetch.Config) RuntimeOption {
	return func(r *Runtime) { r.fetchCfg = cfg }
}

// WithAllowedDomains replaces the built-in allowlist.
func WithAllowedDomains(domains ...string) RuntimeOption {
	return func(r *Runtime) { r.allowlist = fetch.NewAllowlist(domains...) }
}

// WithValidatorOptions is applied to both the web and the stream validator.
func WithValidatorOptions(opts ...fetch.ValidatorOption) RuntimeOption {
	return func(r *Runtime) { r.validatorOpts = append(r.validatorOpts, opts...) }
}

func WithStreamingOptions(opts ...StreamingOption) RuntimeOption {
	return func(r *Runtime) { r.streamOpts = append(r.streamOpts, opts...) }
}

// Runtime is the entry point for callers: one-shot file and URL ingestion
// plus the set of live streaming sessions keyed by id.
type Runtime struct {
	logger        *slog.Logger
	fetchCfg      fetch.Config
	allowlist     *fetch.Allowlist
	validatorOpts []fetch.ValidatorOption
	streamOpts    []StreamingOption

	registry        *sources.Registry
	web             *sources.WebAdapter
	streamValidator *fetch.Validator

	mu      sync.RWMutex
	streams map[string]*StreamingAdapter
}

func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		logger:   slog.Default(),
		fetchCfg: fetch.Config{RetryMax: -1},
		streams:  make(map[string]*StreamingAdapter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.allowlist == nil {
		r.allowlist = fetch.NewAllowlist(fetch.DefaultAllowedDomains...)
	}

	vopts := append([]fetch.ValidatorOption{fetch.WithValidatorLogger(r.logger)}, r.validatorOpts...)
	webValidator := fetch.NewValidator(fetch.WebPolicy, r.allowlist, vopts...)
	r.streamValidator = fetch.NewValidator(fetch.StreamPolicy, r.allowlist, vopts...)

	r.registry = sources.NewRegistry(r.logger)
	r.web = sources.NewWebAdapter(fetch.NewFetcher(webValidator, r.fetchCfg, r.logger), r.logger)
	return r
}

// ProcessInput parses a file upload or a remote resource. Streaming inputs
// go through StartStreamingAdapter instead.
func (r *Runtime) ProcessInput(ctx context.Context, in types.SourceInput) (*types.SourceResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	switch in.Kind() {
	case types.InputFile:
		return r.registry.Process(ctx, in.File)
	case types.InputURL:
		return r.web.Process(ctx, in.URL)
	default:
		return nil, types.NewFormatError("runtime", "", "streaming sources are started with StartStreamingAdapter")
	}
}

// StartStreamingAdapter validates cfg and connects. Invalid configuration
// and rejected endpoints fail here, before any connection is attempted. An
// id whose previous session has ended may be reused.
func (r *Runtime) StartStreamingAdapter(ctx context.Context, id string, cfg types.StreamingSourceConfig, sink storage.Sink, datasetID string) error {
	if id == "" {
		return types.NewFormatError("stream", "", "stream id is required")
	}
	if sink == nil {
		return fmt.Errorf("stream %s: storage sink is required", id)
	}
	if datasetID == "" {
		datasetID = id
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return types.NewFormatError("stream", id, "invalid streaming config").WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.streams[id]; ok {
		if existing.Status().IsRunning {
			return fmt.Errorf("stream %s: %w", id, ErrStreamExists)
		}
		delete(r.streams, id)
	}

	adapter := NewStreamingAdapter(id, datasetID, cfg, sink, r.streamValidator,
		append([]StreamingOption{WithStreamingLogger(r.logger)}, r.streamOpts...)...)
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	r.streams[id] = adapter
	return nil
}

func (r *Runtime) StopStreamingAdapter(ctx context.Context, id string) error {
	r.mu.Lock()
	adapter, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
	}
	return adapter.Stop(ctx)
}

func (r *Runtime) GetStreamingStatus() map[string]types.StreamingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.streams, func(a *StreamingAdapter, _ string) types.StreamingStatus {
		return a.Status()
	})
}

// StopAll stops every session. A failing stop does not abort the sweep;
// all failures are joined into the returned error.
func (r *Runtime) StopAll(ctx context.Context) error {
	r.mu.Lock()
	adapters := lo.Values(r.streams)
	r.streams = make(map[string]*StreamingAdapter)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(adapters))
	for i, a := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				r.logger.Error("Failed to stop stream", "source", a.ID(), "error", err)
				errs[i] = fmt.Errorf("stream %s stop failed: %w", a.ID(), err)
			}
		}()
	}
	wg.Wait()

	r.logger.Info("Stopped streaming adapters", "count", len(adapters))
	return errors.Join(errs...)
}

// AllowDomain extends the allowlist shared by web and stream validation.
func (r *Runtime) AllowDomain(domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return types.NewFormatError("allowlist", "", "domain is required")
	}
	if strings.ContainsAny(domain, "/:@?#") {
		return types.NewFormatError("allowlist", "", fmt.Sprintf("%q is not a bare domain", domain))
	}
	if _, err := url.Parse("http://" + domain); err != nil {
		return types.NewFormatError("allowlist", "", fmt.Sprintf("%q is not a valid domain", domain)).WithCause(err)
	}
	r.allowlist.Add(domain)
	r.logger.Info("Domain added to allowlist", "domain", domain)
	return nil
}

func (r *Runtime) AllowedDomains() []string {
	domains := r.allowlist.Domains()
	slices.Sort(domains)
	return domains
}

// Adapters lists the format adapters in dispatch order.
func (r *Runtime) Adapters() []sources.Kind {
	return lo.Map(r.registry.Adapters(), func(a sources.Adapter, _ int) sources.Kind {
		return a.Kind()
	})
}
