// Package discovery resolves the service manifest: the set of endpoint
// URLs for auth, the memory API and the MCP transports.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/config"
	"github.com/go-ports/memlink/internal/httpjson"
	"github.com/go-ports/memlink/internal/store"
)

// Source says where a returned manifest came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceStale    Source = "stale-cache"
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// Result is the outcome of Discover.
type Result struct {
	Manifest Manifest
	Source   Source
	// Warning is set when a degraded path was taken.
	Warning string
	// DiscoveredAt is when the returned manifest was last fetched; zero for
	// the fallback.
	DiscoveredAt time.Time
}

// Options configures a Service. Zero values take defaults.
type Options struct {
	URL        string
	TTL        time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	// Fallback supplies the manifest used when nothing better is
	// available (default EnvEndpoints).
	Fallback func() (Endpoints, error)
}

// Service discovers and caches the manifest in the session document.
type Service struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger

	wg         sync.WaitGroup
	refreshing atomic.Bool
}

// New returns a Service persisting through st.
func New(st *store.Store, opts Options) *Service {
	if opts.URL == "" {
		opts.URL = EnvDiscoveryURL()
	}
	if opts.URL == "" {
		opts.URL = config.DefaultDiscoveryURL
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fallback == nil {
		opts.Fallback = EnvEndpoints
	}
	return &Service{store: st, opts: opts, logger: opts.Logger}
}

// URL returns the discovery endpoint in use.
func (s *Service) URL() string { return s.opts.URL }

// Discover returns the current manifest. A fresh cached manifest is
// returned as is; a stale one is returned immediately while a background
// refresh runs (see Wait). Otherwise, or when force is set, the manifest
// is fetched, merged into the cache and persisted when complete. Network
// and server failures degrade to the cache or the fallback endpoints;
// only an auth failure is returned as an error.
func (s *Service) Discover(ctx context.Context, force bool) (*Result, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	cached := Manifest(doc.DiscoveredServices).Merge(doc.ServiceOverrides)
	var cachedAt time.Time
	if doc.ServicesDiscoveredAt != nil {
		cachedAt = *doc.ServicesDiscoveredAt
	}

	if !force && cached.Complete() {
		if !cachedAt.IsZero() && s.opts.Now().Sub(cachedAt) < s.opts.TTL {
			return &Result{Manifest: cached, Source: SourceCache, DiscoveredAt: cachedAt}, nil
		}
		s.refreshInBackground(ctx)
		return &Result{Manifest: cached, Source: SourceStale, DiscoveredAt: cachedAt}, nil
	}

	res, err := s.refresh(ctx)
	if err == nil {
		return res, nil
	}
	if apperr.Is(err, apperr.KindAuth) {
		return nil, err
	}
	return s.degrade(cached, cachedAt, err), nil
}

// Wait blocks until any background refresh has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Override persists a manual endpoint. Overrides are stored apart from the
// discovered manifest and laid over it on read, so the cached manifest is
// never partial. An override survives later discoveries unless the remote
// manifest advertises the same key.
func (s *Service) Override(ctx context.Context, key, rawURL string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return apperr.Validation("discovery.override", errors.New("service key is required"))
	}
	if err := checkURL(rawURL); err != nil {
		return apperr.Validation("discovery.override", fmt.Errorf("%s: %w", key, err))
	}
	_, err := s.store.Update(ctx, func(d *store.Document) error {
		if d.ServiceOverrides == nil {
			d.ServiceOverrides = make(map[string]string)
		}
		d.ServiceOverrides[key] = rawURL
		return nil
	})
	return err
}

// Endpoint resolves a single key through Discover.
func (s *Service) Endpoint(ctx context.Context, key string) (string, error) {
	res, err := s.Discover(ctx, false)
	if err != nil {
		return "", err
	}
	v := res.Manifest[key]
	if v == "" {
		return "", apperr.Config("discovery.endpoint", fmt.Errorf("manifest has no %q endpoint", key))
	}
	return v, nil
}

func (s *Service) refreshInBackground(ctx context.Context) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.refreshing.Store(false)
		if _, err := s.refresh(bg); err != nil {
			s.logger.Warn("background service discovery failed; keeping cached manifest", "error", err)
		}
	}()
}

// refresh fetches the remote manifest and persists the merge when it is
// complete.
func (s *Service) refresh(ctx context.Context) (*Result, error) {
	fetched, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now().UTC()
	var merged Manifest
	_, err = s.store.Update(ctx, func(d *store.Document) error {
		discovered := Manifest(d.DiscoveredServices).Merge(fetched)
		if missing := discovered.Missing(); len(missing) > 0 {
			return apperr.Protocol("discovery.fetch",
				fmt.Errorf("manifest is missing %s", strings.Join(missing, ", ")))
		}
		for k := range fetched {
			delete(d.ServiceOverrides, k)
		}
		d.DiscoveredServices = discovered
		d.ServicesDiscoveredAt = &now
		merged = discovered.Merge(d.ServiceOverrides)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("discovered services", "url", s.opts.URL, "endpoints", len(merged))
	return &Result{Manifest: merged, Source: SourceRemote, DiscoveredAt: now}, nil
}

func (s *Service) fetch(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var raw map[string]any
	if err := httpjson.Get(ctx, s.opts.HTTPClient, s.opts.URL, nil, &raw); err != nil {
		return nil, apperr.Classify("discovery.fetch", err)
	}
	out := make(Manifest, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok && str != "" {
			out[k] = str
		}
	}
	return out, nil
}

// degrade picks the best manifest available without the remote. The
// choice depends only on the cache and the fallback endpoints, so every
// process with the same inputs lands on the same manifest.
func (s *Service) degrade(cached Manifest, cachedAt time.Time, cause error) *Result {
	if cached.Complete() {
		warn := fmt.Sprintf("service discovery failed (%v); using cached endpoints", cause)
		s.logger.Warn("service discovery failed; using cached endpoints",
			"kind", apperr.KindOf(cause).String(), "error", cause)
		return &Result{Manifest: cached, Source: SourceCache, Warning: warn, DiscoveredAt: cachedAt}
	}

	endpoints, err := s.opts.Fallback()
	if err != nil {
		s.logger.Warn("could not read endpoint overrides from the environment; using defaults", "error", err)
		endpoints = DefaultEndpoints()
	}
	// Entries set with Override outlive a failed discovery.
	m := DefaultEndpoints().Manifest().Merge(endpoints.Manifest()).Merge(cached)
	warn := fmt.Sprintf("service discovery failed (%v); using fallback endpoints", cause)
	s.logger.Warn("service discovery failed; using fallback endpoints",
		"kind", apperr.KindOf(cause).String(), "error", cause,
		"hint", "set MEMLINK_DISCOVERY_URL or the MEMLINK_*_URL overrides if the default deployment is wrong")
	return &Result{Manifest: m, Source: SourceFallback, Warning: warn}
}

func checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
