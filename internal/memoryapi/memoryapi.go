// Package memoryapi is a thin client for the remote memory service. It
// takes credentials from the session manager and its base URL from
// service discovery, and never reads the session document itself.
package memoryapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/discovery"
	"github.com/go-ports/memlink/internal/httpjson"
	"github.com/go-ports/memlink/internal/session"
)

const (
	healthPath = "/v1/health"
	searchPath = "/v1/memories/search"
)

// ValidCategories lists the accepted memory category filters.
var ValidCategories = []string{"decision", "pattern", "bug", "context", "learning"}

// EndpointResolver resolves a manifest key to a URL. *discovery.Service
// implements it.
type EndpointResolver interface {
	Endpoint(ctx context.Context, key string) (string, error)
}

// CredentialSource hands out the active credential and re-validates it
// after the memory API rejects it. *session.Manager implements it.
type CredentialSource interface {
	session.CredentialProvider
	ValidateStoredCredentials(ctx context.Context) (bool, error)
}

// Memory is one search hit.
type Memory struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	What      string    `json:"what" yaml:"what"`
	Why       string    `json:"why,omitempty" yaml:"why,omitempty"`
	Impact    string    `json:"impact,omitempty" yaml:"impact,omitempty"`
	Category  string    `json:"category" yaml:"category"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Project   string    `json:"project,omitempty" yaml:"project,omitempty"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
	Score     float64   `json:"score" yaml:"score"`
}

// Query is a search request.
type Query struct {
	Text     string `json:"query"`
	Limit    int    `json:"limit,omitempty"`
	Project  string `json:"project,omitempty"`
	Category string `json:"category,omitempty"`
}

// Client calls the memory API.
type Client struct {
	endpoints EndpointResolver
	creds     CredentialSource
	http      *http.Client
	logger    *slog.Logger
}

// New returns a Client. A nil httpClient uses a 30s timeout client.
func New(endpoints EndpointResolver, creds CredentialSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{endpoints: endpoints, creds: creds, http: httpClient, logger: logger}
}

func (c *Client) url(ctx context.Context, path string) (string, error) {
	base, err := c.endpoints.Endpoint(ctx, discovery.KeyMemoryBase)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/") + path, nil
}

// Health checks that the memory API is reachable and accepts the active
// credential.
func (c *Client) Health(ctx context.Context) error {
	return c.health(ctx, true)
}

func (c *Client) health(ctx context.Context, revalidate bool) error {
	cred, err := c.creds.ActiveCredential(ctx)
	if err != nil {
		return err
	}
	u, err := c.url(ctx, healthPath)
	if err != nil {
		return err
	}
	if err := httpjson.Get(ctx, c.http, u, cred.AuthHeaders(), nil); err != nil {
		err = apperr.Classify("memory.health", err)
		if revalidate {
			c.rejected(ctx, err)
		}
		return err
	}
	return nil
}

// Search runs q against the memory API.
func (c *Client) Search(ctx context.Context, q Query) ([]Memory, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, apperr.Validation("memory.search", fmt.Errorf("query must not be empty"))
	}
	if q.Category != "" && !slices.Contains(ValidCategories, q.Category) {
		return nil, apperr.Validation("memory.search",
			fmt.Errorf("unknown category %q (valid: %s)", q.Category, strings.Join(ValidCategories, ", ")))
	}
	if q.Limit <= 0 {
		q.Limit = 5
	}

	cred, err := c.creds.ActiveCredential(ctx)
	if err != nil {
		return nil, err
	}
	u, err := c.url(ctx, searchPath)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []Memory `json:"results"`
	}
	if err := httpjson.Do(ctx, c.http, http.MethodPost, u, cred.AuthHeaders(), q, &resp); err != nil {
		err = apperr.Classify("memory.search", err)
		c.rejected(ctx, err)
		return nil, err
	}
	c.logger.Debug("memory search", "results", len(resp.Results), "limit", q.Limit)
	if resp.Results == nil {
		return []Memory{}, nil
	}
	return resp.Results, nil
}

// rejected re-validates the stored credential when err is an auth
// failure, so a revoked key is cleared before the next command.
func (c *Client) rejected(ctx context.Context, err error) {
	if !apperr.Is(err, apperr.KindAuth) {
		return
	}
	ok, verr := c.creds.ValidateStoredCredentials(ctx)
	switch {
	case verr != nil:
		c.logger.Warn("credential re-validation failed", "error", verr, "hint", apperr.HintOf(verr))
	case ok:
		c.logger.Info("credential still valid; the memory API refused it")
	}
}

// Probe adapts Health into a diagnose check. Diagnose only reports, so
// the check never re-validates or clears the credential.
func (c *Client) Probe() session.Probe {
	return func(ctx context.Context) session.Check {
		err := c.health(ctx, false)
		switch {
		case err == nil:
			return session.Check{Name: "memory api", Status: session.CheckPass, Detail: "reachable, credential accepted"}
		case apperr.Is(err, apperr.KindAuth):
			return session.Check{Name: "memory api", Status: session.CheckFail, Detail: err.Error()}
		default:
			return session.Check{Name: "memory api", Status: session.CheckWarn, Detail: err.Error()}
		}
	}
}
