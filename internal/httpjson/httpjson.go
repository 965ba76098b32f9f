// Package httpjson is the small JSON-over-HTTP helper shared by the
// discovery, session and memory API clients.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/buildinfo"
	"github.com/go-ports/memlink/internal/redaction"
)

// maxErrorBody bounds how much of a failed response is kept for messages.
const maxErrorBody = 512

// Do executes an HTTP request, marshalling body as JSON and unmarshalling
// the response into out. Pass nil body for GET requests and nil out to
// discard the response body. Non-2xx responses return *apperr.StatusError;
// transport failures are returned unwrapped so callers can classify them.
func Do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	if client == nil {
		client = http.DefaultClient
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpjson marshal: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return apperr.Validation("httpjson", fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req) // #nosec G704 -- URL comes from the discovered or configured service manifest
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		body := redaction.Redact(string(bytes.TrimSpace(snippet)), headerSecrets(headers)...)
		return &apperr.StatusError{Code: resp.StatusCode, Body: body}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Protocol("httpjson", fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// headerSecrets returns the request header values a server might echo
// back, with any auth scheme prefix also stripped.
func headerSecrets(headers map[string]string) []string {
	out := make([]string, 0, 2*len(headers))
	for _, v := range headers {
		out = append(out, v)
		if _, tok, ok := strings.Cut(v, " "); ok {
			out = append(out, strings.TrimSpace(tok))
		}
	}
	return out
}

// Get is Do with GET and no body.
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	return Do(ctx, client, http.MethodGet, url, headers, nil, out)
}
