// Package janitor is the outbound client for the external cleanup system
// that reclaims handed-out resources once they expire.
//
// The receiving side is idempotent on resource id, so a request may be
// delivered more than once.
//
// Import Path: rbs.io/buffer/internal/janitor
package janitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
)

// ErrRejected marks a request the janitor refused outright. Resending the
// same request will not help.
var ErrRejected = errors.New("cleanup request rejected")

const cleanupPath = "/api/v1/cleanup-requests"

// Client delivers cleanup requests.
type Client interface {
	RequestCleanup(ctx context.Context, req domain.CleanupRequest) error
}

// NewClient returns an HTTP client for baseURL, or a client that only logs
// when baseURL is empty.
func NewClient(baseURL string, timeout time.Duration) Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return LogClient{}
	}
	return NewHTTPClient(baseURL, &http.Client{Timeout: timeout})
}

// HTTPClient posts cleanup requests as JSON.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates an HTTPClient for the janitor at baseURL.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	return &HTTPClient{endpoint: baseURL + cleanupPath, client: client}
}

// RequestCleanup posts one request. 409 means the janitor already tracks the
// resource and counts as delivered.
func (c *HTTPClient) RequestCleanup(ctx context.Context, cr domain.CleanupRequest) error {
	body, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("encode cleanup request %s: %w", cr.ResourceID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cleanup request %s: %w", cr.ResourceID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", cr.ResourceID)

	resp, err := c.client.Do(req) // #nosec G107 -- endpoint is operator configuration.
	if err != nil {
		return fmt.Errorf("send cleanup request %s: %w", cr.ResourceID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("cleanup request %s: status %d: %s: %w", cr.ResourceID, resp.StatusCode, readSnippet(resp.Body), ErrRejected)
	default:
		return fmt.Errorf("cleanup request %s: status %d: %s", cr.ResourceID, resp.StatusCode, readSnippet(resp.Body))
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// LogClient records requests in the log only. Used when no janitor is
// configured.
type LogClient struct{}

// RequestCleanup logs the request.
func (LogClient) RequestCleanup(_ context.Context, cr domain.CleanupRequest) error {
	logger.Info("Cleanup request (no janitor configured)",
		logger.ResourceID(cr.ResourceID),
		logger.PoolID(cr.PoolID),
		zap.String("cloud_name", cr.CloudName),
		zap.Time("expires_at", cr.ExpiresAt),
	)
	return nil
}
