// Package backend fetches transaction snapshots from the core banking backend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("backend unavailable")

// StatusError reports a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// BreakerConfig tunes the circuit breaker around backend calls
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client implements port.TransactionStatusSource over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a backend client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid backend base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	failures := cfg.Breaker.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transaction-backend",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// FetchStatus returns the backend's current snapshot of tx, or nil when the
// backend has nothing newer (404 or 204).
func (c *Client) FetchStatus(ctx context.Context, tx *entity.UnifiedTransaction) (*entity.UnifiedTransaction, error) {
	if tx == nil || tx.ID == "" {
		return nil, errors.New("transaction id is required")
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, tx.ID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	snapshot, _ := res.(*entity.UnifiedTransaction)
	if snapshot == nil {
		return nil, nil
	}
	if snapshot.ID == "" {
		snapshot.ID = tx.ID
	}
	if snapshot.ID != tx.ID {
		return nil, fmt.Errorf("backend returned transaction %s for %s", snapshot.ID, tx.ID)
	}
	return snapshot, nil
}

func (c *Client) get(ctx context.Context, id string) (*entity.UnifiedTransaction, error) {
	endpoint := c.baseURL + "/transactions/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var snapshot entity.UnifiedTransaction
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
	}

	c.logger.Debug("Fetched transaction status",
		zap.String("transaction_id", id),
		zap.String("status", snapshot.Status.String()))
	return &snapshot, nil
}

// State reports the breaker state for diagnostics
func (c *Client) State() string {
	return c.breaker.State().String()
}

// Verify interface compliance
var _ port.TransactionStatusSource = (*Client)(nil)
