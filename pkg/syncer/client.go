package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// Client transport defaults.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryBase  = time.Second
)

// ClientConfig identifies this node to the sync peer.
type ClientConfig struct {
	EdgeURL  string
	APIToken string
	ClientID string

	// Timeout bounds one HTTP exchange. MaxRetries and RetryBase pace
	// retries of transient server errors.
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	return c
}

// PullQuery shapes one pull page request. The wire body and response
// types live in pkg/types (the contract is shared with pkg/edge).
type PullQuery struct {
	LastSyncAt   *time.Time
	EntityTypes  []types.EntityType
	SinceVersion int64
	Limit        int
	Cursor       string
}

// EdgeClient speaks the push/pull wire protocol. A circuit breaker
// sits in front of the transport so a dead peer stops costing a full
// timeout per call.
type EdgeClient struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewEdgeClient validates the config and builds the transport.
func NewEdgeClient(cfg ClientConfig) (*EdgeClient, error) {
	if cfg.EdgeURL == "" {
		return nil, errdefs.Config("sync requires an edge URL")
	}
	if cfg.ClientID == "" {
		return nil, errdefs.Config("sync requires a client id")
	}
	cfg = cfg.withDefaults()
	cfg.EdgeURL = strings.TrimRight(cfg.EdgeURL, "/")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "edge",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Rejections with the peer alive must not open the circuit.
			return err == nil || !isTransportError(err)
		},
	})

	return &EdgeClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  log.WithComponent("edge-client"),
	}, nil
}

// Push sends one batch of local changes.
func (c *EdgeClient) Push(ctx context.Context, lastSyncAt *time.Time, changes []*types.ChangeLogEntry) (*types.PushResponse, error) {
	req := types.PushRequest{
		ClientID:   c.cfg.ClientID,
		LastSyncAt: lastSyncAt,
		Changes:    changes,
	}
	var resp types.PushResponse
	if err := c.do(ctx, "/push", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches one page of remote changes.
func (c *EdgeClient) Pull(ctx context.Context, q PullQuery) (*types.PullResponse, error) {
	req := types.PullRequest{
		ClientID:    c.cfg.ClientID,
		LastSyncAt:  q.LastSyncAt,
		EntityTypes: q.EntityTypes,
		Limit:       q.Limit,
	}
	if q.SinceVersion > 0 {
		req.SinceVersion = &q.SinceVersion
	}
	var query url.Values
	if q.Cursor != "" {
		query = url.Values{"cursor": []string{q.Cursor}}
	}
	var resp types.PullResponse
	if err := c.do(ctx, "/pull", query, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do POSTs body to path, retrying transient server errors with
// exponential backoff. 4xx responses are terminal.
func (c *EdgeClient) do(ctx context.Context, path string, query url.Values, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errdefs.InvalidState("encoding %s request: %v", path, err)
	}

	target := c.cfg.EdgeURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBase << (attempt - 1)
			c.logger.Debug().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("retrying edge request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errdefs.Network("waiting to retry %s: %v", path, ctx.Err())
			}
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.once(ctx, target, payload, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errdefs.Network("edge circuit open: %v", err)
		}
		if !errdefs.IsConnection(err) {
			// Network failures and terminal statuses do not retry here;
			// connectivity problems are the offline queue's job.
			return err
		}
		lastErr = err
	}
	return lastErr
}

// once performs a single HTTP exchange.
func (c *EdgeClient) once(ctx context.Context, target string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errdefs.InvalidState("building edge request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", c.cfg.ClientID)
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Network("edge request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errdefs.Network("reading edge response: %v", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errdefs.InvalidState("decoding edge response: %v", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errdefs.Config("edge rejected credentials: HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errdefs.InvalidState("edge rejected request: HTTP %d: %s", resp.StatusCode, compact(data))
	default:
		return errdefs.Connection("edge unavailable: HTTP %d", resp.StatusCode)
	}
}

// isTransportError reports whether err indicates the peer itself is
// unreachable or failing, as opposed to a request it refused.
func isTransportError(err error) bool {
	return errdefs.IsNetwork(err) || errdefs.IsConnection(err) || errdefs.IsTimeout(err)
}

func compact(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
