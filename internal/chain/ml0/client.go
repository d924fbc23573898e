package ml0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/chain"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/ratelimit"
	"github.com/fiberlabs/metagraph-indexer/internal/circuitbreaker"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// SnapshotRef identifies the latest snapshot produced by the metagraph layer.
type SnapshotRef struct {
	Ordinal int64  `json:"ordinal"`
	Hash    string `json:"hash"`
}

// Checkpoint is the full application state at a snapshot ordinal. State
// machine records are kept raw here; the ingest layer decodes and validates
// them per entity kind.
type Checkpoint struct {
	Ordinal int64 `json:"ordinal"`
	State   struct {
		StateMachines map[string]json.RawMessage `json:"stateMachines"`
	} `json:"state"`
}

// Client reads the metagraph snapshot layer (ML0) node.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		logger:     logger.With("component", "ml0_client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetLatestSnapshot returns the newest snapshot's ordinal and content hash.
func (c *Client) GetLatestSnapshot(ctx context.Context) (*SnapshotRef, error) {
	var ref SnapshotRef
	if err := c.get(ctx, "/snapshots/latest", "latest_snapshot", &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// GetCheckpoint returns the full application state at the latest snapshot.
func (c *Client) GetCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	if err := c.get(ctx, "/checkpoint", "checkpoint", &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *Client) get(ctx context.Context, path, method string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}

	start := time.Now()
	err := c.doGet(ctx, path, method, out)
	metrics.NodeCallLatency.WithLabelValues(string(chain.LayerML0), method).Observe(time.Since(start).Seconds())
	ratelimit.RecordCall(string(chain.LayerML0), method, err)

	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return err
}

func (c *Client) doGet(ctx context.Context, path, method string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &chain.StatusError{Layer: chain.LayerML0, Method: method, Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
