package gl0

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

// StateChannelEntry is one snapshot binary a metagraph channel contributed to
// a global snapshot.
type StateChannelEntry struct {
	LastSnapshotHash string `json:"lastSnapshotHash"`
	Content          []byte `json:"content"`
}

// GlobalSnapshot is the global ledger's latest snapshot, carrying the state
// channel snapshots it confirmed, keyed by channel (metagraph) identifier.
type GlobalSnapshot struct {
	Ordinal               int64                          `json:"ordinal"`
	StateChannelSnapshots map[string][]StateChannelEntry `json:"stateChannelSnapshots"`
}

// ChannelEntries returns the entries for channelID, or nil if the global
// snapshot carries nothing for that channel.
func (g *GlobalSnapshot) ChannelEntries(channelID string) []StateChannelEntry {
	if g.StateChannelSnapshots == nil {
		return nil
	}
	return g.StateChannelSnapshots[channelID]
}

// Client reads the global ledger (GL0) node.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

type Option func(*Client)

// WithTimeout overrides the default HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimiter sets a token-bucket limiter applied before each call.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithBreaker sets a circuit breaker guarding the node.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		logger:     logger.With("component", "gl0_client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetLatestGlobalSnapshot fetches the latest global snapshot.
func (c *Client) GetLatestGlobalSnapshot(ctx context.Context) (*GlobalSnapshot, error) {
	var snap GlobalSnapshot
	if err := c.get(ctx, "/global-snapshots/latest", "latest_global_snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
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
	metrics.NodeCallLatency.WithLabelValues(string(chain.LayerGL0), method).Observe(time.Since(start).Seconds())
	ratelimit.RecordCall(string(chain.LayerGL0), method, err)

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
		return &chain.StatusError{Layer: chain.LayerGL0, Method: method, Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
