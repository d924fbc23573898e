package dl1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fiberlabs/metagraph-indexer/internal/chain"
	"github.com/fiberlabs/metagraph-indexer/internal/chain/ratelimit"
	"github.com/fiberlabs/metagraph-indexer/internal/circuitbreaker"
	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// LastReference is the transaction layer's view of an entity's latest
// accepted submission. A never-seen entity reports ordinal 0.
type LastReference struct {
	Ordinal int64  `json:"ordinal"`
	Hash    string `json:"hash"`
}

// SignedTransaction is an already-signed submission. Signing happens
// upstream; this client only forwards the envelope.
type SignedTransaction struct {
	EntityID string          `json:"entityId"`
	Ordinal  int64           `json:"ordinal"`
	Payload  json.RawMessage `json:"payload"`
	Proofs   json.RawMessage `json:"proofs"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	Hash string `json:"hash"`
}

// Client talks to the transaction-processing layer (DL1) node.
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
		logger:     logger.With("component", "dl1_client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetLastReference returns the last accepted sequence reference for entityID.
// A 404 means the node has never seen the entity, which maps to ordinal 0.
func (c *Client) GetLastReference(ctx context.Context, entityID string) (*LastReference, error) {
	var ref LastReference
	path := "/state-machines/" + url.PathEscape(entityID) + "/last-reference"
	err := c.call(ctx, http.MethodGet, path, "last_reference", nil, &ref)
	if err != nil {
		var statusErr *chain.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return &LastReference{Ordinal: 0}, nil
		}
		return nil, err
	}
	return &ref, nil
}

// Submit forwards a signed transaction to the node.
func (c *Client) Submit(ctx context.Context, tx *SignedTransaction) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.call(ctx, http.MethodPost, "/transactions", "submit", tx, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, httpMethod, path, method string, in, out any) error {
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
	err := c.do(ctx, httpMethod, path, method, in, out)
	metrics.NodeCallLatency.WithLabelValues(string(chain.LayerDL1), method).Observe(time.Since(start).Seconds())
	ratelimit.RecordCall(string(chain.LayerDL1), method, err)

	if c.breaker != nil {
		// A 404 on last-reference is a normal answer, not a node fault.
		var statusErr *chain.StatusError
		if err != nil && !(errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, httpMethod, path, method string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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
		return &chain.StatusError{Layer: chain.LayerDL1, Method: method, Code: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
