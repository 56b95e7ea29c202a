package blockstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/config"
)

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Timeout    time.Duration
	Retry      *RetryConfig
	Circuit    *CircuitBreakerConfig
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote block store over REST.
//
// List, Update, Delete and Reorder are idempotent and retried on transient
// failures. Create is never retried so a lost response cannot produce a
// duplicate block. Every call goes through one circuit breaker.
type Client struct {
	base    string
	tokens  TokenSource
	http    *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// New creates a client for the store rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid store url %q: scheme must be http or https", baseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	circuit := DefaultCircuitBreakerConfig()
	if opts.Circuit != nil {
		circuit = *opts.Circuit
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		tokens:  tokens,
		http:    httpClient,
		retry:   retry,
		breaker: NewCircuitBreaker(u.Host, circuit, logger),
		logger:  logger,
	}, nil
}

// NewFromConfig creates a client from the store section of the config file.
func NewFromConfig(cfg config.StoreConfig, token string, logger *zap.Logger) (*Client, error) {
	retry := RetryConfig{
		MaxRetries: cfg.GetRetryMaxRetries(),
		BaseDelay:  cfg.GetRetryBaseDelay(),
		MaxDelay:   cfg.GetRetryMaxDelay(),
		Multiplier: 2.0,
	}
	return New(cfg.GetURL(), StaticToken(token), Options{
		Timeout: cfg.GetTimeout(),
		Retry:   &retry,
		Logger:  logger,
	})
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// List returns the owner's blocks sorted by position. An empty owner lets the
// store resolve it from the credential.
func (c *Client) List(ctx context.Context, owner string) ([]bioblocks.Block, error) {
	path := "/blocks"
	if owner != "" {
		path += "?owner=" + url.QueryEscape(owner)
	}
	blocks, err := idempotent(ctx, c, "list", func(ctx context.Context) ([]bioblocks.Block, error) {
		var raw json.RawMessage
		if err := c.do(ctx, "list", http.MethodGet, path, nil, &raw); err != nil {
			return nil, err
		}
		return decodeList[bioblocks.Block]("list", raw)
	})
	if err != nil {
		return nil, err
	}
	bioblocks.SortBlocks(blocks)
	return blocks, nil
}

// Create stores a new block and returns it with its server-assigned id.
func (c *Client) Create(ctx context.Context, fields bioblocks.Fields) (bioblocks.Block, error) {
	return Execute(ctx, c.breaker, func(ctx context.Context) (bioblocks.Block, error) {
		var b bioblocks.Block
		if err := c.do(ctx, "create", http.MethodPost, "/blocks", fields, &b); err != nil {
			return bioblocks.Block{}, err
		}
		if b.ID == "" {
			return bioblocks.Block{}, &ValidationError{Op: "create", Reason: "response has no id"}
		}
		return b, nil
	})
}

// Update applies a partial update and returns the stored block.
func (c *Client) Update(ctx context.Context, id string, fields bioblocks.Fields) (bioblocks.Block, error) {
	return idempotent(ctx, c, "update", func(ctx context.Context) (bioblocks.Block, error) {
		var b bioblocks.Block
		err := c.do(ctx, "update", http.MethodPatch, "/blocks/"+url.PathEscape(id), fields, &b)
		return b, err
	})
}

// Delete removes a block. A block the store no longer has counts as deleted:
// a retry after a lost response sees 404 for a delete that already happened.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := idempotent(ctx, c, "delete", func(ctx context.Context) (struct{}, error) {
		err := c.do(ctx, "delete", http.MethodDelete, "/blocks/"+url.PathEscape(id), nil, nil)
		if IsNotFound(err) {
			c.logger.Debug("block already deleted", zap.String("block", id))
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// Reorder rewrites the positions of the listed blocks in one request.
func (c *Client) Reorder(ctx context.Context, order []bioblocks.Placement) error {
	_, err := idempotent(ctx, c, "reorder", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, "reorder", http.MethodPut, "/blocks/order", order, nil)
	})
	return err
}

func idempotent[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return Execute(ctx, c.breaker, func(ctx context.Context) (T, error) {
		return WithRetry(ctx, c.logger, op, c.retry, fn)
	})
}

// do performs one HTTP round trip. body is JSON-encoded when non-nil and a
// 2xx response is decoded into out when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("credential: %w", err)}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return newRequestError(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("store request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return newRequestError(op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ValidationError{Op: op, Reason: err.Error()}
	}
	return nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under "data" or "items".
func decodeList[T any](op string, raw json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &ValidationError{Op: op, Reason: err.Error()}
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, &ValidationError{Op: op, Reason: err.Error()}
	}
	for _, key := range []string{"data", "items"} {
		if inner, ok := wrapper[key]; ok {
			var items []T
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, &ValidationError{Op: op, Reason: err.Error()}
			}
			return items, nil
		}
	}
	return nil, &ValidationError{Op: op, Reason: "expected an array or an object with a data field"}
}

// IsNotFound reports whether err is a 404 from the store.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
