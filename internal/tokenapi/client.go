// Package tokenapi talks to the token registry: it hands out pages of work and accepts
// batches of crawled metadata.
package tokenapi

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

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
)

// Default endpoint paths, relative to the base URI.
const (
	DefaultBatchPath   = "/api/v1/token/batch"
	DefaultPersistPath = "/api/v1/token/persist_md"
)

const (
	defaultTimeout = 60 * time.Second
	apiKeyHeader   = "X-API-KEY"
	maxBodyBytes   = 32 << 20
)

// Config locates the registry.
type Config struct {
	BaseURI     string
	APIKey      string
	BatchPath   string
	PersistPath string
	Timeout     time.Duration
}

// Client implements crawler.Source and crawler.Sink over HTTP.
type Client struct {
	baseURL *url.URL
	cfg     Config
	http    *http.Client
	logger  *zap.Logger
}

type batchResponse struct {
	Tokens []tokenEntry `json:"tokens"`
}

type tokenEntry struct {
	ContractHash string `json:"contractHash"`
	TokenID      string `json:"tokenId"`
	TokenURI     string `json:"tokenUri"`
}

// persistRecord is one element of the persist body. Metadata stays a JSON string so the
// document travels double-encoded.
type persistRecord struct {
	ContractHash string `json:"ContractHash"`
	TokenID      string `json:"TokenId"`
	Code         int    `json:"Code"`
	Metadata     string `json:"Metadata"`
}

// New validates the base URI and builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURI)
	if raw == "" {
		return nil, errors.New("token api base uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse token api uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token api uri must include scheme and host (got %q)", cfg.BaseURI)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	if cfg.BatchPath == "" {
		cfg.BatchPath = DefaultBatchPath
	}
	if cfg.PersistPath == "" {
		cfg.PersistPath = DefaultPersistPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: u,
		cfg:     cfg,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// FetchBatch requests the next page of work. An empty slice means the registry has
// nothing to hand out right now.
func (c *Client) FetchBatch(ctx context.Context) ([]crawler.WorkItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.cfg.BatchPath), nil)
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "fetchBatch")
	if err != nil {
		return nil, err
	}

	var page batchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	items := make([]crawler.WorkItem, 0, len(page.Tokens))
	for _, t := range page.Tokens {
		items = append(items, crawler.WorkItem{
			ContractHash: t.ContractHash,
			TokenID:      t.TokenID,
			TokenURI:     t.TokenURI,
		})
	}
	c.logger.Debug("fetched work page", zap.Int("items", len(items)))
	return items, nil
}

// Persist stores one batch of results in a single call.
func (c *Client) Persist(ctx context.Context, results []crawler.Result) error {
	records := make([]persistRecord, 0, len(results))
	for _, r := range results {
		records = append(records, persistRecord{
			ContractHash: r.Item.ContractHash,
			TokenID:      r.Item.TokenID,
			Code:         int(r.Code),
			Metadata:     r.Metadata,
		})
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode persist body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.cfg.PersistPath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build persist request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req, "persist"); err != nil {
		return err
	}
	c.logger.Debug("persisted batch", zap.Int("results", len(results)))
	return nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(op, resp, body)
	}
	return body, nil
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(p, "/")
	return u.String()
}
