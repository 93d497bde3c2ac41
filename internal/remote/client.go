// Package remote is the stateless REST transport to the backend's product resource.
// It never retries; every call carries the bearer token it is given.
package remote

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

	"github.com/and161185/gophsync/internal/convert"
	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize caps response bodies (8MB).
	MaxResponseSize = 8 * 1024 * 1024

	// UserAgent is sent with every request.
	UserAgent = "syncd/1.0"

	productPath = "/api/product"
)

// Client is the Remote Client contract used by the coordinator.
type Client interface {
	List(ctx context.Context, token string) ([]model.Record, error)
	// Create returns the authoritative record, whose id may differ from r.ID.
	Create(ctx context.Context, r model.Record, token string) (model.Record, error)
	Update(ctx context.Context, id string, r model.Record, token string) (model.Record, error)
	Delete(ctx context.Context, id string, token string) error
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the backend at baseURL. A nil hc uses a client with DefaultTimeout.
func New(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

// List fetches every product.
func (c *HTTPClient) List(ctx context.Context, token string) ([]model.Record, error) {
	body, err := c.do(ctx, http.MethodGet, productPath, token, nil)
	if err != nil {
		return nil, err
	}
	return convert.DecodeRecords(body)
}

// Create posts r; the server assigns the id.
func (c *HTTPClient) Create(ctx context.Context, r model.Record, token string) (model.Record, error) {
	body, err := c.do(ctx, http.MethodPost, productPath, token, convert.ToWireRecord(r))
	if err != nil {
		return model.Record{}, err
	}
	return convert.DecodeRecord(body)
}

// Update replaces the product stored under id.
func (c *HTTPClient) Update(ctx context.Context, id string, r model.Record, token string) (model.Record, error) {
	body, err := c.do(ctx, http.MethodPut, productPath+"/"+url.PathEscape(id), token, convert.ToWireRecord(r))
	if err != nil {
		return model.Record{}, err
	}
	return convert.DecodeRecord(body)
}

// Delete removes the product stored under id.
func (c *HTTPClient) Delete(ctx context.Context, id string, token string) error {
	_, err := c.do(ctx, http.MethodDelete, productPath+"/"+url.PathEscape(id), token, nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", errs.ErrUnreachable, method, u, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errs.ErrUnreachable, err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", errs.ErrMalformed, MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, method, u, errorMessage(body, resp.Status))
	}
	return body, nil
}

func errorMessage(body []byte, fallback string) string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return fallback
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
