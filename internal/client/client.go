// Package client talks to a running ratewatchd over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/ratewatch/internal/api"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// DefaultTimeout bounds a single request when the caller's context has no
// deadline.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP API client. It is safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the daemon at addr. addr may be host:port or a
// full http(s) URL.
func New(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", addr)
	}
	return &Client{base: u, http: &http.Client{Timeout: DefaultTimeout}}, nil
}

// Submit sends a batch of samples.
func (c *Client) Submit(ctx context.Context, samples []types.RawSample) error {
	body := make([]api.Sample, len(samples))
	for i, s := range samples {
		body[i] = api.Sample{Series: s.Series, TS: s.Timestamp, Value: s.Value}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var resp api.SubmitResponse
	return c.do(ctx, http.MethodPost, "/api/v1/samples", nil, bytes.NewReader(buf), &resp)
}

// Query runs a range query.
func (c *Client) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	params := url.Values{}
	params.Set("begin", strconv.FormatInt(req.Begin, 10))
	params.Set("end", strconv.FormatInt(req.End, 10))
	if req.Resolution > 0 {
		params.Set("resolution", strconv.FormatInt(req.Resolution, 10))
	}
	if req.MaxPoints > 0 {
		params.Set("max_points", strconv.FormatInt(req.MaxPoints, 10))
	}
	params.Set("cf", req.Function.String())

	var res query.Result
	if err := c.do(ctx, http.MethodGet, "/api/v1/rates/"+escapeSeries(req.Series), params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Percentile asks for the q-quantile of native rates in [begin, end).
func (c *Client) Percentile(ctx context.Context, series string, begin, end int64, q float64) (*query.PercentileResult, error) {
	params := url.Values{}
	params.Set("begin", strconv.FormatInt(begin, 10))
	params.Set("end", strconv.FormatInt(end, 10))
	params.Set("q", strconv.FormatFloat(q, 'g', -1, 64))

	var res query.PercentileResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/percentile/"+escapeSeries(series), params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health returns nil when the daemon reports healthy.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
}

func escapeSeries(series string) string {
	parts := strings.Split(series, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errors.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// codeErrors maps API error codes back to sentinels so callers can use
// errors.Is on remote failures.
var codeErrors = map[string]error{
	errors.CodeName(errors.CodeInvalidRequest):     errors.ErrInvalidQuery,
	errors.CodeName(errors.CodeUnknownSeries):      errors.ErrUnknownSeries,
	errors.CodeName(errors.CodeUnknownResolution):  errors.ErrUnknownResolution,
	errors.CodeName(errors.CodeStorageUnavailable): errors.ErrStorageUnavailable,
	errors.CodeName(errors.CodeBackpressure):       errors.ErrBackpressure,
	errors.CodeName(errors.CodeTimeout):            errors.ErrTimeout,
	errors.CodeName(errors.CodeClosed):             errors.ErrClosed,
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var apiErr api.Error
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("server returned %s: %w", resp.Status, errors.ErrInternal)
	}
	sentinel, ok := codeErrors[apiErr.Code]
	if !ok {
		sentinel = errors.ErrInternal
	}
	return fmt.Errorf("server: %s: %w", apiErr.Message, sentinel)
}
