// Package remote is the HTTP client for the authoritative learning service:
// the paginated history API and the per-action POST endpoints.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/studysync/offlinecore/internal/errors"
)

const historyPath = "/v1/history/solutions"

// RemoteSolution is one solution summary returned by the history API.
type RemoteSolution struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Subject   string          `json:"subject,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	ImageRef  string          `json:"image_url,omitempty"`
	Payload   json.RawMessage `json:"solution,omitempty"`
	Language  string          `json:"language,omitempty"`
}

type historyResponse struct {
	Items []RemoteSolution `json:"items"`
}

// HistoryAPI fetches pages of solution summaries.
type HistoryAPI interface {
	FetchSolutions(ctx context.Context, token string, since time.Time, limit int) ([]RemoteSolution, error)
}

// HistoryFunc adapts a function to HistoryAPI.
type HistoryFunc func(ctx context.Context, token string, since time.Time, limit int) ([]RemoteSolution, error)

// FetchSolutions calls f.
func (f HistoryFunc) FetchSolutions(ctx context.Context, token string, since time.Time, limit int) ([]RemoteSolution, error) {
	return f(ctx, token, since, limit)
}

// ActionAPI posts one queued action.
type ActionAPI interface {
	PostAction(ctx context.Context, token, path, idempotencyKey string, body []byte) (int, error)
}

// Client implements HistoryAPI and ActionAPI over resty.
type Client struct {
	baseURL    string
	httpClient *resty.Client
}

// NewClient creates a client for baseURL with a default request timeout.
// Per-call deadlines come from ctx.
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "offlinecore/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// FetchSolutions performs GET /v1/history/solutions?since=&limit=.
// A zero since fetches from the beginning.
func (c *Client) FetchSolutions(ctx context.Context, token string, since time.Time, limit int) ([]RemoteSolution, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token)
	if !since.IsZero() {
		req.SetQueryParam("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var resp historyResponse
	httpResp, err := req.SetResult(&resp).Get(historyPath)
	if err != nil {
		return nil, classify("history request failed", err)
	}
	if httpResp.IsError() {
		return nil, apperrors.New(apperrors.ErrNetwork,
			"history request returned "+strconv.Itoa(httpResp.StatusCode()))
	}
	return resp.Items, nil
}

// PostAction sends body verbatim to path. Success is any 2xx; the status code is
// returned either way so callers can record it.
func (c *Client) PostAction(ctx context.Context, token, path, idempotencyKey string, body []byte) (int, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := req.Post(path)
	if err != nil {
		return 0, classify("action request failed", err)
	}
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() > 299 {
		return httpResp.StatusCode(), apperrors.New(apperrors.ErrNetwork,
			"action request returned "+strconv.Itoa(httpResp.StatusCode()))
	}
	return httpResp.StatusCode(), nil
}

// classify maps transport errors to Timeout or Network kinds.
func classify(msg string, err error) error {
	if IsTimeout(err) {
		return apperrors.Wrap(apperrors.ErrTimeout, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, msg, err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
