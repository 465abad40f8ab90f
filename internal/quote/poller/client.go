package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// QuoteState 轮询到的报价状态
type QuoteState struct {
	ID         string  `json:"id"`
	Reference  string  `json:"reference"`
	Status     string  `json:"status"`
	SyncStatus string  `json:"sync_status"`
	SyncError  *string `json:"sync_error"`
	JobAttempt int     `json:"job_attempt"`
}

// Ticket 提交任务的回执
type Ticket struct {
	QuoteID     string    `json:"quote_id"`
	Reference   string    `json:"reference"`
	Attempt     int       `json:"attempt"`
	SyncStatus  string    `json:"sync_status"`
	RequestedAt time.Time `json:"requested_at"`
}

// API 控制器依赖的服务端接口
type API interface {
	Submit(ctx context.Context, quoteID string, force bool) (*Ticket, error)
	Get(ctx context.Context, quoteID string) (*QuoteState, error)
	Download(ctx context.Context, quoteID string, w io.Writer) (int64, error)
	Revise(ctx context.Context, quoteID string, overrides map[string]interface{}) (*QuoteState, error)
}

// APIError 服务端返回的错误信封
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// HTTPClient 通过 /api/v1 访问服务端
type HTTPClient struct {
	baseURL    string
	operatorID string
	httpClient *http.Client
}

// NewHTTPClient 创建客户端，baseURL 形如 http://localhost:8080
func NewHTTPClient(baseURL, operatorID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		operatorID: operatorID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, quoteID string, force bool) (*Ticket, error) {
	path := "/quotes/" + url.PathEscape(quoteID) + "/generate-excel"
	if force {
		path += "?force=true"
	}
	var t Ticket
	if err := c.call(ctx, http.MethodPost, path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) Get(ctx context.Context, quoteID string) (*QuoteState, error) {
	var q QuoteState
	if err := c.call(ctx, http.MethodGet, "/quotes/"+url.PathEscape(quoteID), nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *HTTPClient) Revise(ctx context.Context, quoteID string, overrides map[string]interface{}) (*QuoteState, error) {
	var q QuoteState
	if err := c.call(ctx, http.MethodPost, "/quotes/"+url.PathEscape(quoteID)+"/revise", overrides, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Download 把结果工作簿写入 w
func (c *HTTPClient) Download(ctx context.Context, quoteID string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/quotes/"+url.PathEscape(quoteID)+"/download-result", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.operatorID != "" {
		req.Header.Set("X-Operator-ID", c.operatorID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		return &APIError{Status: resp.StatusCode, Code: env.Error, Message: env.Message}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
