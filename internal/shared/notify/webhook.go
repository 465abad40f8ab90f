// Package notify posts business notifications to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message 通知内容
type Message struct {
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

// WebhookClient 推送到 webhook 的客户端。url 为空时不发送
type WebhookClient struct {
	url        string
	httpClient *http.Client
}

// NewWebhookClient 创建 webhook 客户端
func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled 是否配置了地址
func (c *WebhookClient) Enabled() bool {
	return c != nil && c.url != ""
}

// Send 发送通知。对端返回非2xx或 {"code":非0} 视为失败
func (c *WebhookClient) Send(ctx context.Context, msg *Message) error {
	if !c.Enabled() {
		return nil
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	bodyBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("创建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送通知失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("通知返回状态 %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Code *int   `json:"code"`
		Msg  string `json:"msg"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &result) == nil && result.Code != nil && *result.Code != 0 {
		return fmt.Errorf("通知错误[%d]: %s", *result.Code, result.Msg)
	}
	return nil
}
