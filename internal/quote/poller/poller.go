// Package poller drives a quote calculation from the client side: submit,
// poll the quote until the agent settles it, then fetch the workbook.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 3 * time.Minute
)

// ErrStillProcessing 超时仍未完成。任务不会被取消，稍后可再次等待
var ErrStillProcessing = errors.New("still processing, try later")

// ErrNotSubmitted 报价没有请求过计算
var ErrNotSubmitted = errors.New("no calculation was requested for this quote")

// AgentError Agent 报告计算失败
type AgentError struct {
	QuoteID string
	Reason  string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent failed on quote %s: %s", e.QuoteID, e.Reason)
}

// Controller 轮询控制器
type Controller struct {
	API      API
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewController 使用默认间隔和超时
func NewController(api API, logger *zap.Logger) *Controller {
	return &Controller{API: api, Interval: DefaultInterval, Timeout: DefaultTimeout, Logger: logger}
}

// Run 提交计算，等待结果并把工作簿写入 out
func (c *Controller) Run(ctx context.Context, quoteID string, force bool, out io.Writer) (*QuoteState, error) {
	ticket, err := c.API.Submit(ctx, quoteID, force)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	c.logger().Info("calculation submitted",
		zap.String("quote_id", quoteID),
		zap.String("reference", ticket.Reference),
		zap.Int("attempt", ticket.Attempt))

	state, err := c.Wait(ctx, quoteID)
	if err != nil {
		return state, err
	}
	n, err := c.API.Download(ctx, quoteID, out)
	if err != nil {
		return state, fmt.Errorf("download: %w", err)
	}
	c.logger().Info("result downloaded", zap.String("quote_id", quoteID), zap.Int64("bytes", n))
	return c.API.Get(ctx, quoteID)
}

// Wait 只轮询，直到 CALCULATED_AGENT/SYNCED、ERROR_AGENT 或超时
func (c *Controller) Wait(ctx context.Context, quoteID string) (*QuoteState, error) {
	interval, timeout := c.Interval, c.Timeout
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := c.API.Get(ctx, quoteID)
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		switch state.SyncStatus {
		case "CALCULATED_AGENT", "SYNCED":
			return state, nil
		case "ERROR_AGENT":
			reason := "unknown"
			if state.SyncError != nil {
				reason = *state.SyncError
			}
			return state, &AgentError{QuoteID: quoteID, Reason: reason}
		case "NONE":
			return state, ErrNotSubmitted
		}
		c.logger().Debug("still pending", zap.String("quote_id", quoteID), zap.Int("attempt", state.JobAttempt))

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline.C:
			return state, ErrStillProcessing
		case <-ticker.C:
		}
	}
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
