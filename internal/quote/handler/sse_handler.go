package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/sse"
)

// EventSnapshot 订阅单个报价时首先推送的当前状态
const EventSnapshot = "quote_snapshot"

// QuoteReader 读取报价当前状态
type QuoteReader interface {
	Get(ctx context.Context, id string) (*entity.Quote, error)
}

// SSEHandler 报价状态推送
type SSEHandler struct {
	hub       *sse.Hub
	quotes    QuoteReader
	heartbeat time.Duration
}

func NewSSEHandler(hub *sse.Hub, quotes QuoteReader) *SSEHandler {
	return &SSEHandler{hub: hub, quotes: quotes, heartbeat: 30 * time.Second}
}

// Stream GET /api/v1/sse/events?quote_id=xxx
// 带 quote_id 时先推送一次当前状态，中途连接的订阅者不会漏掉已发生的变化
func (h *SSEHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	quoteID := c.Query("quote_id")

	var snapshot *entity.Quote
	if quoteID != "" && h.quotes != nil {
		q, err := h.quotes.Get(ctx, quoteID)
		if err != nil {
			Fail(c, err)
			return
		}
		snapshot = q
	}

	client := &sse.Client{
		ID:      fmt.Sprintf("%s_%d", GetOperatorID(c), time.Now().UnixNano()),
		QuoteID: quoteID,
		Events:  make(chan sse.Event, 64),
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"client_id": client.ID})
	if snapshot != nil {
		// 注册后重读一次，注册前发生的变化也体现在快照里
		if q, err := h.quotes.Get(ctx, quoteID); err == nil {
			snapshot = q
		}
		c.SSEvent(EventSnapshot, snapshotEvent(snapshot))
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events:
			if !ok {
				return
			}
			c.Writer.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.EventType, ev.Data))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func snapshotEvent(q *entity.Quote) sse.QuoteEvent {
	return sse.QuoteEvent{
		QuoteID:    q.ID,
		Reference:  q.Reference,
		Status:     string(q.Status),
		SyncStatus: string(q.SyncStatus),
		Attempt:    q.JobAttempt,
		Action:     "snapshot",
	}
}
