package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultJobsKey     = "granite:agent:jobs"
	DefaultJobsChannel = "granite:agent:jobs:events"
)

// withdrawScript deletes the hash field only while it still holds the given
// attempt, then announces the withdrawal.
var withdrawScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
local ok, d = pcall(cjson.decode, raw)
if ok and tonumber(d['attempt']) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('PUBLISH', KEYS[2], ARGV[3])
return 1
`)

// RedisLedger keeps descriptors in a hash and announces changes on a
// channel, for agents that subscribe instead of watching a folder.
type RedisLedger struct {
	rdb     redis.UniversalClient
	key     string
	channel string
}

func NewRedisLedger(rdb redis.UniversalClient) *RedisLedger {
	return &RedisLedger{rdb: rdb, key: DefaultJobsKey, channel: DefaultJobsChannel}
}

type ledgerEvent struct {
	Type    string `json:"type"`
	QuoteID string `json:"quote_id"`
	Attempt int    `json:"attempt,omitempty"`
}

func (l *RedisLedger) Publish(ctx context.Context, d *Descriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	event, _ := json.Marshal(ledgerEvent{Type: "published", QuoteID: d.QuoteID, Attempt: d.Attempt})

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.key, d.QuoteID, body)
	pipe.Publish(ctx, l.channel, event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ledger publish: %w", err)
	}
	return nil
}

// Withdraw is a compare-and-delete on the stored attempt, so a report of an
// older attempt never removes a newer descriptor.
func (l *RedisLedger) Withdraw(ctx context.Context, quoteID string, attempt int) error {
	event, _ := json.Marshal(ledgerEvent{Type: "withdrawn", QuoteID: quoteID, Attempt: attempt})

	err := withdrawScript.Run(ctx, l.rdb, []string{l.key, l.channel}, quoteID, attempt, string(event)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis ledger withdraw: %w", err)
	}
	return nil
}

// Pending lists the descriptors currently in the hash.
func (l *RedisLedger) Pending(ctx context.Context) ([]Descriptor, error) {
	raw, err := l.rdb.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(raw))
	for _, v := range raw {
		var d Descriptor
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
