package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events onto a Redis stream (XADD), trimming to
// RedisSinkConfig.MaxLen entries, and lists the most recent ones with
// XREVRANGE. Suited to a multi-process dispatcher where several
// Dispatcher instances share one audit trail.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

type RedisSinkConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	MaxLen   int64
}

func NewRedisSink(cfg RedisSinkConfig) *RedisSink {
	key := cfg.Key
	if key == "" {
		key = "autodevice:audit"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Append(ctx context.Context, ev Event) error {
	var prevHash string
	last, err := s.client.XRevRangeN(ctx, s.key, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if len(last) > 0 {
		prevHash = last[0].Values["event_hash"].(string)
	}

	payload := payloadHash(ev)
	ev.PrevHash = prevHash
	ev.PayloadHash = payload
	ev.EventHash = chainHash(prevHash, payload)

	details, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"action":       ev.Action,
			"device":       ev.Device,
			"tenant":       ev.Tenant,
			"resource":     ev.Resource,
			"result":       ev.Result,
			"event_hash":   ev.EventHash,
			"prev_hash":    ev.PrevHash,
			"payload_hash": ev.PayloadHash,
			"record":       string(details),
		},
	}).Err()
}

func (s *RedisSink) List(ctx context.Context, q Query) ([]Event, error) {
	count := int64(q.Limit)
	if count <= 0 {
		count = 100
	}
	msgs, err := s.client.XRevRangeN(ctx, s.key, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["record"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("audit: decode redis stream record: %w", err)
		}
		if q.Action != "" && ev.Action != q.Action {
			continue
		}
		if q.Device != "" && ev.Device != q.Device {
			continue
		}
		if q.Result != "" && ev.Result != q.Result {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
