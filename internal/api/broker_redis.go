package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	redis "github.com/redis/go-redis/v9"

	glog "geofenced/internal/log"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so several daemons
// (or an external dashboard) share one notification stream.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[chan SSEEvent]*redis.PubSub
}

// NewRedisBroker connects to url. Channels are named prefix + ":" + stream.
func NewRedisBroker(ctx context.Context, url, prefix string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBroker{
		rdb:    rdb,
		prefix: prefix,
		log:    glog.WithComponent("broker_redis"),
		subs:   map[chan SSEEvent]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(stream string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(stream))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn().Err(err).Str("stream", stream).Msg("subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(stream string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(stream string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Warn().Err(err).Str("type", evt.Type).Msg("event not serialisable")
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(stream), data).Err(); err != nil {
		// A warning here would be forwarded as another log entry.
		lvl := zerolog.WarnLevel
		if evt.Type == TopicLogEntry {
			lvl = zerolog.DebugLevel
		}
		b.log.WithLevel(lvl).Err(err).Str("type", evt.Type).Msg("publish failed")
	}
}

// Close drops every subscription and the connection pool.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[chan SSEEvent]*redis.PubSub{}
	for ch := range subs {
		close(ch)
	}
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return b.rdb.Close()
}

func (b *RedisBroker) chanName(stream string) string { return b.prefix + ":" + stream }
