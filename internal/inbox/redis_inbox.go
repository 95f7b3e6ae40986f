// Package inbox stores per-user notification deliveries in Redis.
package inbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"quire/api/internal/notify"
)

// Item is one delivery as it sits in a user's inbox.
type Item struct {
	notify.Delivery
	DeliveredAt time.Time `json:"deliveredAt"`
}

type Options struct {
	Prefix    string
	DedupeTTL time.Duration
	MaxItems  int64
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "quire:"
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 24 * time.Hour
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 200
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RedisInbox is a notify.Channel. Each user has a capped list, newest
// first, and a pub/sub channel for live updates. A delivery key is
// accepted once per dedupe window.
type RedisInbox struct {
	client *redis.Client
	opts   Options
}

func NewRedisInbox(redisURL string, opts Options) (*RedisInbox, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisInboxWithClient(client, opts), nil
}

func NewRedisInboxWithClient(client *redis.Client, opts Options) *RedisInbox {
	return &RedisInbox{client: client, opts: opts.withDefaults()}
}

func (s *RedisInbox) listKey(userID string) string {
	return s.opts.Prefix + "inbox:" + userID
}

func (s *RedisInbox) seenKey(d notify.Delivery) string {
	sum := blake2b.Sum256([]byte(d.Key + "\x00" + d.UserID))
	return s.opts.Prefix + "inbox-seen:" + hex.EncodeToString(sum[:16])
}

// ChannelName is the pub/sub channel carrying userID's new items.
func (s *RedisInbox) ChannelName(userID string) string {
	return s.opts.Prefix + "inbox-live:" + userID
}

func (s *RedisInbox) Deliver(ctx context.Context, d notify.Delivery) error {
	if d.UserID == "" {
		return fmt.Errorf("inbox delivery without recipient")
	}

	seen := s.seenKey(d)
	fresh, err := s.client.SetNX(ctx, seen, d.Key, s.opts.DedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("reserve inbox delivery: %w", err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(Item{Delivery: d, DeliveredAt: s.opts.Now().UTC()})
	if err != nil {
		s.client.Del(ctx, seen)
		return fmt.Errorf("marshal inbox item: %w", err)
	}

	list := s.listKey(d.UserID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, list, payload)
	pipe.LTrim(ctx, list, 0, s.opts.MaxItems-1)
	pipe.Publish(ctx, s.ChannelName(d.UserID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		// let a later attempt through
		s.client.Del(ctx, seen)
		return fmt.Errorf("write inbox item: %w", err)
	}
	return nil
}

// List returns up to limit items for userID, newest first.
func (s *RedisInbox) List(ctx context.Context, userID string, limit int64) ([]Item, error) {
	if limit <= 0 || limit > s.opts.MaxItems {
		limit = s.opts.MaxItems
	}
	raw, err := s.client.LRange(ctx, s.listKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	items := make([]Item, 0, len(raw))
	for _, entry := range raw {
		var item Item
		if err := json.Unmarshal([]byte(entry), &item); err != nil {
			return nil, fmt.Errorf("unmarshal inbox item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Clear empties userID's inbox. Dedupe markers are left in place.
func (s *RedisInbox) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.listKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	return nil
}

// Subscribe streams items delivered to userID until ctx ends.
func (s *RedisInbox) Subscribe(ctx context.Context, userID string) (<-chan Item, error) {
	pubsub := s.client.Subscribe(ctx, s.ChannelName(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}

	out := make(chan Item)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var item Item
				if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
					continue
				}
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisInbox) Close() error {
	return s.client.Close()
}

func (s *RedisInbox) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
