package inbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"quire/api/internal/notify"
)

func setupTestRedis(t *testing.T, opts Options) (*RedisInbox, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	inbox, err := NewRedisInbox("redis://"+s.Addr(), opts)
	if err != nil {
		t.Fatalf("failed to create redis inbox: %v", err)
	}
	t.Cleanup(func() { _ = inbox.Close() })
	return inbox, s
}

func delivery(key, userID string) notify.Delivery {
	return notify.Delivery{
		Kind:      notify.Kind,
		UserID:    userID,
		RoomID:    "room_1",
		SubjectID: "th_1",
		Key:       key,
		ActivityData: notify.ActivityData{
			Type:       notify.TypeComment,
			CommentID:  "cm_1",
			AuthorID:   "ava",
			AuthorName: "Ava",
			Content:    "looks good",
			Timestamp:  1700000000000,
		},
	}
}

func TestNewRedisInboxRejectsBadURL(t *testing.T) {
	if _, err := NewRedisInbox("not a url", Options{}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestDeliverAndList(t *testing.T) {
	inbox, _ := setupTestRedis(t, Options{})
	ctx := context.Background()

	if err := inbox.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := inbox.Deliver(ctx, delivery("k1", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if err := inbox.Deliver(ctx, delivery("k2", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	items, err := inbox.List(ctx, "ben", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Key != "k2" || items[1].Key != "k1" {
		t.Fatalf("expected newest first, got %s, %s", items[0].Key, items[1].Key)
	}
	if items[0].ActivityData.Content != "looks good" || items[0].SubjectID != "th_1" {
		t.Fatalf("item lost its payload: %+v", items[0])
	}

	other, err := inbox.List(ctx, "cy", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty inbox for another user, got %d", len(other))
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	inbox, _ := setupTestRedis(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := inbox.Deliver(ctx, delivery("same", "ben")); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
	}
	if err := inbox.Deliver(ctx, delivery("same", "cy")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	items, err := inbox.List(ctx, "ben", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item after repeats, got %d", len(items))
	}
	items, err = inbox.List(ctx, "cy", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("same key for another user should still land, got %d", len(items))
	}
}

func TestDedupeExpires(t *testing.T) {
	inbox, s := setupTestRedis(t, Options{DedupeTTL: time.Minute})
	ctx := context.Background()

	if err := inbox.Deliver(ctx, delivery("k", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	s.FastForward(2 * time.Minute)
	if err := inbox.Deliver(ctx, delivery("k", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	items, err := inbox.List(ctx, "ben", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected redelivery after the window, got %d items", len(items))
	}
}

func TestInboxIsCapped(t *testing.T) {
	inbox, _ := setupTestRedis(t, Options{MaxItems: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := inbox.Deliver(ctx, delivery(fmt.Sprintf("k%d", i), "ben")); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
	}
	items, err := inbox.List(ctx, "ben", 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 3 || items[0].Key != "k4" || items[2].Key != "k2" {
		t.Fatalf("unexpected capped inbox: %+v", items)
	}
}

func TestDeliverFailureReleasesKey(t *testing.T) {
	inbox, s := setupTestRedis(t, Options{})
	ctx := context.Background()

	s.SetError("server unavailable")
	if err := inbox.Deliver(ctx, delivery("k", "ben")); err == nil {
		t.Fatal("expected error while redis fails")
	}
	s.SetError("")

	if err := inbox.Deliver(ctx, delivery("k", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	items, err := inbox.List(ctx, "ben", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected delivery after recovery, got %d", len(items))
	}
}

func TestClear(t *testing.T) {
	inbox, _ := setupTestRedis(t, Options{})
	ctx := context.Background()

	if err := inbox.Deliver(ctx, delivery("k", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if err := inbox.Clear(ctx, "ben"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	items, err := inbox.List(ctx, "ben", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty inbox, got %d", len(items))
	}
}

func TestSubscribeReceivesLiveItems(t *testing.T) {
	inbox, _ := setupTestRedis(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	live, err := inbox.Subscribe(ctx, "ben")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := inbox.Deliver(ctx, delivery("live", "ben")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	select {
	case item := <-live:
		if item.Key != "live" || item.UserID != "ben" {
			t.Fatalf("unexpected live item: %+v", item)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live item")
	}
}
