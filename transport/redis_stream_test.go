package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestStreams(client *redis.Client) *RedisStreams {
	return NewRedisStreams(client, RedisOptions{
		Prefix:    "test",
		Group:     "orchestrator",
		Consumer:  "orchestrator@test",
		BlockTime: 50 * time.Millisecond,
	})
}

func TestRedisDeclareIsIdempotent(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	if err := newTestStreams(client).Declare(ctx, Queues()...); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	// 新实例没有本地缓存，会真正再次执行 XGROUP CREATE
	if err := newTestStreams(client).Declare(ctx, Queues()...); err != nil {
		t.Fatalf("second Declare failed: %v", err)
	}
	if err := newTestStreams(client).Declare(ctx, "unknown"); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestRedisPublishListenAck(t *testing.T) {
	_, client := newTestRedis(t)
	tr := newTestStreams(client)
	ctx := context.Background()

	got := make(chan *Envelope, 1)
	listen(t, tr, QueueRequestComplete, func(ctx context.Context, env *Envelope) error {
		got <- env
		return nil
	})

	msgID, err := tr.Publish(ctx, QueueRequestComplete, CompletePayload{
		ID: 5, DownloadPath: "/dl/a.mp3", StemsPath: "/stems/a", Title: "A",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	env := waitEnvelope(t, got)
	if env.MessageID != msgID {
		t.Fatalf("messageId = %s, want %s", env.MessageID, msgID)
	}
	payload, err := DecodeComplete(env)
	if err != nil {
		t.Fatalf("DecodeComplete failed: %v", err)
	}
	if payload.StemsPath != "/stems/a" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// ack 在 handler 返回后发生
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := client.XPending(ctx, tr.streamKey(QueueRequestComplete), "orchestrator").Result()
		if err != nil {
			t.Fatalf("XPending failed: %v", err)
		}
		if pending.Count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message still pending: %+v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisRoutesFailureToErrorQueue(t *testing.T) {
	_, client := newTestRedis(t)
	tr := newTestStreams(client)
	ctx := context.Background()

	errs := make(chan *Envelope, 1)
	listen(t, tr, QueueRequestCreated, func(ctx context.Context, env *Envelope) error {
		return errors.New("worker exploded")
	})
	listen(t, tr, QueueRequestError, func(ctx context.Context, env *Envelope) error {
		errs <- env
		return nil
	})

	if _, err := tr.Publish(ctx, QueueRequestCreated, CreatedPayload{ID: 11, Query: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	payload, err := DecodeError(waitEnvelope(t, errs))
	if err != nil {
		t.Fatalf("DecodeError failed: %v", err)
	}
	if payload.ID != 11 || payload.ErrorMessage != GenericErrorCode {
		t.Fatalf("error payload = %+v", payload)
	}
}

func TestRedisReplaysPendingOnRestart(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	tr := newTestStreams(client)

	if _, err := tr.Publish(ctx, QueueRequestDownloaded, DownloadedPayload{ID: 9, Path: "/dl/9", Title: "nine"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// 模拟上一个进程读到消息后崩溃：消息已投递但未 ack
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "orchestrator",
		Consumer: "orchestrator@test",
		Streams:  []string{tr.streamKey(QueueRequestDownloaded), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup failed: %v", err)
	}

	got := make(chan *Envelope, 1)
	listen(t, newTestStreams(client), QueueRequestDownloaded, func(ctx context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	payload, err := DecodeDownloaded(waitEnvelope(t, got))
	if err != nil {
		t.Fatalf("DecodeDownloaded failed: %v", err)
	}
	if payload.ID != 9 {
		t.Fatalf("replayed payload = %+v", payload)
	}
}

func TestRedisRetriesPendingWhileRunning(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	tr := NewRedisStreams(client, RedisOptions{
		Prefix:       "test",
		Group:        "orchestrator",
		Consumer:     "orchestrator@test",
		BlockTime:    20 * time.Millisecond,
		PendingSweep: 50 * time.Millisecond,
	})

	// 错误队列的 key 被占用，失败消息无法转发，只能留在 pending 里
	errKey := tr.streamKey(QueueRequestError)
	if err := mr.Set(errKey, "occupied"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	attempts := make(chan struct{}, 16)
	listen(t, tr, QueueRequestComplete, func(ctx context.Context, env *Envelope) error {
		select {
		case attempts <- struct{}{}:
		default:
		}
		return errors.New("stems missing")
	})
	if _, err := tr.Publish(ctx, QueueRequestComplete, CompletePayload{ID: 21, DownloadPath: "/dl/21", StemsPath: "/stems/21"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	mr.Del(errKey)
	deadline := time.Now().Add(3 * time.Second)
	for {
		pending, err := client.XPending(ctx, tr.streamKey(QueueRequestComplete), "orchestrator").Result()
		if err != nil {
			t.Fatalf("XPending failed: %v", err)
		}
		routed, _ := client.XLen(ctx, errKey).Result()
		if pending.Count == 0 && routed == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not retried: pending=%d routed=%d", pending.Count, routed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisStats(t *testing.T) {
	_, client := newTestRedis(t)
	tr := newTestStreams(client)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := tr.Publish(ctx, QueueRequestCreated, CreatedPayload{ID: i, Query: "q"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	stats, err := tr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	for _, st := range stats {
		if st.Queue == QueueRequestCreated && st.Length != 3 {
			t.Fatalf("length of %s = %d, want 3", st.Queue, st.Length)
		}
	}
}
