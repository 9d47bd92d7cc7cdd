package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"StemFM/logger"

	"github.com/go-redis/redis/v8"
)

const envelopeField = "envelope"

// RedisOptions Redis Streams 传输配置
type RedisOptions struct {
	Prefix       string        // key 前缀，stream 为 <prefix>:queue:<name>
	Group        string        // 消费组
	Consumer     string        // 稳定的消费者名，重启后据此重放未 ack 的消息
	BlockTime    time.Duration // XREADGROUP 阻塞时长
	PendingSweep time.Duration // 运行期间定期重试本消费者未 ack 的消息
}

// RedisStreams 基于 Redis Streams 的持久化传输，一个消费组，消息在 handler 成功后才 XACK
type RedisStreams struct {
	client *redis.Client
	opts   RedisOptions

	mu       sync.Mutex
	declared map[string]bool
}

// NewRedisStreams 创建 Redis Streams 传输
func NewRedisStreams(client *redis.Client, opts RedisOptions) *RedisStreams {
	if opts.Prefix == "" {
		opts.Prefix = "stemfm"
	}
	if opts.Group == "" {
		opts.Group = "orchestrator"
	}
	if opts.Consumer == "" {
		opts.Consumer = "orchestrator"
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 5 * time.Second
	}
	if opts.PendingSweep <= 0 {
		opts.PendingSweep = 30 * time.Second
	}
	return &RedisStreams{
		client:   client,
		opts:     opts,
		declared: make(map[string]bool),
	}
}

func (t *RedisStreams) streamKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", t.opts.Prefix, queue)
}

// Declare 创建 stream 与消费组；已存在时忽略 BUSYGROUP
func (t *RedisStreams) Declare(ctx context.Context, queues ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range queues {
		if !knownQueue(q) {
			return fmt.Errorf("unknown queue %q", q)
		}
		if t.declared[q] {
			continue
		}
		err := t.client.XGroupCreateMkStream(ctx, t.streamKey(q), t.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
		t.declared[q] = true
	}
	return nil
}

// Publish 写入 stream，返回信封中的消息 ID
func (t *RedisStreams) Publish(ctx context.Context, queue string, payload interface{}) (string, error) {
	if err := t.Declare(ctx, queue); err != nil {
		return "", err
	}
	env, err := newEnvelope(queue, payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey(queue),
		Values: map[string]interface{}{envelopeField: string(data)},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	logger.Debug("message published",
		logger.Queue(queue),
		logger.String("messageId", env.MessageID))
	return env.MessageID, nil
}

// Listen 先重放本消费者未 ack 的消息，再阻塞读取新消息；同一队列顺序处理
func (t *RedisStreams) Listen(ctx context.Context, queue string, h Handler) error {
	if err := t.Declare(ctx, queue); err != nil {
		return err
	}
	logger.Info("queue consumer started",
		logger.Queue(queue),
		logger.String("group", t.opts.Group),
		logger.String("consumer", t.opts.Consumer))

	if err := t.replayPending(ctx, queue, h); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	key := t.streamKey(queue)
	lastSweep := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastSweep) >= t.opts.PendingSweep {
			if err := t.replayPending(ctx, queue, h); err != nil && ctx.Err() == nil {
				logger.Error("pending sweep failed", logger.Queue(queue), logger.ErrorField(err))
			}
			lastSweep = time.Now()
		}
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.opts.Group,
			Consumer: t.opts.Consumer,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    t.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			logger.Error("failed to read from queue", logger.Queue(queue), logger.ErrorField(err))
			if !sleepCtx(ctx, time.Second) {
				break
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if err := t.handle(ctx, queue, msg, h); err != nil {
					logger.Error("message left pending", logger.Queue(queue),
						logger.String("streamId", msg.ID), logger.ErrorField(err))
				}
			}
		}
	}
	logger.Info("queue consumer stopped", logger.Queue(queue))
	return nil
}

// replayPending 处理已投递给本消费者但未 ack 的消息：启动时处理上次进程遗留的，
// 运行期间由 Listen 定期调用以重试处理失败的
func (t *RedisStreams) replayPending(ctx context.Context, queue string, h Handler) error {
	key := t.streamKey(queue)
	start := "0"
	for {
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.opts.Group,
			Consumer: t.opts.Consumer,
			Streams:  []string{key, start},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("failed to read pending entries of %s: %w", queue, err)
		}
		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if len(msgs) == 0 {
			return nil
		}
		logger.Info("replaying pending messages", logger.Queue(queue), logger.Int("count", len(msgs)))
		for _, msg := range msgs {
			if err := t.handle(ctx, queue, msg, h); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("pending message left pending", logger.Queue(queue),
					logger.String("streamId", msg.ID), logger.ErrorField(err))
			}
		}
		start = msgs[len(msgs)-1].ID
	}
}

func (t *RedisStreams) handle(ctx context.Context, queue string, msg redis.XMessage, h Handler) error {
	env, err := decodeStreamMessage(queue, msg)
	if err != nil {
		// 信封无法解析，无法恢复请求 id
		logger.Error("dropping unreadable message", logger.Queue(queue),
			logger.String("streamId", msg.ID), logger.ErrorField(err))
		return t.ack(ctx, queue, msg.ID)
	}
	if err := deliver(ctx, t, queue, env, h); err != nil {
		return err
	}
	return t.ack(ctx, queue, msg.ID)
}

func (t *RedisStreams) ack(ctx context.Context, queue, id string) error {
	if err := t.client.XAck(ctx, t.streamKey(queue), t.opts.Group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, queue, err)
	}
	return nil
}

func decodeStreamMessage(queue string, msg redis.XMessage) (*Envelope, error) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return nil, fmt.Errorf("missing %q field", envelopeField)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	if env.Queue == "" {
		env.Queue = queue
	}
	return &env, nil
}

// Stats 每个队列的长度与未 ack 数量
func (t *RedisStreams) Stats(ctx context.Context) ([]QueueStats, error) {
	var stats []QueueStats
	for _, q := range Queues() {
		key := t.streamKey(q)
		length, err := t.client.XLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read length of %s: %w", q, err)
		}
		st := QueueStats{Queue: q, Length: length}
		if length == 0 {
			stats = append(stats, st)
			continue
		}
		pending, err := t.client.XPending(ctx, key, t.opts.Group).Result()
		if err == nil {
			st.Pending = pending.Count
		} else if !strings.Contains(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("failed to read pending of %s: %w", q, err)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Close 传输不拥有 Redis 客户端，由调用方关闭
func (t *RedisStreams) Close() error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
