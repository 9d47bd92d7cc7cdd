package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"StemFM/logger"
)

// ErrClosed 传输已关闭
var ErrClosed = errors.New("transport closed")

// Memory 进程内传输，每个队列一个带缓冲 channel；用于本地运行与测试，不持久化
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan *Envelope
	size   int
	closed bool
}

// NewMemory 创建进程内传输，size 为每个队列的缓冲长度
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{
		queues: make(map[string]chan *Envelope),
		size:   size,
	}
}

// Declare 幂等创建队列
func (m *Memory) Declare(ctx context.Context, queues ...string) error {
	for _, q := range queues {
		if _, err := m.queue(q); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) queue(name string) (chan *Envelope, error) {
	if !knownQueue(name) {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.queues[name]
	if !ok {
		ch = make(chan *Envelope, m.size)
		m.queues[name] = ch
	}
	return ch, nil
}

// Publish 入队；队列满时阻塞直到 ctx 结束
func (m *Memory) Publish(ctx context.Context, queue string, payload interface{}) (string, error) {
	ch, err := m.queue(queue)
	if err != nil {
		return "", err
	}
	env, err := newEnvelope(queue, payload)
	if err != nil {
		return "", err
	}
	select {
	case ch <- env:
		return env.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Listen 顺序消费队列直到 ctx 结束
func (m *Memory) Listen(ctx context.Context, queue string, h Handler) error {
	ch, err := m.queue(queue)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			if err := deliver(ctx, m, queue, env, h); err != nil {
				// 没有持久化可依赖，放回队尾等待下次处理
				logger.Error("requeueing message", logger.Queue(queue), logger.ErrorField(err))
				select {
				case ch <- env:
				default:
					logger.Error("queue full, message lost", logger.Queue(queue),
						logger.String("messageId", env.MessageID))
				}
			}
		}
	}
}

// Stats 当前各队列缓冲中的消息数
func (m *Memory) Stats(ctx context.Context) ([]QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats []QueueStats
	for _, q := range Queues() {
		st := QueueStats{Queue: q}
		if ch, ok := m.queues[q]; ok {
			st.Length = int64(len(ch))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Close 之后的 Publish/Declare 返回 ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
