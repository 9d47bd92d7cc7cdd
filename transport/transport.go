package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 队列名称
const (
	QueueRequestCreated    = "request_created"
	QueueRequestDownloaded = "request_downloaded"
	QueueRequestSeparate   = "request_separate"
	QueueRequestComplete   = "request_complete"
	QueueRequestError      = "request_error"
)

// Queues 本系统使用的全部队列
func Queues() []string {
	return []string{
		QueueRequestCreated,
		QueueRequestDownloaded,
		QueueRequestSeparate,
		QueueRequestComplete,
		QueueRequestError,
	}
}

// Envelope 队列中传输的消息信封，payload 保持原始 JSON 直到按队列类型解码
type Envelope struct {
	MessageID   string          `json:"messageId"`
	Queue       string          `json:"queue"`
	PublishedAt time.Time       `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Handler 处理一条消息；返回 nil 才会 ack
type Handler func(ctx context.Context, env *Envelope) error

// Publisher 只负责投递
type Publisher interface {
	Publish(ctx context.Context, queue string, payload interface{}) (string, error)
}

// Transport 持久化、至少一次投递的命名队列
type Transport interface {
	Publisher
	// Declare 幂等声明队列
	Declare(ctx context.Context, queues ...string) error
	// Listen 阻塞消费 queue 直到 ctx 结束
	Listen(ctx context.Context, queue string, h Handler) error
	Close() error
}

// QueueStats 队列积压统计
type QueueStats struct {
	Queue   string
	Length  int64
	Pending int64
}

// Inspector 可选能力：查看队列积压
type Inspector interface {
	Stats(ctx context.Context) ([]QueueStats, error)
}

func newEnvelope(queue string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", queue, err)
	}
	return &Envelope{
		MessageID:   uuid.NewString(),
		Queue:       queue,
		PublishedAt: time.Now().UTC(),
		Payload:     raw,
	}, nil
}

func knownQueue(queue string) bool {
	for _, q := range Queues() {
		if q == queue {
			return true
		}
	}
	return false
}
