package transport

import (
	"context"
	"errors"
	"fmt"

	"StemFM/logger"
)

// GenericErrorCode 处理失败且没有更具体的错误码时发往错误队列的值
const GenericErrorCode = "GENERIC"

// Coder 携带错误码的处理错误，路由到错误队列时使用其错误码
type Coder interface {
	ErrorCode() string
}

// deliver 调用 handler；失败时把请求身份转发到错误队列。
// 返回非 nil 表示消息不能 ack（错误队列本身投递失败）。
func deliver(ctx context.Context, pub Publisher, queue string, env *Envelope, h Handler) error {
	err := h(ctx, env)
	if err == nil {
		return nil
	}
	return routeFailure(ctx, pub, queue, env, err)
}

func routeFailure(ctx context.Context, pub Publisher, queue string, env *Envelope, handlerErr error) error {
	var id int64
	var msgID string
	if env != nil {
		id = PeekID(env.Payload)
		msgID = env.MessageID
	}

	// 错误队列上的失败只记录，不再回流，避免死循环
	if queue == QueueRequestError {
		logger.Error("error queue handler failed, dropping message",
			logger.Queue(queue),
			logger.String("messageId", msgID),
			logger.RequestID(id),
			logger.ErrorField(handlerErr))
		return nil
	}
	if id <= 0 {
		logger.Error("handler failed and message has no request id, dropping",
			logger.Queue(queue),
			logger.String("messageId", msgID),
			logger.ErrorField(handlerErr))
		return nil
	}

	code := GenericErrorCode
	var c Coder
	if errors.As(handlerErr, &c) && c.ErrorCode() != "" {
		code = c.ErrorCode()
	}
	logger.Error("handler failed, routing request to error queue",
		logger.Queue(queue),
		logger.String("messageId", msgID),
		logger.RequestID(id),
		logger.String("errorCode", code),
		logger.ErrorField(handlerErr))

	if _, err := pub.Publish(ctx, QueueRequestError, ErrorPayload{ID: id, ErrorMessage: code}); err != nil {
		return fmt.Errorf("failed to route request %d to %s: %w", id, QueueRequestError, err)
	}
	return nil
}
