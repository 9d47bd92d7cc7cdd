package request

import "sync"

// SuccessFunc 请求就绪时回调，参数为解析出的歌曲标题
type SuccessFunc func(id int64, title string)

// FailureFunc 请求取消时回调
type FailureFunc func(id int64, code ErrorCode)

type callbackPair struct {
	onSuccess SuccessFunc
	onFailure FailureFunc
}

// callbackRegistry 进程内回调表：每个请求 id 的回调最多触发一次
type callbackRegistry struct {
	mu   sync.Mutex
	byID map[int64]callbackPair
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{byID: make(map[int64]callbackPair)}
}

func (r *callbackRegistry) register(id int64, onSuccess SuccessFunc, onFailure FailureFunc) {
	if onSuccess == nil && onFailure == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = callbackPair{onSuccess: onSuccess, onFailure: onFailure}
}

// take 取出并移除 id 的回调
func (r *callbackRegistry) take(id int64) (callbackPair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return cb, ok
}

func (r *callbackRegistry) succeed(id int64, title string) {
	if cb, ok := r.take(id); ok && cb.onSuccess != nil {
		cb.onSuccess(id, title)
	}
}

func (r *callbackRegistry) fail(id int64, code ErrorCode) {
	if cb, ok := r.take(id); ok && cb.onFailure != nil {
		cb.onFailure(id, code)
	}
}

func (r *callbackRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
