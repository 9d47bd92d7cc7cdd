package request

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"StemFM/logger"
	"StemFM/model"
	"StemFM/repository"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// minMatchSimilarity MatchOwn 认为"说的是这一首"的最低相似度
const minMatchSimilarity = 0.75

// OwnRequest 点歌人自己的活跃请求及其展示序号（从 1 开始）
type OwnRequest struct {
	Index   int                `json:"index"`
	Request *model.SongRequest `json:"request"`
}

// ReadyQueue 就绪队列，priority DESC, effectiveCreatedAt ASC
func (o *Orchestrator) ReadyQueue(ctx context.Context) ([]*model.SongRequest, error) {
	return o.store.Requests.ReadyQueue(ctx)
}

// NowPlaying 当前播放的请求，没有返回 nil
func (o *Orchestrator) NowPlaying(ctx context.Context) (*model.SongRequest, error) {
	return o.store.Requests.Playing(ctx)
}

// Get 根据 id 获取请求
func (o *Orchestrator) Get(ctx context.Context, id int64) (*model.SongRequest, error) {
	req, err := o.store.Requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	return req, nil
}

// MarkPlaying ready → playing；已有请求在播放时拒绝
func (o *Orchestrator) MarkPlaying(ctx context.Context, id int64) error {
	o.playerMu.Lock()
	defer o.playerMu.Unlock()

	n, err := o.store.Requests.CountPlaying(ctx)
	if err != nil {
		return fmt.Errorf("failed to count playing requests: %w", err)
	}
	if n > 0 {
		return ErrAlreadyPlaying
	}
	if err := o.store.Requests.Transition(ctx, id, model.RequestStatusPlaying, nil); err != nil {
		return mapStoreError(err)
	}
	o.broadcaster.RequestRemoved(id)
	logger.Info("request playing", logger.RequestID(id))
	return nil
}

// MarkFulfilled playing → fulfilled
func (o *Orchestrator) MarkFulfilled(ctx context.Context, id int64) error {
	o.playerMu.Lock()
	defer o.playerMu.Unlock()

	err := o.store.Requests.Transition(ctx, id, model.RequestStatusFulfilled, map[string]interface{}{
		"fulfilled_at": o.now(),
	})
	if err != nil {
		return mapStoreError(err)
	}
	logger.Info("request fulfilled", logger.RequestID(id))
	return nil
}

// Remove 取消任意非终态请求（主持人或点歌人本人），广播 request_removed
func (o *Orchestrator) Remove(ctx context.Context, id int64, reason string) error {
	if reason == "" {
		reason = model.CancelReasonModRemoved
	}
	req, err := o.store.Requests.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load request %d: %w", id, err)
	}
	if req == nil {
		return ErrNotFound
	}
	if err := o.store.Requests.Cancel(ctx, id, reason, o.now()); err != nil {
		return mapStoreError(err)
	}
	if req.Status != model.RequestStatusPlaying {
		o.releaseBump(ctx, req)
	}
	o.callbacks.take(id)
	o.broadcaster.RequestRemoved(id)
	logger.Info("request removed",
		logger.RequestID(id),
		logger.Requester(req.Requester),
		logger.String("reason", reason))
	return nil
}

// RemoveOwn 点歌人按序号移除自己的请求
func (o *Orchestrator) RemoveOwn(ctx context.Context, requester string, index int, expectedID int64) error {
	target, err := o.selectOwn(ctx, requester, index, expectedID)
	if err != nil {
		return err
	}
	return o.Remove(ctx, target.ID, model.CancelReasonRemoved)
}

// Replace 用新查询替换自己的某个请求，新请求沿用原请求的排队锚点与优先级
func (o *Orchestrator) Replace(ctx context.Context, requester string, index int, expectedID int64, newQuery string, opts SubmitOptions) (int64, error) {
	target, err := o.selectOwn(ctx, requester, index, expectedID)
	if err != nil {
		return 0, err
	}

	anchor := target.EffectiveCreatedAt
	opts.Requester = &requester
	opts.EffectiveCreatedAt = &anchor
	opts.Priority = target.Priority
	opts.BumpTokenHeld = target.BumpTokenHeld
	opts.NoShenanigans = opts.NoShenanigans || target.NoShenanigans

	// 旧请求仍算在活跃数里，替换不受数量与频率限制
	newID, err := o.submit(ctx, newQuery, opts, false)
	if err != nil {
		return 0, err
	}

	if err := o.store.Requests.Cancel(ctx, target.ID, model.CancelReasonReplaced, o.now()); err != nil {
		// 旧请求在此期间开始播放或被取消，撤销新请求
		if rerr := o.store.Requests.Cancel(ctx, newID, model.CancelReasonReplaced, o.now()); rerr != nil {
			logger.Error("failed to roll back replacement", logger.RequestID(newID), logger.ErrorField(rerr))
		}
		o.callbacks.take(newID)
		if errors.Is(err, repository.ErrInvalidTransition) {
			return 0, ErrStaleSelection
		}
		return 0, mapStoreError(err)
	}
	o.callbacks.take(target.ID)
	o.broadcaster.RequestRemoved(target.ID)
	logger.Info("request replaced",
		logger.RequestID(target.ID),
		logger.Int64("replacementId", newID),
		logger.String("requester", requester))
	return newID, nil
}

// Bump 消耗一个 bump 令牌把自己的请求提到 PriorityBumped
func (o *Orchestrator) Bump(ctx context.Context, requester string, index int, expectedID int64) error {
	target, err := o.selectOwn(ctx, requester, index, expectedID)
	if err != nil {
		return err
	}
	if target.Priority >= model.PriorityBumped || target.BumpTokenHeld {
		return ErrAlreadyBumped
	}

	spent, err := o.store.Users.SpendBump(ctx, requester)
	if err != nil {
		return fmt.Errorf("failed to spend bump token: %w", err)
	}
	if !spent {
		return ErrNoBumpTokens
	}
	if err := o.store.Requests.SetPriority(ctx, target.ID, model.PriorityBumped, true); err != nil {
		if rerr := o.store.Users.RefundBump(ctx, requester); rerr != nil {
			logger.Error("failed to refund bump token", logger.String("requester", requester), logger.ErrorField(rerr))
		}
		if errors.Is(err, repository.ErrInvalidTransition) {
			return ErrStaleSelection
		}
		return mapStoreError(err)
	}
	logger.Info("request bumped", logger.RequestID(target.ID), logger.String("requester", requester))
	return nil
}

// ListOwn 点歌人的活跃请求，序号按 effectiveCreatedAt 排列
func (o *Orchestrator) ListOwn(ctx context.Context, requester string) ([]OwnRequest, error) {
	reqs, err := o.store.Requests.ActiveByRequester(ctx, requester)
	if err != nil {
		return nil, err
	}
	out := make([]OwnRequest, len(reqs))
	for i, r := range reqs {
		out[i] = OwnRequest{Index: i + 1, Request: r}
	}
	return out, nil
}

// MatchOwn 按标题/原始查询模糊匹配自己的请求，没有足够相似的返回 nil
func (o *Orchestrator) MatchOwn(ctx context.Context, requester, text string) (*OwnRequest, error) {
	own, err := o.ListOwn(ctx, requester)
	if err != nil {
		return nil, err
	}
	metric := metrics.NewJaroWinkler()
	metric.CaseSensitive = false

	needle := strings.TrimSpace(text)
	var best *OwnRequest
	bestScore := 0.0
	for i := range own {
		r := own[i].Request
		score := strutil.Similarity(needle, r.Query, metric)
		if r.Song != nil {
			if s := strutil.Similarity(needle, r.Song.DisplayTitle(), metric); s > score {
				score = s
			}
			if s := strutil.Similarity(needle, r.Song.Title, metric); s > score {
				score = s
			}
		}
		if score > bestScore {
			bestScore = score
			best = &own[i]
		}
	}
	if best == nil || bestScore < minMatchSimilarity {
		return nil, nil
	}
	return best, nil
}

// selectOwn 执行时按 id 重新校验序号，防止列表与操作之间队列变动
func (o *Orchestrator) selectOwn(ctx context.Context, requester string, index int, expectedID int64) (*model.SongRequest, error) {
	reqs, err := o.store.Requests.ActiveByRequester(ctx, requester)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(reqs) {
		return nil, ErrStaleSelection
	}
	target := reqs[index-1]
	if target.ID != expectedID {
		return nil, ErrStaleSelection
	}
	return target, nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrInvalidTransition):
		return ErrInvalidState
	default:
		return err
	}
}
