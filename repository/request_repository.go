package repository

import (
	"context"
	"time"

	"StemFM/model"

	"gorm.io/gorm"
)

// RequestRepository 点歌请求数据访问接口
type RequestRepository interface {
	Create(ctx context.Context, req *model.SongRequest) error
	GetByID(ctx context.Context, id int64) (*model.SongRequest, error)

	// 状态迁移：只有当前状态在允许的来源状态中才会更新，否则返回 ErrInvalidTransition
	Transition(ctx context.Context, id int64, to model.RequestStatus, fields map[string]interface{}) error
	Cancel(ctx context.Context, id int64, reason string, at time.Time) error
	CancelIfProcessing(ctx context.Context, id int64, reason string, at time.Time, fields map[string]interface{}) (bool, error)
	MarkReadyUnlessDuplicate(ctx context.Context, id, songID int64, at time.Time) (bool, error)
	BumpAged(ctx context.Context, cutoff time.Time, priority int) (int64, error)
	SetPriority(ctx context.Context, id int64, priority int, bumpTokenHeld bool) error
	LiftMaxDuration(ctx context.Context, id int64) error

	// 查询
	ReadyQueue(ctx context.Context) ([]*model.SongRequest, error)
	Playing(ctx context.Context) (*model.SongRequest, error)
	CountPlaying(ctx context.Context) (int64, error)
	ActiveByRequester(ctx context.Context, requester string) ([]*model.SongRequest, error)
	CountActiveByRequester(ctx context.Context, requester string) (int64, error)
	ActiveAll(ctx context.Context) ([]*model.SongRequest, error)
	ResolvedSongIDByQuery(ctx context.Context, normalized string) (*int64, error)
	LastRemovedByRequester(ctx context.Context, requester string, since time.Time) (*model.SongRequest, error)
	ClaimAnchor(ctx context.Context, removedID, claimantID int64) (bool, error)
	FulfilledSince(ctx context.Context, since time.Time) ([]*model.SongRequest, error)
	ListRecent(ctx context.Context, limit int) ([]*model.SongRequest, error)
}

// gormRequestRepository GORM 实现
type gormRequestRepository struct {
	db *gorm.DB
}

// NewGormRequestRepository 创建 GORM 点歌请求仓库
func NewGormRequestRepository(db *gorm.DB) RequestRepository {
	return &gormRequestRepository{db: db}
}

// Create 插入请求
func (r *gormRequestRepository) Create(ctx context.Context, req *model.SongRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

// GetByID 根据 ID 获取请求（带歌曲），不存在返回 nil, nil
func (r *gormRequestRepository) GetByID(ctx context.Context, id int64) (*model.SongRequest, error) {
	var req model.SongRequest
	err := r.db.WithContext(ctx).Preload("Song").Where("id = ?", id).First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// Transition 条件更新状态
func (r *gormRequestRepository) Transition(ctx context.Context, id int64, to model.RequestStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("id = ? AND status IN ?", id, model.AllowedFrom(to)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrInvalid(ctx, id)
	}
	return nil
}

func (r *gormRequestRepository) missingOrInvalid(ctx context.Context, id int64) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.SongRequest{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// Cancel 取消请求（processing / ready / playing 均可）
func (r *gormRequestRepository) Cancel(ctx context.Context, id int64, reason string, at time.Time) error {
	return r.Transition(ctx, id, model.RequestStatusCancelled, map[string]interface{}{
		"cancel_reason": reason,
		"cancelled_at":  at,
	})
}

// CancelIfProcessing 仅在请求仍处于 processing 时取消，返回是否真的取消了
func (r *gormRequestRepository) CancelIfProcessing(ctx context.Context, id int64, reason string, at time.Time, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":        model.RequestStatusCancelled,
		"cancel_reason": reason,
		"cancelled_at":  at,
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("id = ? AND status = ?", id, model.RequestStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// markReadySQL 单条语句完成"没有其他 ready 请求引用该歌曲才置为 ready"。
// 子查询包一层派生表并带 LIMIT，避免 MySQL 1093（更新目标表出现在子查询中）。
const markReadySQL = `UPDATE song_requests
SET status = ?, song_id = ?, updated_at = ?
WHERE id = ? AND status = ?
AND NOT EXISTS (
	SELECT 1 FROM (
		SELECT id FROM song_requests WHERE song_id = ? AND status = ? LIMIT 1
	) AS dup
)`

// MarkReadyUnlessDuplicate 原子地把 processing 请求置为 ready；
// 已有 ready 请求引用同一首歌或请求已不在 processing 时返回 false
func (r *gormRequestRepository) MarkReadyUnlessDuplicate(ctx context.Context, id, songID int64, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Exec(markReadySQL,
		model.RequestStatusReady, songID, at,
		id, model.RequestStatusProcessing,
		songID, model.RequestStatusReady)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// BumpAged 把等待超过 cutoff 的 ready 请求提到 priority，幂等
func (r *gormRequestRepository) BumpAged(ctx context.Context, cutoff time.Time, priority int) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("status = ? AND effective_created_at < ? AND priority < ?", model.RequestStatusReady, cutoff, priority).
		Update("priority", priority)
	return result.RowsAffected, result.Error
}

// SetPriority 设置优先级与 bump 令牌占用标记（仅对活跃请求生效）
func (r *gormRequestRepository) SetPriority(ctx context.Context, id int64, priority int, bumpTokenHeld bool) error {
	result := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("id = ? AND status IN ?", id, []model.RequestStatus{model.RequestStatusProcessing, model.RequestStatusReady}).
		Updates(map[string]interface{}{
			"priority":        priority,
			"bump_token_held": bumpTokenHeld,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrInvalid(ctx, id)
	}
	return nil
}

// LiftMaxDuration 取消时长上限（点歌人使用了超长歌曲令牌）
func (r *gormRequestRepository) LiftMaxDuration(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("id = ?", id).
		Update("max_duration", 0).Error
}

// ReadyQueue 就绪队列，priority DESC, effective_created_at ASC, id ASC
func (r *gormRequestRepository) ReadyQueue(ctx context.Context) ([]*model.SongRequest, error) {
	var reqs []*model.SongRequest
	err := r.db.WithContext(ctx).Preload("Song").
		Where("status = ?", model.RequestStatusReady).
		Order("priority DESC").
		Order("effective_created_at ASC").
		Order("id ASC").
		Find(&reqs).Error
	return reqs, err
}

// Playing 当前正在播放的请求，没有返回 nil, nil
func (r *gormRequestRepository) Playing(ctx context.Context) (*model.SongRequest, error) {
	var req model.SongRequest
	err := r.db.WithContext(ctx).Preload("Song").
		Where("status = ?", model.RequestStatusPlaying).
		First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// CountPlaying 正在播放的请求数
func (r *gormRequestRepository) CountPlaying(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("status = ?", model.RequestStatusPlaying).
		Count(&count).Error
	return count, err
}

// ActiveByRequester 某人的活跃请求，按 effective_created_at 排序（用户看到的序号即此顺序）
func (r *gormRequestRepository) ActiveByRequester(ctx context.Context, requester string) ([]*model.SongRequest, error) {
	var reqs []*model.SongRequest
	err := r.db.WithContext(ctx).Preload("Song").
		Where("requester = ? AND status IN ?", requester,
			[]model.RequestStatus{model.RequestStatusProcessing, model.RequestStatusReady}).
		Order("effective_created_at ASC").
		Order("id ASC").
		Find(&reqs).Error
	return reqs, err
}

// CountActiveByRequester 某人的活跃请求数
func (r *gormRequestRepository) CountActiveByRequester(ctx context.Context, requester string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("requester = ? AND status IN ?", requester,
			[]model.RequestStatus{model.RequestStatusProcessing, model.RequestStatusReady}).
		Count(&count).Error
	return count, err
}

// ActiveAll 全部活跃请求（processing + ready）
func (r *gormRequestRepository) ActiveAll(ctx context.Context) ([]*model.SongRequest, error) {
	var reqs []*model.SongRequest
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.RequestStatus{model.RequestStatusProcessing, model.RequestStatusReady}).
		Order("effective_created_at ASC, id ASC").
		Find(&reqs).Error
	return reqs, err
}

// ResolvedSongIDByQuery 最近一次同一规范化查询且已解析出歌曲的 song_id
func (r *gormRequestRepository) ResolvedSongIDByQuery(ctx context.Context, normalized string) (*int64, error) {
	var req model.SongRequest
	err := r.db.WithContext(ctx).
		Where("normalized_query = ? AND song_id IS NOT NULL", normalized).
		Order("id DESC").
		First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return req.SongID, nil
}

// LastRemovedByRequester 某人在 since 之后自己移除、锚点尚未被沿用的最近一次请求
func (r *gormRequestRepository) LastRemovedByRequester(ctx context.Context, requester string, since time.Time) (*model.SongRequest, error) {
	var req model.SongRequest
	err := r.db.WithContext(ctx).
		Where("requester = ? AND status = ? AND cancel_reason = ? AND cancelled_at >= ? AND anchor_claimed_by IS NULL",
			requester, model.RequestStatusCancelled, model.CancelReasonRemoved, since).
		Order("cancelled_at DESC").
		First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// ClaimAnchor 把已移除请求的锚点记到 claimantID 名下，每个锚点只能被沿用一次
func (r *gormRequestRepository) ClaimAnchor(ctx context.Context, removedID, claimantID int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SongRequest{}).
		Where("id = ? AND anchor_claimed_by IS NULL", removedID).
		Update("anchor_claimed_by", claimantID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FulfilledSince since 之后完成播放的请求
func (r *gormRequestRepository) FulfilledSince(ctx context.Context, since time.Time) ([]*model.SongRequest, error) {
	var reqs []*model.SongRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND fulfilled_at >= ?", model.RequestStatusFulfilled, since).
		Order("fulfilled_at ASC").
		Find(&reqs).Error
	return reqs, err
}

// ListRecent 最近的请求（含终态），按 id 倒序
func (r *gormRequestRepository) ListRecent(ctx context.Context, limit int) ([]*model.SongRequest, error) {
	var reqs []*model.SongRequest
	err := r.db.WithContext(ctx).Preload("Song").
		Order("id DESC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}
