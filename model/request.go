package model

import "time"

// RequestStatus 点歌请求状态
type RequestStatus string

const (
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusReady      RequestStatus = "ready"
	RequestStatusPlaying    RequestStatus = "playing"
	RequestStatusFulfilled  RequestStatus = "fulfilled"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// 优先级，越大越靠前
const (
	PriorityNormal = 0
	PriorityBumped = 1 // 使用 bump 令牌
	PriorityAged   = 2 // 等待过久自动提权
)

// 取消原因中除错误码之外的取值
const (
	CancelReasonRemoved    = "REMOVED" // 点歌人自己移除，窗口内重新点歌可沿用一次排队锚点
	CancelReasonModRemoved = "MOD_REMOVED"
	CancelReasonReplaced   = "REPLACED"
)

// allowedFrom 每个目标状态允许的来源状态；状态只能前进
var allowedFrom = map[RequestStatus][]RequestStatus{
	RequestStatusReady:     {RequestStatusProcessing},
	RequestStatusPlaying:   {RequestStatusReady},
	RequestStatusFulfilled: {RequestStatusPlaying},
	RequestStatusCancelled: {RequestStatusProcessing, RequestStatusReady, RequestStatusPlaying},
}

// AllowedFrom 迁移到 target 前允许所处的状态
func AllowedFrom(target RequestStatus) []RequestStatus {
	return allowedFrom[target]
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to RequestStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal 是否终态
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusFulfilled || s == RequestStatusCancelled
}

// IsActive 仍在排队（处理中或已就绪）
func (s RequestStatus) IsActive() bool {
	return s == RequestStatusProcessing || s == RequestStatusReady
}

// SongRequest 一次点歌
type SongRequest struct {
	ID                 int64         `json:"id" gorm:"primaryKey;autoIncrement"`
	CreatedAt          time.Time     `json:"createdAt" gorm:"not null"`
	EffectiveCreatedAt time.Time     `json:"effectiveCreatedAt" gorm:"not null;index"` // 排队公平性的锚点，替换/重点时沿用
	Query              string        `json:"query" gorm:"type:text;not null"`
	NormalizedQuery    string        `json:"-" gorm:"size:512;index"`
	Requester          *string       `json:"requester,omitempty" gorm:"size:100;index"` // 为空表示内部请求
	Status             RequestStatus `json:"status" gorm:"size:20;not null;index"`
	Priority           int           `json:"priority" gorm:"not null;default:0;index"`
	NoShenanigans      bool          `json:"noShenanigans" gorm:"not null;default:false"`
	SongID             *int64        `json:"songId,omitempty" gorm:"index"`
	MaxDuration        int           `json:"maxDuration" gorm:"not null;default:0"` // 秒，0 表示不限制
	MinViews           int           `json:"minViews" gorm:"not null;default:0"`
	BumpTokenHeld      bool          `json:"-" gorm:"not null;default:false"`
	AnchorClaimedBy    *int64        `json:"-" gorm:"index"` // 沿用了本请求排队锚点的重新点歌
	CancelReason       string        `json:"cancelReason,omitempty" gorm:"size:40"`
	FulfilledAt        *time.Time    `json:"fulfilledAt,omitempty" gorm:"index"`
	CancelledAt        *time.Time    `json:"cancelledAt,omitempty"`
	UpdatedAt          time.Time     `json:"updatedAt"`

	Song *Song `json:"song,omitempty" gorm:"foreignKey:SongID"`
}

// TableName 指定表名
func (SongRequest) TableName() string {
	return "song_requests"
}

// RequesterName 点歌人名称，内部请求返回空串
func (r *SongRequest) RequesterName() string {
	if r.Requester == nil {
		return ""
	}
	return *r.Requester
}

// DisplayTitle 用于展示的标题，歌曲未解析前回退到原始查询
func (r *SongRequest) DisplayTitle() string {
	if r.Song != nil {
		return r.Song.DisplayTitle()
	}
	return r.Query
}
