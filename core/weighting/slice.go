// Package weighting 计算每个点歌人在转盘上所占的大小。
//
// 转盘大小只影响随机抽取；就绪队列按优先级与排队锚点排序，不看转盘大小。
package weighting

import (
	"math"
	"time"
)

// Weights 转盘权重参数
type Weights struct {
	Base                float64
	FulfilledPenalty    float64 // 今天每播放一首扣除
	RecencyPenalty      float64 // 刚播放过时的最大扣除，在窗口内线性衰减到 0
	RecencyWindow       time.Duration
	WaitingBonusPerHour float64 // 最早一首未播放请求每等待一小时的加成
	FirstTodayBonus     float64
	BumpBonus           float64 // 每个 bump 令牌的加成
	SubscriberBonus     float64
	Min                 float64
	Max                 float64
}

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		Base:                1.0,
		FulfilledPenalty:    0.25,
		RecencyPenalty:      1.0,
		RecencyWindow:       15 * time.Minute,
		WaitingBonusPerHour: 0.5,
		FirstTodayBonus:     0.5,
		BumpBonus:           0.2,
		SubscriberBonus:     0.5,
		Min:                 0.25,
		Max:                 5.0,
	}
}

// RequesterStats 计算转盘大小所需的点歌人统计
type RequesterStats struct {
	Requester        string
	FulfilledToday   int
	LastFulfilledAt  *time.Time
	OldestRequestAge time.Duration
	Bumps            int
}

// Components 每一项加成/扣除，展示给用户看
type Components struct {
	Base           float64 `json:"base"`
	FulfilledToday float64 `json:"fulfilledToday"`
	Recency        float64 `json:"recency"`
	Waiting        float64 `json:"waiting"`
	FirstToday     float64 `json:"firstToday"`
	Bumps          float64 `json:"bumps"`
	Subscriber     float64 `json:"subscriber"`
}

// Sum 各项之和（未截断）
func (c Components) Sum() float64 {
	return c.Base + c.FulfilledToday + c.Recency + c.Waiting + c.FirstToday + c.Bumps + c.Subscriber
}

// Slice 转盘上的一块
type Slice struct {
	Size       float64    `json:"size"`
	Components Components `json:"components"`
}

// SliceScale 计算单个点歌人的转盘大小：各项先累加，总和再夹到 [w.Min, w.Max]
func SliceScale(stats RequesterStats, isSubscribed bool, now time.Time, w Weights) Slice {
	c := Components{Base: w.Base}

	if stats.FulfilledToday > 0 {
		c.FulfilledToday = -w.FulfilledPenalty * float64(stats.FulfilledToday)
	} else {
		c.FirstToday = w.FirstTodayBonus
	}

	if stats.LastFulfilledAt != nil && w.RecencyWindow > 0 {
		elapsed := now.Sub(*stats.LastFulfilledAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < w.RecencyWindow {
			remaining := 1 - float64(elapsed)/float64(w.RecencyWindow)
			c.Recency = -w.RecencyPenalty * remaining
		}
	}

	if stats.OldestRequestAge > 0 {
		c.Waiting = w.WaitingBonusPerHour * stats.OldestRequestAge.Hours()
	}

	if stats.Bumps > 0 {
		c.Bumps = w.BumpBonus * float64(stats.Bumps)
	}

	if isSubscribed {
		c.Subscriber = w.SubscriberBonus
	}

	return Slice{
		Size:       clamp(c.Sum(), w.Min, w.Max),
		Components: c,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
