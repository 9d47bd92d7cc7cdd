package request

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"StemFM/core/weighting"
	"StemFM/model"
)

// Wheel 为每个有就绪请求的点歌人计算转盘大小与各项明细
func (o *Orchestrator) Wheel(ctx context.Context) ([]weighting.Entry, error) {
	now := o.now()
	w := o.tuning.Current().Weights()

	active, err := o.store.Requests.ActiveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active requests: %w", err)
	}

	stats := make(map[string]*weighting.RequesterStats)
	var names []string
	for _, r := range active {
		if r.Requester == nil || r.Status != model.RequestStatusReady {
			continue
		}
		if _, ok := stats[*r.Requester]; !ok {
			stats[*r.Requester] = &weighting.RequesterStats{Requester: *r.Requester}
			names = append(names, *r.Requester)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	// 最早的未完成请求（processing 也算在等待里）
	for _, r := range active {
		if r.Requester == nil {
			continue
		}
		st, ok := stats[*r.Requester]
		if !ok {
			continue
		}
		if age := now.Sub(r.EffectiveCreatedAt); age > st.OldestRequestAge {
			st.OldestRequestAge = age
		}
	}

	dayStart := startOfDay(now)
	since := dayStart
	if recent := now.Add(-w.RecencyWindow); recent.Before(since) {
		since = recent
	}
	fulfilled, err := o.store.Requests.FulfilledSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load fulfilled requests: %w", err)
	}
	for _, r := range fulfilled {
		if r.Requester == nil || r.FulfilledAt == nil {
			continue
		}
		st, ok := stats[*r.Requester]
		if !ok {
			continue
		}
		at := *r.FulfilledAt
		if !at.Before(dayStart) {
			st.FulfilledToday++
		}
		if st.LastFulfilledAt == nil || at.After(*st.LastFulfilledAt) {
			st.LastFulfilledAt = &at
		}
	}

	users, err := o.store.Users.GetByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	entries := make([]weighting.Entry, 0, len(names))
	for _, name := range names {
		st := stats[name]
		subscribed := false
		if u, ok := users[name]; ok {
			st.Bumps = u.Bumps
			subscribed = u.IsSubscriber
		}
		entries = append(entries, weighting.Entry{
			Requester: name,
			Slice:     weighting.SliceScale(*st, subscribed, now, w),
		})
	}
	return weighting.NormalizeChances(entries), nil
}

// SpinWheel 转一次转盘，返回选中的点歌人；没有候选时 ok 为 false
func (o *Orchestrator) SpinWheel(ctx context.Context, rng *rand.Rand) (weighting.Entry, bool, error) {
	entries, err := o.Wheel(ctx)
	if err != nil {
		return weighting.Entry{}, false, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(o.now().UnixNano()))
	}
	entry, ok := weighting.Spin(entries, rng)
	return entry, ok, nil
}

// startOfDay UTC 零点
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
