package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"StemFM/core/weighting"
	"StemFM/logger"
	"StemFM/model"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

const (
	sliceFloor   = 0.25
	sliceCeiling = 5.0
)

// Tuning 队列与转盘的可调参数，来自 tuning.toml，可热加载
type Tuning struct {
	Queue QueueTuning `toml:"queue"`
	Slice SliceTuning `toml:"slice"`
}

// QueueTuning 点歌队列参数
type QueueTuning struct {
	BumpAgeMinutes         int `toml:"bump_age_minutes"`
	BumpPriority           int `toml:"bump_priority"`
	MaxActivePerRequester  int `toml:"max_active_per_requester"`
	MinQueryLength         int `toml:"min_query_length"`
	SubmitIntervalSeconds  int `toml:"submit_interval_seconds"`
	SubmitBurst            int `toml:"submit_burst"`
	ReRequestWindowMinutes int `toml:"rerequest_window_minutes"`
	DefaultMaxDuration     int `toml:"default_max_duration"` // 秒，0 表示不限制
	DefaultMinViews        int `toml:"default_min_views"`
}

// SliceTuning 转盘权重参数
type SliceTuning struct {
	Base                 float64 `toml:"base"`
	FulfilledPenalty     float64 `toml:"fulfilled_penalty"`
	RecencyPenalty       float64 `toml:"recency_penalty"`
	RecencyWindowMinutes int     `toml:"recency_window_minutes"`
	WaitingBonusPerHour  float64 `toml:"waiting_bonus_per_hour"`
	FirstTodayBonus      float64 `toml:"first_today_bonus"`
	BumpBonus            float64 `toml:"bump_bonus"`
	SubscriberBonus      float64 `toml:"subscriber_bonus"`
	Min                  float64 `toml:"min"`
	Max                  float64 `toml:"max"`
}

// DefaultTuning 默认参数
func DefaultTuning() *Tuning {
	w := weighting.DefaultWeights()
	return &Tuning{
		Queue: QueueTuning{
			BumpAgeMinutes:         40,
			BumpPriority:           2,
			MaxActivePerRequester:  1,
			MinQueryLength:         3,
			SubmitIntervalSeconds:  10,
			SubmitBurst:            2,
			ReRequestWindowMinutes: 10,
			DefaultMaxDuration:     600,
			DefaultMinViews:        0,
		},
		Slice: SliceTuning{
			Base:                 w.Base,
			FulfilledPenalty:     w.FulfilledPenalty,
			RecencyPenalty:       w.RecencyPenalty,
			RecencyWindowMinutes: int(w.RecencyWindow / time.Minute),
			WaitingBonusPerHour:  w.WaitingBonusPerHour,
			FirstTodayBonus:      w.FirstTodayBonus,
			BumpBonus:            w.BumpBonus,
			SubscriberBonus:      w.SubscriberBonus,
			Min:                  w.Min,
			Max:                  w.Max,
		},
	}
}

// BumpAge 自动提权的等待阈值
func (t *Tuning) BumpAge() time.Duration {
	return time.Duration(t.Queue.BumpAgeMinutes) * time.Minute
}

// ReRequestWindow 移除后重新点歌仍沿用原排队时间的窗口
func (t *Tuning) ReRequestWindow() time.Duration {
	return time.Duration(t.Queue.ReRequestWindowMinutes) * time.Minute
}

// SubmitInterval 单个点歌人的提交间隔
func (t *Tuning) SubmitInterval() time.Duration {
	return time.Duration(t.Queue.SubmitIntervalSeconds) * time.Second
}

// Weights 转换为权重引擎参数
func (t *Tuning) Weights() weighting.Weights {
	return weighting.Weights{
		Base:                t.Slice.Base,
		FulfilledPenalty:    t.Slice.FulfilledPenalty,
		RecencyPenalty:      t.Slice.RecencyPenalty,
		RecencyWindow:       time.Duration(t.Slice.RecencyWindowMinutes) * time.Minute,
		WaitingBonusPerHour: t.Slice.WaitingBonusPerHour,
		FirstTodayBonus:     t.Slice.FirstTodayBonus,
		BumpBonus:           t.Slice.BumpBonus,
		SubscriberBonus:     t.Slice.SubscriberBonus,
		Min:                 t.Slice.Min,
		Max:                 t.Slice.Max,
	}
}

func (t *Tuning) validate() error {
	if t.Queue.BumpAgeMinutes <= 0 {
		return fmt.Errorf("queue.bump_age_minutes must be positive")
	}
	if t.Queue.MinQueryLength < 0 {
		return fmt.Errorf("queue.min_query_length must not be negative")
	}
	if t.Queue.BumpPriority < model.PriorityAged {
		return fmt.Errorf("queue.bump_priority must be at least %d", model.PriorityAged)
	}
	// 转盘大小的上下限固定在 [0.25, 5.0] 之内
	if t.Slice.Min < sliceFloor || t.Slice.Max > sliceCeiling || t.Slice.Max < t.Slice.Min {
		return fmt.Errorf("slice.min/slice.max out of range [%v, %v]: %v/%v",
			sliceFloor, sliceCeiling, t.Slice.Min, t.Slice.Max)
	}
	// 负的惩罚或加成会破坏单调性
	nonNegative := map[string]float64{
		"slice.base":                   t.Slice.Base,
		"slice.fulfilled_penalty":      t.Slice.FulfilledPenalty,
		"slice.recency_penalty":        t.Slice.RecencyPenalty,
		"slice.waiting_bonus_per_hour": t.Slice.WaitingBonusPerHour,
		"slice.first_today_bonus":      t.Slice.FirstTodayBonus,
		"slice.bump_bonus":             t.Slice.BumpBonus,
		"slice.subscriber_bonus":       t.Slice.SubscriberBonus,
	}
	for key, v := range nonNegative {
		if v < 0 {
			return fmt.Errorf("%s must not be negative: %v", key, v)
		}
	}
	if t.Slice.RecencyWindowMinutes < 0 {
		return fmt.Errorf("slice.recency_window_minutes must not be negative")
	}
	return nil
}

// LoadTuning 读取 tuning 文件，缺失的字段保持默认值；文件不存在时返回默认参数
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	if err := toml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return t, nil
}

// TuningSource 提供当前生效的参数
type TuningSource interface {
	Current() *Tuning
}

// StaticTuning 固定参数
type StaticTuning struct {
	T *Tuning
}

// Current 固定参数
func (s StaticTuning) Current() *Tuning {
	return s.T
}

// TuningWatcher 监听 tuning 文件变化并热加载
type TuningWatcher struct {
	path    string
	current atomic.Pointer[Tuning]
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTuningWatcher 加载 tuning 文件并开始监听其所在目录
func NewTuningWatcher(path string) (*TuningWatcher, error) {
	t, err := LoadTuning(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create tuning watcher: %w", err)
	}
	// 监听目录而不是文件：编辑器保存时常常是 rename 替换
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	tw := &TuningWatcher{
		path:    filepath.Clean(path),
		watcher: w,
		done:    make(chan struct{}),
	}
	tw.current.Store(t)

	tw.wg.Add(1)
	go tw.loop()
	return tw, nil
}

// Current 最近一次成功加载的参数
func (tw *TuningWatcher) Current() *Tuning {
	return tw.current.Load()
}

// Close 停止监听
func (tw *TuningWatcher) Close() error {
	close(tw.done)
	err := tw.watcher.Close()
	tw.wg.Wait()
	return err
}

func (tw *TuningWatcher) loop() {
	defer tw.wg.Done()
	for {
		select {
		case <-tw.done:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			tw.reload()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("tuning watcher error", logger.ErrorField(err))
		}
	}
}

func (tw *TuningWatcher) reload() {
	t, err := LoadTuning(tw.path)
	if err != nil {
		// 保留旧参数
		logger.Error("failed to reload tuning, keeping previous values",
			logger.String("path", tw.path),
			logger.ErrorField(err))
		return
	}
	tw.current.Store(t)
	logger.Info("tuning reloaded",
		logger.String("path", tw.path),
		logger.Int("bumpAgeMinutes", t.Queue.BumpAgeMinutes),
		logger.Int("maxActivePerRequester", t.Queue.MaxActivePerRequester))
}
