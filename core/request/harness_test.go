package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"StemFM/config"
	"StemFM/db"
	"StemFM/model"
	"StemFM/repository"
	"StemFM/transport"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type recordedMessage struct {
	Queue   string
	Payload json.RawMessage
}

// fakeTransport 记录发布的消息，由测试代替 worker 决定何时投递
type fakeTransport struct {
	mu        sync.Mutex
	messages  []recordedMessage
	failQueue string
	seq       int
}

func (f *fakeTransport) Declare(ctx context.Context, queues ...string) error { return nil }

func (f *fakeTransport) Publish(ctx context.Context, queue string, payload interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue == f.failQueue {
		return "", errors.New("broker unavailable")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.seq++
	f.messages = append(f.messages, recordedMessage{Queue: queue, Payload: raw})
	return fmt.Sprintf("msg-%d", f.seq), nil
}

func (f *fakeTransport) Listen(ctx context.Context, queue string, h transport.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// take 取出 queue 上属于请求 id 的消息
func (f *fakeTransport) take(queue string, id int64) []recordedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out, rest []recordedMessage
	for _, m := range f.messages {
		if m.Queue == queue && transport.PeekID(m.Payload) == id {
			out = append(out, m)
		} else {
			rest = append(rest, m)
		}
	}
	f.messages = rest
	return out
}

func (f *fakeTransport) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.Queue == queue {
			n++
		}
	}
	return n
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	added   []int64
	removed []int64
}

func (b *fakeBroadcaster) RequestAdded(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, id)
}

func (b *fakeBroadcaster) RequestRemoved(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, id)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]int64
}

func (c *fakeCache) Get(ctx context.Context, normalized string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.data[normalized]
	return id, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, normalized string, songID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[normalized] = songID
	return nil
}

type fakeArtifacts struct {
	missing map[string]bool
}

func (a fakeArtifacts) StemsExist(ctx context.Context, stemsPath string) (bool, error) {
	return !a.missing[stemsPath], nil
}

type callbackLog struct {
	mu        sync.Mutex
	successes map[int64][]string
	failures  map[int64][]ErrorCode
}

func (l *callbackLog) onSuccess(id int64, title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes[id] = append(l.successes[id], title)
}

func (l *callbackLog) onFailure(id int64, code ErrorCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[id] = append(l.failures[id], code)
}

type harness struct {
	o       *Orchestrator
	store   *repository.Store
	tr      *fakeTransport
	bc      *fakeBroadcaster
	clock   *testClock
	tuning  *config.Tuning
	results *callbackLog
}

type harnessOption func(*harness, *Options)

func withCache(c QueryCache) harnessOption {
	return func(h *harness, o *Options) { o.Cache = c }
}

func withArtifacts(a ArtifactChecker) harnessOption {
	return func(h *harness, o *Options) { o.Artifacts = a }
}

func newHarness(t *testing.T, mutate func(*config.Tuning), opts ...harnessOption) *harness {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}

	tuning := config.DefaultTuning()
	tuning.Queue.MaxActivePerRequester = 0
	tuning.Queue.SubmitIntervalSeconds = 0
	if mutate != nil {
		mutate(tuning)
	}

	h := &harness{
		store:  repository.NewStore(gdb),
		tr:     &fakeTransport{},
		bc:     &fakeBroadcaster{},
		clock:  &testClock{now: t0},
		tuning: tuning,
		results: &callbackLog{
			successes: make(map[int64][]string),
			failures:  make(map[int64][]ErrorCode),
		},
	}
	o := Options{
		Store:       h.store,
		Transport:   h.tr,
		Broadcaster: h.bc,
		Tuning:      config.StaticTuning{T: tuning},
		Now:         h.clock.Now,
	}
	for _, opt := range opts {
		opt(h, &o)
	}
	h.o, err = New(o)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func (h *harness) submit(t *testing.T, requester, query string) int64 {
	t.Helper()
	id, err := h.submitErr(requester, query)
	if err != nil {
		t.Fatalf("Submit(%q, %q) failed: %v", requester, query, err)
	}
	return id
}

func (h *harness) submitErr(requester, query string) (int64, error) {
	opts := SubmitOptions{OnSuccess: h.results.onSuccess, OnFailure: h.results.onFailure}
	if requester != "" {
		r := requester
		opts.Requester = &r
	}
	return h.o.Submit(context.Background(), query, opts)
}

// download 模拟下载 worker：消费 request_created，回报 request_downloaded
func (h *harness) download(t *testing.T, id int64, p transport.DownloadedPayload) {
	t.Helper()
	if msgs := h.tr.take(transport.QueueRequestCreated, id); len(msgs) != 1 {
		t.Fatalf("request %d: expected 1 request_created message, got %d", id, len(msgs))
	}
	p.ID = id
	if p.Path == "" {
		p.Path = fmt.Sprintf("/downloads/%d.mp3", id)
	}
	if p.Title == "" {
		p.Title = "Untitled"
	}
	if err := h.o.OnDownloaded(context.Background(), &p); err != nil {
		t.Fatalf("OnDownloaded(%d) failed: %v", id, err)
	}
}

// separate 模拟分轨 worker：消费 request_separate，回报 request_complete
func (h *harness) separate(t *testing.T, id int64, stems string) {
	t.Helper()
	msgs := h.tr.take(transport.QueueRequestSeparate, id)
	if len(msgs) != 1 {
		t.Fatalf("request %d: expected 1 request_separate message, got %d", id, len(msgs))
	}
	var d transport.DownloadedPayload
	if err := json.Unmarshal(msgs[0].Payload, &d); err != nil {
		t.Fatalf("bad request_separate payload: %v", err)
	}
	h.tr.mu.Lock()
	h.tr.messages = append(h.tr.messages, recordedMessage{
		Queue: transport.QueueRequestComplete,
		Payload: mustJSON(t, transport.CompletePayload{
			ID: id, DownloadPath: d.Path, StemsPath: stems, Artist: d.Artist, Title: d.Title,
			Album: d.Album, Track: d.Track, Duration: d.Duration, AcoustidRecordingID: d.AcoustidRecordingID,
		}),
	})
	h.tr.mu.Unlock()
	h.deliverComplete(t, id)
}

// deliverComplete 投递 request_complete 上属于 id 的消息
func (h *harness) deliverComplete(t *testing.T, id int64) {
	t.Helper()
	msgs := h.tr.take(transport.QueueRequestComplete, id)
	if len(msgs) == 0 {
		t.Fatalf("request %d: no request_complete message", id)
	}
	for _, m := range msgs {
		p, err := transport.DecodeComplete(&transport.Envelope{Queue: m.Queue, Payload: m.Payload})
		if err != nil {
			t.Fatalf("DecodeComplete failed: %v", err)
		}
		if err := h.o.OnComplete(context.Background(), p); err != nil {
			t.Fatalf("OnComplete(%d) failed: %v", id, err)
		}
	}
}

// process 完整走一遍 下载 → 分轨 → 完成
func (h *harness) process(t *testing.T, id int64, stems string, duration float64) {
	t.Helper()
	h.download(t, id, transport.DownloadedPayload{Title: stems, Artist: "Artist", Duration: duration})
	h.separate(t, id, stems)
}

func (h *harness) get(t *testing.T, id int64) *model.SongRequest {
	t.Helper()
	req, err := h.store.Requests.GetByID(context.Background(), id)
	if err != nil || req == nil {
		t.Fatalf("GetByID(%d) = %v, %v", id, req, err)
	}
	return req
}

func (h *harness) songCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.Songs.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	return raw
}
