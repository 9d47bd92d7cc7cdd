package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"StemFM/db"
	"StemFM/model"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return NewStore(gdb)
}

func strPtr(s string) *string { return &s }

func insertRequest(t *testing.T, s *Store, requester string, status model.RequestStatus, at time.Time) *model.SongRequest {
	t.Helper()
	req := &model.SongRequest{
		CreatedAt:          at,
		EffectiveCreatedAt: at,
		Query:              "some song",
		NormalizedQuery:    "some song",
		Status:             status,
	}
	if requester != "" {
		req.Requester = strPtr(requester)
	}
	if err := s.Requests.Create(context.Background(), req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return req
}

func insertSong(t *testing.T, s *Store, stems string) *model.Song {
	t.Helper()
	song, _, err := s.Songs.ResolveOrCreate(context.Background(), &model.Song{Title: stems, StemsPath: stems})
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	return song
}

func TestTransitionOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0)

	if err := s.Requests.Transition(ctx, req.ID, model.RequestStatusPlaying, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing -> playing: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Requests.Transition(ctx, req.ID, model.RequestStatusReady, nil); err != nil {
		t.Fatalf("processing -> ready failed: %v", err)
	}
	if err := s.Requests.Transition(ctx, req.ID, model.RequestStatusReady, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ready -> ready: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Requests.Transition(ctx, req.ID, model.RequestStatusPlaying, nil); err != nil {
		t.Fatalf("ready -> playing failed: %v", err)
	}
	if err := s.Requests.Transition(ctx, req.ID, model.RequestStatusFulfilled, map[string]interface{}{"fulfilled_at": t0}); err != nil {
		t.Fatalf("playing -> fulfilled failed: %v", err)
	}
	if err := s.Requests.Cancel(ctx, req.ID, "GENERIC", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fulfilled -> cancelled: expected ErrInvalidTransition, got %v", err)
	}

	got, err := s.Requests.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != model.RequestStatusFulfilled || got.FulfilledAt == nil {
		t.Fatalf("unexpected final row: status=%s fulfilledAt=%v", got.Status, got.FulfilledAt)
	}
}

func TestTransitionUnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.Requests.Transition(context.Background(), 999, model.RequestStatusReady, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadyUnlessDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	song := insertSong(t, s, "/stems/a")
	first := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0)
	second := insertRequest(t, s, "bob", model.RequestStatusProcessing, t0.Add(time.Minute))

	ok, err := s.Requests.MarkReadyUnlessDuplicate(ctx, first.ID, song.ID, t0)
	if err != nil || !ok {
		t.Fatalf("first MarkReadyUnlessDuplicate = %v, %v; want true", ok, err)
	}
	ok, err = s.Requests.MarkReadyUnlessDuplicate(ctx, second.ID, song.ID, t0)
	if err != nil {
		t.Fatalf("second MarkReadyUnlessDuplicate failed: %v", err)
	}
	if ok {
		t.Fatal("second request must not become ready while the first holds the song")
	}
	// 重复投递同一完成消息
	ok, err = s.Requests.MarkReadyUnlessDuplicate(ctx, first.ID, song.ID, t0)
	if err != nil || ok {
		t.Fatalf("redelivered MarkReadyUnlessDuplicate = %v, %v; want false", ok, err)
	}

	// 第一条播放后，同一首歌可以再次进入就绪队列
	if err := s.Requests.Transition(ctx, first.ID, model.RequestStatusPlaying, nil); err != nil {
		t.Fatalf("ready -> playing failed: %v", err)
	}
	ok, err = s.Requests.MarkReadyUnlessDuplicate(ctx, second.ID, song.ID, t0)
	if err != nil || !ok {
		t.Fatalf("MarkReadyUnlessDuplicate after playing = %v, %v; want true", ok, err)
	}
}

func TestBumpAgedAndReadyQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := insertRequest(t, s, "alice", model.RequestStatusReady, t0)
	fresh := insertRequest(t, s, "bob", model.RequestStatusReady, t0.Add(50*time.Minute))
	bumped := insertRequest(t, s, "carol", model.RequestStatusReady, t0.Add(55*time.Minute))
	processing := insertRequest(t, s, "dave", model.RequestStatusProcessing, t0)
	if err := s.Requests.SetPriority(ctx, bumped.ID, model.PriorityBumped, true); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}

	now := t0.Add(60 * time.Minute)
	n, err := s.Requests.BumpAged(ctx, now.Add(-40*time.Minute), model.PriorityAged)
	if err != nil {
		t.Fatalf("BumpAged failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("BumpAged touched %d rows, want 1", n)
	}
	n, err = s.Requests.BumpAged(ctx, now.Add(-40*time.Minute), model.PriorityAged)
	if err != nil || n != 0 {
		t.Fatalf("second BumpAged = %d, %v; want 0 rows", n, err)
	}

	queue, err := s.Requests.ReadyQueue(ctx)
	if err != nil {
		t.Fatalf("ReadyQueue failed: %v", err)
	}
	want := []int64{old.ID, bumped.ID, fresh.ID}
	if len(queue) != len(want) {
		t.Fatalf("ReadyQueue returned %d rows, want %d", len(queue), len(want))
	}
	for i, id := range want {
		if queue[i].ID != id {
			t.Fatalf("ReadyQueue[%d] = %d, want %d", i, queue[i].ID, id)
		}
	}

	got, _ := s.Requests.GetByID(ctx, processing.ID)
	if got.Priority != model.PriorityNormal {
		t.Fatalf("processing request was bumped to %d", got.Priority)
	}
}

func TestLastRemovedByRequester(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	removed := insertRequest(t, s, "alice", model.RequestStatusReady, t0)
	if err := s.Requests.Cancel(ctx, removed.ID, model.CancelReasonRemoved, t0.Add(5*time.Minute)); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	errored := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0.Add(time.Minute))
	if err := s.Requests.Cancel(ctx, errored.ID, "TOO_LONG", t0.Add(6*time.Minute)); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, err := s.Requests.LastRemovedByRequester(ctx, "alice", t0)
	if err != nil {
		t.Fatalf("LastRemovedByRequester failed: %v", err)
	}
	if got == nil || got.ID != removed.ID {
		t.Fatalf("LastRemovedByRequester = %+v, want request %d", got, removed.ID)
	}
	if !got.EffectiveCreatedAt.Equal(t0) {
		t.Fatalf("EffectiveCreatedAt = %v, want %v", got.EffectiveCreatedAt, t0)
	}

	got, err = s.Requests.LastRemovedByRequester(ctx, "alice", t0.Add(10*time.Minute))
	if err != nil || got != nil {
		t.Fatalf("LastRemovedByRequester outside window = %+v, %v; want nil", got, err)
	}

	// 锚点被认领后不再返回，且只能认领一次
	claimant := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0)
	ok, err := s.Requests.ClaimAnchor(ctx, removed.ID, claimant.ID)
	if err != nil || !ok {
		t.Fatalf("ClaimAnchor = %v, %v; want true", ok, err)
	}
	if ok, err := s.Requests.ClaimAnchor(ctx, removed.ID, claimant.ID+1); err != nil || ok {
		t.Fatalf("second ClaimAnchor = %v, %v; want false", ok, err)
	}
	got, err = s.Requests.LastRemovedByRequester(ctx, "alice", t0)
	if err != nil || got != nil {
		t.Fatalf("LastRemovedByRequester after claim = %+v, %v; want nil", got, err)
	}

	modRemoved := insertRequest(t, s, "alice", model.RequestStatusReady, t0)
	if err := s.Requests.Cancel(ctx, modRemoved.ID, model.CancelReasonModRemoved, t0.Add(7*time.Minute)); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, err = s.Requests.LastRemovedByRequester(ctx, "alice", t0)
	if err != nil || got != nil {
		t.Fatalf("LastRemovedByRequester after mod removal = %+v, %v; want nil", got, err)
	}
}

func TestResolvedSongIDByQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	song := insertSong(t, s, "/stems/q")

	id, err := s.Requests.ResolvedSongIDByQuery(ctx, "some song")
	if err != nil || id != nil {
		t.Fatalf("ResolvedSongIDByQuery before resolve = %v, %v; want nil", id, err)
	}

	req := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0)
	if _, err := s.Requests.MarkReadyUnlessDuplicate(ctx, req.ID, song.ID, t0); err != nil {
		t.Fatalf("MarkReadyUnlessDuplicate failed: %v", err)
	}
	id, err = s.Requests.ResolvedSongIDByQuery(ctx, "some song")
	if err != nil || id == nil || *id != song.ID {
		t.Fatalf("ResolvedSongIDByQuery = %v, %v; want %d", id, err, song.ID)
	}
}

func TestCancelIfProcessing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	processing := insertRequest(t, s, "alice", model.RequestStatusProcessing, t0)
	ready := insertRequest(t, s, "bob", model.RequestStatusReady, t0)

	ok, err := s.Requests.CancelIfProcessing(ctx, processing.ID, "DOWNLOAD_FAILED", t0, nil)
	if err != nil || !ok {
		t.Fatalf("CancelIfProcessing(processing) = %v, %v; want true", ok, err)
	}
	ok, err = s.Requests.CancelIfProcessing(ctx, ready.ID, "DOWNLOAD_FAILED", t0, nil)
	if err != nil || ok {
		t.Fatalf("CancelIfProcessing(ready) = %v, %v; want false", ok, err)
	}
	got, _ := s.Requests.GetByID(ctx, processing.ID)
	if got.CancelReason != "DOWNLOAD_FAILED" || got.CancelledAt == nil {
		t.Fatalf("unexpected cancelled row: %+v", got)
	}
}
