package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"StemFM/config"
	"StemFM/model"
	"StemFM/transport"
)

func TestSubmitToReady(t *testing.T) {
	h := newHarness(t, nil)
	id := h.submit(t, "alice", "Never Gonna Give You Up")

	req := h.get(t, id)
	if req.Status != model.RequestStatusProcessing {
		t.Fatalf("status after submit = %s, want processing", req.Status)
	}
	if req.NormalizedQuery != "never gonna give you up" {
		t.Fatalf("NormalizedQuery = %q", req.NormalizedQuery)
	}
	if !req.EffectiveCreatedAt.Equal(t0) {
		t.Fatalf("EffectiveCreatedAt = %v, want %v", req.EffectiveCreatedAt, t0)
	}

	h.process(t, id, "/stems/rick", 213)

	req = h.get(t, id)
	if req.Status != model.RequestStatusReady || req.SongID == nil {
		t.Fatalf("request after completion: status=%s songId=%v", req.Status, req.SongID)
	}
	if got := h.results.successes[id]; len(got) != 1 || got[0] != "Artist - /stems/rick" {
		t.Fatalf("success callbacks = %v", got)
	}
	if len(h.bc.added) != 1 || h.bc.added[0] != id {
		t.Fatalf("request_added broadcasts = %v", h.bc.added)
	}
	if h.o.PendingCallbacks() != 0 {
		t.Fatalf("callbacks still registered: %d", h.o.PendingCallbacks())
	}
}

func TestSubmitPolicyErrors(t *testing.T) {
	tests := map[string]struct {
		query string
		code  ErrorCode
	}{
		"Will reject a query that is too short": {query: "ab", code: CodeMinimumQueryLength},
		"Will reject a youtube playlist":        {query: "https://www.youtube.com/playlist?list=PL1234", code: CodeNoPlaylists},
		"Will reject a spotify album":           {query: "https://open.spotify.com/album/4aawyAB9vmqN3uQ7FjRGTy", code: CodeNoPlaylists},
		"Will reject other sites":               {query: "https://soundcloud.com/someone/track", code: CodeUnsupportedDomain},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			_, err := h.submitErr("alice", test.query)
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected *RequestError, got %v", err)
			}
			if reqErr.Code != test.code {
				t.Fatalf("code = %s, want %s", reqErr.Code, test.code)
			}
			recent, _ := h.store.Requests.ListRecent(context.Background(), 10)
			if len(recent) != 0 {
				t.Fatalf("policy error inserted %d rows", len(recent))
			}
		})
	}
}

func TestSubmitActiveLimit(t *testing.T) {
	h := newHarness(t, func(tu *config.Tuning) { tu.Queue.MaxActivePerRequester = 1 })

	h.submit(t, "alice", "first song")
	_, err := h.submitErr("alice", "second song")
	if CodeOf(err) != CodeTooManyRequests {
		t.Fatalf("second submit err = %v, want TOO_MANY_REQUESTS", err)
	}
	// 内部请求不受限制
	if _, err := h.submitErr("", "internal one"); err != nil {
		t.Fatalf("internal submit failed: %v", err)
	}
	if _, err := h.submitErr("", "internal two"); err != nil {
		t.Fatalf("internal submit failed: %v", err)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	h := newHarness(t, func(tu *config.Tuning) {
		tu.Queue.SubmitIntervalSeconds = 60
		tu.Queue.SubmitBurst = 1
	})

	h.submit(t, "alice", "first song")
	if _, err := h.submitErr("alice", "second song"); CodeOf(err) != CodeTooManyRequests {
		t.Fatalf("second submit err = %v, want TOO_MANY_REQUESTS", err)
	}
	h.clock.Advance(61 * time.Second)
	h.submit(t, "alice", "third song")
}

func TestSubmitPublishFailureCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.failQueue = transport.QueueRequestCreated

	if _, err := h.submitErr("alice", "some song"); err == nil {
		t.Fatal("expected error when the transport is down")
	}
	recent, err := h.store.Requests.ListRecent(context.Background(), 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("ListRecent = %v, %v", recent, err)
	}
	if recent[0].Status != model.RequestStatusCancelled || recent[0].CancelReason != string(CodeGeneric) {
		t.Fatalf("undispatched request: status=%s reason=%s", recent[0].Status, recent[0].CancelReason)
	}
	if h.o.PendingCallbacks() != 0 {
		t.Fatal("callbacks left registered for undispatched request")
	}
}

func TestConcurrentDuplicateCancelsSecond(t *testing.T) {
	h := newHarness(t, nil)
	first := h.submit(t, "alice", "Song A")
	second := h.submit(t, "bob", "song a")

	h.process(t, first, "/stems/song-a", 180)
	h.process(t, second, "/stems/song-a", 180)

	a, b := h.get(t, first), h.get(t, second)
	if a.Status != model.RequestStatusReady {
		t.Fatalf("first status = %s, want ready", a.Status)
	}
	if b.Status != model.RequestStatusCancelled || b.CancelReason != string(CodeRequestAlreadyExists) {
		t.Fatalf("second: status=%s reason=%s", b.Status, b.CancelReason)
	}
	if b.SongID == nil || *b.SongID != *a.SongID {
		t.Fatalf("second songId = %v, want %d", b.SongID, *a.SongID)
	}
	if n := h.songCount(t); n != 1 {
		t.Fatalf("song rows = %d, want 1", n)
	}
	if got := h.results.failures[second]; len(got) != 1 || got[0] != CodeRequestAlreadyExists {
		t.Fatalf("failure callbacks = %v", got)
	}

	queue, _ := h.o.ReadyQueue(context.Background())
	if len(queue) != 1 || queue[0].ID != first {
		t.Fatalf("ready queue = %v", queue)
	}
}

func TestSubmitTimeDedupUsesCompletionPath(t *testing.T) {
	cache := &fakeCache{data: make(map[string]int64)}
	h := newHarness(t, nil, withCache(cache))
	ctx := context.Background()

	first := h.submit(t, "alice", "Song A")
	h.process(t, first, "/stems/song-a", 180)
	songID := *h.get(t, first).SongID
	if cached, ok, _ := cache.Get(ctx, "song a"); !ok || cached != songID {
		t.Fatalf("query cache = %d, %v; want %d", cached, ok, songID)
	}

	// 同一首歌仍在就绪队列：走完成路径后以 REQUEST_ALREADY_EXISTS 取消
	second := h.submit(t, "bob", "  SONG   a ")
	if n := h.tr.count(transport.QueueRequestCreated); n != 0 {
		t.Fatalf("dedup hit still published %d request_created messages", n)
	}
	h.deliverComplete(t, second)
	if got := h.get(t, second); got.CancelReason != string(CodeRequestAlreadyExists) {
		t.Fatalf("second: status=%s reason=%s", got.Status, got.CancelReason)
	}

	// 第一首播完后再点，直接复用已有歌曲
	if err := h.o.MarkPlaying(ctx, first); err != nil {
		t.Fatalf("MarkPlaying failed: %v", err)
	}
	if err := h.o.MarkFulfilled(ctx, first); err != nil {
		t.Fatalf("MarkFulfilled failed: %v", err)
	}
	third := h.submit(t, "carol", "song a")
	h.deliverComplete(t, third)
	got := h.get(t, third)
	if got.Status != model.RequestStatusReady || got.SongID == nil || *got.SongID != songID {
		t.Fatalf("third: status=%s songId=%v, want ready with %d", got.Status, got.SongID, songID)
	}
	if n := h.songCount(t); n != 1 {
		t.Fatalf("song rows = %d, want 1", n)
	}
}

func TestFingerprintDedup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.submit(t, "alice", "song a original")
	h.download(t, first, transport.DownloadedPayload{Title: "Song A", Duration: 200, AcoustidRecordingID: "rec-a"})
	h.separate(t, first, "/stems/song-a")
	if err := h.o.MarkPlaying(ctx, first); err != nil {
		t.Fatalf("MarkPlaying failed: %v", err)
	}

	second := h.submit(t, "bob", "song a live version")
	h.download(t, second, transport.DownloadedPayload{Title: "Song A (live)", Duration: 200, AcoustidRecordingID: "rec-a"})
	if n := h.tr.count(transport.QueueRequestSeparate); n != 0 {
		t.Fatalf("fingerprint match still sent %d separation jobs", n)
	}
	h.deliverComplete(t, second)

	a, b := h.get(t, first), h.get(t, second)
	if b.Status != model.RequestStatusReady || *b.SongID != *a.SongID {
		t.Fatalf("second: status=%s songId=%v, want ready with %d", b.Status, b.SongID, *a.SongID)
	}
	dl, err := h.store.Songs.DownloadByPath(ctx, "/downloads/2.mp3")
	if err != nil || dl == nil || dl.SongID == nil || *dl.SongID != *a.SongID {
		t.Fatalf("new download = %+v, %v", dl, err)
	}
}

func TestTooLongCancelsWithoutSong(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.o.Submit(context.Background(), "long song", SubmitOptions{
		Requester:   strPtr("alice"),
		MaxDuration: 300,
		OnFailure:   h.results.onFailure,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.download(t, id, transport.DownloadedPayload{Title: "Long", Duration: 400})

	req := h.get(t, id)
	if req.Status != model.RequestStatusCancelled || req.CancelReason != string(CodeTooLong) {
		t.Fatalf("status=%s reason=%s, want cancelled TOO_LONG", req.Status, req.CancelReason)
	}
	if n := h.songCount(t); n != 0 {
		t.Fatalf("song rows = %d, want 0", n)
	}
	if h.tr.count(transport.QueueRequestSeparate) != 0 {
		t.Fatal("too-long request was forwarded to separation")
	}
	if got := h.results.failures[id]; len(got) != 1 || got[0] != CodeTooLong {
		t.Fatalf("failure callbacks = %v", got)
	}
}

func TestLongSongTokenAllowsLongSong(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.store.Users.GrantLongSongs(ctx, "alice", 1); err != nil {
		t.Fatalf("GrantLongSongs failed: %v", err)
	}
	id, err := h.o.Submit(ctx, "long song", SubmitOptions{Requester: strPtr("alice"), MaxDuration: 300})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.process(t, id, "/stems/long", 400)

	if got := h.get(t, id); got.Status != model.RequestStatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	user, _ := h.store.Users.GetByName(ctx, "alice")
	if user.LongSongs != 0 {
		t.Fatalf("LongSongs = %d, want 0", user.LongSongs)
	}
}

func TestMissingStemsIsDemucsFailure(t *testing.T) {
	h := newHarness(t, nil, withArtifacts(fakeArtifacts{missing: map[string]bool{"/stems/broken": true}}))
	id := h.submit(t, "alice", "broken song")
	h.process(t, id, "/stems/broken", 100)

	req := h.get(t, id)
	if req.CancelReason != string(CodeDemucsFailure) {
		t.Fatalf("status=%s reason=%s, want DEMUCS_FAILURE", req.Status, req.CancelReason)
	}
	if n := h.songCount(t); n != 0 {
		t.Fatalf("song rows = %d, want 0", n)
	}
}

func TestAutoBumpOnReadyTransition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	old := h.submit(t, "alice", "old song")
	h.process(t, old, "/stems/old", 100)

	h.clock.Advance(41 * time.Minute)
	fresh := h.submit(t, "bob", "fresh song")
	if got := h.get(t, old); got.Priority != model.PriorityNormal {
		t.Fatalf("bumped before any ready transition: priority=%d", got.Priority)
	}
	h.process(t, fresh, "/stems/fresh", 100)

	if got := h.get(t, old); got.Priority != model.PriorityAged {
		t.Fatalf("old priority = %d, want %d", got.Priority, model.PriorityAged)
	}
	if got := h.get(t, fresh); got.Priority != model.PriorityNormal {
		t.Fatalf("fresh priority = %d, want %d", got.Priority, model.PriorityNormal)
	}
	queue, _ := h.o.ReadyQueue(ctx)
	if len(queue) != 2 || queue[0].ID != old {
		t.Fatalf("ready queue order wrong: %v", queue)
	}
}

func TestOnErrorIsTerminalAndOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.store.Users.GrantBumps(ctx, "alice", 1); err != nil {
		t.Fatalf("GrantBumps failed: %v", err)
	}
	id := h.submit(t, "alice", "doomed song")
	if err := h.o.Bump(ctx, "alice", 1, id); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	if err := h.o.OnError(ctx, &transport.ErrorPayload{ID: id, ErrorMessage: "yt-dlp segfault"}); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}
	if err := h.o.OnError(ctx, &transport.ErrorPayload{ID: id, ErrorMessage: "VIDEO_UNAVAILABLE"}); err != nil {
		t.Fatalf("second OnError failed: %v", err)
	}

	req := h.get(t, id)
	if req.Status != model.RequestStatusCancelled || req.CancelReason != string(CodeGeneric) {
		t.Fatalf("status=%s reason=%s, want cancelled GENERIC", req.Status, req.CancelReason)
	}
	if got := h.results.failures[id]; len(got) != 1 || got[0] != CodeGeneric {
		t.Fatalf("failure callbacks = %v", got)
	}
	user, _ := h.store.Users.GetByName(ctx, "alice")
	if user.Bumps != 1 {
		t.Fatalf("bump token not refunded: bumps=%d", user.Bumps)
	}
}

func TestLateErrorDoesNotCancelReady(t *testing.T) {
	h := newHarness(t, nil)
	id := h.submit(t, "alice", "fine song")
	h.process(t, id, "/stems/fine", 100)

	if err := h.o.OnError(context.Background(), &transport.ErrorPayload{ID: id, ErrorMessage: "DOWNLOAD_FAILED"}); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}
	if got := h.get(t, id); got.Status != model.RequestStatusReady {
		t.Fatalf("late error moved ready request to %s", got.Status)
	}
}

func TestRedeliveredCompletionIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	id := h.submit(t, "alice", "twice song")
	h.download(t, id, transport.DownloadedPayload{Title: "Twice", Duration: 100})

	msgs := h.tr.take(transport.QueueRequestSeparate, id)
	if len(msgs) != 1 {
		t.Fatalf("expected one separation job, got %d", len(msgs))
	}
	p := &transport.CompletePayload{ID: id, DownloadPath: "/downloads/1.mp3", StemsPath: "/stems/twice", Title: "Twice", Duration: 100}
	for i := 0; i < 2; i++ {
		if err := h.o.OnComplete(context.Background(), p); err != nil {
			t.Fatalf("OnComplete #%d failed: %v", i+1, err)
		}
	}
	if got := h.get(t, id); got.Status != model.RequestStatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	if len(h.results.successes[id]) != 1 || len(h.bc.added) != 1 {
		t.Fatalf("redelivery fired side effects twice: callbacks=%v broadcasts=%v", h.results.successes[id], h.bc.added)
	}
}

func TestMarkPlayingAllowsOnlyOne(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.submit(t, "alice", "song one")
	b := h.submit(t, "bob", "song two")
	h.process(t, a, "/stems/one", 100)
	h.process(t, b, "/stems/two", 100)

	if err := h.o.MarkPlaying(ctx, a); err != nil {
		t.Fatalf("MarkPlaying(a) failed: %v", err)
	}
	if err := h.o.MarkPlaying(ctx, b); !errors.Is(err, ErrAlreadyPlaying) {
		t.Fatalf("MarkPlaying(b) err = %v, want ErrAlreadyPlaying", err)
	}
	if err := h.o.MarkFulfilled(ctx, b); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MarkFulfilled(ready) err = %v, want ErrInvalidState", err)
	}
	if err := h.o.MarkFulfilled(ctx, a); err != nil {
		t.Fatalf("MarkFulfilled(a) failed: %v", err)
	}
	if err := h.o.MarkPlaying(ctx, b); err != nil {
		t.Fatalf("MarkPlaying(b) after fulfil failed: %v", err)
	}
	if got := h.get(t, a); got.FulfilledAt == nil {
		t.Fatal("FulfilledAt not set")
	}
}

func strPtr(s string) *string { return &s }
