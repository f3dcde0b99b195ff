package stations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
	"github.com/cyborgflashtime/MusareNode/internal/events"
	"github.com/cyborgflashtime/MusareNode/internal/fanout"
	"github.com/cyborgflashtime/MusareNode/internal/keyexpiry"
	"github.com/cyborgflashtime/MusareNode/internal/notifications"
	"github.com/cyborgflashtime/MusareNode/internal/store"
)

type testEnv struct {
	mgr   *Manager
	store store.DocumentStore
	bus   *fanout.Memory
	clk   *clock.Mock
}

func newTestEnv(t *testing.T, st store.DocumentStore) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	clk := clock.NewMock(time.Unix(1_700_000_000, 0))
	bus := fanout.NewMemory()
	sched := notifications.New(keyexpiry.NewMemory())
	return &testEnv{
		mgr:   NewManager(st, cache.NewMemory(), bus, sched, clk),
		store: st,
		bus:   bus,
		clk:   clk,
	}
}

func song(id string, duration time.Duration) Song {
	return Song{ID: id, Title: id, Duration: duration.Milliseconds()}
}

// seed persists a community party station already playing "first" with
// "second" queued, songs running 3 minutes each.
func (e *testEnv) seed(t *testing.T) Station {
	t.Helper()
	playing := song("first", 3*time.Minute)
	st := Station{
		ID:          "lofi",
		Type:        TypeCommunity,
		DisplayName: "Lofi",
		Privacy:     PrivacyPublic,
		Owner:       "owner1",
		PartyMode:   true,
		CurrentSong: &playing,
		StartedAt:   e.clk.Now().UnixMilli(),
		Queue:       []Song{song("second", 3*time.Minute)},
	}
	if err := e.store.Insert(context.Background(), Collection, st); err != nil {
		t.Fatalf("seed station: %v", err)
	}
	return st
}

func (e *testEnv) reload(t *testing.T, id string) Station {
	t.Helper()
	var st Station
	if err := e.store.FindOne(context.Background(), Collection, store.Filter{"_id": id}, &st); err != nil {
		t.Fatalf("reload station %s: %v", id, err)
	}
	return st
}

func TestVoteSkipOncePerUser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	ctx := context.Background()

	if _, err := env.mgr.VoteSkip(ctx, "lofi", "alice"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := env.mgr.VoteSkip(ctx, "lofi", "alice"); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("second vote err = %v, want ErrAlreadyVoted", err)
	}

	st := env.reload(t, "lofi")
	if got := len(st.CurrentSong.SkipVotes); got != 1 {
		t.Fatalf("skip votes = %d, want 1", got)
	}
}

func TestVoteSkipThresholdAdvances(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := env.mgr.VoteSkip(ctx, "lofi", user); err != nil {
			t.Fatalf("vote by %s: %v", user, err)
		}
	}

	st := env.reload(t, "lofi")
	if st.CurrentSong == nil || st.CurrentSong.ID != "second" {
		t.Fatalf("current song = %+v, want second", st.CurrentSong)
	}
	if len(st.CurrentSong.SkipVotes) != 0 {
		t.Fatalf("votes not reset on advance: %v", st.CurrentSong.SkipVotes)
	}
	if len(st.Queue) != 0 {
		t.Fatalf("queue = %v, want empty after pop", st.Queue)
	}
}

func TestPauseResumeKeepsElapsedTime(t *testing.T) {
	env := newTestEnv(t, nil)
	seeded := env.seed(t)
	ctx := context.Background()

	env.clk.Advance(30 * time.Second)
	if _, err := env.mgr.Pause(ctx, "lofi"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.mgr.Pause(ctx, "lofi"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double pause err = %v, want ErrInvalidTransition", err)
	}

	env.clk.Advance(5 * time.Minute)
	st, err := env.mgr.Resume(ctx, "lofi")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if st.TimePaused != (5 * time.Minute).Milliseconds() {
		t.Fatalf("timePaused = %d, want %d", st.TimePaused, (5 * time.Minute).Milliseconds())
	}
	if st.StartedAt != seeded.StartedAt {
		t.Fatalf("startedAt changed across pause: %d != %d", st.StartedAt, seeded.StartedAt)
	}
	if got := st.Elapsed(env.clk.Now()); got != (30 * time.Second).Milliseconds() {
		t.Fatalf("elapsed after resume = %dms, want 30000", got)
	}
	if _, err := env.mgr.Resume(ctx, "lofi"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double resume err = %v, want ErrInvalidTransition", err)
	}
}

func TestElapsedFrozenWhilePaused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	ctx := context.Background()

	env.clk.Advance(time.Minute)
	if _, err := env.mgr.Pause(ctx, "lofi"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st := env.reload(t, "lofi")

	before := st.Elapsed(env.clk.Now())
	env.clk.Advance(time.Hour)
	after := st.Elapsed(env.clk.Now())
	if before != after || before != time.Minute.Milliseconds() {
		t.Fatalf("paused elapsed moved: before=%d after=%d", before, after)
	}
}

func TestDeadlineIsRevalidated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	// Song not finished yet: the fire is stale and must change nothing.
	env.mgr.onDeadline("lofi")
	if st := env.reload(t, "lofi"); st.CurrentSong.ID != "first" {
		t.Fatalf("early deadline advanced to %s", st.CurrentSong.ID)
	}

	env.clk.Advance(3 * time.Minute)
	env.mgr.onDeadline("lofi")
	st := env.reload(t, "lofi")
	if st.CurrentSong == nil || st.CurrentSong.ID != "second" {
		t.Fatalf("due deadline did not advance, current = %+v", st.CurrentSong)
	}

	// A duplicate fire for the old song sees fresh timestamps and drops out.
	env.mgr.onDeadline("lofi")
	if st := env.reload(t, "lofi"); st.CurrentSong == nil || st.CurrentSong.ID != "second" {
		t.Fatalf("duplicate deadline advanced again, current = %+v", st.CurrentSong)
	}
}

func TestAddToQueueWakesIdleStation(t *testing.T) {
	env := newTestEnv(t, nil)
	idle := Station{
		ID:          "requests",
		Type:        TypeCommunity,
		DisplayName: "Requests",
		Privacy:     PrivacyPublic,
		Owner:       "owner1",
		PartyMode:   true,
	}
	ctx := context.Background()
	if err := env.store.Insert(ctx, Collection, idle); err != nil {
		t.Fatalf("insert: %v", err)
	}

	st, err := env.mgr.AddToQueue(ctx, "requests", "alice", song("tune", time.Minute))
	if err != nil {
		t.Fatalf("add to queue: %v", err)
	}
	if st.CurrentSong == nil || st.CurrentSong.ID != "tune" {
		t.Fatalf("idle station did not start playing: %+v", st.CurrentSong)
	}
	if st.CurrentSong.RequestedBy != "alice" {
		t.Fatalf("requestedBy = %q, want alice", st.CurrentSong.RequestedBy)
	}

	if _, err := env.mgr.AddToQueue(ctx, "requests", "bob", song("tune", time.Minute)); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("re-adding playing song err = %v, want ErrAlreadyQueued", err)
	}
}

func TestSelectPrivatePlaylistStartsAtFirstSong(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st := Station{
		ID:          "chill",
		Type:        TypeCommunity,
		DisplayName: "Chill",
		Owner:       "owner1",
	}
	if err := env.store.Insert(ctx, Collection, st); err != nil {
		t.Fatalf("insert station: %v", err)
	}
	pl := Playlist{ID: "pl1", DisplayName: "Mix", Songs: []Song{
		song("a", time.Minute), song("b", time.Minute),
	}}
	if err := env.store.Insert(ctx, PlaylistCollection, pl); err != nil {
		t.Fatalf("insert playlist: %v", err)
	}

	got, err := env.mgr.SelectPrivatePlaylist(ctx, "chill", "pl1")
	if err != nil {
		t.Fatalf("select playlist: %v", err)
	}
	if got.CurrentSong == nil || got.CurrentSong.ID != "a" {
		t.Fatalf("current song after selection = %+v, want a", got.CurrentSong)
	}
	if _, err := env.mgr.SelectPrivatePlaylist(ctx, "chill", "pl1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reselecting same playlist err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.mgr.SelectPrivatePlaylist(ctx, "chill", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("selecting missing playlist err = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsReservedAndDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.mgr.Create(ctx, CreateRequest{ID: "home", Type: TypeCommunity, DisplayName: "Home", Owner: "u1"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("reserved id err = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.mgr.Create(ctx, CreateRequest{ID: "jazz", Type: TypeCommunity, DisplayName: "Jazz"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ownerless community err = %v, want ErrPermissionDenied", err)
	}

	if _, err := env.mgr.Create(ctx, CreateRequest{ID: "jazz", Type: TypeCommunity, DisplayName: "Jazz", Owner: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.mgr.Create(ctx, CreateRequest{ID: "jazz", Type: TypeCommunity, DisplayName: "Jazz 2", Owner: "u1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate id err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.mgr.Create(ctx, CreateRequest{ID: "jazz2", Type: TypeCommunity, DisplayName: "Jazz", Owner: "u1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate display name err = %v, want ErrInvalidTransition", err)
	}
}

// failingStore refuses updates so tests can observe that nothing is
// published when the persist step fails.
type failingStore struct {
	store.DocumentStore
}

var errUpdateRefused = errors.New("update refused")

func (f *failingStore) UpdateOne(context.Context, string, store.Filter, map[string]any) error {
	return errUpdateRefused
}

func TestNoPublishWhenPersistFails(t *testing.T) {
	mem := store.NewMemory()
	env := newTestEnv(t, &failingStore{DocumentStore: mem})
	ctx := context.Background()

	playing := song("first", 3*time.Minute)
	st := Station{
		ID:          "lofi",
		Type:        TypeCommunity,
		DisplayName: "Lofi",
		Owner:       "owner1",
		PartyMode:   true,
		CurrentSong: &playing,
		StartedAt:   env.clk.Now().UnixMilli(),
	}
	if err := mem.Insert(ctx, Collection, st); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var mu sync.Mutex
	var published []string
	for _, topic := range []string{events.TopicStationPause, events.TopicVoteSkipSong} {
		topic := topic
		if err := env.bus.Subscribe(topic, func(context.Context, []byte) {
			mu.Lock()
			published = append(published, topic)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if _, err := env.mgr.Pause(ctx, "lofi"); !errors.Is(err, errUpdateRefused) {
		t.Fatalf("pause err = %v, want update refusal", err)
	}
	if _, err := env.mgr.VoteSkip(ctx, "lofi", "alice"); !errors.Is(err, errUpdateRefused) {
		t.Fatalf("vote err = %v, want update refusal", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 0 {
		t.Fatalf("events published despite persist failure: %v", published)
	}
}

func TestRemoveDeletesEverywhere(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	ctx := context.Background()

	if err := env.mgr.Remove(ctx, "lofi"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	var st Station
	if err := env.store.FindOne(ctx, Collection, store.Filter{"_id": "lofi"}, &st); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("station still stored after remove, err = %v", err)
	}

	env.mgr.locks.mu.Lock()
	_, held := env.mgr.locks.locks["lofi"]
	env.mgr.locks.mu.Unlock()
	if held {
		t.Fatal("lock entry not released after remove")
	}

	if err := env.mgr.Remove(ctx, "lofi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double remove err = %v, want ErrNotFound", err)
	}
}

func TestListHonorsVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedList := []Station{
		{ID: "pub", Type: TypeOfficial, DisplayName: "Pub", Privacy: PrivacyPublic},
		{ID: "hidden", Type: TypeOfficial, DisplayName: "Hidden", Privacy: PrivacyPrivate},
		{ID: "mine", Type: TypeCommunity, DisplayName: "Mine", Privacy: PrivacyPrivate, Owner: "alice"},
	}
	for _, st := range seedList {
		if err := env.store.Insert(ctx, Collection, st); err != nil {
			t.Fatalf("insert %s: %v", st.ID, err)
		}
	}

	ids := func(list []Station) map[string]bool {
		out := make(map[string]bool, len(list))
		for _, st := range list {
			out[st.ID] = true
		}
		return out
	}

	visible, err := env.mgr.List(ctx, "alice", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := ids(visible)
	if !got["pub"] || !got["mine"] || got["hidden"] {
		t.Fatalf("alice sees %v, want pub+mine only", got)
	}

	all, err := env.mgr.List(ctx, "admin", true)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("admin sees %d stations, want 3", len(all))
	}
}
