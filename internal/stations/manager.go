package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
	"github.com/cyborgflashtime/MusareNode/internal/events"
	"github.com/cyborgflashtime/MusareNode/internal/fanout"
	"github.com/cyborgflashtime/MusareNode/internal/notifications"
	"github.com/cyborgflashtime/MusareNode/internal/store"
)

// Manager performs every legal station transition. All mutations are
// serialized per station, persist to the store before publishing, and
// re-arm the station's nextSong deadline as needed. The scheduler being
// unavailable never blocks a mutation: playback then relies solely on the
// reconciliation sweep until the scheduler recovers.
type Manager struct {
	store store.DocumentStore
	cache cache.Hash
	bus   fanout.Bus
	sched *notifications.Scheduler
	clk   clock.Clock
	locks *stationLocks

	mutations metric.Int64Counter
}

func NewManager(st store.DocumentStore, c cache.Hash, bus fanout.Bus, sched *notifications.Scheduler, clk clock.Clock) *Manager {
	meter := otel.Meter("stations")
	mutations, _ := meter.Int64Counter("station_mutations_total",
		metric.WithDescription("Total committed station mutations"))

	return &Manager{
		store:     st,
		cache:     c,
		bus:       bus,
		sched:     sched,
		clk:       clk,
		locks:     newStationLocks(),
		mutations: mutations,
	}
}

// nextSongName is the logical deadline name for a station's auto-advance.
func nextSongName(stationID string) string {
	return fmt.Sprintf("stations.nextSong?id=%s", stationID)
}

// Boot loads every persisted station, rebuilds the process-local deadline
// subscriptions lost on restart, and initializes each station. Deadlines
// already pending in the shared bus keep firing into whichever process
// subscribed, so this must run before serving traffic.
func (m *Manager) Boot(ctx context.Context) error {
	if err := m.bus.Subscribe(events.TopicStationCreate, func(ctx context.Context, payload []byte) {
		var evt events.StationEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			slog.Warn("Invalid station.create payload", "error", err)
			return
		}
		if _, err := m.Initialize(ctx, evt.StationID); err != nil {
			slog.Error("Failed to initialize created station", "station", evt.StationID, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicStationCreate, err)
	}

	var all []Station
	if err := m.store.Find(ctx, Collection, store.Filter{}, &all); err != nil {
		return fmt.Errorf("load stations: %w", err)
	}
	for _, st := range all {
		if _, err := m.Initialize(ctx, st.ID); err != nil {
			slog.Error("Failed to initialize station at boot", "station", st.ID, "error", err)
		}
	}
	slog.Info("Stations initialized", "count", len(all))
	return nil
}

// Initialize loads a station, selects a current song if none is playing,
// and (re-)arms its nextSong deadline from persisted timestamps. It is
// idempotent: running it against a consistent station changes nothing, so
// the reconciliation sweep reuses it as its correction path.
func (m *Manager) Initialize(ctx context.Context, stationID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	m.subscribeDeadline(stationID)

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}

	switch {
	case st.CurrentSong == nil:
		if st, err = m.advanceLocked(ctx, st); err != nil {
			return Station{}, err
		}
	case st.Paused:
		// The playback clock is stopped; no deadline while paused.
	case st.ShouldAdvance(m.clk.Now()):
		if st, err = m.advanceLocked(ctx, st); err != nil {
			return Station{}, err
		}
	default:
		remaining := st.CurrentSong.Duration - st.Elapsed(m.clk.Now())
		m.schedule(ctx, stationID, remaining)
	}

	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	return st, nil
}

// subscribeDeadline registers the station's nextSong handler exactly once
// per process.
func (m *Manager) subscribeDeadline(stationID string) {
	m.sched.Subscribe(nextSongName(stationID), func() {
		m.onDeadline(stationID)
	}, true)
}

// onDeadline handles a fired nextSong deadline. Fired deadlines are hints,
// not commands: the station is re-read and the timestamp arithmetic
// re-checked, so a stale fire (cancelled too late, or racing a skip that
// already replaced the song) is a no-op.
func (m *Manager) onDeadline(stationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("Deadline fired but station load failed", "station", stationID, "error", err)
		}
		return
	}
	if !st.ShouldAdvance(m.clk.Now()) {
		slog.Debug("Stale nextSong deadline ignored", "station", stationID)
		return
	}
	if _, err := m.advanceLocked(ctx, st); err != nil {
		slog.Error("Deadline-driven advance failed", "station", stationID, "error", err)
	}
}

// Advance moves the station to its next song. Exposed for force-skip and
// reconciliation; user-facing callers go through ForceSkip.
func (m *Manager) Advance(ctx context.Context, stationID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	return m.advanceLocked(ctx, st)
}

// advanceLocked selects the next song per rotation policy, resets the
// per-song counters, persists, re-arms the deadline and publishes the
// queue-update event. Caller must hold the station lock.
func (m *Manager) advanceLocked(ctx context.Context, st Station) (Station, error) {
	next, idx, queue, err := m.selectNext(ctx, &st)
	if err != nil {
		return Station{}, err
	}

	now := m.clk.Now().UnixMilli()
	st.CurrentSong = next
	st.CurrentSongIndex = idx
	st.Queue = queue
	st.StartedAt = now
	st.TimePaused = 0

	if err := m.persist(ctx, st.ID, map[string]any{
		"currentSong":      st.CurrentSong,
		"currentSongIndex": st.CurrentSongIndex,
		"queue":            st.Queue,
		"startedAt":        st.StartedAt,
		"timePaused":       st.TimePaused,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}

	m.publish(ctx, events.TopicQueueUpdate, events.StationEvent{StationID: st.ID}, "advance")

	// A deadline for the previous song may still be pending; drop it so the
	// re-arm below isn't swallowed by first-writer-wins.
	if err := m.sched.Unschedule(ctx, nextSongName(st.ID)); err != nil {
		slog.Warn("Could not clear previous deadline", "station", st.ID, "error", err)
	}
	if st.CurrentSong != nil && !st.Paused {
		m.schedule(ctx, st.ID, st.CurrentSong.Duration)
	}
	if st.CurrentSong == nil {
		slog.Info("Station has nothing to play", "station", st.ID)
	}
	return st, nil
}

// schedule arms the nextSong deadline, degrading to a warning when the
// scheduler is unavailable: the reconciliation sweep covers the gap.
func (m *Manager) schedule(ctx context.Context, stationID string, delayMillis int64) {
	if delayMillis < 0 {
		delayMillis = 0
	}
	err := m.sched.Schedule(ctx, nextSongName(stationID), time.Duration(delayMillis)*time.Millisecond, func() {
		m.onDeadline(stationID)
	})
	if err != nil {
		slog.Warn("Deadline not armed, relying on reconciliation", "station", stationID, "error", err)
	}
}

// load reads the authoritative document. The cache is bypassed on purpose:
// transitions must never trust a possibly stale snapshot.
func (m *Manager) load(ctx context.Context, stationID string) (Station, error) {
	var st Station
	err := m.store.FindOne(ctx, Collection, store.Filter{"_id": stationID}, &st)
	if errors.Is(err, store.ErrNotFound) {
		return Station{}, ErrNotFound
	}
	if err != nil {
		return Station{}, fmt.Errorf("load station %s: %w", stationID, err)
	}
	return st, nil
}

// Get returns a station, serving the warm snapshot when present.
func (m *Manager) Get(ctx context.Context, stationID string) (Station, error) {
	var st Station
	err := m.cache.HGet(ctx, CacheTable, stationID, &st)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		slog.Warn("Cache read failed, falling back to store", "station", stationID, "error", err)
	}
	st, err = m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		slog.Warn("Failed to warm station snapshot", "station", stationID, "error", err)
	}
	return st, nil
}

// List returns every station the viewer may see. Admins see everything;
// owners additionally see their own private stations.
func (m *Manager) List(ctx context.Context, viewerID string, admin bool) ([]Station, error) {
	var all []Station
	if err := m.store.Find(ctx, Collection, store.Filter{}, &all); err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	visible := make([]Station, 0, len(all))
	for _, st := range all {
		switch {
		case st.Privacy == PrivacyPublic, admin:
			visible = append(visible, st)
		case st.Type == TypeCommunity && st.Owner != "" && st.Owner == viewerID:
			visible = append(visible, st)
		}
	}
	return visible, nil
}

// persist writes a field set to the station document. A StorageFailure here
// aborts the mutation before anything is published.
func (m *Manager) persist(ctx context.Context, stationID string, set map[string]any) error {
	err := m.store.UpdateOne(ctx, Collection, store.Filter{"_id": stationID}, set)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("persist station %s: %w", stationID, err)
	}
	return nil
}

// snapshot refreshes the warm cache copy after a committed mutation.
func (m *Manager) snapshot(ctx context.Context, st Station) error {
	if err := m.cache.HSet(ctx, CacheTable, st.ID, st); err != nil {
		return fmt.Errorf("snapshot station %s: %w", st.ID, err)
	}
	return nil
}

// publish fans out a committed mutation. It only ever runs after persist
// succeeded, which is what gives subscribers commit-ordered events.
func (m *Manager) publish(ctx context.Context, topic string, payload any, op string) {
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("Failed to publish station event", "topic", topic, "error", err)
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// selectNext applies the rotation policy: community party mode pops the
// queue, community otherwise cycles the selected private playlist, official
// stations draw randomly from their fixed playlist avoiding an immediate
// repeat. No candidate means the station goes idle.
func (m *Manager) selectNext(ctx context.Context, st *Station) (*Song, int, []Song, error) {
	freshen := func(s Song) *Song {
		s.SkipVotes = nil
		return &s
	}

	switch {
	case st.Type == TypeCommunity && st.PartyMode:
		if len(st.Queue) == 0 {
			return nil, st.CurrentSongIndex, st.Queue, nil
		}
		next := freshen(st.Queue[0])
		rest := append([]Song(nil), st.Queue[1:]...)
		return next, st.CurrentSongIndex, rest, nil

	case st.Type == TypeCommunity:
		if st.PrivatePlaylist == "" {
			return nil, st.CurrentSongIndex, st.Queue, nil
		}
		var pl Playlist
		err := m.store.FindOne(ctx, PlaylistCollection, store.Filter{"_id": st.PrivatePlaylist}, &pl)
		if errors.Is(err, store.ErrNotFound) || (err == nil && len(pl.Songs) == 0) {
			return nil, st.CurrentSongIndex, st.Queue, nil
		}
		if err != nil {
			return nil, 0, nil, fmt.Errorf("load playlist %s: %w", st.PrivatePlaylist, err)
		}
		idx := (st.CurrentSongIndex + 1) % len(pl.Songs)
		return freshen(pl.Songs[idx]), idx, st.Queue, nil

	default: // official
		if len(st.Playlist) == 0 {
			return nil, st.CurrentSongIndex, st.Queue, nil
		}
		idx := rand.IntN(len(st.Playlist))
		if st.CurrentSong != nil && len(st.Playlist) > 1 && st.Playlist[idx].ID == st.CurrentSong.ID {
			idx = (idx + 1) % len(st.Playlist)
		}
		return freshen(st.Playlist[idx]), idx, st.Queue, nil
	}
}
