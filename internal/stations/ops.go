package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cyborgflashtime/MusareNode/internal/events"
	"github.com/cyborgflashtime/MusareNode/internal/store"
)

// reservedStationIDs can never be claimed by community stations.
var reservedStationIDs = map[string]bool{
	"home":  true,
	"news":  true,
	"terms": true,
	"about": true,
	"team":  true,
	"admin": true,
}

type CreateRequest struct {
	ID          string
	Type        Type
	DisplayName string
	Description string
	Owner       string
	Playlist    []Song
}

// Create validates and persists a new station, then announces it so every
// process initializes it and starts playback.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Station, error) {
	id := strings.ToLower(strings.TrimSpace(req.ID))
	if id == "" || req.DisplayName == "" {
		return Station{}, fmt.Errorf("%w: id and display name are required", ErrInvalidTransition)
	}
	if req.Type == TypeCommunity {
		if reservedStationIDs[id] {
			return Station{}, fmt.Errorf("%w: station id %q is reserved", ErrPermissionDenied, id)
		}
		if req.Owner == "" {
			return Station{}, fmt.Errorf("%w: community stations need an owner", ErrPermissionDenied)
		}
	}

	var existing Station
	err := m.store.FindOne(ctx, Collection, store.Filter{"_id": id}, &existing)
	if err == nil {
		return Station{}, fmt.Errorf("%w: station id %q already taken", ErrInvalidTransition, id)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Station{}, fmt.Errorf("check station id: %w", err)
	}
	err = m.store.FindOne(ctx, Collection, store.Filter{"displayName": req.DisplayName}, &existing)
	if err == nil {
		return Station{}, fmt.Errorf("%w: display name %q already taken", ErrInvalidTransition, req.DisplayName)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Station{}, fmt.Errorf("check display name: %w", err)
	}

	st := Station{
		ID:               id,
		Type:             req.Type,
		DisplayName:      req.DisplayName,
		Description:      req.Description,
		Privacy:          PrivacyPrivate,
		Owner:            req.Owner,
		CurrentSongIndex: -1,
		Playlist:         req.Playlist,
		PartyMode:        req.Type == TypeCommunity,
	}
	if err := m.store.Insert(ctx, Collection, st); err != nil {
		return Station{}, fmt.Errorf("insert station: %w", err)
	}
	slog.Info("Station created", "station", id, "type", st.Type)
	m.publish(ctx, events.TopicStationCreate, events.StationEvent{StationID: id}, "create")
	return st, nil
}

// Remove deletes a station everywhere: the document, the warm snapshot and
// its pending deadline.
func (m *Manager) Remove(ctx context.Context, stationID string) error {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	err := m.store.DeleteOne(ctx, Collection, store.Filter{"_id": stationID})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete station %s: %w", stationID, err)
	}
	if err := m.cache.HDel(ctx, CacheTable, stationID); err != nil {
		slog.Warn("Failed to drop station snapshot", "station", stationID, "error", err)
	}
	if err := m.sched.Unschedule(ctx, nextSongName(stationID)); err != nil {
		slog.Warn("Failed to clear deadline of removed station", "station", stationID, "error", err)
	}
	m.sched.Unsubscribe(nextSongName(stationID))
	m.locks.release(stationID)
	m.publish(ctx, events.TopicStationRemove, events.StationEvent{StationID: stationID}, "remove")
	return nil
}

// Pause stops the playback clock. The pending deadline is dropped; elapsed
// time freezes at pausedAt until Resume.
func (m *Manager) Pause(ctx context.Context, stationID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Paused {
		return Station{}, fmt.Errorf("%w: station %s is already paused", ErrInvalidTransition, stationID)
	}

	st.Paused = true
	st.PausedAt = m.clk.Now().UnixMilli()
	if err := m.persist(ctx, stationID, map[string]any{
		"paused":   st.Paused,
		"pausedAt": st.PausedAt,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	if err := m.sched.Unschedule(ctx, nextSongName(stationID)); err != nil {
		slog.Warn("Failed to unschedule deadline on pause", "station", stationID, "error", err)
	}
	m.publish(ctx, events.TopicStationPause, events.StationEvent{StationID: stationID}, "pause")
	return st, nil
}

// Resume restarts the playback clock. The pause interval is folded into
// timePaused so elapsed-time arithmetic stays correct, and the deadline is
// re-armed with whatever play time the current song has left.
func (m *Manager) Resume(ctx context.Context, stationID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if !st.Paused {
		return Station{}, fmt.Errorf("%w: station %s is not paused", ErrInvalidTransition, stationID)
	}

	now := m.clk.Now().UnixMilli()
	st.TimePaused += now - st.PausedAt
	st.Paused = false
	if err := m.persist(ctx, stationID, map[string]any{
		"paused":     st.Paused,
		"timePaused": st.TimePaused,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicStationResume, events.StationEvent{StationID: stationID}, "resume")

	if st.CurrentSong != nil {
		remaining := st.CurrentSong.Duration - st.Elapsed(m.clk.Now())
		if remaining <= 0 {
			return m.advanceLocked(ctx, st)
		}
		m.schedule(ctx, stationID, remaining)
	}
	return st, nil
}

// VoteSkip records one skip vote per user on the current song. Reaching the
// threshold advances immediately.
func (m *Manager) VoteSkip(ctx context.Context, stationID, userID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.CurrentSong == nil {
		return Station{}, fmt.Errorf("%w: station %s has no current song", ErrNotFound, stationID)
	}
	if st.HasVoted(userID) {
		return Station{}, fmt.Errorf("%w: user %s already voted on station %s", ErrAlreadyVoted, userID, stationID)
	}

	st.CurrentSong.SkipVotes = append(st.CurrentSong.SkipVotes, userID)
	if err := m.persist(ctx, stationID, map[string]any{
		"currentSong": st.CurrentSong,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicVoteSkipSong, events.StationEvent{StationID: stationID}, "voteSkip")

	if len(st.CurrentSong.SkipVotes) >= SkipThreshold {
		slog.Info("Skip threshold reached", "station", stationID, "votes", len(st.CurrentSong.SkipVotes))
		return m.advanceLocked(ctx, st)
	}
	return st, nil
}

// ForceSkip advances without a vote. Owner or admin only; the transport
// layer enforces who may call it.
func (m *Manager) ForceSkip(ctx context.Context, stationID string) (Station, error) {
	return m.Advance(ctx, stationID)
}

// AddToQueue appends a song to a community station's party queue. A song
// already playing or already queued is rejected.
func (m *Manager) AddToQueue(ctx context.Context, stationID, userID string, song Song) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Type != TypeCommunity {
		return Station{}, fmt.Errorf("%w: only community stations take queue requests", ErrPermissionDenied)
	}
	if st.CurrentSong != nil && st.CurrentSong.ID == song.ID {
		return Station{}, fmt.Errorf("%w: song %s is currently playing", ErrAlreadyQueued, song.ID)
	}
	if st.Queued(song.ID) {
		return Station{}, fmt.Errorf("%w: song %s is already queued", ErrAlreadyQueued, song.ID)
	}

	song.RequestedBy = userID
	song.RequestedAt = m.clk.Now().UnixMilli()
	st.Queue = append(st.Queue, song)
	if err := m.persist(ctx, stationID, map[string]any{
		"queue": st.Queue,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicQueueUpdate, events.StationEvent{StationID: stationID}, "addToQueue")

	// An idle station starts playing as soon as something is queued.
	if st.CurrentSong == nil && !st.Paused {
		return m.advanceLocked(ctx, st)
	}
	return st, nil
}

// RemoveFromQueue drops a queued song by id.
func (m *Manager) RemoveFromQueue(ctx context.Context, stationID, songID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Type != TypeCommunity {
		return Station{}, fmt.Errorf("%w: only community stations have a queue", ErrPermissionDenied)
	}
	kept := make([]Song, 0, len(st.Queue))
	for _, s := range st.Queue {
		if s.ID != songID {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(st.Queue) {
		return Station{}, fmt.Errorf("%w: song %s is not queued on station %s", ErrNotFound, songID, stationID)
	}

	st.Queue = kept
	if err := m.persist(ctx, stationID, map[string]any{
		"queue": st.Queue,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicQueueUpdate, events.StationEvent{StationID: stationID}, "removeFromQueue")
	return st, nil
}

// UpdatePartyMode toggles a community station between queue-driven and
// playlist-driven rotation. Flipping the mode changes the song source, so
// the station advances right away.
func (m *Manager) UpdatePartyMode(ctx context.Context, stationID string, enabled bool) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Type != TypeCommunity {
		return Station{}, fmt.Errorf("%w: party mode only applies to community stations", ErrPermissionDenied)
	}
	if st.PartyMode == enabled {
		return st, nil
	}

	st.PartyMode = enabled
	if err := m.persist(ctx, stationID, map[string]any{
		"partyMode": st.PartyMode,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicUpdatePartyMode, events.PartyModeEvent{StationID: stationID, PartyMode: enabled}, "updatePartyMode")
	return m.advanceLocked(ctx, st)
}

// UpdatePrivacy flips a station between public and private listing.
func (m *Manager) UpdatePrivacy(ctx context.Context, stationID string, privacy Privacy) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Privacy == privacy {
		return st, nil
	}

	st.Privacy = privacy
	if err := m.persist(ctx, stationID, map[string]any{
		"privacy": st.Privacy,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicUpdatePrivacy, events.PrivacyEvent{StationID: stationID, Privacy: string(privacy)}, "updatePrivacy")
	return st, nil
}

// UpdateDisplayName renames a station.
func (m *Manager) UpdateDisplayName(ctx context.Context, stationID, displayName string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	st.DisplayName = displayName
	if err := m.persist(ctx, stationID, map[string]any{
		"displayName": st.DisplayName,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicUpdateDisplayName, events.DisplayNameEvent{StationID: stationID, DisplayName: displayName}, "updateDisplayName")
	return st, nil
}

// UpdateDescription changes a station's description.
func (m *Manager) UpdateDescription(ctx context.Context, stationID, description string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	st.Description = description
	if err := m.persist(ctx, stationID, map[string]any{
		"description": st.Description,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicUpdateDescription, events.DescriptionEvent{StationID: stationID, Description: description}, "updateDescription")
	return st, nil
}

// SelectPrivatePlaylist points a community station's non-party rotation at
// a playlist. The song index is reset to the playlist's tail so the next
// advance starts from its first song.
func (m *Manager) SelectPrivatePlaylist(ctx context.Context, stationID, playlistID string) (Station, error) {
	unlock := m.locks.acquire(stationID)
	defer unlock()

	st, err := m.load(ctx, stationID)
	if err != nil {
		return Station{}, err
	}
	if st.Type != TypeCommunity {
		return Station{}, fmt.Errorf("%w: private playlists only apply to community stations", ErrPermissionDenied)
	}
	if st.PrivatePlaylist == playlistID {
		return Station{}, fmt.Errorf("%w: playlist %s is already selected", ErrInvalidTransition, playlistID)
	}

	var pl Playlist
	err = m.store.FindOne(ctx, PlaylistCollection, store.Filter{"_id": playlistID}, &pl)
	if errors.Is(err, store.ErrNotFound) {
		return Station{}, fmt.Errorf("%w: playlist %s", ErrNotFound, playlistID)
	}
	if err != nil {
		return Station{}, fmt.Errorf("load playlist %s: %w", playlistID, err)
	}

	st.PrivatePlaylist = playlistID
	st.CurrentSongIndex = len(pl.Songs) - 1
	if err := m.persist(ctx, stationID, map[string]any{
		"privatePlaylist":  st.PrivatePlaylist,
		"currentSongIndex": st.CurrentSongIndex,
	}); err != nil {
		return Station{}, err
	}
	if err := m.snapshot(ctx, st); err != nil {
		return Station{}, err
	}
	m.publish(ctx, events.TopicPlaylistSelected, events.PlaylistSelectedEvent{StationID: stationID, PlaylistID: playlistID}, "selectPrivatePlaylist")

	if !st.PartyMode {
		return m.advanceLocked(ctx, st)
	}
	return st, nil
}
