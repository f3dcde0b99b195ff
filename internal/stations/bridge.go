package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyborgflashtime/MusareNode/internal/events"
	"github.com/cyborgflashtime/MusareNode/internal/fanout"
	"github.com/cyborgflashtime/MusareNode/internal/transport"
)

// StationRoom names the viewer room of one station.
func StationRoom(stationID string) string {
	return "station." + stationID
}

// Rooms every process shares for cross-station announcements.
const (
	HomeRoom          = "home"
	AdminStationsRoom = "admin.stations"
)

// Bridge translates committed station mutations arriving on the fanout bus
// into client-facing room broadcasts. It runs in every process, so each
// process pushes events only to its own connections; the bus already gave
// every process a copy.
type Bridge struct {
	bus   fanout.Bus
	rooms transport.Rooms
	mgr   *Manager
}

func NewBridge(bus fanout.Bus, rooms transport.Rooms, mgr *Manager) *Bridge {
	return &Bridge{bus: bus, rooms: rooms, mgr: mgr}
}

// Start wires every topic the bridge relays. Subscriptions live for the
// process lifetime.
func (b *Bridge) Start() error {
	subs := []struct {
		topic   string
		handler fanout.Handler
	}{
		{events.TopicStationPause, b.onPause},
		{events.TopicStationResume, b.onResume},
		{events.TopicQueueUpdate, b.onQueueUpdate},
		{events.TopicVoteSkipSong, b.onVoteSkip},
		{events.TopicUpdatePartyMode, b.onPartyMode},
		{events.TopicUpdatePrivacy, b.onPrivacy},
		{events.TopicUpdateDisplayName, b.onDisplayName},
		{events.TopicUpdateDescription, b.onDescription},
		{events.TopicPlaylistSelected, b.onPlaylistSelected},
		{events.TopicStationCreate, b.onCreate},
		{events.TopicStationRemove, b.onRemove},
		{events.TopicUpdateUserCount, b.onUserCount},
		{events.TopicUpdateUsers, b.onUsers},
	}
	for _, s := range subs {
		if err := b.bus.Subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

func decode[T any](payload []byte) (T, bool) {
	var evt T
	if err := json.Unmarshal(payload, &evt); err != nil {
		slog.Warn("Dropping malformed fanout payload", "error", err)
		var zero T
		return zero, false
	}
	return evt, true
}

func (b *Bridge) broadcast(ctx context.Context, room, event string, payload any) {
	if err := b.rooms.Broadcast(ctx, room, event, payload); err != nil {
		slog.Error("Room broadcast failed", "room", room, "event", event, "error", err)
	}
}

func (b *Bridge) onPause(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:stations.pause", nil)
}

func (b *Bridge) onResume(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	st, err := b.mgr.Get(ctx, evt.StationID)
	if err != nil {
		slog.Warn("Resume broadcast without station state", "station", evt.StationID, "error", err)
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:stations.resume", map[string]any{
		"timePaused": st.TimePaused,
	})
}

func (b *Bridge) onQueueUpdate(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	st, err := b.mgr.Get(ctx, evt.StationID)
	if err != nil {
		slog.Warn("Queue broadcast without station state", "station", evt.StationID, "error", err)
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:queue.update", st.Queue)
	b.broadcast(ctx, StationRoom(evt.StationID), "event:songs.next", map[string]any{
		"currentSong": st.CurrentSong,
		"startedAt":   st.StartedAt,
		"paused":      st.Paused,
		"timePaused":  st.TimePaused,
	})
}

func (b *Bridge) onVoteSkip(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:song.voteSkipSong", nil)
}

func (b *Bridge) onPartyMode(ctx context.Context, payload []byte) {
	evt, ok := decode[events.PartyModeEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:partyMode.updated", map[string]any{
		"partyMode": evt.PartyMode,
	})
}

func (b *Bridge) onPrivacy(ctx context.Context, payload []byte) {
	evt, ok := decode[events.PrivacyEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:privacy.updated", map[string]any{
		"privacy": evt.Privacy,
	})
	b.broadcast(ctx, AdminStationsRoom, "event:admin.station.privacyUpdated", evt)
}

func (b *Bridge) onDisplayName(ctx context.Context, payload []byte) {
	evt, ok := decode[events.DisplayNameEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:displayName.updated", map[string]any{
		"displayName": evt.DisplayName,
	})
}

func (b *Bridge) onDescription(ctx context.Context, payload []byte) {
	evt, ok := decode[events.DescriptionEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:description.updated", map[string]any{
		"description": evt.Description,
	})
}

func (b *Bridge) onPlaylistSelected(ctx context.Context, payload []byte) {
	evt, ok := decode[events.PlaylistSelectedEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:privatePlaylist.selected", map[string]any{
		"playlistId": evt.PlaylistID,
	})
}

// onCreate announces new public stations on the home page and all new
// stations to admins.
func (b *Bridge) onCreate(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	st, err := b.mgr.Get(ctx, evt.StationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Create broadcast without station state", "station", evt.StationID, "error", err)
		}
		return
	}
	if st.Privacy == PrivacyPublic {
		b.broadcast(ctx, HomeRoom, "event:stations.created", st)
	}
	b.broadcast(ctx, AdminStationsRoom, "event:admin.station.added", st)
}

func (b *Bridge) onRemove(ctx context.Context, payload []byte) {
	evt, ok := decode[events.StationEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:stations.remove", nil)
	b.broadcast(ctx, HomeRoom, "event:stations.removed", evt)
	b.broadcast(ctx, AdminStationsRoom, "event:admin.station.removed", evt)
}

func (b *Bridge) onUserCount(ctx context.Context, payload []byte) {
	evt, ok := decode[events.UserCountEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:userCount.updated", map[string]any{
		"userCount": evt.Count,
	})
	b.broadcast(ctx, HomeRoom, "event:userCount.updated", map[string]any{
		"stationId": evt.StationID,
		"userCount": evt.Count,
	})
}

func (b *Bridge) onUsers(ctx context.Context, payload []byte) {
	evt, ok := decode[events.UserListEvent](payload)
	if !ok {
		return
	}
	b.broadcast(ctx, StationRoom(evt.StationID), "event:users.updated", map[string]any{
		"users": evt.Users,
	})
}
