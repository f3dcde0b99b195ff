package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cyborgflashtime/MusareNode/internal/cache"
	"github.com/cyborgflashtime/MusareNode/internal/clock"
	"github.com/cyborgflashtime/MusareNode/internal/events"
	"github.com/cyborgflashtime/MusareNode/internal/fanout"
	"github.com/cyborgflashtime/MusareNode/internal/session"
	"github.com/cyborgflashtime/MusareNode/internal/stations"
)

// Task names, used for Pause/Resume.
const (
	StationSkipTask  = "stationSkip"
	SessionClearTask = "sessionClear"
	CollectUsersTask = "collectStationUsers"
)

// StationSkipSweep is the safety net behind the deadline scheduler: any
// station whose current song ran past its duration is re-initialized, which
// advances it. Running the sweep twice in a row changes nothing the first
// pass didn't already fix.
func StationSkipSweep(mgr *stations.Manager, c cache.Hash, clk clock.Clock) Func {
	return func(ctx context.Context) error {
		snapshots, err := c.HGetAll(ctx, stations.CacheTable)
		if err != nil {
			return fmt.Errorf("read station snapshots: %w", err)
		}
		for id, raw := range snapshots {
			var st stations.Station
			if err := json.Unmarshal(raw, &st); err != nil {
				slog.Warn("Skipping corrupt station snapshot", "station", id, "error", err)
				continue
			}
			if st.CurrentSong == nil || st.Paused {
				continue
			}
			if !st.ShouldAdvance(clk.Now()) {
				continue
			}
			slog.Info("Station overran its song, reconciling", "station", id,
				"elapsed", st.Elapsed(clk.Now()), "duration", st.CurrentSong.Duration)
			if _, err := mgr.Initialize(ctx, id); err != nil {
				slog.Error("Station reconciliation failed", "station", id, "error", err)
			}
		}
		return nil
	}
}

// SessionClearSweep expires sessions past the retention window. Sessions
// with a live connection are refreshed instead of dropped; records without
// a refresh date get stamped so their clock starts now.
func SessionClearSweep(mgr *session.Manager, c cache.Hash, tracker *session.Tracker, clk clock.Clock) Func {
	return func(ctx context.Context) error {
		all, err := c.HGetAll(ctx, session.Table)
		if err != nil {
			return fmt.Errorf("read sessions: %w", err)
		}
		cutoff := clk.Now().Add(-session.Retention).UnixMilli()
		for id, raw := range all {
			var s session.Session
			if err := json.Unmarshal(raw, &s); err != nil || s.SessionID == "" {
				slog.Warn("Removing unreadable session record", "session", id)
				if err := mgr.Remove(ctx, id); err != nil {
					slog.Error("Failed to remove session", "session", id, "error", err)
				}
				continue
			}
			switch {
			case s.RefreshDate == 0:
				if err := mgr.Refresh(ctx, s); err != nil {
					slog.Error("Failed to stamp dateless session", "session", id, "error", err)
				}
			case s.RefreshDate < cutoff:
				if tracker.SessionLive(id) {
					if err := mgr.Refresh(ctx, s); err != nil {
						slog.Error("Failed to refresh live session", "session", id, "error", err)
					}
					continue
				}
				slog.Info("Expiring stale session", "session", id)
				if err := mgr.Remove(ctx, id); err != nil {
					slog.Error("Failed to expire session", "session", id, "error", err)
				}
			}
		}
		return nil
	}
}

// userCollector reconciles per-station viewer lists against tracked
// connections and publishes updates only when something drifted.
type userCollector struct {
	tracker *session.Tracker
	cache   cache.Hash
	bus     fanout.Bus

	lastUsers map[string]string // station -> joined sorted user list
}

// CollectStationUsersSweep recomputes who is watching each station from the
// connection tracker and announces count and list changes.
func CollectStationUsersSweep(tracker *session.Tracker, c cache.Hash, bus fanout.Bus) Func {
	uc := &userCollector{
		tracker:   tracker,
		cache:     c,
		bus:       bus,
		lastUsers: make(map[string]string),
	}
	return uc.run
}

func (uc *userCollector) run(ctx context.Context) error {
	byStation := make(map[string][]string)
	for _, p := range uc.tracker.Snapshot() {
		if p.StationID == "" {
			continue
		}
		byStation[p.StationID] = append(byStation[p.StationID], uc.resolveUser(ctx, p))
	}

	for stationID, users := range byStation {
		sort.Strings(users)
		fingerprint := fmt.Sprint(users)
		if uc.lastUsers[stationID] == fingerprint {
			continue
		}
		uc.lastUsers[stationID] = fingerprint
		uc.publish(ctx, stationID, users)
	}

	// Stations everyone left still need one final empty announcement.
	for stationID := range uc.lastUsers {
		if _, ok := byStation[stationID]; ok {
			continue
		}
		delete(uc.lastUsers, stationID)
		uc.publish(ctx, stationID, nil)
	}
	return nil
}

// resolveUser maps a connection to a display identity. Anonymous
// connections count but stay unnamed.
func (uc *userCollector) resolveUser(ctx context.Context, p session.Presence) string {
	if p.SessionID == "" {
		return ""
	}
	var s session.Session
	if err := uc.cache.HGet(ctx, session.Table, p.SessionID, &s); err != nil {
		return ""
	}
	return s.UserID
}

func (uc *userCollector) publish(ctx context.Context, stationID string, users []string) {
	named := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			named = append(named, u)
		}
	}
	if err := uc.bus.Publish(ctx, events.TopicUpdateUserCount, events.UserCountEvent{
		StationID: stationID,
		Count:     len(users),
	}); err != nil {
		slog.Error("Failed to publish user count", "station", stationID, "error", err)
	}
	if err := uc.bus.Publish(ctx, events.TopicUpdateUsers, events.UserListEvent{
		StationID: stationID,
		Users:     named,
	}); err != nil {
		slog.Error("Failed to publish user list", "station", stationID, "error", err)
	}
}
