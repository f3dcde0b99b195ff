// Package stations owns the authoritative playback state of every station
// and performs all legal transitions. "What's playing now" is derived from
// persisted timestamps, never from a running timer: elapsed playback time is
// (paused ? pausedAt : now) - startedAt - timePaused, and a song is due to
// advance once elapsed reaches its duration. Deadline fires and sweep
// callbacks re-validate this arithmetic before acting, so stale triggers
// are harmless hints.
package stations

import (
	"errors"
	"time"
)

// Collection is the document-store collection, CacheTable the warm snapshot
// table mirroring it.
const (
	Collection         = "stations"
	CacheTable         = "stations"
	PlaylistCollection = "playlists"
)

// SkipThreshold is the number of distinct skip votes that force an advance.
const SkipThreshold = 3

type Type string

const (
	TypeOfficial  Type = "official"
	TypeCommunity Type = "community"
)

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

var (
	ErrNotFound          = errors.New("stations: not found")
	ErrInvalidTransition = errors.New("stations: invalid transition")
	ErrAlreadyVoted      = errors.New("stations: user already voted to skip this song")
	ErrAlreadyQueued     = errors.New("stations: song already queued or playing")
	ErrPermissionDenied  = errors.New("stations: permission denied")
)

// Song is the embedded snapshot of a playable track. SkipVotes holds user
// ids, one vote each; it resets whenever a new current song is assigned.
type Song struct {
	ID          string   `bson:"_id" json:"_id"`
	Title       string   `bson:"title" json:"title"`
	Artists     []string `bson:"artists" json:"artists"`
	Duration    int64    `bson:"duration" json:"duration"` // milliseconds
	SkipVotes   []string `bson:"skipVotes" json:"skipVotes"`
	RequestedBy string   `bson:"requestedBy" json:"requestedBy"`
	RequestedAt int64    `bson:"requestedAt" json:"requestedAt"` // unix ms
}

// Station is one playback channel.
type Station struct {
	ID          string  `bson:"_id" json:"_id"`
	Type        Type    `bson:"type" json:"type"`
	DisplayName string  `bson:"displayName" json:"displayName"`
	Description string  `bson:"description" json:"description"`
	Privacy     Privacy `bson:"privacy" json:"privacy"`
	Owner       string  `bson:"owner,omitempty" json:"owner,omitempty"`

	CurrentSong *Song `bson:"currentSong" json:"currentSong"`
	StartedAt   int64 `bson:"startedAt" json:"startedAt"` // unix ms
	Paused      bool  `bson:"paused" json:"paused"`
	PausedAt    int64 `bson:"pausedAt" json:"pausedAt"`     // unix ms, valid while paused
	TimePaused  int64 `bson:"timePaused" json:"timePaused"` // cumulative ms, resets per song

	Queue []Song `bson:"queue" json:"queue"`

	PartyMode        bool   `bson:"partyMode" json:"partyMode"`
	PrivatePlaylist  string `bson:"privatePlaylist,omitempty" json:"privatePlaylist,omitempty"`
	CurrentSongIndex int    `bson:"currentSongIndex" json:"currentSongIndex"`

	// Playlist is the fixed rotation for official stations.
	Playlist []Song `bson:"playlist,omitempty" json:"playlist,omitempty"`
}

// Playlist is a user-curated rotation source for community stations.
type Playlist struct {
	ID          string `bson:"_id" json:"_id"`
	DisplayName string `bson:"displayName" json:"displayName"`
	CreatedBy   string `bson:"createdBy" json:"createdBy"`
	Songs       []Song `bson:"songs" json:"songs"`
}

// Elapsed returns how many milliseconds of the current song have played.
// While paused the frozen pausedAt is used, never the wall clock, so pause
// time is not double-counted.
func (s *Station) Elapsed(now time.Time) int64 {
	if s.CurrentSong == nil {
		return 0
	}
	ref := now.UnixMilli()
	if s.Paused {
		ref = s.PausedAt
	}
	return ref - s.StartedAt - s.TimePaused
}

// ShouldAdvance reports whether the current song has run past its duration
// and the station is eligible to move on.
func (s *Station) ShouldAdvance(now time.Time) bool {
	return s.CurrentSong != nil && !s.Paused && s.Elapsed(now) >= s.CurrentSong.Duration
}

// HasVoted reports whether userID already voted to skip the current song.
func (s *Station) HasVoted(userID string) bool {
	if s.CurrentSong == nil {
		return false
	}
	for _, id := range s.CurrentSong.SkipVotes {
		if id == userID {
			return true
		}
	}
	return false
}

// Queued reports whether the song id is already in the queue.
func (s *Station) Queued(songID string) bool {
	for _, song := range s.Queue {
		if song.ID == songID {
			return true
		}
	}
	return false
}
