// Package events defines the fanout topics a station mutation can publish
// and the payloads that travel on them. Topics double as NATS subjects in
// multi-process deployments, so they must stay valid subject names.
package events

// Station lifecycle and playback topics.
const (
	TopicStationCreate      = "station.create"
	TopicStationRemove      = "station.remove"
	TopicStationPause       = "station.pause"
	TopicStationResume      = "station.resume"
	TopicQueueUpdate        = "station.queueUpdate"
	TopicVoteSkipSong       = "station.voteSkipSong"
	TopicUpdatePartyMode    = "station.updatePartyMode"
	TopicUpdatePrivacy      = "station.updatePrivacy"
	TopicUpdateDisplayName  = "station.updateDisplayName"
	TopicUpdateDescription  = "station.updateDescription"
	TopicUpdateUserCount    = "station.updateUserCount"
	TopicUpdateUsers        = "station.updateUsers"
	TopicPlaylistSelected   = "privatePlaylist.selected"
)

// StationEvent is the payload for topics that only identify a station.
type StationEvent struct {
	StationID string `json:"stationId"`
}

// PartyModeEvent announces a party-mode toggle.
type PartyModeEvent struct {
	StationID string `json:"stationId"`
	PartyMode bool   `json:"partyMode"`
}

// PrivacyEvent announces a visibility change.
type PrivacyEvent struct {
	StationID string `json:"stationId"`
	Privacy   string `json:"privacy"`
}

// DisplayNameEvent announces a renamed station.
type DisplayNameEvent struct {
	StationID   string `json:"stationId"`
	DisplayName string `json:"displayName"`
}

// DescriptionEvent announces a re-described station.
type DescriptionEvent struct {
	StationID   string `json:"stationId"`
	Description string `json:"description"`
}

// PlaylistSelectedEvent announces a new private playlist selection.
type PlaylistSelectedEvent struct {
	StationID  string `json:"stationId"`
	PlaylistID string `json:"playlistId"`
}

// UserCountEvent carries the number of connections watching a station.
type UserCountEvent struct {
	StationID string `json:"stationId"`
	Count     int    `json:"count"`
}

// UserListEvent carries the user ids watching a station.
type UserListEvent struct {
	StationID string   `json:"stationId"`
	Users     []string `json:"users"`
}
