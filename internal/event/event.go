// Package event defines the wire protocol between clients and the
// coordinator: a JSON envelope tagging one of a fixed set of event types.
package event

import "encoding/json"

// Inbound event types.
const (
	JoinSession     = "join-session"
	LeaveSession    = "leave-session"
	SelectStem      = "select-stem"
	UserReady       = "user-ready"
	PlaybackControl = "playback-control"
	BPMChange       = "bpm-change"
)

// Outbound event types.
const (
	UserJoined      = "user-joined"
	UserLeft        = "user-left"
	StemSelected    = "stem-selected"
	UserReadyUpdate = "user-ready-update"
	SyncPlayback    = "sync-playback"
	SyncBPM         = "sync-bpm"
	Error           = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound builds an envelope from a payload value. Marshal errors cannot
// occur for the payload types used here; they would indicate a programming
// error, so the data is dropped rather than propagated.
func Outbound(eventType string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Event: eventType}
	}
	return Envelope{Event: eventType, Data: data}
}

// Inbound payloads.

type JoinPayload struct {
	SessionCode string `json:"sessionCode"`
	UserID      string `json:"userId"`
}

type SelectStemPayload struct {
	SessionCode string `json:"sessionCode"`
	UserID      string `json:"userId"`
	StemID      string `json:"stemId"`
	StemType    string `json:"stemType"`
	Stem        any    `json:"stem,omitempty"`
}

type ReadyPayload struct {
	SessionCode string `json:"sessionCode"`
	UserID      string `json:"userId"`
}

type PlaybackPayload struct {
	SessionCode string `json:"sessionCode"`
	IsPlaying   bool   `json:"isPlaying"`
}

type BPMPayload struct {
	SessionCode string `json:"sessionCode"`
	BPM         int    `json:"bpm"`
}

// Outbound payloads.

type MembershipPayload struct {
	UserID string   `json:"userId"`
	Users  []string `json:"users"`
}

type StemSelectedPayload struct {
	UserID   string `json:"userId"`
	StemID   string `json:"stemId"`
	StemType string `json:"stemType"`
	Stem     any    `json:"stem,omitempty"`
}

type ReadyUpdatePayload struct {
	ReadyUsers []string `json:"readyUsers"`
}

type SyncPlaybackPayload struct {
	IsPlaying bool `json:"isPlaying"`
}

type SyncBPMPayload struct {
	BPM int `json:"bpm"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
