// Package session defines the remix session domain model shared by the
// store, registry and router layers.
package session

import "time"

const (
	// MaxParticipants caps session membership; enforced before admission.
	MaxParticipants = 4

	// DefaultTempo is the beats-per-minute a fresh session starts at.
	DefaultTempo = 130
)

// Stem references a single selectable audio component a participant
// contributes to the mashup.
type Stem struct {
	ID      string `json:"stemId"`
	Type    string `json:"stemType"`
	Payload any    `json:"stem,omitempty"`
}

// State is the full live view of one session held by the registry.
//
// Durable fields (Code through CreatedAt) survive a restart via the session
// store. Ready and Playing are deliberately volatile: a process restart or
// registry eviction resets them without losing durable data. Keep that
// boundary intact when adding fields.
type State struct {
	Code         string
	Participants []string // join order, unique
	Selections   map[string]Stem
	Tempo        int
	CreatedAt    time.Time

	// ephemeral, never written to the store
	Ready   map[string]struct{}
	Playing bool
}

// NewState returns an empty session with default tempo.
func NewState(code string, now time.Time) *State {
	return &State{
		Code:       code,
		Selections: make(map[string]Stem),
		Tempo:      DefaultTempo,
		CreatedAt:  now,
		Ready:      make(map[string]struct{}),
	}
}

// HasParticipant reports whether userID is a current member.
func (s *State) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Snapshot is an immutable copy of session state handed to callers and
// broadcasts, so nothing outside the registry aliases live state.
type Snapshot struct {
	Code         string          `json:"sessionCode"`
	Participants []string        `json:"users"`
	Selections   map[string]Stem `json:"stems"`
	Tempo        int             `json:"bpm"`
	CreatedAt    time.Time       `json:"createdAt"`
	ReadyUsers   []string        `json:"readyUsers"`
	Playing      bool            `json:"isPlaying"`
}

// Snapshot copies the current state. Ready users are returned in join order
// so broadcast payloads are deterministic.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Code:         s.Code,
		Participants: append([]string(nil), s.Participants...),
		Selections:   make(map[string]Stem, len(s.Selections)),
		Tempo:        s.Tempo,
		CreatedAt:    s.CreatedAt,
		ReadyUsers:   make([]string, 0, len(s.Ready)),
		Playing:      s.Playing,
	}
	for k, v := range s.Selections {
		snap.Selections[k] = v
	}
	for _, p := range s.Participants {
		if _, ok := s.Ready[p]; ok {
			snap.ReadyUsers = append(snap.ReadyUsers, p)
		}
	}
	return snap
}
