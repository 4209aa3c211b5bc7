// Package session defines the stateful unit of one artist/song request.
// A Session is a plain value object passed explicitly to each component;
// there is no ambient global state.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Mode describes which stage of the lifecycle currently owns the session.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeGenerating Mode = "generating"
	ModeRetrying   Mode = "retrying"
	ModeGestalt    Mode = "gestalt"
	ModeKaizen     Mode = "kaizen"
	ModeSurgery    Mode = "surgery"
	ModeComplete   Mode = "complete"
)

// Section is a named, time-boxed part of the song.
type Section struct {
	Name        string  `json:"name"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description,omitempty"`
}

// Session is the unit of work for one artist/song request.
type Session struct {
	ID        string
	Artist    string
	Song      string
	AudioFile string

	// CurrentPattern is the last text pushed into the live environment,
	// even if it later errored. The previous accepted text is not kept.
	CurrentPattern string

	BPM int

	// SongStructure is ordered by section start time.
	SongStructure []Section

	RetryCount  int
	LastError   string
	Mode        Mode
	IsRecording bool

	StartedAt time.Time
}

// New creates a session for an artist/song request.
func New(artist, song, audioFile string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Artist:    artist,
		Song:      song,
		AudioFile: audioFile,
		Mode:      ModeIdle,
		StartedAt: time.Now(),
	}
}

// HasIdentity reports whether the session names an artist/song pair.
// Retry-by-regeneration requires identity; anonymous scratch sessions
// only get the local-repair path.
func (s *Session) HasIdentity() bool {
	return s.Artist != "" && s.Song != ""
}

// HasSection reports whether any structure section name begins with the
// given canonical name (so "verse" matches "verse1" and "verse2").
func (s *Session) HasSection(canonical string) bool {
	for _, sec := range s.SongStructure {
		if hasPrefix(sec.Name, canonical) {
			return true
		}
	}
	return false
}

// SectionsMatching returns the structure sections whose names begin with the
// canonical name, preserving structure order.
func (s *Session) SectionsMatching(canonical string) []Section {
	var out []Section
	for _, sec := range s.SongStructure {
		if hasPrefix(sec.Name, canonical) {
			out = append(out, sec)
		}
	}
	return out
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}
