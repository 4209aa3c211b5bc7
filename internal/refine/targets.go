package refine

import "github.com/posix4e/strudelcover/internal/session"

// CanonicalSections is the fixed kaizen ordering. The worklist is this
// list filtered to sections present in the song structure.
var CanonicalSections = []string{"intro", "verse", "chorus", "bridge", "outro"}

// SurgeryTarget is a fixed, statically enumerated improvement task. The
// list is derived deterministically from which sections exist, never
// chosen by the generation service.
type SurgeryTarget struct {
	Type        string `json:"type"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// Worklist returns the kaizen section worklist for a session.
func Worklist(sess *session.Session) []string {
	var out []string
	for _, name := range CanonicalSections {
		if sess.HasSection(name) {
			out = append(out, name)
		}
	}
	return out
}

// Targets returns the surgery task list for a session.
func Targets(sess *session.Session) []SurgeryTarget {
	var out []SurgeryTarget

	if sess.HasSection("verse") && sess.HasSection("chorus") {
		out = append(out, SurgeryTarget{
			Type:        "transition",
			Location:    "verse to chorus",
			Description: "smooth the verse-to-chorus transition with a riser, filter sweep, or drum fill",
		})
	}

	out = append(out, SurgeryTarget{
		Type:        "drum-fill",
		Location:    "section boundaries",
		Description: "add drum fills at section boundaries to signal changes",
	})

	if sess.HasSection("intro") {
		out = append(out, SurgeryTarget{
			Type:        "intro-hook",
			Location:    "intro",
			Description: "give the intro a memorable hook that foreshadows the main melody",
		})
	}

	out = append(out, SurgeryTarget{
		Type:        "melodic-variation",
		Location:    "whole song",
		Description: "vary repeated melodic phrases so later repeats differ from earlier ones",
	})

	if sess.HasSection("outro") {
		out = append(out, SurgeryTarget{
			Type:        "outro-effects",
			Location:    "outro",
			Description: "wind the outro down with delay tails, filter closes, and thinning layers",
		})
	}

	return out
}
