package generate

import (
	"fmt"
	"strings"

	"github.com/posix4e/strudelcover/internal/session"
)

const systemPrompt = `You are an expert Strudel live-coding musician. Strudel is the
JavaScript port of TidalCycles running at strudel.cc. You write complete,
runnable Strudel patterns. Respond with a single fenced code block containing
only the pattern code, no commentary.`

// syntaxRules is included in every generation prompt and again in the
// validation pass. These are the rules patterns most often break.
const syntaxRules = `Strudel syntax rules:
- Use only real Strudel functions: s(), sound(), note(), n(), stack(), cat(),
  seq(), setcps(), gain(), lpf(), hpf(), room(), delay(), pan(), slow(),
  fast(), rev(), jux(), sometimesBy(), every(), euclid(), struct()
- Mini-notation strings go inside quotes: s("bd sd [hh hh] sd")
- setcps(bpm/60/4) sets the tempo
- Every opening parenthesis and bracket must be balanced
- No import statements, no comments outside the pattern, no markdown`

// unknownFunctionSignatures is the closed set of error shapes that get the
// static function-list hint prepended during a corrective retry.
var unknownFunctionSignatures = []string{
	"is not defined",
	"is not a function",
	"Unknown function",
}

const unknownFunctionHint = `The failing name is not a Strudel function. Only use
functions from the syntax rules below; drums are samples played with
s("bd sd hh oh cp rim lt mt ht"), not bare function calls.`

// buildPrompt renders the full generation request for one instruction.
func buildPrompt(sess *session.Session, instruction, errorContext string) string {
	var sb strings.Builder

	if errorContext != "" {
		sb.WriteString("The previous pattern failed in the live environment with this error:\n\n")
		sb.WriteString(errorContext)
		sb.WriteString("\n\n")
		if hint := hintFor(errorContext); hint != "" {
			sb.WriteString(hint)
			sb.WriteString("\n\n")
		}
		sb.WriteString("Fix the problem and return the complete corrected pattern.\n\n")
	}

	fmt.Fprintf(&sb, "Recreate %q by %s as a Strudel pattern.\n\n", sess.Song, sess.Artist)

	if sess.BPM > 0 {
		fmt.Fprintf(&sb, "Tempo: %d BPM (setcps(%d/60/4)).\n", sess.BPM, sess.BPM)
	}
	if len(sess.SongStructure) > 0 {
		sb.WriteString("\nSong structure:\n")
		sb.WriteString(renderStructure(sess.SongStructure))
	}
	if sess.AudioFile != "" {
		fmt.Fprintf(&sb, "\nAn audio analysis of %s informed the structure above; match its feel.\n", sess.AudioFile)
	}

	sb.WriteString("\n")
	sb.WriteString(instruction)
	sb.WriteString("\n\n")
	sb.WriteString(syntaxRules)

	if sess.CurrentPattern != "" {
		sb.WriteString("\n\nCurrent pattern:\n```javascript\n")
		sb.WriteString(sess.CurrentPattern)
		sb.WriteString("\n```")
	}

	return sb.String()
}

// validationPrompt asks for a best-effort syntax correction pass.
func validationPrompt(code string) string {
	var sb strings.Builder
	sb.WriteString("Check this Strudel pattern for syntax errors - unbalanced ")
	sb.WriteString("parentheses, unquoted mini-notation, functions that do not exist. ")
	sb.WriteString("Return the corrected pattern in a fenced code block. If it is ")
	sb.WriteString("already valid, return it unchanged.\n\n")
	sb.WriteString(syntaxRules)
	sb.WriteString("\n\n```javascript\n")
	sb.WriteString(code)
	sb.WriteString("\n```")
	return sb.String()
}

// hintFor returns the static hint when the error text matches the closed
// set of unknown-function signatures, empty otherwise.
func hintFor(errorText string) string {
	for _, sig := range unknownFunctionSignatures {
		if strings.Contains(errorText, sig) {
			return unknownFunctionHint
		}
	}
	return ""
}

func renderStructure(sections []session.Section) string {
	var sb strings.Builder
	for _, sec := range sections {
		fmt.Fprintf(&sb, "  %s: %.0fs-%.0fs", sec.Name, sec.Start, sec.Start+sec.Duration)
		if sec.Description != "" {
			fmt.Fprintf(&sb, " (%s)", sec.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// InitialInstruction is the top-level request for a brand new pattern.
const InitialInstruction = `Write the complete pattern now. Cover every section of the
song structure, layering drums, bass, chords and melody so the arrangement
evolves over time.`
