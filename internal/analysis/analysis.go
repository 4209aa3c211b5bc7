// Package analysis loads precomputed audio-analysis results.
// The analysis itself (BPM estimation, structure detection, transcription)
// runs out of process; this package only consumes its JSON output and
// provides the fixed pop-song fallback when no analysis exists.
package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/posix4e/strudelcover/internal/session"
)

// DefaultBPM is used when no tempo estimate is available.
const DefaultBPM = 120

// Result is the subset of the analysis output the core consumes.
type Result struct {
	BPM       int
	Duration  float64
	Structure []session.Section
}

// rawResult mirrors the analysis JSON on disk. The ML pipeline writes
// tempo either at the top level or under "features", depending on which
// template produced it.
type rawResult struct {
	BPM       float64               `json:"bpm"`
	Tempo     float64               `json:"tempo"`
	Duration  float64               `json:"duration"`
	Features  *rawFeatures          `json:"features"`
	Structure map[string]rawSection `json:"structure"`
}

type rawFeatures struct {
	Tempo    float64 `json:"tempo"`
	Duration float64 `json:"duration"`
}

type rawSection struct {
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
}

// Load reads an analysis JSON file. A missing or unparseable file is not an
// error condition for the session: callers should fall back to Default().
func Load(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read analysis: %w", err)
	}

	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("parse analysis: %w", err)
	}

	res := Result{
		BPM:      DefaultBPM,
		Duration: raw.Duration,
	}

	bpm := raw.BPM
	if bpm == 0 {
		bpm = raw.Tempo
	}
	if bpm == 0 && raw.Features != nil {
		bpm = raw.Features.Tempo
	}
	if bpm > 0 {
		res.BPM = int(math.Round(bpm))
	}
	if res.Duration == 0 && raw.Features != nil {
		res.Duration = raw.Features.Duration
	}

	for name, sec := range raw.Structure {
		res.Structure = append(res.Structure, session.Section{
			Name:        name,
			Start:       sec.Start,
			Duration:    sec.Duration,
			Description: sec.Description,
		})
	}
	sort.Slice(res.Structure, func(i, j int) bool {
		return res.Structure[i].Start < res.Structure[j].Start
	})

	if len(res.Structure) == 0 {
		res.Structure = DefaultStructure()
	}
	return res, nil
}

// Default returns the fixed pop-song template used when no analysis exists.
func Default() Result {
	return Result{
		BPM:       DefaultBPM,
		Duration:  104,
		Structure: DefaultStructure(),
	}
}

// DefaultStructure is the fixed pop-song section layout, in seconds.
func DefaultStructure() []session.Section {
	return []session.Section{
		{Name: "intro", Start: 0, Duration: 8, Description: "establish the mood"},
		{Name: "verse1", Start: 8, Duration: 16, Description: "first verse"},
		{Name: "chorus1", Start: 24, Duration: 16, Description: "first chorus, full energy"},
		{Name: "verse2", Start: 40, Duration: 16, Description: "second verse"},
		{Name: "chorus2", Start: 56, Duration: 16, Description: "second chorus"},
		{Name: "bridge", Start: 72, Duration: 8, Description: "contrast section"},
		{Name: "chorus3", Start: 80, Duration: 16, Description: "final chorus"},
		{Name: "outro", Start: 96, Duration: 8, Description: "wind down"},
	}
}
