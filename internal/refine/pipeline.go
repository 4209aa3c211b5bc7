// Package refine runs the timer-driven refinement pipeline: one whole-song
// pass, one pass per present section, one pass per fixed surgery target,
// then complete. Phases run strictly in order and are never revisited.
package refine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/session"
)

// Clock abstracts timer scheduling so tests can drive the pipeline with a
// fake clock. Exactly one transition is scheduled at a time.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// RealClock schedules with the wall clock.
type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mutator is the single owner of pattern mutation. Step runs one
// generate-and-install cycle; EnterPhase moves the session between modes.
// Both are serialized against error-recovery cycles by the implementation,
// so at most one mutation of the current pattern is ever in flight.
type Mutator interface {
	Step(ctx context.Context, sess *session.Session, instruction string) (string, error)
	EnterPhase(sess *session.Session, mode session.Mode)
}

// Timing groups the pipeline delays.
type Timing struct {
	InitialDelay time.Duration
	GestaltDwell time.Duration
	KaizenDwell  time.Duration
	SurgeryDwell time.Duration
}

// workItem is one kaizen worklist entry in a visualization snapshot.
type workItem struct {
	Section string `json:"section"`
	Status  string `json:"status"` // todo, in-progress, done
}

// Pipeline drives the three refinement phases for one session.
type Pipeline struct {
	mut       Mutator
	broadcast dashboard.Broadcaster
	clock     Clock
	timing    Timing
	log       *zap.Logger
}

// New creates a pipeline. A nil clock means the wall clock.
func New(mut Mutator, broadcast dashboard.Broadcaster, timing Timing, clock Clock, log *zap.Logger) *Pipeline {
	if clock == nil {
		clock = RealClock{}
	}
	return &Pipeline{
		mut:       mut,
		broadcast: broadcast,
		clock:     clock,
		timing:    timing,
		log:       log,
	}
}

// Run executes Gestalt, Kaizen, Surgery, and Complete in order. It blocks
// until the pipeline completes or ctx is cancelled. Errors inside a phase
// step are logged and skipped so one failed improvement never aborts the
// remaining steps.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session) error {
	if err := p.wait(ctx, p.timing.InitialDelay); err != nil {
		return err
	}

	if err := p.gestalt(ctx, sess); err != nil {
		return err
	}
	if err := p.kaizen(ctx, sess); err != nil {
		return err
	}
	if err := p.surgery(ctx, sess); err != nil {
		return err
	}

	p.mut.EnterPhase(sess, session.ModeComplete)
	p.broadcast.Broadcast(dashboard.ModeChange(string(session.ModeComplete), "Complete",
		fmt.Sprintf("refinement finished for %s - %s", sess.Artist, sess.Song)))
	p.broadcast.Broadcast(dashboard.Log("refinement pipeline complete", "info"))
	p.log.Info("refinement pipeline complete",
		zap.String("artist", sess.Artist),
		zap.String("song", sess.Song))
	return nil
}

// gestalt is the whole-song pass.
func (p *Pipeline) gestalt(ctx context.Context, sess *session.Session) error {
	p.mut.EnterPhase(sess, session.ModeGestalt)
	p.broadcast.Broadcast(dashboard.ModeChange(string(session.ModeGestalt), "Phase 1",
		"whole-song pass: energy arc, transitions, thematic consistency"))

	instruction := `Improve the pattern as a whole: shape the energy arc across
sections, smooth every section transition, keep the melodic theme consistent,
and place the climax where the structure peaks. Return the complete pattern.`

	p.step(ctx, sess, "gestalt", instruction)
	return p.wait(ctx, p.timing.GestaltDwell)
}

// kaizen is the per-section pass over the fixed canonical order.
func (p *Pipeline) kaizen(ctx context.Context, sess *session.Session) error {
	p.mut.EnterPhase(sess, session.ModeKaizen)
	worklist := Worklist(sess)

	p.broadcast.Broadcast(dashboard.ModeChange(string(session.ModeKaizen), "Phase 2",
		fmt.Sprintf("per-section pass over %d sections", len(worklist))))

	if len(worklist) == 0 {
		return nil
	}

	status := make(map[string]string, len(worklist))
	for _, name := range worklist {
		status[name] = "todo"
	}

	for i, name := range worklist {
		status[name] = "in-progress"
		p.broadcastWorklist(worklist, status)

		instruction := fmt.Sprintf(`Improve only the %q section of the pattern.
Keep every other section exactly as it is. Return the complete pattern with
just that section changed.`, name)
		p.step(ctx, sess, "kaizen:"+name, instruction)

		status[name] = "done"
		p.broadcastWorklist(worklist, status)

		if i < len(worklist)-1 {
			if err := p.wait(ctx, p.timing.KaizenDwell); err != nil {
				return err
			}
		}
	}
	return nil
}

// surgery applies the fixed targeted-fix list.
func (p *Pipeline) surgery(ctx context.Context, sess *session.Session) error {
	p.mut.EnterPhase(sess, session.ModeSurgery)
	targets := Targets(sess)

	p.broadcast.Broadcast(dashboard.ModeChange(string(session.ModeSurgery), "Phase 3",
		fmt.Sprintf("targeted fixes: %d tasks", len(targets))))
	p.broadcast.Broadcast(dashboard.VisualizationUpdate(string(session.ModeSurgery), targets))

	for i, target := range targets {
		instruction := fmt.Sprintf(`Apply one targeted fix to the pattern: %s (%s).
Change nothing else. Return the complete pattern.`, target.Description, target.Location)
		p.step(ctx, sess, "surgery:"+target.Type, instruction)

		if i < len(targets)-1 {
			if err := p.wait(ctx, p.timing.SurgeryDwell); err != nil {
				return err
			}
		}
	}
	return nil
}

// step runs one generate+install cycle. Failures are logged, never fatal.
func (p *Pipeline) step(ctx context.Context, sess *session.Session, label, instruction string) {
	if _, err := p.mut.Step(ctx, sess, instruction); err != nil {
		p.log.Warn("refinement step failed",
			zap.String("step", label), zap.Error(err))
		p.broadcast.Broadcast(dashboard.Log(
			fmt.Sprintf("refinement step %s failed: %v", label, err), "warn"))
	}
}

func (p *Pipeline) broadcastWorklist(worklist []string, status map[string]string) {
	items := make([]workItem, len(worklist))
	for i, name := range worklist {
		items[i] = workItem{Section: name, Status: status[name]}
	}
	p.broadcast.Broadcast(dashboard.VisualizationUpdate(string(session.ModeKaizen), items))
}

// wait blocks on the single scheduled transition, honoring cancellation.
func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
