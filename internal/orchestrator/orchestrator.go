// Package orchestrator coordinates one cover session end to end: analysis
// loading, the initial generation, the error-driven retry state machine,
// recording, and the refinement pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/analysis"
	"github.com/posix4e/strudelcover/internal/config"
	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/generate"
	"github.com/posix4e/strudelcover/internal/refine"
	"github.com/posix4e/strudelcover/internal/session"
	"github.com/posix4e/strudelcover/internal/strudel"
)

// Bridge is the live-environment surface the orchestrator drives.
type Bridge interface {
	Install(ctx context.Context, text string) error
	Play(ctx context.Context) strudel.PlayResult
	RemoveTrailingParenthesis(ctx context.Context) error
	OnRuntimeError(fn func(text string))
}

// Generator regenerates the whole pattern from session state.
type Generator interface {
	Generate(ctx context.Context, sess *session.Session, instruction, errorContext string) (string, error)
}

// AudioRecorder is the capture lifecycle.
type AudioRecorder interface {
	Start(ctx context.Context, sess *session.Session) error
	Stop(ctx context.Context) error
}

// Options name the request the orchestrator serves.
type Options struct {
	Artist    string
	Song      string
	AudioFile string
	Record    bool
}

// Orchestrator owns one session's lifecycle.
type Orchestrator struct {
	cfg       config.Config
	opts      Options
	gen       Generator
	bridge    Bridge
	recorder  AudioRecorder
	broadcast dashboard.Broadcaster
	clock     refine.Clock
	log       *zap.Logger

	sess *session.Session

	// runCtx bounds async mutation cycles spawned by runtime error events.
	runCtx context.Context

	// mutMu serializes every mutation of the current pattern: refinement
	// steps, phase transitions, and error-recovery cycles all hold it, so
	// at most one generate/install is ever in flight against the editor.
	mutMu sync.Mutex

	mu sync.Mutex
	// inFlight guards against overlapping error-recovery cycles: error
	// events arriving while one cycle runs are dropped, not queued.
	inFlight bool
	// repaired marks that the current pattern already consumed its one
	// local trailing-parenthesis repair.
	repaired bool
}

// New wires an orchestrator. A nil clock means the wall clock.
func New(cfg config.Config, opts Options, gen Generator, bridge Bridge, rec AudioRecorder, broadcast dashboard.Broadcaster, clock refine.Clock, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		opts:      opts,
		gen:       gen,
		bridge:    bridge,
		recorder:  rec,
		broadcast: broadcast,
		clock:     clock,
		log:       log,
	}
}

// Session exposes the session for status inspection.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// Run executes the full lifecycle and blocks until the refinement pipeline
// completes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx

	sess := session.New(o.opts.Artist, o.opts.Song, o.opts.AudioFile)
	o.sess = sess
	o.broadcast.Broadcast(dashboard.SongInfo(sess.Artist, sess.Song))

	res := o.loadAnalysis()
	sess.BPM = res.BPM
	sess.SongStructure = res.Structure

	// Runtime errors start flowing as soon as the first install evaluates.
	o.bridge.OnRuntimeError(o.handleRuntimeError)

	o.EnterPhase(sess, session.ModeGenerating)
	if _, err := o.Step(ctx, sess, generate.InitialInstruction); err != nil {
		return fmt.Errorf("initial generation: %w", err)
	}

	switch o.bridge.Play(ctx) {
	case strudel.PlayStarted:
		o.broadcast.Broadcast(dashboard.AutoplayStarted())
	case strudel.PlayUnavailable:
		o.log.Warn("autoplay unavailable, waiting for manual start")
		o.broadcast.Broadcast(dashboard.Log("autoplay unavailable, press play in the editor", "warn"))
	}

	if o.opts.Record && o.recorder != nil {
		if err := o.recorder.Start(ctx, sess); err != nil {
			o.log.Warn("recording failed to start", zap.Error(err))
		}
	}

	pipeline := refine.New(o, o.broadcast, refine.Timing{
		InitialDelay: o.cfg.Refine.InitialDelay(),
		GestaltDwell: o.cfg.Refine.GestaltDwell(),
		KaizenDwell:  o.cfg.Refine.KaizenDwell(),
		SurgeryDwell: o.cfg.Refine.SurgeryDwell(),
	}, o.clock, o.log)

	err := pipeline.Run(ctx, sess)

	if o.recorder != nil && sess.IsRecording {
		stopCtx := context.WithoutCancel(ctx)
		if stopErr := o.recorder.Stop(stopCtx); stopErr != nil {
			o.log.Warn("recording failed to stop cleanly", zap.Error(stopErr))
		}
	}
	return err
}

// Step runs one top-level generate-and-install mutation under the mutation
// lock, resets the per-pattern repair and retry budgets, and announces the
// accepted text. Every new top-level pattern gets a fresh allowance.
func (o *Orchestrator) Step(ctx context.Context, sess *session.Session, instruction string) (string, error) {
	o.mutMu.Lock()
	defer o.mutMu.Unlock()

	code, err := o.gen.Generate(ctx, sess, instruction, "")
	if err != nil {
		return "", err
	}
	if err := o.bridge.Install(ctx, code); err != nil {
		return "", err
	}
	o.mu.Lock()
	o.repaired = false
	sess.RetryCount = 0
	o.mu.Unlock()
	o.broadcast.Broadcast(dashboard.Pattern(code))
	return code, nil
}

// EnterPhase moves the session into a new mode under the mutation lock,
// so phase transitions never race with an error-recovery cycle.
func (o *Orchestrator) EnterPhase(sess *session.Session, mode session.Mode) {
	o.mutMu.Lock()
	sess.Mode = mode
	o.mutMu.Unlock()
}

// loadAnalysis resolves the precomputed analysis for the audio file,
// falling back to the stock pop structure.
func (o *Orchestrator) loadAnalysis() analysis.Result {
	if o.opts.AudioFile == "" {
		return analysis.Default()
	}
	path := strings.TrimSuffix(o.opts.AudioFile, filepath.Ext(o.opts.AudioFile)) + ".json"
	res, err := analysis.Load(path)
	if err != nil {
		o.log.Info("no usable analysis, using default structure",
			zap.String("path", path), zap.Error(err))
		return analysis.Default()
	}
	o.log.Info("loaded analysis",
		zap.Int("bpm", res.BPM),
		zap.Int("sections", len(res.Structure)))
	return res
}

// handleRuntimeError receives raw error text from the live environment.
// Only one mutation cycle may be in flight; concurrent events are dropped.
func (o *Orchestrator) handleRuntimeError(text string) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		o.log.Debug("dropping runtime error, mutation in flight", zap.String("error", text))
		return
	}
	o.inFlight = true
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			o.inFlight = false
			o.mu.Unlock()
		}()
		o.mutate(o.runCtx, text)
	}()
}

// mutate runs one recovery cycle for a runtime error: a local repair when
// the error is the known trailing-parenthesis shape, otherwise a full
// regeneration while the retry budget lasts. It holds the mutation lock for
// the whole cycle, so refinement steps and recovery never interleave.
func (o *Orchestrator) mutate(ctx context.Context, text string) {
	o.mutMu.Lock()
	defer o.mutMu.Unlock()

	sess := o.sess
	sess.LastError = text
	o.broadcast.Broadcast(dashboard.Error(text))
	o.log.Warn("runtime error", zap.String("error", text))

	if classifyError(text) == errTrailingParen {
		o.mu.Lock()
		first := !o.repaired
		o.repaired = true
		o.mu.Unlock()
		if first {
			// Deterministic local fix: no retry slot consumed, no
			// generation round trip.
			if err := o.bridge.RemoveTrailingParenthesis(ctx); err != nil {
				o.log.Warn("local repair failed", zap.Error(err))
			} else {
				o.log.Info("applied local trailing-parenthesis repair")
				o.broadcast.Broadcast(dashboard.Log("removed trailing parenthesis", "info"))
				o.play(ctx)
				return
			}
		}
	}

	o.mu.Lock()
	exhausted := sess.RetryCount >= o.cfg.MaxRetries || !sess.HasIdentity()
	if !exhausted {
		sess.RetryCount++
	}
	attempt := sess.RetryCount
	o.mu.Unlock()

	if exhausted {
		o.log.Error("retry budget exhausted, keeping last pattern",
			zap.Int("retries", attempt),
			zap.String("error", text))
		o.broadcast.Broadcast(dashboard.Log(
			fmt.Sprintf("giving up after %d retries: %s", attempt, text), "error"))
		return
	}

	// Retrying is visible only while the cycle runs; the session goes back
	// to whatever owned it once the recovery attempt ends either way.
	prevMode := sess.Mode
	sess.Mode = session.ModeRetrying
	defer func() { sess.Mode = prevMode }()

	o.broadcast.Broadcast(dashboard.RetryUpdate(attempt))
	o.log.Info("regenerating after runtime error",
		zap.Int("attempt", attempt),
		zap.Int("max", o.cfg.MaxRetries))

	code, err := o.gen.Generate(ctx, sess, generateFix, text)
	if err != nil {
		o.log.Error("retry generation failed", zap.Error(err))
		return
	}
	// Install via the bridge directly: a retry must not reset the retry
	// budget it is spending.
	o.mu.Lock()
	o.repaired = false
	o.mu.Unlock()
	if err := o.bridge.Install(ctx, code); err != nil {
		o.log.Error("retry install failed", zap.Error(err))
		return
	}
	o.broadcast.Broadcast(dashboard.Pattern(code))
	o.play(ctx)
}

// play re-attempts playback after a mutation. Best-effort: evaluation keeps
// the audio running in most cases, so an unavailable control is only noted.
func (o *Orchestrator) play(ctx context.Context) {
	if o.bridge.Play(ctx) == strudel.PlayStarted {
		o.broadcast.Broadcast(dashboard.AutoplayStarted())
	} else {
		o.log.Debug("playback control unavailable after mutation")
	}
}

// errorClass partitions runtime errors by recovery strategy.
type errorClass int

const (
	errGeneral errorClass = iota
	// errTrailingParen is the one syntax shape fixed locally: the editor
	// reports an unexpected token at a closing parenthesis, almost always
	// an extra paren at the end of the pattern.
	errTrailingParen
)

func classifyError(text string) errorClass {
	if strings.Contains(text, "Unexpected token") && strings.Contains(text, ")") {
		return errTrailingParen
	}
	return errGeneral
}

const generateFix = `The previous pattern failed at runtime. Fix the error and
return the complete corrected pattern.`
