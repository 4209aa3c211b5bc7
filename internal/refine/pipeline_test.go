package refine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/session"
)

// eventLog records the interleaving of clock waits and pipeline actions so
// tests can assert ordering without real timers.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeClock fires every scheduled wait immediately and logs its duration.
type fakeClock struct{ log *eventLog }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.log.add(fmt.Sprintf("wait:%s", d))
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// blockedClock never fires, so the pipeline parks on its first wait.
type blockedClock struct{ log *eventLog }

func (c *blockedClock) After(d time.Duration) <-chan time.Time {
	c.log.add(fmt.Sprintf("wait:%s", d))
	return make(chan time.Time)
}

// fakeMutator mirrors the production mutation owner: Step persists the
// pattern, EnterPhase moves the mode.
type fakeMutator struct {
	log     *eventLog
	err     error
	pattern string
}

func (m *fakeMutator) Step(ctx context.Context, sess *session.Session, instruction string) (string, error) {
	m.log.add("step:" + firstWordOfScope(instruction))
	if m.err != nil {
		return "", m.err
	}
	sess.CurrentPattern = m.pattern
	return m.pattern, nil
}

func (m *fakeMutator) EnterPhase(sess *session.Session, mode session.Mode) {
	sess.Mode = mode
}

// firstWordOfScope compresses an instruction into a stable label for the
// event log: the quoted section name if present, otherwise a prefix.
func firstWordOfScope(instruction string) string {
	if i := strings.Index(instruction, `"`); i >= 0 {
		rest := instruction[i+1:]
		if j := strings.Index(rest, `"`); j >= 0 {
			return rest[:j]
		}
	}
	return strings.Fields(instruction)[0]
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []dashboard.Message
}

func (b *recordingBroadcaster) Broadcast(msg dashboard.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBroadcaster) byType(t string) []dashboard.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []dashboard.Message
	for _, m := range b.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func testTiming() Timing {
	return Timing{
		InitialDelay: 20 * time.Second,
		GestaltDwell: 20 * time.Second,
		KaizenDwell:  10 * time.Second,
		SurgeryDwell: 6 * time.Second,
	}
}

func runPipeline(t *testing.T, sess *session.Session, log *eventLog) *recordingBroadcaster {
	t.Helper()
	bc := &recordingBroadcaster{}
	p := New(&fakeMutator{log: log, pattern: "sound(\"bd\")"},
		bc, testTiming(), &fakeClock{log: log}, zap.NewNop())
	require.NoError(t, p.Run(context.Background(), sess))
	return bc
}

func TestRunPhaseOrderAndCounts(t *testing.T) {
	sess := sessionWithSections("intro", "verse1", "chorus1", "outro")
	log := &eventLog{}
	bc := runPipeline(t, sess, log)

	events := log.all()

	// Initial delay comes before any mutation.
	require.NotEmpty(t, events)
	assert.Equal(t, "wait:20s", events[0])
	assert.True(t, strings.HasPrefix(events[1], "step:"), "gestalt step follows the initial delay, got %v", events[:2])

	var steps []string
	for _, ev := range events {
		if strings.HasPrefix(ev, "step:") {
			steps = append(steps, strings.TrimPrefix(ev, "step:"))
		}
	}
	// 1 gestalt + 4 kaizen sections + 5 surgery targets.
	require.Len(t, steps, 10)
	assert.Equal(t, []string{"intro", "verse", "chorus", "outro"}, steps[1:5])

	modes := bc.byType("modeChange")
	require.Len(t, modes, 4)
	assert.Equal(t, "gestalt", modes[0].Payload["mode"])
	assert.Equal(t, "kaizen", modes[1].Payload["mode"])
	assert.Equal(t, "surgery", modes[2].Payload["mode"])
	assert.Equal(t, "complete", modes[3].Payload["mode"])
	assert.Equal(t, session.ModeComplete, sess.Mode)
}

func TestRunWaitsBetweenStepsButNotAfterLast(t *testing.T) {
	sess := sessionWithSections("intro", "verse1", "chorus1", "outro")
	log := &eventLog{}
	runPipeline(t, sess, log)

	var waits []string
	for _, ev := range log.all() {
		if strings.HasPrefix(ev, "wait:") {
			waits = append(waits, ev)
		}
	}
	// initial + gestalt dwell + 3 kaizen gaps (4 sections) + 4 surgery gaps
	// (5 targets). No wait after the final step of a phase.
	assert.Equal(t, []string{
		"wait:20s", "wait:20s",
		"wait:10s", "wait:10s", "wait:10s",
		"wait:6s", "wait:6s", "wait:6s", "wait:6s",
	}, waits)
}

func TestRunDoesNotActBeforeScheduledTime(t *testing.T) {
	sess := sessionWithSections("verse1", "chorus1")
	log := &eventLog{}
	p := New(&fakeMutator{log: log, pattern: "x"},
		&recordingBroadcaster{}, testTiming(), &blockedClock{log: log}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, sess) }()

	// The pipeline must park on the initial delay without mutating.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"wait:20s"}, log.all())

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"wait:20s"}, log.all(), "cancellation must not trigger pending work")
}

func TestRunEmptyWorklistSkipsToSurgery(t *testing.T) {
	sess := sessionWithSections() // no structure at all
	log := &eventLog{}
	bc := runPipeline(t, sess, log)

	var steps int
	for _, ev := range log.all() {
		if strings.HasPrefix(ev, "step:") {
			steps++
		}
	}
	// 1 gestalt + 0 kaizen + 2 unconditional surgery targets.
	assert.Equal(t, 3, steps)

	modes := bc.byType("modeChange")
	require.Len(t, modes, 4, "kaizen still announces itself even when empty")
}

func TestRunStepFailureIsNonFatal(t *testing.T) {
	sess := sessionWithSections("verse1", "chorus1")
	log := &eventLog{}
	bc := &recordingBroadcaster{}
	mut := &fakeMutator{log: log, err: fmt.Errorf("model overloaded")}
	p := New(mut, bc, testTiming(), &fakeClock{log: log}, zap.NewNop())

	require.NoError(t, p.Run(context.Background(), sess))
	assert.Equal(t, session.ModeComplete, sess.Mode, "failed steps are skipped, never abort the pipeline")
	assert.NotEmpty(t, bc.byType("log"), "failed steps are surfaced to observers")
}

func TestRunKaizenWorklistSnapshots(t *testing.T) {
	sess := sessionWithSections("verse1", "chorus1")
	log := &eventLog{}
	bc := runPipeline(t, sess, log)

	var kaizenSnaps []dashboard.Message
	for _, m := range bc.byType("visualizationUpdate") {
		if m.Payload["mode"] == string(session.ModeKaizen) {
			kaizenSnaps = append(kaizenSnaps, m)
		}
	}
	// One in-progress snapshot and one done snapshot per section.
	assert.Len(t, kaizenSnaps, 4)
}
