package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/posix4e/strudelcover/internal/config"
	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/session"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	msgs []dashboard.Message
}

func (c *captureBroadcaster) Broadcast(msg dashboard.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *captureBroadcaster) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func newTestRecorder(t *testing.T, binary string) (*Recorder, *captureBroadcaster, config.RecorderConfig) {
	t.Helper()
	cfg := config.RecorderConfig{
		Binary:      binary,
		Dir:         t.TempDir(),
		AutoStopSec: 30,
	}
	bc := &captureBroadcaster{}
	return New(cfg, bc, zaptest.NewLogger(t)), bc, cfg
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"The Beatles":      "the_beatles",
		"Hey Jude":         "hey_jude",
		"AC/DC":            "ac_dc",
		"  trim me  ":      "trim_me",
		"Sigur Rós (live)": "sigur_r_s_live",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecorder_PlaceholderWhenBinaryMissing(t *testing.T) {
	r, bc, cfg := newTestRecorder(t, "definitely-not-a-real-capture-binary")
	sess := session.New("The Beatles", "Hey Jude", "")

	if err := r.Start(context.Background(), sess); err != nil {
		t.Fatalf("Start must not fail when the binary is absent: %v", err)
	}
	if !sess.IsRecording {
		t.Error("expected IsRecording=true after Start")
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop must satisfy the finalize contract: %v", err)
	}
	if sess.IsRecording {
		t.Error("expected IsRecording=false after Stop")
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one placeholder recording, got %d", len(entries))
	}
	name := entries[0].Name()
	if filepath.Ext(name) != ".wav" {
		t.Errorf("expected .wav placeholder, got %s", name)
	}

	types := bc.types()
	if len(types) != 2 || types[0] != "recordingStarted" || types[1] != "recordingStopped" {
		t.Errorf("expected recordingStarted then recordingStopped, got %v", types)
	}
}

func TestRecorder_StartIsIdempotent(t *testing.T) {
	r, bc, _ := newTestRecorder(t, "definitely-not-a-real-capture-binary")
	sess := session.New("a", "b", "")

	if err := r.Start(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), sess); err != nil {
		t.Fatalf("second Start must be a no-op: %v", err)
	}
	if got := len(bc.types()); got != 1 {
		t.Errorf("expected a single recordingStarted broadcast, got %d", got)
	}
	_ = r.Stop(context.Background())
}

func TestRecorder_StopWhileIdleIsNoOp(t *testing.T) {
	r, bc, _ := newTestRecorder(t, "definitely-not-a-real-capture-binary")
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("idle Stop must not error: %v", err)
	}
	if len(bc.types()) != 0 {
		t.Errorf("idle Stop must not broadcast, got %v", bc.types())
	}
}

func TestRecorder_ArchivesToExplicitOutputPath(t *testing.T) {
	r, _, _ := newTestRecorder(t, "definitely-not-a-real-capture-binary")
	out := filepath.Join(t.TempDir(), "archive", "final.wav")
	r.OutputPath = out

	sess := session.New("The Beatles", "Hey Jude", "")
	if err := r.Start(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(out); err != nil {
		t.Errorf("expected archived recording at %s: %v", out, err)
	}
}

func TestRecorder_AutoStopFires(t *testing.T) {
	r, bc, _ := newTestRecorder(t, "definitely-not-a-real-capture-binary")
	r.cfg.AutoStopSec = 1

	sess := session.New("a", "b", "")
	if err := r.Start(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		recording := r.sess != nil
		r.mu.Unlock()
		if !recording {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if sess.IsRecording {
		t.Error("expected auto-stop to end the recording")
	}
	types := bc.types()
	if len(types) != 2 || types[1] != "recordingStopped" {
		t.Errorf("expected recordingStopped from auto-stop, got %v", types)
	}
}
