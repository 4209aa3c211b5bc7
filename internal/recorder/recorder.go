// Package recorder manages the external audio-capture process tied to a
// session's playback. Absence of a capture binary is an expected operating
// condition, not an error: the stop/finalize contract is honored against a
// placeholder file instead.
package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/config"
	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/session"
)

const (
	finalizeTimeout = 3 * time.Second
	finalizeQuiet   = 300 * time.Millisecond
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Recorder starts and stops one capture process at a time.
type Recorder struct {
	cfg       config.RecorderConfig
	broadcast dashboard.Broadcaster
	log       *zap.Logger

	// OutputPath, when set, is the operator-requested destination the
	// finished capture is archived to.
	OutputPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	file      string
	startedAt time.Time
	autoStop  *time.Timer
	sess      *session.Session
}

// New creates a recorder.
func New(cfg config.RecorderConfig, broadcast dashboard.Broadcaster, log *zap.Logger) *Recorder {
	return &Recorder{cfg: cfg, broadcast: broadcast, log: log}
}

// Start begins capturing audio for the session. It is idempotent: calling
// it while a capture is running is a no-op.
func (r *Recorder) Start(ctx context.Context, sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess.IsRecording {
		r.log.Debug("recording already in progress")
		return nil
	}

	// Capture always lands in the recordings dir; an explicit OutputPath
	// is honored at Stop by archiving the finished file there.
	name := fmt.Sprintf("%s_%s_%s.wav",
		sanitize(sess.Artist), sanitize(sess.Song),
		time.Now().Format("20060102-150405"))
	file := filepath.Join(r.cfg.Dir, name)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	binPath, err := exec.LookPath(r.cfg.Binary)
	if err != nil {
		// Capture unavailable on this host. The lifecycle still runs so
		// Stop has a file to finalize against.
		r.log.Warn("capture binary not found, recording to placeholder only",
			zap.String("binary", r.cfg.Binary))
		if err := os.WriteFile(file, nil, 0o644); err != nil {
			return fmt.Errorf("create placeholder recording: %w", err)
		}
	} else {
		args := r.cfg.Args
		if len(args) == 0 {
			args = defaultCaptureArgs(file)
		} else {
			args = append(append([]string{}, args...), file)
		}
		cmd := exec.CommandContext(ctx, binPath, args...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start capture process: %w", err)
		}
		r.cmd = cmd
		r.log.Info("capture started",
			zap.String("binary", binPath),
			zap.String("file", file))
	}

	r.file = file
	r.startedAt = time.Now()
	r.sess = sess
	sess.IsRecording = true

	r.autoStop = time.AfterFunc(r.cfg.AutoStop(), func() {
		r.log.Info("auto-stop timer fired")
		if err := r.Stop(context.Background()); err != nil {
			r.log.Warn("auto-stop failed", zap.Error(err))
		}
	})

	r.broadcast.Broadcast(dashboard.RecordingStarted(filepath.Base(file)))
	return nil
}

// Stop terminates the capture, waits for the output file to finalize, and
// broadcasts the final filename and duration. Calling Stop while idle is a
// no-op.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess == nil || !r.sess.IsRecording {
		return nil
	}

	if r.autoStop != nil {
		r.autoStop.Stop()
		r.autoStop = nil
	}

	if r.cmd != nil && r.cmd.Process != nil {
		// Capture tools finalize their container on SIGTERM/interrupt.
		if err := r.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.cmd.Wait()
		r.cmd = nil
	}

	r.waitForFinalize(ctx, r.file)

	if _, err := os.Stat(r.file); err != nil {
		// Honor the contract even when the process produced nothing.
		r.log.Warn("capture produced no output, writing placeholder",
			zap.String("file", r.file))
		if werr := os.WriteFile(r.file, nil, 0o644); werr != nil {
			return fmt.Errorf("finalize placeholder: %w", werr)
		}
	}

	final := r.file
	if r.OutputPath != "" && r.OutputPath != r.file {
		if err := copyFile(r.file, r.OutputPath); err != nil {
			r.log.Warn("archive copy failed", zap.Error(err))
		} else {
			final = r.OutputPath
		}
	}

	duration := time.Since(r.startedAt).Seconds()
	r.sess.IsRecording = false
	r.sess = nil

	r.log.Info("capture stopped",
		zap.String("file", final),
		zap.Float64("seconds", duration))
	r.broadcast.Broadcast(dashboard.RecordingStopped(filepath.Base(final), duration))
	return nil
}

// waitForFinalize blocks until the output file stops changing, using
// fsnotify with a polling fallback.
func (r *Recorder) waitForFinalize(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.pollForFinalize(ctx, path)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		r.pollForFinalize(ctx, path)
		return
	}

	deadline := time.After(finalizeTimeout)
	quiet := time.NewTimer(finalizeQuiet)
	defer quiet.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				quiet.Reset(finalizeQuiet)
			}
		case <-watcher.Errors:
			r.pollForFinalize(ctx, path)
			return
		case <-quiet.C:
			return
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollForFinalize waits until the file size is stable across two polls.
func (r *Recorder) pollForFinalize(ctx context.Context, path string) {
	var last int64 = -1
	deadline := time.Now().Add(finalizeTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(finalizeQuiet):
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == last {
			return
		}
		last = info.Size()
	}
}

func sanitize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func defaultCaptureArgs(file string) []string {
	// ffmpeg capture from the default pulse source, overwriting file.
	return []string{"-y", "-f", "pulse", "-i", "default", file}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
