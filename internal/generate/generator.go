// Package generate owns the single active pattern: it drives one completion
// request per call, extracts code from the response, optionally runs a
// best-effort validation pass, and persists the accepted text.
package generate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/llm"
	"github.com/posix4e/strudelcover/internal/session"
)

// Generator produces pattern text from focused instructions.
type Generator struct {
	client    llm.Client
	broadcast dashboard.Broadcaster
	log       *zap.Logger

	debugDir string
	validate bool

	mu      sync.Mutex
	counter int
}

// New creates a generator. debugDir may be empty to skip artifacts.
func New(client llm.Client, broadcast dashboard.Broadcaster, debugDir string, validate bool, log *zap.Logger) *Generator {
	return &Generator{
		client:    client,
		broadcast: broadcast,
		log:       log,
		debugDir:  debugDir,
		validate:  validate,
	}
}

// Generate builds a prompt from the instruction (plus a corrective preamble
// when errorContext is non-empty), invokes the completion capability once,
// and returns the extracted pattern text. A transport failure is fatal for
// the caller: there is no silent fallback. The accepted text is persisted as
// the session's current pattern and written as a debug artifact.
func (g *Generator) Generate(ctx context.Context, sess *session.Session, instruction, errorContext string) (string, error) {
	prompt := buildPrompt(sess, instruction, errorContext)

	g.log.Info("requesting pattern",
		zap.String("artist", sess.Artist),
		zap.String("song", sess.Song),
		zap.Bool("corrective", errorContext != ""))
	g.broadcast.Broadcast(dashboard.Log("generating pattern...", "info"))

	response, err := g.client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("pattern generation failed: %w", err)
	}

	code := ExtractCode(response)
	g.writeArtifact(code, "raw")

	if g.validate {
		code = g.validatePass(ctx, code)
	}

	sess.CurrentPattern = code
	g.writeArtifact(code, "accepted")

	g.log.Info("pattern accepted", zap.Int("bytes", len(code)))
	return code, nil
}

// validatePass runs one validate-and-correct completion over the extracted
// text. Validation is best-effort: on any failure the unvalidated text is
// accepted, because the live environment is the ultimate authority.
func (g *Generator) validatePass(ctx context.Context, code string) string {
	response, err := g.client.CompleteWithSystem(ctx, systemPrompt, validationPrompt(code))
	if err != nil {
		g.log.Warn("validation pass skipped", zap.Error(err))
		return code
	}
	corrected := ExtractCode(response)
	if corrected == "" {
		g.log.Warn("validation pass returned nothing, keeping original")
		return code
	}
	return corrected
}

// writeArtifact persists the pattern text for offline debugging.
func (g *Generator) writeArtifact(code, stage string) {
	if g.debugDir == "" {
		return
	}
	g.mu.Lock()
	g.counter++
	n := g.counter
	g.mu.Unlock()

	if err := os.MkdirAll(g.debugDir, 0o755); err != nil {
		g.log.Warn("debug dir unavailable", zap.Error(err))
		return
	}
	name := fmt.Sprintf("pattern_%s_%03d_%s.js", time.Now().Format("20060102-150405"), n, stage)
	if err := os.WriteFile(filepath.Join(g.debugDir, name), []byte(code), 0o644); err != nil {
		g.log.Warn("debug artifact write failed", zap.Error(err))
	}
}
