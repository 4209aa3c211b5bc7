// Package strudel drives the browser-hosted Strudel REPL. It is the only
// component that touches the live environment: it replaces editor content,
// triggers evaluation and playback, and surfaces console-level errors.
//
// Every interaction here is best-effort. The page is an externally owned
// mutable widget with no transactional guarantee, so content is always
// replaced wholesale and failures mean "could not confirm", not "abort".
package strudel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/posix4e/strudelcover/internal/config"
)

// PlayResult reports whether playback could be confirmed.
type PlayResult int

const (
	PlayStarted PlayResult = iota
	PlayUnavailable
)

// playSelectors are tried in order before falling back to the space-bar
// gesture. Strudel has shipped several variants of its play control.
var playSelectors = []string{
	"button[title='play']",
	"button[aria-label='play']",
	"#play",
	"button.play",
}

const editorSelector = ".cm-content"

// Bridge owns the Chrome page hosting the Strudel REPL.
type Bridge struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page

	handlerMu sync.RWMutex
	handlers  []func(string)
}

// New creates a bridge. Start must be called before any interaction.
func New(cfg config.BrowserConfig, log *zap.Logger) *Bridge {
	return &Bridge{cfg: cfg, log: log}
}

// Start launches Chrome, opens the Strudel page, and begins streaming
// console errors to registered handlers.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.page != nil {
		return nil
	}

	launch := launcher.New().Headless(b.cfg.Headless)
	if b.cfg.Bin != "" {
		launch = launch.Bin(b.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: b.cfg.StrudelURL})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("open strudel page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.ViewportWidth,
		Height:            b.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		b.log.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Timeout(b.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		b.log.Warn("strudel page load not confirmed", zap.Error(err))
	}

	b.browser = browser
	b.page = page
	b.startErrorStream(ctx, page)

	b.log.Info("strudel bridge connected", zap.String("url", b.cfg.StrudelURL))
	return nil
}

// Shutdown closes the page and the browser.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	return err
}

// OnRuntimeError registers a handler for raw console-level error text.
func (b *Bridge) OnRuntimeError(fn func(text string)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Install replaces the entire editor content with text and triggers
// evaluation. The replacement is always whole-content (select-all, delete,
// insert): the existing content may be a garbled partial state, so
// incremental edits can never be trusted.
func (b *Bridge) Install(ctx context.Context, text string) error {
	page, err := b.currentPage()
	if err != nil {
		return err
	}
	page = page.Context(ctx)

	editor, err := page.Timeout(b.cfg.ActionTimeout()).Element(editorSelector)
	if err != nil {
		return fmt.Errorf("editor not found: %w", err)
	}
	if err := editor.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus editor: %w", err)
	}

	if err := page.Keyboard.Press(input.ControlLeft); err == nil {
		_ = page.Keyboard.Type(input.KeyA)
		_ = page.Keyboard.Release(input.ControlLeft)
	} else {
		return fmt.Errorf("select all: %w", err)
	}
	if err := page.Keyboard.Type(input.Delete); err != nil {
		return fmt.Errorf("clear editor: %w", err)
	}
	if err := page.InsertText(text); err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}

	return b.evaluate(page)
}

// ReadBack returns the full editor content as currently rendered.
func (b *Bridge) ReadBack(ctx context.Context) (string, error) {
	page, err := b.currentPage()
	if err != nil {
		return "", err
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const lines = Array.from(document.querySelectorAll('.cm-line'));
			if (!lines.length) return "";
			return lines.map(l => l.textContent).join("\n");
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", fmt.Errorf("read editor content: %w", err)
	}
	if res == nil {
		return "", fmt.Errorf("read editor content: empty evaluation result")
	}
	return res.Value.Str(), nil
}

// Play attempts to start playback. A missing play control is an expected
// operating condition, reported as PlayUnavailable rather than an error.
func (b *Bridge) Play(ctx context.Context) PlayResult {
	page, err := b.currentPage()
	if err != nil {
		b.log.Warn("play requested without a page", zap.Error(err))
		return PlayUnavailable
	}
	page = page.Context(ctx)

	for _, sel := range playSelectors {
		el, err := page.Timeout(b.cfg.ActionTimeout()).Element(sel)
		if err != nil {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			b.log.Debug("play control click failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		b.log.Info("playback triggered", zap.String("selector", sel))
		return PlayStarted
	}

	// Generic activation gesture: focus the body and press space.
	b.log.Info("play control not found, trying space-bar gesture")
	if body, err := page.Timeout(b.cfg.ActionTimeout()).Element("body"); err == nil {
		if err := body.Click(proto.InputMouseButtonLeft, 1); err == nil {
			if err := page.Keyboard.Type(input.Space); err == nil {
				return PlayStarted
			}
		}
	}
	return PlayUnavailable
}

// RemoveTrailingParenthesis deletes one character from the end of the
// document and re-evaluates. This is a narrow local repair for the stray
// trailing-parenthesis error class, not a general repair mechanism.
func (b *Bridge) RemoveTrailingParenthesis(ctx context.Context) error {
	page, err := b.currentPage()
	if err != nil {
		return err
	}
	page = page.Context(ctx)

	editor, err := page.Timeout(b.cfg.ActionTimeout()).Element(editorSelector)
	if err != nil {
		return fmt.Errorf("editor not found: %w", err)
	}
	if err := editor.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus editor: %w", err)
	}

	// Ctrl+End moves the cursor to the end of the document.
	if err := page.Keyboard.Press(input.ControlLeft); err != nil {
		return fmt.Errorf("cursor to end: %w", err)
	}
	_ = page.Keyboard.Type(input.End)
	_ = page.Keyboard.Release(input.ControlLeft)

	if err := page.Keyboard.Type(input.Backspace); err != nil {
		return fmt.Errorf("delete trailing character: %w", err)
	}

	return b.evaluate(page)
}

// evaluate triggers Strudel's evaluate action (ctrl+enter).
func (b *Bridge) evaluate(page *rod.Page) error {
	if err := page.Keyboard.Press(input.ControlLeft); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	defer func() { _ = page.Keyboard.Release(input.ControlLeft) }()
	if err := page.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (b *Bridge) currentPage() (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page == nil {
		return nil, fmt.Errorf("bridge not started")
	}
	return b.page, nil
}

// startErrorStream forwards console errors and uncaught exceptions to the
// registered handlers as raw text.
func (b *Bridge) startErrorStream(ctx context.Context, page *rod.Page) {
	go page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			if ev.Type != proto.RuntimeConsoleAPICalledTypeError {
				return
			}
			if text := consoleText(ev.Args); text != "" {
				b.dispatchError(text)
			}
		},
		func(ev *proto.RuntimeExceptionThrown) {
			if ev.ExceptionDetails == nil {
				return
			}
			text := ev.ExceptionDetails.Text
			if ex := ev.ExceptionDetails.Exception; ex != nil && ex.Description != "" {
				text = ex.Description
			}
			if text != "" {
				b.dispatchError(text)
			}
		},
	)()
}

func (b *Bridge) dispatchError(text string) {
	b.log.Debug("runtime error from live environment", zap.String("text", text))
	b.handlerMu.RLock()
	handlers := make([]func(string), len(b.handlers))
	copy(handlers, b.handlers)
	b.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(text)
	}
}

// consoleText flattens console call arguments into one error line,
// preferring the serialized value and falling back to the description.
func consoleText(args []*proto.RuntimeRemoteObject) string {
	var sb strings.Builder
	for _, a := range args {
		if a == nil {
			continue
		}
		part := a.Description
		if !a.Value.Nil() {
			part = a.Value.String()
		}
		if part == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(part)
	}
	return sb.String()
}
