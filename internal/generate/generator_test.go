package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/posix4e/strudelcover/internal/dashboard"
	"github.com/posix4e/strudelcover/internal/session"
)

// fakeClient scripts completion responses in order.
type fakeClient struct {
	responses []string
	errs      []error
	prompts   []string
	systems   []string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, system)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

type nopBroadcaster struct{ msgs []dashboard.Message }

func (n *nopBroadcaster) Broadcast(msg dashboard.Message) { n.msgs = append(n.msgs, msg) }

func newTestSession() *session.Session {
	s := session.New("The Beatles", "Hey Jude", "")
	s.BPM = 74
	s.SongStructure = []session.Section{
		{Name: "intro", Start: 0, Duration: 8},
		{Name: "verse1", Start: 8, Duration: 16},
	}
	return s
}

func TestGenerate_ExtractsAndPersists(t *testing.T) {
	client := &fakeClient{responses: []string{"```javascript\ns(\"bd sd\")\n```"}}
	g := New(client, &nopBroadcaster{}, "", false, zaptest.NewLogger(t))
	sess := newTestSession()

	code, err := g.Generate(context.Background(), sess, InitialInstruction, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if code != "s(\"bd sd\")\n" {
		t.Errorf("unexpected code: %q", code)
	}
	if sess.CurrentPattern != code {
		t.Error("accepted text must be persisted as the session's current pattern")
	}

	prompt := client.prompts[0]
	if !strings.Contains(prompt, "Hey Jude") || !strings.Contains(prompt, "The Beatles") {
		t.Error("prompt should carry the session identity")
	}
	if !strings.Contains(prompt, "verse1") {
		t.Error("prompt should render the song structure")
	}
	if strings.Contains(prompt, "failed in the live environment") {
		t.Error("no corrective preamble expected without errorContext")
	}
}

func TestGenerate_CorrectivePreamble(t *testing.T) {
	client := &fakeClient{responses: []string{"s(\"bd\")"}}
	g := New(client, &nopBroadcaster{}, "", false, zaptest.NewLogger(t))
	sess := newTestSession()
	sess.CurrentPattern = "kick()"

	_, err := g.Generate(context.Background(), sess, InitialInstruction, "ReferenceError: kick is not defined")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	prompt := client.prompts[0]
	if !strings.Contains(prompt, "ReferenceError: kick is not defined") {
		t.Error("corrective preamble should contain the verbatim error text")
	}
	if !strings.Contains(prompt, "not a Strudel function") {
		t.Error("unknown-function signature should attach the static hint")
	}
	if !strings.Contains(prompt, "kick()") {
		t.Error("corrective prompt should include the failing pattern")
	}
}

func TestGenerate_TransportFailureIsFatal(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("connection refused")}}
	g := New(client, &nopBroadcaster{}, "", false, zaptest.NewLogger(t))
	sess := newTestSession()

	if _, err := g.Generate(context.Background(), sess, InitialInstruction, ""); err == nil {
		t.Fatal("expected transport failure to propagate")
	}
	if sess.CurrentPattern != "" {
		t.Error("failed generation must not persist a pattern")
	}
}

func TestGenerate_ValidationPassCorrects(t *testing.T) {
	client := &fakeClient{responses: []string{
		"```js\ns(\"bd\"))\n```",
		"```js\ns(\"bd\")\n```",
	}}
	g := New(client, &nopBroadcaster{}, "", true, zaptest.NewLogger(t))
	sess := newTestSession()

	code, err := g.Generate(context.Background(), sess, InitialInstruction, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if code != "s(\"bd\")\n" {
		t.Errorf("expected corrected pattern, got %q", code)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("expected generation + validation calls, got %d", len(client.prompts))
	}
	if !strings.Contains(client.prompts[1], "syntax errors") {
		t.Error("second call should be the validation prompt")
	}
}

func TestGenerate_ValidationFailureIsNonFatal(t *testing.T) {
	client := &fakeClient{
		responses: []string{"```js\ns(\"bd\")\n```", ""},
		errs:      []error{nil, errors.New("rate limited")},
	}
	g := New(client, &nopBroadcaster{}, "", true, zaptest.NewLogger(t))
	sess := newTestSession()

	code, err := g.Generate(context.Background(), sess, InitialInstruction, "")
	if err != nil {
		t.Fatalf("validation failure must not fail generation: %v", err)
	}
	if code != "s(\"bd\")\n" {
		t.Errorf("expected unvalidated text accepted, got %q", code)
	}
}

func TestGenerate_WritesDebugArtifacts(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{responses: []string{"s(\"bd\")"}}
	g := New(client, &nopBroadcaster{}, dir, false, zaptest.NewLogger(t))

	if _, err := g.Generate(context.Background(), newTestSession(), InitialInstruction, ""); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected raw + accepted artifacts, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "s(\"bd\")" {
		t.Errorf("artifact content mismatch: %q", data)
	}
}
