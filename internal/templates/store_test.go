package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

var greetKey = model.TemplateKey{Purpose: "greet", Channel: model.ChannelEmail}

func greetEN(body string) model.Template {
	return model.Template{Purpose: "greet", Channel: model.ChannelEmail, Locale: "en", Subject: "Hello", Body: body, Version: "1"}
}

func TestRenderMissingVariable(t *testing.T) {
	t.Parallel()
	s := NewStore(NewMapSource(greetEN("Hi {name}")), "en", logx.Nop())

	_, err := s.Render(context.Background(), greetKey, "en", map[string]string{})
	if !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("err = %v, want ErrMissingVariable", err)
	}
	var mv *MissingVariableError
	if !errors.As(err, &mv) || mv.Name != "name" {
		t.Fatalf("err = %#v, want MissingVariableError for name", err)
	}

	msg, err := s.Render(context.Background(), greetKey, "en", map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Body, "Ana") || strings.ContainsAny(msg.Body, "{}") {
		t.Fatalf("body = %q", msg.Body)
	}
	if msg.Channel != model.ChannelEmail || msg.TemplateVersion != "1" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSubstitute(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"a": "1", "b": "", "c": "{x}"}
	tests := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{name: "plain", in: "no placeholders", want: "no placeholders"},
		{name: "two vars", in: "{a}-{a}", want: "1-1"},
		{name: "empty value", in: "[{b}]", want: "[]"},
		{name: "value not re-expanded", in: "{c}", want: "{x}"},
		{name: "escaped braces", in: "{{a}} = {a}", want: "{a} = 1"},
		{name: "spaces trimmed", in: "{ a }", want: "1"},
		{name: "missing", in: "{zzz}", err: ErrMissingVariable},
		{name: "unterminated", in: "oops {a", err: ErrMalformed},
		{name: "stray close", in: "oops }", err: ErrMalformed},
		{name: "empty placeholder", in: "{}", err: ErrMalformed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := substitute("t", tt.in, vars)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("substitute error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocaleFallback(t *testing.T) {
	t.Parallel()
	s := NewStore(NewMapSource(greetEN("Hi {name}")), "en", logx.Nop())
	msg, err := s.Render(context.Background(), greetKey, "fr", map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatalf("fr should fall back to en: %v", err)
	}
	if msg.Body != "Hi Ana" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestLocaleFallbackMissingDefault(t *testing.T) {
	t.Parallel()
	de := greetEN("Hallo {name}")
	de.Locale = "de"
	s := NewStore(NewMapSource(de), "en", logx.Nop())
	_, err := s.Render(context.Background(), greetKey, "fr", map[string]string{"name": "Ana"})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
}

type countingSource struct {
	Source
	loads atomic.Int32
}

func (c *countingSource) Load(ctx context.Context, purpose string, ch model.Channel, locale string) (model.Template, error) {
	c.loads.Add(1)
	return c.Source.Load(ctx, purpose, ch, locale)
}

func TestCacheAndInvalidate(t *testing.T) {
	t.Parallel()
	ms := NewMapSource(greetEN("v1 {name}"))
	src := &countingSource{Source: ms}
	s := NewStore(src, "en", logx.Nop())
	ctx := context.Background()
	vars := map[string]string{"name": "x"}

	for i := 0; i < 3; i++ {
		if _, err := s.Render(ctx, greetKey, "en", vars); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	if got := src.loads.Load(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}

	// Edits are invisible until invalidated.
	ms.Put(greetEN("v2 {name}"))
	msg, _ := s.Render(ctx, greetKey, "en", vars)
	if msg.Body != "v1 x" {
		t.Fatalf("body before invalidate = %q", msg.Body)
	}

	if n := s.Invalidate("other"); n != 0 {
		t.Fatalf("Invalidate(other) = %d, want 0", n)
	}
	if n := s.Invalidate("greet"); n != 1 {
		t.Fatalf("Invalidate(greet) = %d, want 1", n)
	}
	msg, _ = s.Render(ctx, greetKey, "en", vars)
	if msg.Body != "v2 x" {
		t.Fatalf("body after invalidate = %q", msg.Body)
	}
}

func TestDirSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, data string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("deadline.email.en.yaml", "subject: \"Due {when}\"\nbody: |\n  Hi {name}, {entity} is due {when}.\nversion: \"7\"\n")
	write("deadline.sms.en.yml", "body: \"{entity} due {when}\"\n")

	s := NewStore(DirSource{Dir: dir}, "en", logx.Nop())
	vars := map[string]string{"name": "Ana", "entity": "Claim 12", "when": "tomorrow"}

	msg, err := s.Render(context.Background(), model.TemplateKey{Purpose: "deadline", Channel: model.ChannelEmail}, "pt", vars)
	if err != nil {
		t.Fatalf("Render email: %v", err)
	}
	if msg.Subject != "Due tomorrow" || msg.Body != "Hi Ana, Claim 12 is due tomorrow.\n" || msg.TemplateVersion != "7" {
		t.Fatalf("email = %+v", msg)
	}

	sms, err := s.Render(context.Background(), model.TemplateKey{Purpose: "deadline", Channel: model.ChannelSMS}, "en", vars)
	if err != nil {
		t.Fatalf("Render sms: %v", err)
	}
	if sms.Body != "Claim 12 due tomorrow" || sms.TemplateVersion == "" {
		t.Fatalf("sms = %+v", sms)
	}

	if _, err := s.Render(context.Background(), model.TemplateKey{Purpose: "../etc", Channel: model.ChannelSMS}, "en", vars); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("traversal err = %v, want ErrTemplateNotFound", err)
	}
}

func TestParseFileName(t *testing.T) {
	t.Parallel()
	p, ch, l, ok := parseFileName("deadline.sms.pt-br.yaml")
	if !ok || p != "deadline" || ch != model.ChannelSMS || l != "pt-br" {
		t.Fatalf("got %q %q %q %v", p, ch, l, ok)
	}
	for _, bad := range []string{"deadline.yaml", "deadline.fax.en.yaml", "deadline.sms.en.txt", ".sms.en.yaml"} {
		if _, _, _, ok := parseFileName(bad); ok {
			t.Fatalf("parseFileName(%q) ok, want rejection", bad)
		}
	}
}
