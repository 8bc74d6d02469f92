package templates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"reminderd/internal/model"
)

// Source is the backing store the cache reads through. Load returns an error
// wrapping ErrTemplateNotFound when no template exists for the exact locale.
type Source interface {
	Load(ctx context.Context, purpose string, ch model.Channel, locale string) (model.Template, error)
}

// DirSource reads <purpose>.<channel>.<locale>.yaml (or .yml) files:
//
//	subject: "Deadline for {entity} is near"
//	body: |
//	  Hi {name}, ...
//	version: "3"
//
// When version is omitted, a content hash is used.
type DirSource struct {
	Dir string
}

type templateFile struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	Version string `yaml:"version"`
}

func (d DirSource) Load(ctx context.Context, purpose string, ch model.Channel, locale string) (model.Template, error) {
	_ = ctx
	if !validName(purpose) || !validName(locale) || !ch.Valid() {
		return model.Template{}, fmt.Errorf("%s.%s.%s: %w", purpose, ch, locale, ErrTemplateNotFound)
	}
	base := purpose + "." + string(ch) + "." + locale
	var (
		data []byte
		err  error
	)
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(d.Dir, base+ext))
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			break
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return model.Template{}, fmt.Errorf("%s: %w", base, ErrTemplateNotFound)
	}
	if err != nil {
		return model.Template{}, fmt.Errorf("reading template %s: %w", base, err)
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.Template{}, fmt.Errorf("parsing template %s: %w", base, err)
	}
	if strings.TrimSpace(f.Body) == "" {
		return model.Template{}, fmt.Errorf("template %s: %w: empty body", base, ErrMalformed)
	}
	version := strings.TrimSpace(f.Version)
	if version == "" {
		sum := sha256.Sum256(data)
		version = hex.EncodeToString(sum[:6])
	}
	return model.Template{
		Purpose: purpose,
		Channel: ch,
		Locale:  locale,
		Subject: f.Subject,
		Body:    f.Body,
		Version: version,
	}, nil
}

// parseFileName splits "<purpose>.<channel>.<locale>.yaml".
func parseFileName(name string) (purpose string, ch model.Channel, locale string, ok bool) {
	ext := filepath.Ext(name)
	if ext != ".yaml" && ext != ".yml" {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(name, ext), ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	ch = model.Channel(parts[1])
	if parts[0] == "" || parts[2] == "" || !ch.Valid() {
		return "", "", "", false
	}
	return parts[0], ch, parts[2], true
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, `/\.`) && s != ".."
}

// MapSource is an in-memory Source.
type MapSource struct {
	mu sync.RWMutex
	m  map[string]model.Template
}

func NewMapSource(tpls ...model.Template) *MapSource {
	s := &MapSource{m: map[string]model.Template{}}
	for _, t := range tpls {
		s.Put(t)
	}
	return s
}

func mapKey(purpose string, ch model.Channel, locale string) string {
	return purpose + "\x00" + string(ch) + "\x00" + locale
}

// Put adds or replaces a template. Cached copies are unaffected until the
// store is invalidated.
func (s *MapSource) Put(t model.Template) {
	s.mu.Lock()
	s.m[mapKey(t.Purpose, t.Channel, t.Locale)] = t
	s.mu.Unlock()
}

func (s *MapSource) Load(ctx context.Context, purpose string, ch model.Channel, locale string) (model.Template, error) {
	_ = ctx
	s.mu.RLock()
	t, ok := s.m[mapKey(purpose, ch, locale)]
	s.mu.RUnlock()
	if !ok {
		return model.Template{}, fmt.Errorf("%s.%s.%s: %w", purpose, ch, locale, ErrTemplateNotFound)
	}
	return t, nil
}
