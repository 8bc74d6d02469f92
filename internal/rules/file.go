package rules

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"reminderd/internal/fswatch"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type fileDoc struct {
	Rules []model.ReminderRule `yaml:"rules"`
}

// File serves rules from a YAML document of the form
//
//	rules:
//	  - id: claim-12-deadline
//	    entity_id: claim-12
//	    deadline: 2024-06-01T00:00:00Z
//	    policy: {kind: before, offsets: [24h, 1h]}
//	    contact: {name: Ana, email: ana@example.com, phone: "+5511999990000"}
//	    channels: [email, sms]
//	    template: deadline
//	    locale: pt
//
// JSON is valid YAML, so .json files work too. A reload that fails to parse
// keeps the previous rule set.
type File struct {
	*Memory
	path string
	log  logx.Logger
}

func OpenFile(path string, log logx.Logger) (*File, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &File{Memory: NewMemory(), path: path, log: log}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

// Reload reads the file again and replaces the rule set.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading rules: %w", err)
	}
	rs, err := parseRules(data)
	if err != nil {
		return fmt.Errorf("parsing rules %s: %w", f.path, err)
	}
	f.Replace(rs)
	f.log.Info("rules loaded", logx.String("path", f.path), logx.Int("rules", len(rs)))
	return nil
}

func parseRules(data []byte) ([]model.ReminderRule, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for i, r := range doc.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("rule #%d: missing id", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate rule id %q", id)
		}
		seen[id] = true
	}
	return doc.Rules, nil
}

// Watch reloads the file whenever it changes. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	base := filepath.Base(f.path)
	return fswatch.Run(ctx, fswatch.Options{
		Dir:   filepath.Dir(f.path),
		Match: func(name string) bool { return strings.EqualFold(name, base) },
		OnChange: func([]string) {
			if err := f.Reload(); err != nil {
				f.log.Warn("rules reload failed; keeping previous set", logx.Err(err))
			}
		},
		Log: f.log.With(logx.String("component", "rules.watch")),
	})
}
