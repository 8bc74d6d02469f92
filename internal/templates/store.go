// Package templates is the read-through template cache used to render
// reminders. Templates are loaded lazily from a Source, cached for the life of
// the process and dropped only by an explicit Invalidate.
package templates

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type cacheKey struct {
	purpose string
	channel model.Channel
	locale  string
}

func (k cacheKey) String() string {
	return k.purpose + "." + string(k.channel) + "." + k.locale
}

// Store caches templates by (purpose, channel, locale).
type Store struct {
	src           Source
	defaultLocale string
	log           logx.Logger

	mu    sync.RWMutex
	cache map[cacheKey]model.Template
	// gen is bumped by Invalidate so loads that started before it do not
	// repopulate the cache with stale content.
	gen uint64

	loads singleflight.Group
}

func NewStore(src Source, defaultLocale string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	defaultLocale = normalizeLocale(defaultLocale)
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	return &Store{
		src:           src,
		defaultLocale: defaultLocale,
		log:           log,
		cache:         map[cacheKey]model.Template{},
	}
}

func (s *Store) DefaultLocale() string { return s.defaultLocale }

// Render resolves the template for key in locale (falling back to the default
// locale) and substitutes vars into subject and body. The result has no
// recipient; the caller addresses it.
func (s *Store) Render(ctx context.Context, key model.TemplateKey, locale string, vars map[string]string) (model.RenderedMessage, error) {
	tpl, err := s.Get(ctx, key, locale)
	if err != nil {
		return model.RenderedMessage{}, err
	}
	name := cacheKey{tpl.Purpose, tpl.Channel, tpl.Locale}.String()
	subject, err := substitute(name, tpl.Subject, vars)
	if err != nil {
		return model.RenderedMessage{}, err
	}
	body, err := substitute(name, tpl.Body, vars)
	if err != nil {
		return model.RenderedMessage{}, err
	}
	return model.RenderedMessage{
		Channel:         key.Channel,
		Subject:         subject,
		Body:            body,
		TemplateVersion: tpl.Version,
	}, nil
}

// Get returns the template for key, trying locale first and then the
// default locale.
func (s *Store) Get(ctx context.Context, key model.TemplateKey, locale string) (model.Template, error) {
	locale = normalizeLocale(locale)
	if locale == "" {
		locale = s.defaultLocale
	}
	tpl, err := s.lookup(ctx, cacheKey{key.Purpose, key.Channel, locale})
	if err == nil || !errors.Is(err, ErrTemplateNotFound) || locale == s.defaultLocale {
		return tpl, err
	}
	tpl, derr := s.lookup(ctx, cacheKey{key.Purpose, key.Channel, s.defaultLocale})
	if derr != nil {
		return model.Template{}, derr
	}
	s.log.Debug("template locale fallback",
		logx.String("template", key.String()),
		logx.String("requested", locale),
		logx.String("used", s.defaultLocale),
	)
	return tpl, nil
}

func (s *Store) lookup(ctx context.Context, k cacheKey) (model.Template, error) {
	s.mu.RLock()
	tpl, ok := s.cache[k]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	v, err, _ := s.loads.Do(k.String(), func() (any, error) {
		t, err := s.src.Load(ctx, k.purpose, k.channel, k.locale)
		if err != nil {
			return model.Template{}, err
		}
		s.mu.Lock()
		if s.gen == gen {
			s.cache[k] = t
		}
		s.mu.Unlock()
		s.log.Debug("template loaded", logx.String("template", k.String()), logx.String("version", t.Version))
		return t, nil
	})
	if err != nil {
		return model.Template{}, err
	}
	return v.(model.Template), nil
}

// Invalidate drops every cached locale and channel of purpose and reports
// how many entries were removed. An empty purpose clears the whole cache.
func (s *Store) Invalidate(purpose string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	n := 0
	for k := range s.cache {
		if purpose == "" || k.purpose == purpose {
			delete(s.cache, k)
			n++
		}
	}
	s.log.Info("template cache invalidated", logx.String("purpose", purpose), logx.Int("entries", n))
	return n
}

// Len reports the number of cached templates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func normalizeLocale(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}
