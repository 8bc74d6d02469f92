// Package fswatch watches a directory and reports debounced batches of
// changed file names. The watcher recreates itself when fsnotify stops
// delivering events.
package fswatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "reminderd/pkg/logx"
)

type Options struct {
	Dir string
	// Match filters base names; nil accepts every file.
	Match func(name string) bool
	// Debounce collapses bursts of events (editors write in several steps).
	Debounce time.Duration
	// OnChange receives the sorted, de-duplicated base names changed in one
	// burst. An empty slice means events may have been lost and callers
	// should reload everything.
	OnChange func(names []string)
	Log      logx.Logger
}

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Run blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Debounce <= 0 {
		opt.Debounce = 250 * time.Millisecond
	}
	match := opt.Match
	if match == nil {
		match = func(string) bool { return true }
	}

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		mu      sync.Mutex
		timer   *time.Timer
		pending = map[string]bool{}
		all     bool
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	schedule := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		if name == "" {
			all = true
		} else {
			pending[name] = true
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(opt.Debounce, func() {
			mu.Lock()
			names := make([]string, 0, len(pending))
			if !all {
				for n := range pending {
					names = append(names, n)
				}
			}
			pending = map[string]bool{}
			all = false
			mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			sort.Strings(names)
			opt.OnChange(names)
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(opt.Dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("watch init failed", logx.Err(err), logx.String("dir", opt.Dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		log.Debug("watcher started", logx.String("dir", opt.Dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				name := filepath.Base(ev.Name)
				if match(name) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule(name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					log.Warn("watch overflow; forcing full reload", logx.Err(err), logx.String("dir", opt.Dir))
					schedule("")
					continue
				}
				log.Warn("watch error", logx.Err(err), logx.String("dir", opt.Dir))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		log.Warn("watcher stopped; restarting", logx.String("dir", opt.Dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
