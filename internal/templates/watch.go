package templates

import (
	"context"

	"reminderd/internal/fswatch"
	logx "reminderd/pkg/logx"
)

// WatchDir invalidates cached purposes whose files change under dir. It
// blocks until ctx is done.
func (s *Store) WatchDir(ctx context.Context, dir string) error {
	return fswatch.Run(ctx, fswatch.Options{
		Dir: dir,
		Match: func(name string) bool {
			_, _, _, ok := parseFileName(name)
			return ok
		},
		OnChange: func(names []string) {
			if len(names) == 0 {
				s.Invalidate("")
				return
			}
			done := map[string]bool{}
			for _, n := range names {
				purpose, _, _, _ := parseFileName(n)
				if done[purpose] {
					continue
				}
				done[purpose] = true
				s.Invalidate(purpose)
			}
		},
		Log: s.log.With(logx.String("component", "templates.watch")),
	})
}
