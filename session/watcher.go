package session

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lzm0/tablr/trace"
)

// watcher observes the opened local partition files. A write, remove or
// rename marks the session stale; with AutoReload it also triggers a
// catalog reload. Remote partitions are not watched.
type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
}

func (s *Session) startWatcher() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch parent directories: fsnotify delivers remove/rename for a
	// file reliably only through its directory watch.
	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range s.paths {
		if isRemote(path) {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(dirs) == 0 {
		fs.Close()
		return nil
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return err
		}
	}

	w := &watcher{fs: fs, done: make(chan struct{})}
	s.watch = w

	go func() {
		tracer := trace.GetTracer()
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fs.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil || !watched[abs] {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
					continue
				}
				tracer.Info(trace.ComponentWatcher, "Partition file changed on disk", trace.Fields(
					"path", abs,
					"op", event.Op.String(),
				))
				s.stale.Store(true)
				if s.opts.AutoReload {
					if err := s.Reload(context.Background()); err != nil {
						tracer.Error(trace.ComponentWatcher, "Auto reload failed", trace.Fields("error", err.Error()))
					}
				}
			case err, ok := <-fs.Errors:
				if !ok {
					return
				}
				tracer.Warn(trace.ComponentWatcher, "Watcher error", trace.Fields("error", err.Error()))
			}
		}
	}()

	return nil
}

func isRemote(path string) bool {
	return len(path) > 7 && (path[:7] == "http://" || (len(path) > 8 && path[:8] == "https://"))
}

func (w *watcher) close() {
	close(w.done)
	w.fs.Close()
}
