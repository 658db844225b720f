package geo

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the database whenever its file is rewritten, until ctx is
// cancelled. A failed reload keeps the previous database.
func (l *Locator) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// watch the directory, database updates replace the file
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(l.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.log.Error().Err(err).Msg("geoip reload failed, keeping previous database")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Error().Err(err).Msg("geoip watcher error")
		}
	}
}
