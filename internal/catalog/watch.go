package catalog

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts a filesystem watcher on path and calls Reload whenever the
// file changes, so the token catalog can be updated without a process
// restart. Editors often replace a file via rename-into-place rather than
// an in-place write, which fsnotify reports as Remove followed by Create
// on the directory; this re-arms the watch on the file itself each time to
// survive that pattern.
func (c *Catalog) Watch(path string, done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					c.reloadFromPath(path)
				}
				if event.Op&fsnotify.Remove != 0 {
					// Rename-into-place: the old inode is gone. Give the
					// replacement a moment to land, then re-add the watch.
					time.Sleep(50 * time.Millisecond)
					_ = watcher.Add(path)
					c.reloadFromPath(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("token catalog watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}

func (c *Catalog) reloadFromPath(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("token catalog hot-reload read failed, keeping previous catalog", "error", err)
		return
	}
	if err := c.Reload(data); err != nil {
		c.log.Warn("token catalog hot-reload parse failed, keeping previous catalog", "error", err)
		return
	}
	c.log.Info("token catalog hot-reloaded", "path", path)
}
