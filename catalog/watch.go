package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch keeps the listing cache coherent with the share folder until ctx is
// done. While no watcher runs, every listing walks the folder.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create share folder watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	c.watching.Store(true)
	defer func() {
		c.watching.Store(false)
		c.invalidate()
	}()

	watched := make(map[string]struct{})
	arm := func() {
		for dir := range watched {
			_ = watcher.Remove(dir)
			delete(watched, dir)
		}
		c.invalidate()

		root, ok := c.CurrentShareRoot()
		if !ok {
			return
		}
		c.addTree(watcher, watched, root)
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.rootChanged:
			arm()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.invalidate()
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					c.addTree(watcher, watched, event.Name)
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(watched, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("share folder watcher error", zap.Error(err))
		}
	}
}

func (c *Catalog) addTree(watcher *fsnotify.Watcher, watched map[string]struct{}, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if _, ok := watched[path]; ok {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			c.logger.Warn("watch directory failed", zap.String("dir", path), zap.Error(err))
			return nil
		}
		watched[path] = struct{}{}
		return nil
	})
}
