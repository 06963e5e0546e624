package keiryo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchConfigDir ingests configuration documents from the config
// directory: a dropped <uid>-<id>.json (or .yaml) installs or updates
// that key; removing the file uninstalls it. Existing documents install
// on startup.
func (a *App) watchConfigDir(ctx context.Context) error {
	dir := a.cfg.ConfigDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("keiryo: create config dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keiryo: read config dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		a.installConfigFile(filepath.Join(dir, entry.Name()))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keiryo: config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("keiryo: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				a.installConfigFile(ev.Name)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				a.removeConfigFile(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("keiryo: config watcher", "error", err)
		}
	}
}

func (a *App) installConfigFile(path string) {
	key, ok := configKeyFromPath(path)
	if !ok {
		return
	}
	document, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("keiryo: read config file", "path", path, "error", err)
		return
	}
	if err := a.InstallConfig(key, document, time.Now().UnixNano()); err != nil {
		a.logger.Warn("keiryo: install config", "path", path, "error", err)
		return
	}
	a.logger.Info("keiryo: config installed from file", "path", path, "config", key.String())
}

func (a *App) removeConfigFile(ctx context.Context, path string) {
	key, ok := configKeyFromPath(path)
	if !ok {
		return
	}
	if err := a.RemoveConfig(ctx, key, time.Now().UnixNano()); err != nil {
		a.logger.Warn("keiryo: remove config", "path", path, "error", err)
		return
	}
	a.logger.Info("keiryo: config removed with file", "config", key.String())
}

// configKeyFromPath parses "<uid>-<id>.json|yaml|yml" into a key.
func configKeyFromPath(path string) (ConfigKey, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return ConfigKey{}, false
	}
	name := strings.TrimSuffix(base, ext)
	uidStr, idStr, found := strings.Cut(name, "-")
	if !found {
		return ConfigKey{}, false
	}
	uid, err := strconv.ParseInt(uidStr, 10, 32)
	if err != nil {
		return ConfigKey{}, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return ConfigKey{}, false
	}
	return ConfigKey{UID: int32(uid), ID: id}, true
}
