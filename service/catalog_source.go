package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

const catalogDebounce = 300 * time.Millisecond

// CatalogSource produces the full set of app profiles.
type CatalogSource interface {
	Load(ctx context.Context) ([]models.AppProfile, error)
}

// FileSource reads profiles from a YAML file. JSON files parse as well.
//
//	apps:
//	  - app_id: instagram
//	    package_identifier: com.instagram.android
//	    automation_enabled: true
//	    selectors:
//	      like: id:row_feed_button_like
type FileSource struct {
	Path string
}

type catalogFile struct {
	Apps []models.AppProfile `yaml:"apps"`
}

func (s FileSource) Load(ctx context.Context) ([]models.AppProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read catalog %s", s.Path)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse catalog %s", s.Path)
	}
	return f.Apps, nil
}

// Reload loads profiles from src and installs them. On any failure the
// current snapshot is kept.
func (c *Catalog) Reload(ctx context.Context, src CatalogSource) error {
	profiles, err := src.Load(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("catalog load failed, keeping previous snapshot")
		return err
	}
	if err := c.Refresh(profiles); err != nil {
		c.log.Warn().Err(err).Msg("catalog rejected, keeping previous snapshot")
		return err
	}
	return nil
}

// WatchFile reloads the catalog whenever the file at path changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// by rename are picked up too.
func (c *Catalog) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return errors.Wrapf(err, "resolve catalog path %s", path)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	src := FileSource{Path: abs}
	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				c.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("catalog file changed")

				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(catalogDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					_ = c.Reload(ctx, src)
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn().Err(err).Msg("catalog watcher error")
			}
		}
	}()

	c.log.Info().Str("path", abs).Msg("watching catalog file")
	return nil
}
