package service

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

type catalogSnapshot struct {
	apps     map[string]models.AppProfile
	loadedAt time.Time
}

// Catalog maps app ids to their profiles. Readers always see one complete
// snapshot; Refresh swaps it whole.
type Catalog struct {
	current atomic.Pointer[catalogSnapshot]
	log     zerolog.Logger
}

func NewCatalog(log zerolog.Logger) *Catalog {
	c := &Catalog{log: log}
	c.current.Store(&catalogSnapshot{apps: map[string]models.AppProfile{}})
	return c
}

// Refresh replaces the catalog. An invalid profile set is rejected and the
// previous snapshot stays in effect.
func (c *Catalog) Refresh(profiles []models.AppProfile) error {
	apps := make(map[string]models.AppProfile, len(profiles))
	for i, p := range profiles {
		p.AppID = strings.TrimSpace(p.AppID)
		if p.AppID == "" {
			return errors.Wrapf(errors.ErrValidation, "catalog entry %d: app_id is empty", i)
		}
		if p.PackageIdentifier == "" {
			return errors.Wrapf(errors.ErrValidation, "app %q: package_identifier is empty", p.AppID)
		}
		if _, dup := apps[p.AppID]; dup {
			return errors.Wrapf(errors.ErrValidation, "app %q declared twice", p.AppID)
		}
		apps[p.AppID] = cloneProfile(p)
	}

	c.current.Store(&catalogSnapshot{apps: apps, loadedAt: time.Now()})
	c.log.Info().Int("apps", len(apps)).Msg("catalog refreshed")
	return nil
}

// Resolve returns the selector expression declared for action on appID.
func (c *Catalog) Resolve(appID string, action models.ActionKind) (string, error) {
	p, ok := c.current.Load().apps[appID]
	if !ok {
		return "", errors.Wrapf(errors.ErrUnknownApp, "app %q", appID)
	}
	expr, ok := p.Selectors[string(action)]
	if !ok || expr == "" {
		return "", errors.Wrapf(errors.ErrUnknownAction, "action %q is not declared for app %q", action, appID)
	}
	return expr, nil
}

// Lookup returns a copy of the profile for appID.
func (c *Catalog) Lookup(appID string) (models.AppProfile, bool) {
	p, ok := c.current.Load().apps[appID]
	if !ok {
		return models.AppProfile{}, false
	}
	return cloneProfile(p), true
}

// ListApps returns copies of all profiles ordered by app id.
func (c *Catalog) ListApps() []models.AppProfile {
	snap := c.current.Load()
	apps := make([]models.AppProfile, 0, len(snap.apps))
	for _, p := range snap.apps {
		apps = append(apps, cloneProfile(p))
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].AppID < apps[j].AppID })
	return apps
}

// LoadedAt reports when the current snapshot was installed.
func (c *Catalog) LoadedAt() time.Time {
	return c.current.Load().loadedAt
}

func cloneProfile(p models.AppProfile) models.AppProfile {
	selectors := make(map[string]string, len(p.Selectors))
	for k, v := range p.Selectors {
		selectors[k] = v
	}
	p.Selectors = selectors
	return p
}
