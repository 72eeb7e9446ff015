package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/plugins"
	"github.com/wudi/annon/internal/store"
)

// ReloadResult summarizes one application of the config file's APIs.
type ReloadResult struct {
	Applied   int      `json:"applied"`
	Removed   int      `json:"removed"`
	Unchanged int      `json:"unchanged"`
	Errors    []string `json:"errors,omitempty"`
}

// Reload applies the APIs of a reloaded configuration. Listener, store and
// broker settings are read once at startup and need a restart.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) ReloadResult {
	var res ReloadResult
	if err := g.seedInto(ctx, cfg.APIs, &res); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	log := g.logger.Info
	if len(res.Errors) > 0 {
		log = g.logger.Warn
	}
	log("apis reloaded from config",
		zap.Int("applied", res.Applied),
		zap.Int("removed", res.Removed),
		zap.Int("unchanged", res.Unchanged),
		zap.Strings("errors", res.Errors),
	)
	return res
}

func (g *Gateway) seed(ctx context.Context, apis []model.API) error {
	var res ReloadResult
	if err := g.seedInto(ctx, apis, &res); err != nil {
		return fmt.Errorf("seeding apis: %w", err)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("seeding apis: %s", res.Errors[0])
	}
	return nil
}

// seedInto writes apis to the store. Unchanged definitions are skipped and
// APIs written by an earlier seed but missing from apis are deleted. If any
// definition is invalid nothing is written.
func (g *Gateway) seedInto(ctx context.Context, apis []model.API, res *ReloadResult) error {
	for i := range apis {
		if err := store.Validate(&apis[i], plugins.ValidateSettings); err != nil {
			return err
		}
	}

	g.seedMu.Lock()
	defer g.seedMu.Unlock()

	next := make(map[string]bool, len(apis))
	for i := range apis {
		api := apis[i].Clone()
		next[api.ID] = true

		prev, err := g.store.Get(ctx, api.ID)
		switch {
		case err == nil && sameDefinition(prev, api):
			res.Unchanged++
			continue
		case err != nil && !stderrors.Is(err, store.ErrNotFound):
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", api.ID, err))
			continue
		}
		ev, err := g.store.Put(ctx, api)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", api.ID, err))
			continue
		}
		res.Applied++
		g.announce(ctx, ev)
	}

	for id := range g.seeded {
		if next[id] {
			continue
		}
		ev, err := g.store.Delete(ctx, id)
		switch {
		case stderrors.Is(err, store.ErrNotFound):
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			// retry on the next reload
			next[id] = true
		default:
			res.Removed++
			g.announce(ctx, ev)
		}
	}
	g.seeded = next
	return nil
}

// announce publishes a write for stores that do not report their own
// changes. Before the broker exists the matcher loads a full snapshot.
func (g *Gateway) announce(ctx context.Context, ev model.ChangeEvent) {
	if g.broker == nil {
		return
	}
	if _, ok := g.store.(store.Watcher); ok {
		return
	}
	g.publish(ctx, ev)
}

func sameDefinition(a, b *model.API) bool {
	x, y := *a, *b
	x.Version, y.Version = 0, 0
	bx, err1 := json.Marshal(&x)
	by, err2 := json.Marshal(&y)
	return err1 == nil && err2 == nil && bytes.Equal(bx, by)
}
