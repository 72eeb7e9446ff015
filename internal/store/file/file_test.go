package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/store"
)

const seed = `
apis:
  - id: orders
    request:
      host: shop.example.com
      path: /orders
    upstream:
      host: orders.internal
      port: 8080
    plugins:
      - name: jwt
        position: 1
        settings:
          secret: s3cret
      - name: proxy
        position: 2
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apis.yaml")
	writeFile(t, path, seed)

	s, err := New(config.FileConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := s.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Version != 1 || len(a.OrderedPlugins()) != 2 {
		t.Fatalf("unexpected api %+v", a)
	}
	if jwt, _ := a.FindPlugin(model.PluginJWT); string(jwt.Settings) != `{"secret":"s3cret"}` {
		t.Errorf("unexpected jwt settings %s", jwt.Settings)
	}

	a.Upstream.Port = 9090
	ev, err := s.Put(ctx, a)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ev.Version != 2 || ev.Type != model.ChangeUpdate {
		t.Errorf("unexpected event %+v", ev)
	}

	reopened, err := New(config.FileConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Upstream.Port != 9090 || got.Version != 2 {
		t.Errorf("write not persisted: %+v", got)
	}
	if jwt, _ := got.FindPlugin(model.PluginJWT); string(jwt.Settings) != `{"secret":"s3cret"}` {
		t.Errorf("settings not persisted: %s", jwt.Settings)
	}

	if _, err := reopened.Delete(ctx, "orders"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reopened.Get(ctx, "orders"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	s, err := New(config.FileConfig{Path: filepath.Join(t.TempDir(), "none.yaml")}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list, _ := s.List(context.Background())
	if len(list) != 0 {
		t.Errorf("expected empty store, got %d", len(list))
	}
}

func TestInvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apis.yaml")
	writeFile(t, path, "apis:\n  - id: x\n    request:\n      path: no-slash\n")
	if _, err := New(config.FileConfig{Path: path}, zap.NewNop()); err == nil {
		t.Error("expected validation error")
	}
}

func TestWatchHandEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apis.yaml")
	writeFile(t, path, seed)

	s, err := New(config.FileConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	edited := seed + `
  - id: health
    request:
      path: /health
    upstream:
      host: health.internal
`
	writeFile(t, path, edited)

	select {
	case ev := <-ch:
		if ev.APIID != "health" || ev.Type != model.ChangeInsert {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event after file edit")
	}

	if _, err := s.Get(context.Background(), "health"); err != nil {
		t.Errorf("expected reloaded api, got %v", err)
	}
}
