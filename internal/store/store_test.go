package store

import (
	"errors"
	"testing"

	"github.com/wudi/annon/internal/model"
)

func api(id, host string, version int64) *model.API {
	return &model.API{
		ID:       id,
		Request:  model.RequestMatch{Host: host, Path: "/"},
		Upstream: model.Upstream{Host: "backend"},
		Version:  version,
	}
}

func TestDiff(t *testing.T) {
	prev := IndexByID([]*model.API{api("a", "x", 1), api("b", "x", 1), api("c", "x", 2)})
	next := IndexByID([]*model.API{api("a", "x", 1), api("b", "x", 2), api("d", "x", 1)})

	evs := Diff(prev, next)
	want := []struct {
		id      string
		typ     model.ChangeType
		version int64
	}{
		{"b", model.ChangeUpdate, 2},
		{"c", model.ChangeDelete, 3},
		{"d", model.ChangeInsert, 1},
	}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), evs)
	}
	for i, w := range want {
		if evs[i].APIID != w.id || evs[i].Type != w.typ || evs[i].Version != w.version {
			t.Errorf("event %d: expected %s/%s/%d, got %+v", i, w.id, w.typ, w.version, evs[i])
		}
	}

	if evs := Diff(next, next); len(evs) != 0 {
		t.Errorf("expected no events for identical snapshots, got %+v", evs)
	}
}

func TestHostCandidates(t *testing.T) {
	tests := []struct {
		apiHost, host string
		want          bool
	}{
		{"*", "anything.org", true},
		{"api.example.com", "api.example.com", true},
		{"api.example.com", "web.example.com", false},
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "badexample.com", false},
	}
	for _, tt := range tests {
		if got := HostCandidates(tt.apiHost, tt.host); got != tt.want {
			t.Errorf("HostCandidates(%q, %q) = %v, want %v", tt.apiHost, tt.host, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	a := api("a", "x", 0)
	a.Plugins = []model.PluginConfig{{Name: model.PluginJWT, Enabled: true, Settings: []byte(`{}`)}}

	rejected := errors.New("missing secret")
	err := Validate(a, func(kind model.PluginKind, raw []byte) error {
		if kind == model.PluginJWT {
			return rejected
		}
		return nil
	})
	if !errors.Is(err, rejected) {
		t.Errorf("expected settings error, got %v", err)
	}
	if err := Validate(a, nil); err != nil {
		t.Errorf("unexpected error without settings validation: %v", err)
	}
}
