package clientlatency

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

type upstreamStage struct {
	pipeline.Named
	delay time.Duration
}

func (s *upstreamStage) Compile(json.RawMessage) (any, error) { return nil, nil }

func (s *upstreamStage) Handle(c *pipeline.Context, _ any) error {
	c.Timing.UpstreamStart = time.Now()
	time.Sleep(s.delay)
	c.Timing.UpstreamEnd = time.Now()
	c.Halt(&pipeline.Response{Status: http.StatusOK, Header: http.Header{}})
	return nil
}

func run(t *testing.T, settings string, upstream bool) http.Header {
	t.Helper()
	p := New()
	compiled, err := p.Compile(json.RawMessage(settings))
	if err != nil {
		t.Fatal(err)
	}
	stages := []pipeline.Stage{{Plugin: p, Settings: compiled}}
	if upstream {
		stages = append(stages, pipeline.Stage{Plugin: &upstreamStage{Named: pipeline.Named(model.PluginProxy), delay: 5 * time.Millisecond}})
	}
	c := pipeline.NewContext(httptest.NewRequest("GET", "/", nil), &model.API{ID: "orders"})
	pipeline.NewExecutor(zap.NewNop()).Execute(c, stages)
	return c.Response.Header
}

func TestLatencyHeaders(t *testing.T) {
	h := run(t, `{}`, true)

	up, err := strconv.ParseFloat(h.Get("X-Latency-Upstream"), 64)
	if err != nil {
		t.Fatalf("upstream header: %v", err)
	}
	total, err := strconv.ParseFloat(h.Get("X-Latency-Total"), 64)
	if err != nil {
		t.Fatalf("total header: %v", err)
	}
	if up < 5 {
		t.Errorf("upstream latency %v below the upstream delay", up)
	}
	if total < up {
		t.Errorf("total %v smaller than upstream %v", total, up)
	}
	if h.Get("X-Latency-Gateway") == "" {
		t.Error("missing gateway header")
	}
}

func TestLatencyWithoutUpstream(t *testing.T) {
	// the chain halts with the executor's not found response
	h := run(t, `{"header_prefix":"x-annon-"}`, false)
	if h.Get("X-Annon-Total") == "" || h.Get("X-Annon-Gateway") == "" {
		t.Errorf("missing headers: %v", h)
	}
	if h.Get("X-Annon-Upstream") != "" {
		t.Error("upstream header set although no upstream was called")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse(json.RawMessage(`{"prefix":"x"}`)); err == nil {
		t.Error("expected error")
	}
}
