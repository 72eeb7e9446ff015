package plugins

import (
	"testing"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
)

func TestEverySchemaCompiles(t *testing.T) {
	all, err := loadSchemas()
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range Kinds() {
		if all[k] == nil {
			t.Errorf("no schema for %s", k)
		}
	}
	if len(Kinds()) != 12 {
		t.Errorf("expected 12 kinds, got %d", len(Kinds()))
	}
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		kind  model.PluginKind
		raw   string
		valid bool
	}{
		{model.PluginIPRestriction, `{"whitelist":["10.0.0.0/8"]}`, true},
		{model.PluginIPRestriction, `{"whitelist":["10.0.0.0/33"]}`, false},
		{model.PluginIPRestriction, `{}`, false},
		{model.PluginUARestriction, `{"blacklist":["(bot"]}`, false},
		{model.PluginJWT, `{"secret":"s3cr3t"}`, true},
		{model.PluginJWT, `{"secret":"s","algorithm":"none"}`, false},
		{model.PluginJWT, `{}`, false},
		{model.PluginScopes, `{"strategy":"lookup"}`, false},
		{model.PluginScopes, `{"strategy":"lookup","lookup":{"url":"http://pm/consumers/{consumer_id}"}}`, true},
		{model.PluginACL, `{"rules":[{"path":"/orders/**","scopes":["orders:read"]}]}`, true},
		{model.PluginACL, `{"rules":[{"when":"http.request.method =="}]}`, false},
		{model.PluginACL, `{"rules":[{"effect":"maybe"}]}`, false},
		{model.PluginCORS, `{"allow_origins":["*"],"max_age":-1}`, false},
		{model.PluginIdempotency, ``, true},
		{model.PluginValidator, `{"rules":[{"schema":{"type":"object","required":["id"]}}]}`, true},
		{model.PluginValidator, `{"rules":[{"schema":{"type":"nonsense"}}]}`, false},
		{model.PluginClientLatency, `{"header_prefix":"X Bad"}`, false},
		{model.PluginLogger, `{"include_body":true,"redact":["password"]}`, true},
		{model.PluginMonitoring, `{"labels":{"team":"shop"}}`, true},
		{model.PluginProxy, `{"timeout":"5s","upstream":{"host":"orders","port":8080}}`, true},
		{model.PluginProxy, `{"upstream":{"port":8080}}`, false},
		{model.PluginKind("rate_limit"), `{}`, false},
	}
	for _, tt := range tests {
		err := ValidateSettings(tt.kind, []byte(tt.raw))
		if tt.valid && err != nil {
			t.Errorf("%s %s: unexpected error %v", tt.kind, tt.raw, err)
		}
		if !tt.valid {
			if err == nil {
				t.Errorf("%s %s: expected error", tt.kind, tt.raw)
				continue
			}
			if !errors.Is(err, errors.KindConfigurationInvalid) {
				t.Errorf("%s %s: expected configuration_invalid, got %v", tt.kind, tt.raw, err)
			}
		}
	}
}

func TestValidateSettingsReportsFields(t *testing.T) {
	err := ValidateSettings(model.PluginCORS, []byte(`{"allow_origins":"*","bogus":1}`))
	ge, ok := errors.As(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if len(ge.Fields) < 2 {
		t.Fatalf("expected field errors, got %+v", ge.Fields)
	}
	var sawType bool
	for _, f := range ge.Fields {
		if f.Entry == "$.allow_origins" {
			sawType = true
		}
	}
	if !sawType {
		t.Errorf("missing allow_origins entry in %+v", ge.Fields)
	}
}

func TestValidateAPI(t *testing.T) {
	api := &model.API{
		ID: "orders",
		Plugins: []model.PluginConfig{
			{Name: model.PluginJWT, Enabled: true, Settings: []byte(`{"secret":"x"}`)},
			{Name: model.PluginProxy, Enabled: true, Settings: []byte(`{"timeout":"nope"}`)},
		},
	}
	if err := ValidateAPI(api); err == nil {
		t.Error("expected invalid proxy timeout to be reported")
	}
}

func TestNewRegistersEveryKind(t *testing.T) {
	set := New(Deps{})
	defer set.Close()
	for _, k := range Kinds() {
		if _, ok := set.Get(k); !ok {
			t.Errorf("kind %s not registered", k)
		}
	}
}
