package acl

import (
	"github.com/wudi/annon/internal/pipeline"
)

// Env is the environment of rule conditions, e.g.
//
//	http.request.headers["X-Tenant"] == auth.claims.tenant && "admin" in auth.scopes
type Env struct {
	HTTP HTTPEnv `expr:"http"`
	IP   IPEnv   `expr:"ip"`
	API  APIEnv  `expr:"api"`
	Auth AuthEnv `expr:"auth"`
}

type HTTPEnv struct {
	Request RequestEnv `expr:"request"`
}

type RequestEnv struct {
	Method  string            `expr:"method"`
	Path    string            `expr:"path"`
	Host    string            `expr:"host"`
	Headers map[string]string `expr:"headers"`
	Query   map[string]string `expr:"query"`
}

type IPEnv struct {
	Src string `expr:"src"`
}

type APIEnv struct {
	ID     string            `expr:"id"`
	Params map[string]string `expr:"params"`
}

type AuthEnv struct {
	ConsumerID string         `expr:"consumer_id"`
	Scopes     []string       `expr:"scopes"`
	Claims     map[string]any `expr:"claims"`
}

func newEnv(c *pipeline.Context) Env {
	r := c.Request
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	q := r.URL.Query()
	query := make(map[string]string, len(q))
	for k := range q {
		query[k] = q.Get(k)
	}
	env := Env{
		HTTP: HTTPEnv{Request: RequestEnv{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		}},
		IP: IPEnv{Src: c.ClientIP},
		API: APIEnv{Params: c.Params},
		Auth: AuthEnv{
			ConsumerID: c.Annotations.ConsumerID,
			Scopes:     c.Annotations.Scopes,
			Claims:     c.Annotations.Claims,
		},
	}
	if c.API != nil {
		env.API.ID = c.API.ID
	}
	return env
}
