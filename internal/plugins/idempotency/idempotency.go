// Package idempotency replays the stored response of a request when the
// same idempotency key is used again for the same API.
package idempotency

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/annon/internal/errors"
	"github.com/wudi/annon/internal/model"
	"github.com/wudi/annon/internal/pipeline"
)

// ReplayedHeader marks responses served from the store.
const ReplayedHeader = "X-Idempotent-Replayed"

// Settings configures the plugin. The key is read from Header, or from the
// JSON body at the gjson path BodyField when the header is absent.
type Settings struct {
	Header       string         `json:"header,omitempty"`
	BodyField    string         `json:"body_field,omitempty"`
	Methods      []string       `json:"methods,omitempty"`
	TTL          model.Duration `json:"ttl,omitempty"`
	MaxBodySize  int64          `json:"max_body_size,omitempty"`
	MaxKeyLength int            `json:"max_key_length,omitempty"`
}

// Compiled is the validated form of Settings.
type Compiled struct {
	header       string
	bodyField    string
	methods      map[string]bool
	ttl          time.Duration
	maxBodySize  int64
	maxKeyLength int
}

// Parse validates raw settings.
func Parse(raw json.RawMessage) (*Compiled, error) {
	var s Settings
	if err := pipeline.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	c := &Compiled{
		header:       s.Header,
		bodyField:    s.BodyField,
		ttl:          s.TTL.D(),
		maxBodySize:  s.MaxBodySize,
		maxKeyLength: s.MaxKeyLength,
		methods:      make(map[string]bool),
	}
	if c.header == "" {
		c.header = "Idempotency-Key"
	}
	if c.ttl <= 0 {
		c.ttl = 24 * time.Hour
	}
	if c.maxBodySize <= 0 {
		c.maxBodySize = 1 << 20
	}
	if c.maxKeyLength <= 0 {
		c.maxKeyLength = 256
	}
	if len(s.Methods) == 0 {
		s.Methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}
	}
	for _, m := range s.Methods {
		c.methods[strings.ToUpper(m)] = true
	}
	return c, nil
}

type inflightEntry struct {
	done        chan struct{}
	fingerprint uint64
	resp        *StoredResponse
}

// Plugin implements pipeline.Plugin. The store and the in-flight table
// are shared by every API version using the plugin.
type Plugin struct {
	pipeline.Named

	store  Store
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// New creates the plugin on store.
func New(store Store, logger *zap.Logger) *Plugin {
	return &Plugin{
		Named:    pipeline.Named(model.PluginIdempotency),
		store:    store,
		logger:   logger,
		inflight: make(map[string]*inflightEntry),
	}
}

// Compile parses the settings
func (p *Plugin) Compile(raw json.RawMessage) (any, error) {
	return Parse(raw)
}

// Handle replays a stored response, waits for an in-flight duplicate, or
// registers the request as the owner of its key.
func (p *Plugin) Handle(c *pipeline.Context, settings any) error {
	s := settings.(*Compiled)
	if !s.methods[c.Request.Method] {
		return nil
	}

	body, err := c.Body(s.maxBodySize)
	if err != nil {
		return err
	}

	key := c.Request.Header.Get(s.header)
	if key == "" && s.bodyField != "" {
		key = gjson.GetBytes(body, s.bodyField).String()
	}
	if key == "" {
		return nil
	}
	if len(key) > s.maxKeyLength {
		return errors.ErrBadRequest.WithDetails("idempotency key is too long")
	}
	c.Annotations.IdempotencyKey = key

	apiID := ""
	if c.API != nil {
		apiID = c.API.ID
	}
	scoped := apiID + ":" + key
	fp := fingerprint(c.Request, body)

	for {
		stored, err := p.store.Get(c.Context(), scoped)
		if err != nil {
			// fail open
			p.logger.Warn("idempotency store get failed", zap.String("api_id", apiID), zap.Error(err))
		} else if stored != nil {
			return p.replay(c, stored, fp)
		}

		p.mu.Lock()
		entry, busy := p.inflight[scoped]
		if !busy {
			entry = &inflightEntry{done: make(chan struct{}), fingerprint: fp}
			p.inflight[scoped] = entry
			p.mu.Unlock()
			// a previous owner may have stored and released after our lookup
			if stored, err := p.store.Get(c.Context(), scoped); err == nil && stored != nil {
				p.release(scoped, entry, stored)
				return p.replay(c, stored, fp)
			}
			p.own(c, s, scoped, entry)
			return nil
		}
		p.mu.Unlock()

		if entry.fingerprint != fp {
			return mismatch()
		}
		select {
		case <-entry.done:
		case <-c.Context().Done():
			return errors.ErrConflict.WithDetails("request with the same idempotency key is in progress")
		}
		if entry.resp != nil {
			return p.replay(c, entry.resp, fp)
		}
		// the owner did not produce a storable response; try again
	}
}

// own registers the hooks that store the upstream response and release
// waiting duplicates. Responses produced by the gateway itself, such as a
// rejection by a later plugin, are not stored so a corrected retry reaches
// the upstream. The response is captured before other plugins decorate it.
func (p *Plugin) own(c *pipeline.Context, s *Compiled, key string, entry *inflightEntry) {
	c.OnResult(func(c *pipeline.Context) {
		resp := c.Response
		if resp == nil || !resp.Upstream || resp.Status >= 500 {
			p.release(key, entry, nil)
			return
		}
		if err := resp.Buffer(s.maxBodySize); err != nil {
			p.release(key, entry, nil)
			return
		}
		stored := &StoredResponse{
			Status:      resp.Status,
			Header:      resp.Header.Clone(),
			Body:        resp.Body,
			Fingerprint: entry.fingerprint,
		}
		// client disconnects must not lose the stored result
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Context()), 2*time.Second)
		defer cancel()
		if err := p.store.Set(ctx, key, stored, s.ttl); err != nil {
			p.logger.Warn("idempotency store set failed", zap.String("key", key), zap.Error(err))
		}
		p.release(key, entry, stored)
	})
	// the response hook may not run if the request is abandoned
	c.OnComplete(func(*pipeline.Context) {
		p.release(key, entry, nil)
	})
}

func (p *Plugin) release(key string, entry *inflightEntry, resp *StoredResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[key] != entry {
		return
	}
	entry.resp = resp
	close(entry.done)
	delete(p.inflight, key)
}

func (p *Plugin) replay(c *pipeline.Context, stored *StoredResponse, fp uint64) error {
	if stored.Fingerprint != fp {
		return mismatch()
	}
	h := stored.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(ReplayedHeader, "true")
	c.Halt(&pipeline.Response{Status: stored.Status, Header: h, Body: stored.Body})
	return nil
}

func mismatch() error {
	return errors.ErrConflict.WithDetails("idempotency key was already used with a different request")
}

// fingerprint identifies the request payload a key was first used with.
func fingerprint(r *http.Request, body []byte) uint64 {
	d := xxhash.New()
	d.WriteString(r.Method)
	d.WriteString("\x00")
	d.WriteString(r.URL.Path)
	d.WriteString("\x00")
	d.WriteString(r.URL.RawQuery)
	d.WriteString("\x00")
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(body)))
	d.Write(n[:])
	d.Write(body)
	return d.Sum64()
}
