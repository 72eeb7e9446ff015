package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/wudi/annon/internal/config"
)

// TransportConfig configures the upstream HTTP transport
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	InsecureSkipVerify    bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         30 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// TransportConfigFrom applies non-zero proxy settings onto the defaults.
func TransportConfigFrom(pc config.ProxyConfig) TransportConfig {
	tc := DefaultTransportConfig
	if pc.MaxIdleConns > 0 {
		tc.MaxIdleConns = pc.MaxIdleConns
	}
	if pc.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = pc.MaxIdleConnsPerHost
	}
	if pc.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = pc.IdleConnTimeout
	}
	if pc.DialTimeout > 0 {
		tc.DialTimeout = pc.DialTimeout
	}
	if pc.ResponseHeaderTimeout > 0 {
		tc.ResponseHeaderTimeout = pc.ResponseHeaderTimeout
	}
	tc.InsecureSkipVerify = pc.InsecureSkipVerify
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Upstream responses are relayed verbatim, so transparent decompression is
// disabled.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
}
