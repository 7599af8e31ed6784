// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
)

// Defaults for the single-host catalog API client.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultMaxIdleConnsPerHost   = 4
)

// TransportConfig holds the settings of the API transport.
type TransportConfig struct {
	IgnoreTLSErrors       bool
	ForceHTTP2            bool
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	Logger                *zap.Logger
}

// NewDefaultTransportConfig returns settings suited to a handful of sequential API calls.
func NewDefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		ForceHTTP2:            true,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
	}
}

// NewHTTPTransport builds the base transport. Compression is left to
// CompressionMiddleware so that brotli is handled too.
func NewHTTPTransport(cfg *TransportConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultTransportConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.IgnoreTLSErrors},
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		DisableCompression:    true,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1.", zap.Error(err))
		}
	}
	return transport
}

// NewRoundTripper returns the transport stack used by the catalog client.
func NewRoundTripper(cfg *TransportConfig) http.RoundTripper {
	return NewCompressionMiddleware(NewHTTPTransport(cfg))
}

// NewCookieJar returns a jar that scopes cookies by registrable domain, the
// same way the browser does.
func NewCookieJar() http.CookieJar {
	// cookiejar.New never returns a non-nil error.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}
