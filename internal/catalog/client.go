// Package catalog talks to the catalog's JSON search API on behalf of the
// signed-in browser page.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/catalog-relay/internal/config"
	"github.com/xkilldash9x/catalog-relay/internal/network"
)

// Client issues search requests with the cookies of the browser session.
type Client struct {
	http     *resty.Client
	jar      http.CookieJar
	baseURL  *url.URL
	endpoint string
	query    Query
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *zap.Logger
}

// Options configures a Client.
type Options struct {
	Site      config.SiteConfig
	Search    config.SearchConfig
	Transport *network.TransportConfig
	Logger    *zap.Logger
}

// NewClient builds a search client for the configured site.
func NewClient(opts Options) (*Client, error) {
	baseURL, err := url.Parse(opts.Site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.Site.BaseURL, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("catalog")

	transportCfg := opts.Transport
	if transportCfg == nil {
		transportCfg = network.NewDefaultTransportConfig()
	}
	if transportCfg.Logger == nil {
		transportCfg.Logger = logger
	}

	jar := network.NewCookieJar()

	client := resty.New()
	client.SetTransport(network.NewRoundTripper(transportCfg))
	client.SetCookieJar(jar)
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseURL.Hostname()))
	client.SetLogger(logger.Sugar())
	client.SetHeader("Accept", "application/json")

	limit := rate.Inf
	if opts.Search.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.Search.RequestsPerSecond)
	}
	burst := opts.Search.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		http:     client,
		jar:      jar,
		baseURL:  baseURL,
		endpoint: opts.Site.SearchURL(),
		query:    NewQuery(opts.Search),
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  opts.Search.RequestTimeout,
		logger:   logger,
	}, nil
}

// SetCookies loads cookies exported from the browser. Cookies for other
// domains are ignored by the jar.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.jar.SetCookies(c.baseURL, cookies)
}

// SetUserAgent makes API calls carry the same user agent as the page.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.http.SetHeader("User-Agent", ua)
	}
}

// Search fetches one page of results and returns the body compacted onto a
// single line. Non-200 answers yield *BadResponseError and bodies that are
// not JSON yield *MalformedBodyError. Time spent waiting on the rate limiter
// does not count against the request timeout.
func (c *Client) Search(ctx context.Context, cursor, taxonCode string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search throttled: %w", err)
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := c.query.Values(cursor, taxonCode)
	c.logger.Debug("Sending search request.",
		zap.String("taxon_code", taxonCode),
		zap.Bool("has_cursor", cursor != ""))

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetQueryParamsFromValues(params).
		Get(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	body := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		badResp := &BadResponseError{Status: resp.StatusCode(), Body: string(body), URL: c.endpoint}
		c.logger.Warn("Catalog rejected search request.",
			zap.Int("status", badResp.Status),
			zap.String("title", badResp.Title()),
			zap.Duration("elapsed", resp.Time()))
		return nil, badResp
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, &MalformedBodyError{Body: string(body), Err: err}
	}

	c.logger.Debug("Search request completed.",
		zap.Int("bytes", compact.Len()),
		zap.Duration("elapsed", resp.Time()))
	return compact.Bytes(), nil
}
