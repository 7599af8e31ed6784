// Package roddriver implements browser.Page on go-rod, with go-rod/stealth
// patches applied to the page. Import it for its side effect of registering
// the "rod" driver.
package roddriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/browser"
	"github.com/xkilldash9x/catalog-relay/internal/config"
)

func init() {
	browser.Register(config.DriverRod, func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Page, error) {
		return New(ctx, cfg, logger)
	})
}

// Page is a rod-controlled tab.
type Page struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ browser.Page = (*Page)(nil)

// NewLauncher builds the Chrome launcher from configuration.
func NewLauncher(ctx context.Context, cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().Context(ctx).Headless(cfg.Headless)

	if cfg.Stealth {
		l = l.Delete(flags.Flag("enable-automation")).
			Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	}
	if cfg.ExecPath != "" {
		l = l.Bin(cfg.ExecPath)
	}
	if cfg.UserAgent != "" {
		l = l.Set(flags.Flag("user-agent"), cfg.UserAgent)
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		l = l.Set(flags.Flag("window-size"), strconv.Itoa(w)+","+strconv.Itoa(h))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(arg, "=")
		name = strings.TrimPrefix(name, "--")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l.NoSandbox(true).Set(flags.Flag("disable-dev-shm-usage"))
}

// New launches Chrome, connects to it and opens one page.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, error) {
	logger = logger.Named("rod")
	logger.Info("Launching browser...", zap.Bool("headless", cfg.Headless), zap.Bool("stealth", cfg.Stealth))

	launchCtx := ctx
	if cfg.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, cfg.LaunchTimeout)
		defer cancel()
	}

	l := NewLauncher(launchCtx, cfg)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if cfg.IgnoreTLSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			logger.Warn("Failed to ignore certificate errors.", zap.Error(err))
		}
	}

	var page *rod.Page
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	// Needed for the document status reported by Navigate.
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("failed to enable network domain: %w", err)
	}

	if cfg.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: cfg.Timezone}).Call(page); err != nil {
			logger.Warn("Failed to override timezone.", zap.String("timezone", cfg.Timezone), zap.Error(err))
		}
	}

	logger.Info("Browser launched successfully.", zap.String("control_url", controlURL))
	return &Page{launcher: l, browser: b, page: page, logger: logger}, nil
}

// timeoutErr makes an expired ctx visible to errors.Is even when rod reports
// something else, such as a closed websocket.
func timeoutErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string) (*browser.Response, error) {
	page := p.page.Context(ctx)

	var (
		doc       *proto.NetworkResponse
		requestID proto.NetworkRequestID
	)
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			doc = e.Response
			requestID = e.RequestID
			return true
		}
		return false
	})

	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigation to %s: %w", url, timeoutErr(ctx, err))
	}
	wait()

	if doc == nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("navigation to %s: %w", url, err)
		}
		return nil, fmt.Errorf("navigation to %s produced no document response", url)
	}
	return &browser.Response{Status: doc.Status, URL: doc.URL, RequestID: string(requestID)}, nil
}

func (p *Page) WaitLoad(ctx context.Context) error {
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("waiting for load: %w", timeoutErr(ctx, err))
	}
	return nil
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return false, fmt.Errorf("visibility check for %s: %w", selector, timeoutErr(ctx, err))
	}
	if !has {
		return false, nil
	}
	visible, err := el.Visible()
	if err != nil {
		return false, fmt.Errorf("visibility check for %s: %w", selector, timeoutErr(ctx, err))
	}
	return visible, nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err == nil {
		err = el.Input(text)
	}
	if err != nil {
		return fmt.Errorf("typing into %s: %w", selector, timeoutErr(ctx, err))
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err == nil {
		err = el.Click(proto.InputMouseButtonLeft, 1)
	}
	if err != nil {
		return fmt.Errorf("clicking %s: %w", selector, timeoutErr(ctx, err))
	}
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := p.page.Context(waitCtx).Element(selector)
	if err == nil {
		err = el.WaitVisible()
	}
	if err != nil {
		return fmt.Errorf("waiting %s for %s to be visible: %w", timeout, selector, timeoutErr(waitCtx, err))
	}
	return nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("reading page html: %w", timeoutErr(ctx, err))
	}
	return html, nil
}

func (p *Page) ResponseBody(ctx context.Context, resp *browser.Response) (string, error) {
	if resp == nil || resp.RequestID == "" {
		return "", errors.New("response body unavailable: no document request id")
	}
	res, err := proto.NetworkGetResponseBody{RequestID: proto.NetworkRequestID(resp.RequestID)}.Call(p.page.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("reading response body of %s: %w", resp.URL, timeoutErr(ctx, err))
	}
	if !res.Base64Encoded {
		return res.Body, nil
	}
	body, err := base64.StdEncoding.DecodeString(res.Body)
	if err != nil {
		return "", fmt.Errorf("decoding response body of %s: %w", resp.URL, err)
	}
	return string(body), nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", timeoutErr(ctx, err))
	}
	return data, nil
}

func (p *Page) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	raw, err := p.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", timeoutErr(ctx, err))
	}
	cookies := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, fromProtoCookie(c))
	}
	return cookies, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toProtoCookie(c))
	}
	if err := p.browser.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("setting %d cookies: %w", len(cookies), timeoutErr(ctx, err))
	}
	return nil
}

func (p *Page) UserAgent(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => navigator.userAgent`)
	if err != nil {
		return "", fmt.Errorf("reading user agent: %w", timeoutErr(ctx, err))
	}
	return res.Value.Str(), nil
}

// Close closes the page, the browser, and removes the launcher's profile dir.
func (p *Page) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Info("Closing page and browser.")

		var errs []error
		if err := p.page.Context(ctx).Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing page: %w", err))
		}
		if err := p.browser.Context(ctx).Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing browser: %w", err))
		}
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func fromProtoCookie(c *proto.NetworkCookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	switch c.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case proto.NetworkCookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case proto.NetworkCookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	if c.Expires > 0 {
		hc.Expires = c.Expires.Time()
	}
	return hc
}

func toProtoCookie(c *http.Cookie) *proto.NetworkCookieParam {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
	}
	if param.Path == "" {
		param.Path = "/"
	}
	switch c.SameSite {
	case http.SameSiteStrictMode:
		param.SameSite = proto.NetworkCookieSameSiteStrict
	case http.SameSiteLaxMode:
		param.SameSite = proto.NetworkCookieSameSiteLax
	case http.SameSiteNoneMode:
		param.SameSite = proto.NetworkCookieSameSiteNone
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(float64(c.Expires.UnixNano()) / float64(time.Second))
	}
	return param
}
