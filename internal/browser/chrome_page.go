package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/browser/stealth"
	"github.com/xkilldash9x/catalog-relay/internal/config"
)

const (
	defaultLaunchTimeout = 30 * time.Second
	loadPollInterval     = 50 * time.Millisecond
)

// visibilityScript mirrors what a user can see: attached, not display:none or
// visibility:hidden, and with a non-empty box.
const visibilityScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	if (style.visibility === "hidden" || style.display === "none") return false;
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
})()`

// ChromePage drives a single Chrome tab over the DevTools protocol.
type ChromePage struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Page = (*ChromePage)(nil)

// NewChromePage launches Chrome and verifies it responds before returning.
// The browser lives until Close is called or ctx is canceled.
func NewChromePage(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*ChromePage, error) {
	logger = logger.Named("chromedp")
	logger.Info("Launching browser...", zap.Bool("headless", cfg.Headless), zap.Bool("stealth", cfg.Stealth))

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	p := &ChromePage{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		logger:      logger,
	}

	// The first Run allocates the browser. It must not carry a timeout, or
	// the browser dies with it.
	if err := chromedp.Run(tabCtx); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	launchTimeout := cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = defaultLaunchTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()
	if cfg.Stealth {
		if err := p.run(checkCtx, stealth.Apply(stealth.PersonaFromConfig(cfg), logger)); err != nil {
			p.cancel()
			return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
		}
	}
	if err := p.run(checkCtx, chromedp.Navigate("about:blank")); err != nil {
		p.cancel()
		return nil, fmt.Errorf("browser failed to respond: %w", err)
	}

	logger.Info("Browser launched successfully and is responsive.")
	return p, nil
}

// run executes actions on the tab, bounded by ctx. When ctx expired the
// returned error wraps ctx.Err() so callers can tell a timeout apart.
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}

func (p *ChromePage) Navigate(ctx context.Context, url string) (*Response, error) {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()

	// RunResponse drops the request id, which ResponseBody needs.
	var mu sync.Mutex
	requestIDs := make(map[string]network.RequestID)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			mu.Lock()
			requestIDs[e.Response.URL] = e.RequestID
			mu.Unlock()
		}
	})

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("navigation to %s: %w: %v", url, ctxErr, err)
		}
		return nil, fmt.Errorf("navigation to %s: %w", url, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("navigation to %s produced no document response", url)
	}

	mu.Lock()
	id := requestIDs[resp.URL]
	mu.Unlock()
	return &Response{Status: int(resp.Status), URL: resp.URL, RequestID: string(id)}, nil
}

func (p *ChromePage) WaitLoad(ctx context.Context) error {
	var complete bool
	return p.run(ctx, chromedp.Poll(`document.readyState === "complete"`, &complete,
		chromedp.WithPollingInterval(loadPollInterval)))
}

func (p *ChromePage) IsVisible(ctx context.Context, selector string) (bool, error) {
	quoted, err := jsoniter.MarshalToString(selector)
	if err != nil {
		return false, err
	}
	var visible bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(visibilityScript, quoted), &visible)); err != nil {
		return false, fmt.Errorf("visibility check for %s: %w", selector, err)
	}
	return visible, nil
}

func (p *ChromePage) Type(ctx context.Context, selector, text string) error {
	if err := p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("typing into %s: %w", selector, err)
	}
	return nil
}

func (p *ChromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("clicking %s: %w", selector, err)
	}
	return nil
}

func (p *ChromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting %s for %s to be visible: %w", timeout, selector, err)
	}
	return nil
}

func (p *ChromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("reading page html: %w", err)
	}
	return html, nil
}

func (p *ChromePage) ResponseBody(ctx context.Context, resp *Response) (string, error) {
	if resp == nil || resp.RequestID == "" {
		return "", errors.New("response body unavailable: no document request id")
	}
	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(resp.RequestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("reading response body of %s: %w", resp.URL, err)
	}
	return string(body), nil
}

func (p *ChromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 selects PNG.
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

func (p *ChromePage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, fromCDPCookie(c))
	}
	return cookies, nil
}

func (p *ChromePage) SetCookies(ctx context.Context, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCDPCookie(c))
	}
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("setting %d cookies: %w", len(cookies), err)
	}
	return nil
}

func (p *ChromePage) UserAgent(ctx context.Context) (string, error) {
	var ua string
	if err := p.run(ctx, chromedp.Evaluate(`navigator.userAgent`, &ua)); err != nil {
		return "", fmt.Errorf("reading user agent: %w", err)
	}
	return ua, nil
}

// Close closes the tab, then terminates the browser process. Subsequent
// calls return the first result.
func (p *ChromePage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Info("Closing page and browser.")

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.tabCtx) }()

		var errs []error
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("closing page: %w", err))
			}
		case <-ctx.Done():
			p.logger.Warn("Page did not close in time, killing browser.", zap.Error(ctx.Err()))
		}

		p.cancel()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *ChromePage) cancel() {
	p.tabCancel()
	p.allocCancel()
}

func fromCDPCookie(c *network.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: sameSiteFromCDP(c.SameSite),
	}
	// Session cookies report -1.
	if c.Expires > 0 {
		sec := int64(c.Expires)
		nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
		hc.Expires = time.Unix(sec, nsec)
	}
	return hc
}

func toCDPCookie(c *http.Cookie) *network.CookieParam {
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: sameSiteToCDP(c.SameSite),
	}
	if param.Path == "" {
		param.Path = "/"
	}
	if !c.Expires.IsZero() {
		exp := cdp.TimeSinceEpoch(c.Expires)
		param.Expires = &exp
	}
	return param
}

func sameSiteFromCDP(s network.CookieSameSite) http.SameSite {
	switch s {
	case network.CookieSameSiteStrict:
		return http.SameSiteStrictMode
	case network.CookieSameSiteLax:
		return http.SameSiteLaxMode
	case network.CookieSameSiteNone:
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

func sameSiteToCDP(s http.SameSite) network.CookieSameSite {
	switch s {
	case http.SameSiteStrictMode:
		return network.CookieSameSiteStrict
	case http.SameSiteLaxMode:
		return network.CookieSameSiteLax
	case http.SameSiteNoneMode:
		return network.CookieSameSiteNone
	default:
		return ""
	}
}
