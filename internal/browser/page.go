// Package browser defines the single-page browser abstraction the relay
// drives, and its default chromedp implementation.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

// Response describes the main document response of a navigation.
type Response struct {
	Status int
	URL    string
	// RequestID identifies the document request for ResponseBody.
	RequestID string
}

// Page is one browser tab. Implementations must be safe to Close more than once.
type Page interface {
	// Navigate loads url and reports the status of the main document.
	Navigate(ctx context.Context, url string) (*Response, error)
	// WaitLoad blocks until the document has fired its load event.
	WaitLoad(ctx context.Context) error
	// IsVisible checks the selector once, without waiting.
	IsVisible(ctx context.Context, selector string) (bool, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// WaitVisible waits at most timeout for the selector to become visible.
	// An expired wait wraps context.DeadlineExceeded.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	// ResponseBody returns the raw body the server sent for a document
	// response, before Chrome renders it.
	ResponseBody(ctx context.Context, resp *Response) (string, error)
	// Screenshot returns a full page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Cookies returns every cookie in the browser profile.
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, cookies []*http.Cookie) error
	UserAgent(ctx context.Context) (string, error)
	// Close closes the page and then the browser.
	Close(ctx context.Context) error
}

// Opener launches a browser and returns its only page.
type Opener func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Page, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a driver available under name. It panics on duplicates.
func Register(name string, opener Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if opener == nil {
		panic("browser: Register opener is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("browser: Register called twice for driver " + name)
	}
	drivers[name] = opener
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open launches the driver selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Page, error) {
	driversMu.RLock()
	opener, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown browser driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return opener(ctx, cfg, logger)
}

func init() {
	Register(config.DriverChromedp, func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Page, error) {
		return NewChromePage(ctx, cfg, logger)
	})
}
