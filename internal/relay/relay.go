// Package relay runs the command loop: it signs the browser in to the catalog
// and answers search requests through the signed-in session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/browser"
	"github.com/xkilldash9x/catalog-relay/internal/catalog"
	"github.com/xkilldash9x/catalog-relay/internal/config"
	"github.com/xkilldash9x/catalog-relay/internal/protocol"
	"github.com/xkilldash9x/catalog-relay/internal/screenshot"
	"github.com/xkilldash9x/catalog-relay/internal/session"
)

const shutdownTimeout = 10 * time.Second

// ErrReported marks a failure that has already been sent to the parent
// process as an error message.
var ErrReported = errors.New("relay: error reported to parent")

// SearchClient performs catalog API calls on behalf of the page.
type SearchClient interface {
	SetCookies(cookies []*http.Cookie)
	SetUserAgent(ua string)
	Search(ctx context.Context, cursor, taxonCode string) ([]byte, error)
}

// Input is the command source, normally a protocol.LineReader.
type Input interface {
	Lines() <-chan string
	// Err reports why Lines was closed. nil means end of input.
	Err() error
}

// Relay owns the page for the lifetime of the process.
type Relay struct {
	cfg     *config.Config
	page    browser.Page
	catalog SearchClient
	out     *protocol.Writer
	shots   *screenshot.Recorder
	logger  *zap.Logger

	sessionID string
	restored  bool
	uaSynced  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires a relay around an already opened page.
func New(cfg *config.Config, page browser.Page, client SearchClient, out *protocol.Writer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.Named("relay").With(zap.String("session_id", id))

	return &Relay{
		cfg:       cfg,
		page:      page,
		catalog:   client,
		out:       out,
		shots:     screenshot.NewRecorder(cfg.Screenshots.Enabled, cfg.Screenshots.Dir, id[:8], logger),
		logger:    logger,
		sessionID: id,
	}
}

// SessionID identifies this run in logs and screenshot names.
func (r *Relay) SessionID() string {
	return r.sessionID
}

// Run dispatches commands until shutdown, end of input, a reported error
// (when relay.exit_on_error is set), or cancellation of ctx. A failed read
// is reported and ends the run. The page is always closed before Run returns.
func (r *Relay) Run(ctx context.Context, in Input) error {
	r.logger.Info("Waiting for commands.")
	lines := in.Lines()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Context canceled, shutting down.", zap.Error(ctx.Err()))
			r.closeDetached(ctx)
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				if readErr := in.Err(); readErr != nil {
					err := r.fail(ctx, "read", fmt.Errorf("failed to read command: %w", readErr))
					r.closeDetached(ctx)
					return err
				}
				r.logger.Info("Input closed, shutting down.")
				return r.Shutdown(browser.Detach(ctx))
			}

			cmd := protocol.ParseCommand(line)
			if cmd.Raw == "" {
				continue
			}
			r.logger.Debug("Received command.", zap.Stringer("command", cmd.Type))

			var err error
			switch cmd.Type {
			case protocol.CommandConnect:
				err = r.Connect(ctx)
			case protocol.CommandShutdown:
				return r.Shutdown(browser.Detach(ctx))
			default:
				err = r.Search(ctx, cmd.Raw)
			}

			if err == nil {
				continue
			}
			if errors.Is(err, ErrReported) && !r.cfg.Relay.ExitOnError {
				continue
			}
			r.closeDetached(ctx)
			return err
		}
	}
}

// Connect opens the catalog page, signs in when the form is shown and waits
// for the results list. Success sends ready_for_requests.
func (r *Relay) Connect(ctx context.Context) error {
	if err := r.restoreSession(ctx); err != nil {
		r.logger.Warn("Failed to restore storage state, continuing without it.", zap.Error(err))
	}

	url := r.cfg.Site.CatalogURL()
	log := r.logger.With(zap.String("url", url))
	log.Info("Connecting to catalog.")

	// 1. Navigate and check the document status.
	navCtx, cancel := context.WithTimeout(ctx, r.cfg.Site.NavigationTimeout)
	defer cancel()

	resp, err := r.page.Navigate(navCtx, url)
	if err != nil {
		return r.fail(ctx, "navigate", err)
	}
	r.capture(ctx, "navigated")

	if resp.Status != http.StatusOK {
		return r.fail(ctx, "navigate", &catalog.BadResponseError{Status: resp.Status, Body: r.errorBody(ctx, resp), URL: url})
	}

	// 2. Wait for the load event before checking the DOM.
	if err := r.page.WaitLoad(navCtx); err != nil {
		return r.fail(ctx, "load", err)
	}

	// 3. Sign in only when the form is actually shown.
	sel := r.cfg.Site.Selectors
	visible, err := r.page.IsVisible(navCtx, sel.Username)
	if err != nil {
		return r.fail(ctx, "sign-in", err)
	}
	if visible {
		if err := r.signIn(navCtx); err != nil {
			return r.fail(ctx, "sign-in", err)
		}
		r.capture(ctx, "signed-in")
	} else {
		log.Debug("Sign-in form not shown, session already authenticated.")
	}

	// 4. The results list marks a usable catalog page.
	if err := r.page.WaitVisible(ctx, sel.ResultsList, r.cfg.Site.Timeout); err != nil {
		return r.fail(ctx, "results", err)
	}
	r.capture(ctx, "results")

	if err := r.syncClient(ctx, true); err != nil {
		log.Warn("Failed to copy browser session to the API client.", zap.Error(err))
	}
	r.saveSession(ctx)

	log.Info("Catalog ready for requests.")
	return r.out.SendReady()
}

// errorBody returns what the server sent with a failed document response.
// The rendered DOM is only a fallback, since Chrome wraps non-HTML bodies.
func (r *Relay) errorBody(ctx context.Context, resp *browser.Response) string {
	body, err := r.page.ResponseBody(ctx, resp)
	if err == nil {
		return body
	}
	r.logger.Warn("Failed to read raw response body, using page HTML.", zap.Error(err))

	html, err := r.page.HTML(ctx)
	if err != nil {
		r.logger.Warn("Failed to read error page body.", zap.Error(err))
	}
	return html
}

func (r *Relay) signIn(ctx context.Context) error {
	creds := r.cfg.Credentials
	if !creds.HasCredentials() {
		return errors.New("sign-in form is shown but EBIRD_USERNAME and EBIRD_PASSWORD are not both set")
	}

	sel := r.cfg.Site.Selectors
	r.logger.Info("Signing in.", zap.String("username", creds.Username))
	if err := r.page.Type(ctx, sel.Username, creds.Username); err != nil {
		return err
	}
	if err := r.page.Type(ctx, sel.Password, creds.Password); err != nil {
		return err
	}
	return r.page.Click(ctx, sel.Submit)
}

// Search answers one search request line with a page of results.
func (r *Relay) Search(ctx context.Context, raw string) error {
	req, err := protocol.ParseSearchRequest(raw)
	if err != nil {
		return r.fail(ctx, "parse", err)
	}

	if err := r.syncClient(ctx, !r.uaSynced); err != nil {
		return r.fail(ctx, "cookies", err)
	}

	body, err := r.catalog.Search(ctx, req.InitialCursorMark, req.Code)
	if err != nil {
		return r.fail(ctx, "search", err)
	}

	r.logger.Info("Relaying search results.",
		zap.String("taxon_code", req.Code),
		zap.Float64("call_count", req.CallCount),
		zap.Int("bytes", len(body)))
	return r.out.SendRaw(body)
}

// Shutdown closes the page and the browser. Only the first call does work.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.logger.Info("Shutting down.")
		closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := r.page.Close(closeCtx); err != nil {
			r.logger.Warn("Browser did not close cleanly.", zap.Error(err))
			r.shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		}
	})
	return r.shutdownErr
}

func (r *Relay) closeDetached(ctx context.Context) {
	_ = r.Shutdown(browser.Detach(ctx))
}

// syncClient copies the page's cookies, and optionally its user agent, to the
// API client so both look like the same visitor.
func (r *Relay) syncClient(ctx context.Context, withUA bool) error {
	cookies, err := r.page.Cookies(ctx)
	if err != nil {
		return err
	}
	r.catalog.SetCookies(cookies)

	if withUA {
		ua, err := r.page.UserAgent(ctx)
		if err != nil {
			return err
		}
		r.catalog.SetUserAgent(ua)
		r.uaSynced = true
	}
	return nil
}

func (r *Relay) restoreSession(ctx context.Context) error {
	path := r.cfg.Session.StorageState
	if path == "" || r.restored {
		return nil
	}
	r.restored = true

	n, err := session.Restore(ctx, r.page, path)
	if err != nil {
		return err
	}
	r.logger.Info("Restored storage state.", zap.String("path", path), zap.Int("cookies", n))
	return nil
}

func (r *Relay) saveSession(ctx context.Context) {
	if !r.cfg.Session.SaveStorageState || r.cfg.Session.StorageState == "" {
		return
	}
	n, err := session.Persist(ctx, r.page, r.cfg.Session.StorageState)
	if err != nil {
		r.logger.Warn("Failed to save storage state.", zap.Error(err))
		return
	}
	r.logger.Info("Saved storage state.", zap.String("path", r.cfg.Session.StorageState), zap.Int("cookies", n))
}

func (r *Relay) capture(ctx context.Context, step string) {
	_, _ = r.shots.Capture(ctx, r.page, step)
}

// fail reports err to the parent and returns ErrReported, or the write error
// if stdout is gone.
func (r *Relay) fail(ctx context.Context, step string, err error) error {
	payload := Classify(err)
	r.logger.Error("Step failed.",
		zap.String("step", step),
		zap.String("kind", string(payload.Kind())),
		zap.Error(err))

	switch step {
	case "read", "parse", "search", "cookies":
	default:
		r.capture(browser.Detach(ctx), "failed-"+step)
	}
	if writeErr := r.out.SendError(payload); writeErr != nil {
		return writeErr
	}
	return fmt.Errorf("%w: %s: %v", ErrReported, step, err)
}
