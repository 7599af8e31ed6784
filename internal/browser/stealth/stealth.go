// Package stealth hides the usual headless Chrome tells from page scripts
// when the page is driven through chromedp.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona is what the page should believe about its visitor.
type Persona struct {
	// UserAgent overrides the browser's own when set. Otherwise the
	// HeadlessChrome token is rewritten to Chrome.
	UserAgent string
	Languages []string
	Timezone  string
}

// PersonaFromConfig derives a persona from the browser settings.
func PersonaFromConfig(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Languages: languagesFor(cfg.Locale),
		Timezone:  cfg.Timezone,
	}
}

// languagesFor expands a locale like "en-US" to ["en-US", "en"].
func languagesFor(locale string) []string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return nil
	}
	langs := []string{locale}
	if base, _, found := strings.Cut(locale, "-"); found && base != "" {
		langs = append(langs, base)
	}
	return langs
}

// AcceptLanguage renders the languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the actions that install the persona on the current tab.
// They must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			ua := p.UserAgent
			if ua == "" {
				_, _, _, browserUA, _, err := cdpbrowser.GetVersion().Do(ctx)
				if err != nil {
					return fmt.Errorf("failed to read browser version: %w", err)
				}
				ua = NormalizeUserAgent(browserUA)
			}
			logger.Debug("Applying stealth persona", zap.String("user_agent", ua), zap.Strings("languages", p.Languages))

			override := emulation.SetUserAgentOverride(ua)
			if lang := p.AcceptLanguage(); lang != "" {
				override = override.WithAcceptLanguage(lang)
			}
			return override.Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if len(p.Languages) > 0 {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Languages[0]))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	return tasks
}

// NormalizeUserAgent drops the headless marker from a Chrome user agent.
func NormalizeUserAgent(ua string) string {
	return strings.ReplaceAll(ua, "HeadlessChrome", "Chrome")
}
