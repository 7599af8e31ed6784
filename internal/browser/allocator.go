package browser

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

// DefaultAllocatorOptions assembles the Chrome flags for the catalog browser.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// allocatorFlags returns the command line flags layered over chromedp's
// defaults. A false value removes the flag from the command line.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":           cfg.Headless,
		"disable-extensions": true,
		"disable-gpu":        cfg.Headless,
	}

	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if cfg.Stealth {
		// The automation infobar and navigator.webdriver give the session away.
		flags["enable-automation"] = false
		flags["disable-blink-features"] = "AutomationControlled"
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(arg, "=")
		name = strings.TrimPrefix(name, "--")
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}

	// Containers rarely allow the sandbox or a large /dev/shm.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}
