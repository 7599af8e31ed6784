// internal/browser/default_allocator_options_test.go
package browser

import (
	"runtime"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("StealthDropsAutomationFlag", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true, Stealth: true})
		assert.Equal(t, false, flags["enable-automation"])
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
	})

	t.Run("NoStealthLeavesAutomationAlone", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true})
		assert.NotContains(t, flags, "enable-automation")
		assert.NotContains(t, flags, "disable-blink-features")
	})

	t.Run("HeadlessFollowsConfig", func(t *testing.T) {
		assert.Equal(t, true, allocatorFlags(config.BrowserConfig{Headless: true})["headless"])
		assert.Equal(t, false, allocatorFlags(config.BrowserConfig{Headless: false})["headless"])
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.Equal(t, true, flags["ignore-certificate-errors"])
		assert.Equal(t, true, flags["allow-insecure-localhost"])

		assert.NotContains(t, allocatorFlags(config.BrowserConfig{}), "ignore-certificate-errors")
	})

	t.Run("CustomArgs", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Args: []string{"--custom-arg1", "--lang=en-US"}})
		assert.Equal(t, true, flags["custom-arg1"])
		assert.Equal(t, "en-US", flags["lang"])
		assert.NotContains(t, flags, "--custom-arg1")
	})

	t.Run("ViewportAndUserAgent", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			UserAgent: "Mozilla/5.0 Test",
			Viewport:  map[string]int{"width": 1920, "height": 1080},
		})
		assert.Equal(t, "1920,1080", flags["window-size"])
		assert.Equal(t, "Mozilla/5.0 Test", flags["user-agent"])
	})

	t.Run("LinuxSandboxFlags", func(t *testing.T) {
		if runtime.GOOS != "linux" {
			t.Skip("linux only")
		}
		assert.Equal(t, true, allocatorFlags(config.BrowserConfig{})["no-sandbox"])
	})
}

func TestDefaultAllocatorOptions(t *testing.T) {
	cfg := config.BrowserConfig{Headless: true, Stealth: true}
	base := len(chromedp.DefaultExecAllocatorOptions) + len(allocatorFlags(cfg))
	assert.Len(t, DefaultAllocatorOptions(cfg), base)

	cfg.ExecPath = "/usr/bin/chromium"
	assert.Len(t, DefaultAllocatorOptions(cfg), base+1)
}
