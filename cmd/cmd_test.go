package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/catalog-relay/internal/browser"
	"github.com/xkilldash9x/catalog-relay/internal/config"
	"github.com/xkilldash9x/catalog-relay/internal/mocks"
	"github.com/xkilldash9x/catalog-relay/internal/observability"
	"github.com/xkilldash9x/catalog-relay/internal/relay"
)

// silenceLogger installs a discard logger before PersistentPreRunE gets a
// chance to initialize the real one.
func silenceLogger(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
}

// executeCommand runs a fresh command tree with the given stdin.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	silenceLogger(t)

	root := NewRootCommand()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// executeCommandNoPreRun checks argument validation without loading config.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	root.PersistentPreRunE = nil

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// stubBrowser replaces the browser launcher for the duration of the test.
func stubBrowser(t *testing.T, page browser.Page) *config.BrowserConfig {
	t.Helper()
	var seen config.BrowserConfig
	original := openPage
	openPage = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Page, error) {
		seen = cfg
		return page, nil
	}
	t.Cleanup(func() { openPage = original })
	return &seen
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr string
	}{
		{name: "milliseconds", raw: "3000", want: 3 * time.Second},
		{name: "duration", raw: "1m30s", want: 90 * time.Second},
		{name: "zero", raw: "0", wantErr: "must be positive"},
		{name: "negative duration", raw: "-2s", wantErr: "must be positive"},
		{name: "garbage", raw: "soon", wantErr: "expected milliseconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeout(tt.raw)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunCmd_ArgValidation(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "run")
	assert.ErrorContains(t, err, "accepts between 1 and 2 arg(s)")

	_, err = executeCommandNoPreRun(t, "run", "https://media.example.org", "3000", "extra")
	assert.ErrorContains(t, err, "accepts between 1 and 2 arg(s)")
}

func TestRunCmd_InvalidTimeout(t *testing.T) {
	_, err := executeCommand(t, "", "run", "https://media.example.org", "later")
	assert.ErrorContains(t, err, `invalid timeout "later"`)
}

func TestRunCmd_InvalidDriver(t *testing.T) {
	page := new(mocks.MockPage)
	stubBrowser(t, page)

	_, err := executeCommand(t, "", "run", "https://media.example.org", "--driver", "lynx")
	assert.ErrorContains(t, err, "browser.driver")
	page.AssertNotCalled(t, "Close", mock.Anything)
}

func TestRunCmd_RelaysSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/search", r.URL.Path)
		assert.Equal(t, "amerob", r.URL.Query().Get("taxonCode"))
		_, _ = w.Write([]byte("{\n  \"results\": {\"count\": 1}\n}"))
	}))
	t.Cleanup(server.Close)
	t.Setenv("PLAYWRIGHT_TAKE_SCREENSHOTS", "")

	page := new(mocks.MockPage)
	page.On("Navigate", mock.Anything, server.URL+"/catalog?view=list").Return(&browser.Response{Status: 200}, nil)
	page.On("WaitLoad", mock.Anything).Return(nil)
	page.On("IsVisible", mock.Anything, mock.Anything).Return(false, nil)
	page.On("WaitVisible", mock.Anything, ".ResultsList", 1500*time.Millisecond).Return(nil)
	page.On("Cookies", mock.Anything).Return([]*http.Cookie{{Name: "EBIRD_SESSIONID", Value: "abc", Path: "/"}}, nil)
	page.On("UserAgent", mock.Anything).Return("Mozilla/5.0 HeadlessTest", nil)
	page.On("Close", mock.Anything).Return(nil).Once()
	seen := stubBrowser(t, page)

	stdin := "connect\n{\"code\":\"amerob\",\"call_count\":1}\nshutdown\n"
	out, err := executeCommand(t, stdin, "run", server.URL, "1500", "--driver", "rod", "--headless=false")
	require.NoError(t, err)

	assert.Equal(t, "message=ready_for_requests\nmessage={\"results\":{\"count\":1}}\n", out)
	assert.Equal(t, config.DriverRod, seen.Driver)
	assert.False(t, seen.Headless)
	page.AssertExpectations(t)
}

func TestRunCmd_OversizedCommandFails(t *testing.T) {
	t.Setenv("PLAYWRIGHT_TAKE_SCREENSHOTS", "")
	page := new(mocks.MockPage)
	page.On("Close", mock.Anything).Return(nil).Once()
	stubBrowser(t, page)

	stdin := `{"code":"` + strings.Repeat("a", 2<<20) + `","call_count":1}` + "\n"
	out, err := executeCommand(t, stdin, "run", "https://media.example.org")
	require.ErrorIs(t, err, relay.ErrReported)

	assert.True(t, strings.HasPrefix(out, `message={"error":"unknown"`), out)
	assert.Contains(t, out, "command exceeds")
	page.AssertExpectations(t)
}

func TestConfigCmd(t *testing.T) {
	t.Setenv("EBIRD_USERNAME", "birder")
	t.Setenv("EBIRD_PASSWORD", "hunter2")
	t.Setenv("CATALOG_RELAY_SEARCH_MEDIA_TYPE", "photo")

	configFile := createTempConfig(t, `
site:
  timeout: 5s
browser:
  driver: rod
`)

	out, err := executeCommand(t, "", "config", "https://media.example.org", "-c", configFile)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "birder")

	var printed config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	assert.Equal(t, "https://media.example.org", printed.Site.BaseURL)
	assert.Equal(t, 5*time.Second, printed.Site.Timeout)
	assert.Equal(t, config.DriverRod, printed.Browser.Driver)
	assert.Equal(t, "photo", printed.Search.MediaType)
}

func TestConfigCmd_BadConfigFile(t *testing.T) {
	configFile := createTempConfig(t, "site: [unterminated")

	_, err := executeCommand(t, "", "config", "-c", configFile)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeCommand(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}
