package browser

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.BrowserConfig{Driver: "lynx"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"lynx"`)
	assert.Contains(t, err.Error(), config.DriverChromedp)
}

func TestRegister(t *testing.T) {
	assert.Contains(t, Drivers(), config.DriverChromedp)

	assert.Panics(t, func() {
		Register(config.DriverChromedp, func(context.Context, config.BrowserConfig, *zap.Logger) (Page, error) {
			return nil, nil
		})
	})
	assert.Panics(t, func() { Register("nil-driver", nil) })
}

func TestCookieConversion(t *testing.T) {
	t.Run("session cookie from CDP", func(t *testing.T) {
		c := fromCDPCookie(&network.Cookie{
			Name:     "EBIRD_SESSIONID",
			Value:    "abc",
			Domain:   ".example.org",
			Path:     "/",
			Expires:  -1,
			HTTPOnly: true,
			Secure:   true,
			SameSite: network.CookieSameSiteLax,
		})
		assert.Equal(t, "EBIRD_SESSIONID", c.Name)
		assert.True(t, c.Expires.IsZero())
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	})

	t.Run("persistent cookie round trip", func(t *testing.T) {
		expires := time.Unix(1893456000, 0)
		param := toCDPCookie(&http.Cookie{
			Name:     "I18N_LANGUAGE",
			Value:    "en",
			Domain:   "media.example.org",
			Expires:  expires,
			SameSite: http.SameSiteNoneMode,
		})
		require.NotNil(t, param.Expires)
		assert.True(t, expires.Equal(param.Expires.Time()))
		assert.Equal(t, "/", param.Path)
		assert.Equal(t, network.CookieSameSiteNone, param.SameSite)

		back := fromCDPCookie(&network.Cookie{Name: param.Name, Value: param.Value, Expires: float64(expires.Unix())})
		assert.True(t, expires.Equal(back.Expires))
	})

	t.Run("default same site", func(t *testing.T) {
		assert.Equal(t, network.CookieSameSite(""), sameSiteToCDP(http.SameSiteDefaultMode))
		assert.Equal(t, http.SameSiteStrictMode, sameSiteFromCDP(network.CookieSameSiteStrict))
		assert.Equal(t, http.SameSiteDefaultMode, sameSiteFromCDP(""))
	})
}

func TestChromePage_ResponseBodyRequiresRequestID(t *testing.T) {
	p := &ChromePage{}
	_, err := p.ResponseBody(context.Background(), &Response{Status: 503, URL: "https://media.example.org/catalog"})
	assert.ErrorContains(t, err, "no document request id")
}
