// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/catalog-relay/internal/browser"
)

// -- Page Mock --

// MockPage mocks browser.Page.
type MockPage struct {
	mock.Mock
}

var _ browser.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) (*browser.Response, error) {
	args := m.Called(ctx, url)
	if resp := args.Get(0); resp != nil {
		return resp.(*browser.Response), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPage) WaitLoad(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Type(ctx context.Context, selector, text string) error {
	args := m.Called(ctx, selector, text)
	return args.Error(0)
}

func (m *MockPage) Click(ctx context.Context, selector string) error {
	args := m.Called(ctx, selector)
	return args.Error(0)
}

func (m *MockPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	args := m.Called(ctx, selector, timeout)
	return args.Error(0)
}

func (m *MockPage) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) ResponseBody(ctx context.Context, resp *browser.Response) (string, error) {
	args := m.Called(ctx, resp)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if data := args.Get(0); data != nil {
		return data.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	args := m.Called(ctx)
	if cookies := args.Get(0); cookies != nil {
		return cookies.([]*http.Cookie), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPage) SetCookies(ctx context.Context, cookies []*http.Cookie) error {
	args := m.Called(ctx, cookies)
	return args.Error(0)
}

func (m *MockPage) UserAgent(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
