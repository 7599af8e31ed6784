// Package session persists browser cookies between runs in the storage-state
// JSON layout used by Playwright, so existing auth files keep working.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StorageState is the on-disk document.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is one browser cookie. Expires is seconds since the epoch, -1 for
// session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// Origin holds per-origin local storage. It is carried through untouched.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Load reads a storage-state file. A missing file wraps os.ErrNotExist.
func Load(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state %s: %w", path, err)
	}
	return &state, nil
}

// Save writes the state atomically with owner-only permissions.
func (s *StorageState) Save(path string) error {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.Origins == nil {
		s.Origins = []Origin{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".storage-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write storage state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write storage state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to set storage state permissions: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// FromHTTPCookies converts browser cookies to their stored form.
func FromHTTPCookies(cookies []*http.Cookie) *StorageState {
	state := &StorageState{Cookies: make([]Cookie, 0, len(cookies)), Origins: []Origin{}}
	for _, c := range cookies {
		expires := float64(-1)
		if !c.Expires.IsZero() {
			expires = float64(c.Expires.UnixNano()) / float64(time.Second)
		}
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSiteName(c.SameSite),
		})
	}
	return state
}

// HTTPCookies converts the stored cookies, dropping any that have expired.
func (s *StorageState) HTTPCookies(now time.Time) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: parseSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*float64(time.Second)))
			if !hc.Expires.After(now) {
				continue
			}
		}
		cookies = append(cookies, hc)
	}
	return cookies
}

func sameSiteName(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return "Lax"
	}
}

func parseSameSite(s string) http.SameSite {
	switch s {
	case "Strict":
		return http.SameSiteStrictMode
	case "None":
		return http.SameSiteNoneMode
	case "Lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// CookieStore is the part of a browser page that owns cookies.
type CookieStore interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, cookies []*http.Cookie) error
}

// Restore loads path into the browser. A missing file is not an error and
// restores nothing.
func Restore(ctx context.Context, store CookieStore, path string) (int, error) {
	state, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cookies := state.HTTPCookies(time.Now())
	if err := store.SetCookies(ctx, cookies); err != nil {
		return 0, fmt.Errorf("failed to restore cookies: %w", err)
	}
	return len(cookies), nil
}

// Persist saves the browser's current cookies to path.
func Persist(ctx context.Context, store CookieStore, path string) (int, error) {
	cookies, err := store.Cookies(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read cookies: %w", err)
	}
	if err := FromHTTPCookies(cookies).Save(path); err != nil {
		return 0, err
	}
	return len(cookies), nil
}
