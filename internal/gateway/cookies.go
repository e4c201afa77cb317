package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// CookieSource lists the browser's cookies. Domain keeps the browser's
// convention: a leading dot marks a domain cookie, otherwise the cookie is
// host-only.
type CookieSource interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// SetCookieSource makes every legacy and rank fetch pull the browser's
// cookies into the jar first. Cookies the jar already holds are left alone,
// so values rotated by a server response survive.
func (g *Gateway) SetCookieSource(src CookieSource) {
	g.cookies = src
}

// SyncCookies copies every cookie from src into the shared jar, replacing
// jar values of the same name, and returns how many were offered.
func (g *Gateway) SyncCookies(ctx context.Context, src CookieSource) (int, error) {
	cookies, err := src.Cookies(ctx)
	if err != nil {
		return 0, err
	}
	g.storeCookies(cookies, true)
	return len(cookies), nil
}

func (g *Gateway) syncCookies(ctx context.Context) {
	if g.cookies == nil {
		return
	}
	cookies, err := g.cookies.Cookies(ctx)
	if err != nil {
		g.logger.Debug("cookie sync failed", zap.Error(err))
		return
	}
	g.storeCookies(cookies, false)
}

func (g *Gateway) storeCookies(cookies []*http.Cookie, replace bool) {
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: scheme, Host: host, Path: path}
		if !replace && jarHolds(g.jar, u, c.Name) {
			continue
		}

		cc := *c
		if !strings.HasPrefix(c.Domain, ".") {
			cc.Domain = ""
		}
		g.jar.SetCookies(u, []*http.Cookie{&cc})
	}
}

func jarHolds(jar http.CookieJar, u *url.URL, name string) bool {
	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return true
		}
	}
	return false
}
