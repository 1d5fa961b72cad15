// Package browsercookie reads the portal session cookie out of a Chrome
// profile, so a session started in the browser can be adopted by a
// Connection without handing over a password.
package browsercookie

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/browserutils/kooky"
	"github.com/browserutils/kooky/browser/chrome"

	"github.com/campuslink/campuslink/internal/handshake"
)

// ErrNoToken is returned when the profile holds no usable session cookie.
var ErrNoToken = errors.New("portal session cookie not found")

// Finder looks up one cookie in a Chrome cookie database.
type Finder struct {
	cookiePath string
	domain     string
	name       string
	now        func() time.Time
}

// NewFinder creates a finder for the portal token cookie of domain in the
// cookie database at cookiePath.
func NewFinder(cookiePath, domain string) *Finder {
	return &Finder{
		cookiePath: cookiePath,
		domain:     strings.TrimPrefix(strings.ToLower(domain), "."),
		name:       handshake.TokenCookie,
		now:        time.Now,
	}
}

// Token returns the value of the first unexpired matching cookie.
func (f *Finder) Token() (string, error) {
	for cookie := range chrome.TraverseCookies(f.cookiePath).OnlyCookies() {
		if f.match(cookie) {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("%w for %s in %s", ErrNoToken, f.domain, f.cookiePath)
}

// match accepts the cookie name on the domain itself or any subdomain.
func (f *Finder) match(c *kooky.Cookie) bool {
	if c == nil || c.Name != f.name || c.Value == "" {
		return false
	}
	if !c.Expires.IsZero() && c.Expires.Before(f.now()) {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	return host == f.domain || strings.HasSuffix(host, "."+f.domain)
}
