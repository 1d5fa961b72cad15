// Package portaltest runs an in-process VPN portal and CAS login page for
// tests of the packages built on top of connection.
package portaltest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/handshake"
)

const (
	Token       = "PORTALTEST-TOKEN"
	Username    = "20240001"
	VPNPassword = "vpn-pass"
	SSOPassword = "sso-pass"

	loginTicket = "LT-portaltest"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// Portal is a fake portal accepting Username with VPNPassword and
// SSOPassword.
type Portal struct {
	Server *httptest.Server
	// Mux serves the portal; tests register extra pages on it.
	Mux *http.ServeMux

	vpnLogins atomic.Int32
	ssoLogins atomic.Int32
}

// New starts a portal that is shut down when the test ends.
func New(t testing.TB) *Portal {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})

	p := &Portal{Mux: http.NewServeMux()}
	p.Mux.HandleFunc("/por/login_auth.csp", p.auth)
	p.Mux.HandleFunc("/por/login_psw.csp", p.login)
	p.Mux.HandleFunc("/por/index.csp", p.probe)
	p.Mux.HandleFunc("/cas/login", p.cas)
	p.Server = httptest.NewServer(p.Mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the portal base URL.
func (p *Portal) URL() string { return p.Server.URL }

// VPNLogins counts accepted VPN logins.
func (p *Portal) VPNLogins() int { return int(p.vpnLogins.Load()) }

// SSOLogins counts accepted SSO logins.
func (p *Portal) SSOLogins() int { return int(p.ssoLogins.Load()) }

// Config returns connection settings pointing at the portal, with rate
// limiting off and short timeouts.
func (p *Portal) Config() config.ConnectionConfig {
	cfg := config.DefaultConnection()
	cfg.Server = p.Server.URL
	cfg.SSOLoginURL = p.Server.URL + "/cas/login?service=test"
	cfg.SSOOrigin = p.Server.URL
	cfg.RateLimitPerHost = 0
	cfg.DefaultTimeoutSeconds = 5
	cfg.RetryStrategy = "immediate"
	cfg.RetryJitter = false
	return cfg
}

func (p *Portal) auth(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "<Auth><TwfID>%s</TwfID><RSA_ENCRYPT_KEY>%X</RSA_ENCRYPT_KEY><RSA_ENCRYPT_EXP>%d</RSA_ENCRYPT_EXP></Auth>",
		Token, key.N, key.E)
}

func (p *Portal) login(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	ct, _ := hex.DecodeString(r.PostForm.Get("svpn_password"))
	pt, err := rsa.DecryptPKCS1v15(nil, key, ct)
	if err != nil || string(pt) != VPNPassword || r.PostForm.Get("svpn_name") != Username {
		fmt.Fprint(w, "<Auth><Result>0</Result></Auth>")
		return
	}
	p.vpnLogins.Add(1)
	fmt.Fprint(w, "<Auth><Result>1</Result></Auth>")
}

func (p *Portal) probe(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(handshake.TokenCookie); err == nil && ck.Value == Token {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, "/portal/", http.StatusFound)
}

func (p *Portal) cas(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprintf(w, `<form><input type="hidden" name="lt" value="%s"/><input type="hidden" name="execution" value="e1s1"/></form>`, loginTicket)
		return
	}
	r.ParseForm()
	want, _ := handshake.EncryptDES(SSOPassword, loginTicket)
	if r.PostForm.Get("password") != want {
		fmt.Fprint(w, `<div id="tipMsg">invalid credentials</div>`)
		return
	}
	p.ssoLogins.Add(1)
	http.SetCookie(w, &http.Cookie{Name: "CASTGC", Value: "TGT-portaltest"})
	w.Header().Set("Location", "/landing")
	w.WriteHeader(http.StatusFound)
}
