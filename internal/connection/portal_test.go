package connection

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/fault"
	"github.com/campuslink/campuslink/internal/handshake"
	"github.com/campuslink/campuslink/internal/retry"
)

var (
	portalKeyOnce sync.Once
	portalKey     *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	portalKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		portalKey = k
	})
	return portalKey
}

// fakePortal emulates the VPN portal and the CAS login page behind it.
type fakePortal struct {
	t   *testing.T
	key *rsa.PrivateKey
	srv *httptest.Server
	mux *http.ServeMux

	mu        sync.Mutex
	token     string
	csrf      string
	omitToken bool
	reject    bool
	authFail  int // number of upcoming auth requests answered with 503
	lastForm  url.Values
	plaintext string

	casForm     string
	casReject   string
	casPosts    atomic.Int32
	casLastForm url.Values
	casLastHdr  http.Header
	probeStatus atomic.Int32
	authHits    atomic.Int32
	loginHits   atomic.Int32
	probeHits   atomic.Int32
}

const casLoginPage = `<html><body><form id="fm1" action="/cas/login" method="post">
<input type="hidden" name="lt" value="LT-1234-abcdef" />
<input type="hidden" name="execution" value="e1s1" />
</form></body></html>`

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{
		t:       t,
		key:     testKey(t),
		mux:     http.NewServeMux(),
		token:   "ABC123",
		casForm: casLoginPage,
	}
	p.probeStatus.Store(http.StatusOK)

	p.mux.HandleFunc("/por/login_auth.csp", p.handleAuth)
	p.mux.HandleFunc("/por/login_psw.csp", p.handleLogin)
	p.mux.HandleFunc("/por/index.csp", p.handleProbe)
	p.mux.HandleFunc("/cas/login", p.handleCAS)

	p.srv = httptest.NewServer(p.mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePortal) set(fn func(p *fakePortal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakePortal) handleAuth(w http.ResponseWriter, r *http.Request) {
	p.authHits.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.authFail > 0 {
		p.authFail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if _, err := r.Cookie(handshake.TokenCookie); err == nil {
		p.t.Errorf("challenge request carried a session cookie")
	}

	fmt.Fprint(w, "<Auth><Result>1</Result>")
	if !p.omitToken {
		fmt.Fprintf(w, "<TwfID>%s</TwfID>", p.token)
	}
	fmt.Fprintf(w, "<RSA_ENCRYPT_KEY>%X</RSA_ENCRYPT_KEY>", p.key.N)
	fmt.Fprintf(w, "<RSA_ENCRYPT_EXP>%d</RSA_ENCRYPT_EXP>", p.key.E)
	if p.csrf != "" {
		fmt.Fprintf(w, "<CSRF_RAND_CODE>%s</CSRF_RAND_CODE>", p.csrf)
	}
	fmt.Fprint(w, "</Auth>")
}

func (p *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.loginHits.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastForm = r.PostForm

	ck, err := r.Cookie(handshake.TokenCookie)
	if err != nil || ck.Value != p.token {
		p.t.Errorf("login POST cookie = %v, want %s", ck, p.token)
	}
	ct, err := hex.DecodeString(r.PostForm.Get("svpn_password"))
	if err == nil {
		pt, derr := rsa.DecryptPKCS1v15(nil, p.key, ct)
		if derr == nil {
			p.plaintext = string(pt)
		}
	}

	if p.reject {
		fmt.Fprint(w, "<Auth><Result>0</Result><Message>invalid username or password</Message></Auth>")
		return
	}
	fmt.Fprint(w, "<Auth><Result>1</Result></Auth>")
}

func (p *fakePortal) handleProbe(w http.ResponseWriter, r *http.Request) {
	p.probeHits.Add(1)
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	ck, err := r.Cookie(handshake.TokenCookie)
	if err != nil || ck.Value != token {
		w.Header().Set("Location", "/portal/")
		w.WriteHeader(http.StatusFound)
		return
	}
	w.WriteHeader(int(p.probeStatus.Load()))
}

func (p *fakePortal) handleCAS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	form, reject := p.casForm, p.casReject
	p.mu.Unlock()

	if r.Method == http.MethodGet {
		fmt.Fprint(w, form)
		return
	}

	p.casPosts.Add(1)
	r.ParseForm()
	p.mu.Lock()
	p.casLastForm = r.PostForm
	p.casLastHdr = r.Header.Clone()
	p.mu.Unlock()

	if reject != "" {
		fmt.Fprintf(w, `<html><body><div id="tipMsg" class="alert"> %s </div></body></html>`, reject)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "CASTGC", Value: "TGT-42", Path: "/cas"})
	w.Header().Set("Location", "/jw/index?ticket=ST-1")
	w.WriteHeader(http.StatusFound)
}

func (p *fakePortal) config() config.ConnectionConfig {
	cfg := config.DefaultConnection()
	cfg.Server = p.srv.URL
	cfg.SSOLoginURL = p.srv.URL + "/cas/login?service=http%3A%2F%2Fjw%2Fcheck"
	cfg.SSOOrigin = p.srv.URL
	cfg.RateLimitPerHost = 0
	cfg.DefaultTimeoutSeconds = 5
	return cfg
}

func immediatePolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Strategy:    retry.Immediate,
		Retryable:   []fault.Kind{fault.KindConnection, fault.KindTimeout},
	}
}

func withTimings(monitor, activity, probe time.Duration) Option {
	return func(c *Connection) {
		c.monitorInterval = monitor
		c.activityTimeout = activity
		c.probeTimeout = probe
	}
}

func (p *fakePortal) connect(t *testing.T, opts ...Option) *Connection {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(immediatePolicy(3))}, opts...)
	c, err := New(p.srv.URL, "20240001", p.config(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
