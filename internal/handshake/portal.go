// Package handshake implements the browser-side login handshakes of the VPN
// portal and the CAS single sign-on page: field extraction from the responses
// and the password encryption each side expects.
package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// Portal endpoints, relative to the portal base URL.
const (
	AuthPath  = "/por/login_auth.csp?apiversion=1"
	LoginPath = "/por/login_psw.csp?anti_replay=1&encrypt=1&type=cs"
	ProbePath = "/por/index.csp"

	// TokenCookie is the cookie carrying the portal session token.
	TokenCookie = "TWFID"

	// DefaultExponent is used when the portal omits RSA_ENCRYPT_EXP.
	DefaultExponent = 65537

	loginAccepted = "<Result>1</Result>"
)

var (
	ErrMissingToken   = errors.New("TwfID not found in portal response")
	ErrMissingModulus = errors.New("RSA_ENCRYPT_KEY not found in portal response")
)

var (
	tokenPattern    = regexp.MustCompile(`<TwfID>(.*)</TwfID>`)
	modulusPattern  = regexp.MustCompile(`<RSA_ENCRYPT_KEY>(.*)</RSA_ENCRYPT_KEY>`)
	exponentPattern = regexp.MustCompile(`<RSA_ENCRYPT_EXP>(.*)</RSA_ENCRYPT_EXP>`)
	csrfPattern     = regexp.MustCompile(`<CSRF_RAND_CODE>(.*)</CSRF_RAND_CODE>`)
)

// Challenge is the key material the portal hands out before a password login.
type Challenge struct {
	Token    string
	Modulus  string // hex
	Exponent int
	CSRF     string // empty when the portal sends none
}

// ParseChallenge extracts the session token, RSA key and optional CSRF nonce
// from the login_auth response body.
func ParseChallenge(body []byte) (*Challenge, error) {
	token := firstMatch(tokenPattern, body)
	if token == "" {
		return nil, ErrMissingToken
	}
	modulus := strings.TrimSpace(firstMatch(modulusPattern, body))
	if modulus == "" {
		return nil, ErrMissingModulus
	}

	exp := DefaultExponent
	if raw := strings.TrimSpace(firstMatch(exponentPattern, body)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA exponent %q: %w", raw, err)
		}
		exp = n
	}

	return &Challenge{
		Token:    token,
		Modulus:  modulus,
		Exponent: exp,
		CSRF:     firstMatch(csrfPattern, body),
	}, nil
}

// SaltedPassword returns the string the portal expects to be encrypted.
func (c *Challenge) SaltedPassword(password string) string {
	if c.CSRF == "" {
		return password
	}
	return password + "_" + c.CSRF
}

// EncryptPassword encrypts the salted password with the challenge key.
func (c *Challenge) EncryptPassword(password string) (string, error) {
	return EncryptRSA(c.Modulus, c.Exponent, c.SaltedPassword(password))
}

// EncryptRSA encrypts plaintext with PKCS#1 v1.5 under the public key
// (modulusHex, exponent) and returns the hex-encoded ciphertext.
func EncryptRSA(modulusHex string, exponent int, plaintext string) (string, error) {
	n, ok := new(big.Int).SetString(modulusHex, 16)
	if !ok {
		return "", fmt.Errorf("invalid RSA modulus %q", modulusHex)
	}
	pub := &rsa.PublicKey{N: n, E: exponent}

	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return hex.EncodeToString(ct), nil
}

// LoginAccepted reports whether a login_psw response signals success.
func LoginAccepted(body []byte) bool {
	return strings.Contains(string(body), loginAccepted)
}

func firstMatch(re *regexp.Regexp, body []byte) string {
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}
