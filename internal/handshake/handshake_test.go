package handshake

import (
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
)

func TestParseChallenge(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><Auth><TwfID>ABC123</TwfID>` +
		`<RSA_ENCRYPT_KEY>C0FFEE</RSA_ENCRYPT_KEY><RSA_ENCRYPT_EXP>3</RSA_ENCRYPT_EXP>` +
		`<CSRF_RAND_CODE>9876</CSRF_RAND_CODE></Auth>`)

	c, err := ParseChallenge(body)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if c.Token != "ABC123" || c.Modulus != "C0FFEE" || c.Exponent != 3 || c.CSRF != "9876" {
		t.Errorf("unexpected challenge: %+v", c)
	}
	if got := c.SaltedPassword("secret"); got != "secret_9876" {
		t.Errorf("salted password = %q", got)
	}
}

func TestParseChallengeDefaults(t *testing.T) {
	c, err := ParseChallenge([]byte(`<TwfID>tok</TwfID><RSA_ENCRYPT_KEY>AB</RSA_ENCRYPT_KEY>`))
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if c.Exponent != DefaultExponent {
		t.Errorf("exponent = %d, want %d", c.Exponent, DefaultExponent)
	}
	if c.CSRF != "" {
		t.Errorf("unexpected csrf %q", c.CSRF)
	}
	if got := c.SaltedPassword("secret"); got != "secret" {
		t.Errorf("password should be unmodified without csrf, got %q", got)
	}
}

func TestParseChallengeMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no token", `<RSA_ENCRYPT_KEY>AB</RSA_ENCRYPT_KEY>`, ErrMissingToken},
		{"no modulus", `<TwfID>tok</TwfID>`, ErrMissingModulus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChallenge([]byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncryptRSARoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	c := &Challenge{Token: "t", Modulus: key.N.Text(16), Exponent: key.E, CSRF: "abcd"}
	out, err := c.EncryptPassword("hunter2")
	if err != nil {
		t.Fatalf("EncryptPassword: %v", err)
	}

	ct, err := hex.DecodeString(out)
	if err != nil {
		t.Fatalf("ciphertext is not hex: %v", err)
	}
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "hunter2_abcd" {
		t.Errorf("decrypted %q", pt)
	}
}

func TestEncryptRSAInvalidModulus(t *testing.T) {
	if _, err := EncryptRSA("not-hex", 65537, "x"); err == nil {
		t.Fatal("expected error for invalid modulus")
	}
}

func TestLoginAccepted(t *testing.T) {
	if !LoginAccepted([]byte(`<Auth><Result>1</Result></Auth>`)) {
		t.Error("expected success marker to be detected")
	}
	if LoginAccepted([]byte(`<Auth><Result>0</Result></Auth>`)) {
		t.Error("result 0 must not be treated as success")
	}
}

func decryptDES(t *testing.T, b64, lt string) string {
	t.Helper()
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	key := make([]byte, 8)
	copy(key, lt)
	block, err := des.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	pt := make([]byte, len(ct))
	for i := 0; i < len(ct); i += 8 {
		block.Decrypt(pt[i:i+8], ct[i:i+8])
	}
	pad := int(pt[len(pt)-1])
	if pad < 1 || pad > 8 {
		t.Fatalf("bad padding byte %d", pad)
	}
	return string(pt[:len(pt)-pad])
}

func TestEncryptDES(t *testing.T) {
	tests := []struct {
		name     string
		password string
		lt       string
		blocks   int
	}{
		{"long lt", "password1", "LT-12345-abcdefg-cas", 2},
		{"short lt", "pw", "LT-1", 1},
		{"block aligned", "12345678", "abcdefgh", 2},
		{"empty password", "", "LT-99999", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EncryptDES(tt.password, tt.lt)
			if err != nil {
				t.Fatalf("EncryptDES: %v", err)
			}
			raw, _ := base64.StdEncoding.DecodeString(out)
			if len(raw) != tt.blocks*8 {
				t.Errorf("ciphertext length %d, want %d", len(raw), tt.blocks*8)
			}
			if got := decryptDES(t, out, tt.lt); got != tt.password {
				t.Errorf("round trip = %q, want %q", got, tt.password)
			}
		})
	}
}

func TestEncryptDESDeterministic(t *testing.T) {
	a, _ := EncryptDES("same", "LT-1-key")
	b, _ := EncryptDES("same", "LT-1-key-with-suffix")
	if a != b {
		t.Error("only the first 8 bytes of lt should affect the key")
	}
}

const loginPage = `<html><body><form id="fm1" method="post">
<input type="text" name="username"/>
<input type="hidden" name="lt" value="LT-4242-xyz"/>
%s
<input type="hidden" name="_eventId" value="submit"/>
</form></body></html>`

func TestParseLoginForm(t *testing.T) {
	body := fmt.Sprintf(loginPage, `<input type="hidden" name="execution" value="e1s1"/>`)
	form, err := ParseLoginForm([]byte(body))
	if err != nil {
		t.Fatalf("ParseLoginForm: %v", err)
	}
	if form.LT != "LT-4242-xyz" || form.Execution != "e1s1" {
		t.Errorf("unexpected form %+v", form)
	}
}

func TestParseLoginFormMissingExecution(t *testing.T) {
	body := fmt.Sprintf(loginPage, "")
	_, err := ParseLoginForm([]byte(body))
	if !errors.Is(err, ErrMissingExecution) {
		t.Fatalf("got %v, want ErrMissingExecution", err)
	}
}

func TestParseLoginFormMissingLT(t *testing.T) {
	_, err := ParseLoginForm([]byte(`<form><input name="execution" value="e1s1"></form>`))
	if !errors.Is(err, ErrMissingLT) {
		t.Fatalf("got %v, want ErrMissingLT", err)
	}
}

func TestParseErrorMessage(t *testing.T) {
	body := []byte(`<html><body><div id="tipMsg">
	  <span>用户名或密码错误</span>
	</div></body></html>`)
	if got := ParseErrorMessage(body); got != "用户名或密码错误" {
		t.Errorf("got %q", got)
	}
	if got := ParseErrorMessage([]byte(`<html><body></body></html>`)); got != "" {
		t.Errorf("expected empty message, got %q", got)
	}
}
