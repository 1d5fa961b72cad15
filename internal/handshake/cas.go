package handshake

import (
	"bytes"
	"crypto/des"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

var (
	ErrMissingLT        = errors.New("lt field not found on login page")
	ErrMissingExecution = errors.New("execution field not found on login page")
)

// LoginForm holds the one-time hidden fields of the CAS login page.
type LoginForm struct {
	LT        string
	Execution string
}

// ParseLoginForm extracts the lt and execution hidden inputs.
func ParseLoginForm(body []byte) (*LoginForm, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing login page: %w", err)
	}

	var (
		form          LoginForm
		hasLT, hasExe bool
	)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "input" {
			return false
		}
		switch attr(n, "name") {
		case "lt":
			form.LT, hasLT = attr(n, "value"), true
		case "execution":
			form.Execution, hasExe = attr(n, "value"), true
		}
		return hasLT && hasExe
	})

	if !hasLT {
		return nil, ErrMissingLT
	}
	if !hasExe {
		return nil, ErrMissingExecution
	}
	return &form, nil
}

// ParseErrorMessage returns the text of the div#tipMsg node of a rejected
// login page, or "" when there is none.
func ParseErrorMessage(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var msg string
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "div" && attr(n, "id") == "tipMsg" {
			msg = strings.TrimSpace(text(n))
			return true
		}
		return false
	})
	return msg
}

// EncryptDES encrypts password with DES-ECB and PKCS7 padding, keyed by the
// first 8 bytes of lt (zero-padded), and returns base64 ciphertext.
func EncryptDES(password, lt string) (string, error) {
	key := make([]byte, des.BlockSize)
	copy(key, lt)

	block, err := des.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("des key: %w", err)
	}

	src := pkcs7Pad([]byte(password), des.BlockSize)
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += des.BlockSize {
		block.Encrypt(dst[i:i+des.BlockSize], src[i:i+des.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(dst), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// walk visits nodes depth-first until visit returns true.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if visit(n) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if walk(c, visit) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return false
	})
	return sb.String()
}
