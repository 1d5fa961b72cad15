// Package jsobject decodes JavaScript object literals that some portal pages
// return in place of JSON: bare identifier keys, single-quoted strings,
// comments and trailing commas.
package jsobject

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Unmarshal decodes data into v. Strict JSON is tried first; on failure the
// input is normalized and decoded again.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err == nil {
		return nil
	}
	if err := json.Unmarshal(Normalize(data), v); err != nil {
		return fmt.Errorf("decoding object literal: %w", err)
	}
	return nil
}

// Normalize rewrites an object literal into JSON. Text inside strings is left
// untouched apart from requoting single-quoted strings.
func Normalize(src []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(src) + len(src)/8)

	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == '"' || ch == '\'':
			end := scanString(src, i)
			writeString(&out, src[i:end])
			i = end

		case ch == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case ch == '/' && i+1 < len(src) && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end < 0 {
				i = len(src)
			} else {
				i += end + 4
			}

		case ch == ',':
			k := skipSpace(src, i+1)
			if k < len(src) && (src[k] == '}' || src[k] == ']') {
				i++
				continue
			}
			out.WriteByte(ch)
			i++

		case isIdentStart(ch):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			k := skipSpace(src, j)
			if k < len(src) && src[k] == ':' {
				out.WriteByte('"')
				out.Write(word)
				out.WriteByte('"')
			} else {
				out.Write(word)
			}
			i = j

		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.Bytes()
}

// scanString returns the index just past the string starting at src[start].
func scanString(src []byte, start int) int {
	quote := src[start]
	for j := start + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(src)
}

func writeString(out *bytes.Buffer, s []byte) {
	if s[0] == '"' {
		out.Write(s)
		return
	}
	body := s[1:]
	if len(body) > 0 && body[len(body)-1] == '\'' {
		body = body[:len(body)-1]
	}
	out.WriteByte('"')
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body) && body[i+1] == '\'':
			out.WriteByte('\'')
			i++
		case c == '\\' && i+1 < len(body):
			out.WriteByte(c)
			out.WriteByte(body[i+1])
			i++
		case c == '"':
			out.WriteString(`\"`)
		default:
			out.WriteByte(c)
		}
	}
	out.WriteByte('"')
}

func skipSpace(src []byte, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
