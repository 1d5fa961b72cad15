// Package logging provides structured logging with automatic secret redaction.
package logging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"password",
	"passwd",
	"twfid",
	"token",
	"cookie",
	"secret",
	"credentials",
	"private_key",
	"privatekey",
	"passphrase",
	"access_key",
	"accesskey",
}

// RedactingWriter rewrites secret-named fields of each JSON log line before
// handing it to the inner writer. Lines that are not JSON pass through.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (int, error) {
	out, changed := redactLine(p)
	if !changed {
		return rw.inner.Write(p)
	}
	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func redactLine(p []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, false
	}

	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return p, false
	}

	changed := false
	for k, v := range fields {
		if !IsSecretField(k) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if r := RedactValue(s); r != v {
			fields[k] = r
			changed = true
		}
	}
	if !changed {
		return p, false
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return p, false
	}
	return append(out, '\n'), true
}

// NewLogger creates a console logger on stderr with secret redaction.
func NewLogger(level string, component string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	if component == "" {
		component = "campuslink"
	}
	return zerolog.New(NewRedactingWriter(writer)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(NewRedactingWriter(w)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", "campuslink").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" || strings.HasPrefix(value, "[REDACTED:") {
		return value
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
