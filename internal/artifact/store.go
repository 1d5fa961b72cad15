// Package artifact implements content-addressed capture storage. Response
// bodies that fail to decode are kept here for offline inspection, either as
// flat files named by their SHA-256 hash or as objects in an S3 bucket.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists captured bodies and returns their content hash.
type Store interface {
	Put(ctx context.Context, label string, content []byte) (string, error)
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// LocalStore keeps captures as files under a directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

// Put writes content under its hash. Duplicate content is stored once. The
// label is recorded in a sidecar file.
func (s *LocalStore) Put(_ context.Context, label string, content []byte) (string, error) {
	hash := ContentHash(content)
	path := filepath.Join(s.dir, hash)

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("ensuring capture directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0600); err != nil {
			return "", fmt.Errorf("writing capture file: %w", err)
		}
	}
	if label != "" {
		if err := os.WriteFile(path+".label", []byte(label+"\n"), 0600); err != nil {
			return "", fmt.Errorf("writing capture label: %w", err)
		}
	}
	return hash, nil
}

// Read returns a capture by hash (or unique hash prefix) after verifying its
// integrity.
func (s *LocalStore) Read(hash string) ([]byte, error) {
	full, err := s.resolve(hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, full))
	if err != nil {
		return nil, fmt.Errorf("reading capture file: %w", err)
	}
	if ContentHash(data) != full {
		return nil, fmt.Errorf("capture integrity check failed: hash mismatch for %s", full)
	}
	return data, nil
}

// List returns the hashes of all stored captures.
func (s *LocalStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".label") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// VerifyIntegrity checks that every capture file matches its name.
func (s *LocalStore) VerifyIntegrity() (valid int, invalid []string, err error) {
	hashes, err := s.List()
	if err != nil {
		return 0, nil, err
	}
	for _, h := range hashes {
		data, readErr := os.ReadFile(filepath.Join(s.dir, h))
		if readErr != nil {
			invalid = append(invalid, fmt.Sprintf("%s: unreadable", h))
			continue
		}
		if ContentHash(data) != h {
			invalid = append(invalid, fmt.Sprintf("%s: hash mismatch", h))
			continue
		}
		valid++
	}
	return valid, invalid, nil
}

func (s *LocalStore) resolve(prefix string) (string, error) {
	hashes, err := s.List()
	if err != nil {
		return "", err
	}
	var match string
	for _, h := range hashes {
		if strings.HasPrefix(h, prefix) {
			if match != "" {
				return "", fmt.Errorf("capture prefix %q is ambiguous", prefix)
			}
			match = h
		}
	}
	if match == "" {
		return "", fmt.Errorf("capture not found: %s", prefix)
	}
	return match, nil
}
