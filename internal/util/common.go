package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultWriteTimeout   = 10 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	ShortTimeout          = 2 * time.Second
)

// MaxIDLen bounds user, room and call identifiers accepted from clients.
const MaxIDLen = 128

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b", not "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateID trims and checks a client supplied identifier (user, room, call).
func ValidateID(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New(kind + " is empty")
	}
	if len(id) > MaxIDLen {
		return "", errors.New(kind + " is too long")
	}
	if strings.ContainsAny(id, " \t\r\n*>") {
		return "", errors.New(kind + " must not contain whitespace, '*' or '>'")
	}
	return id, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
