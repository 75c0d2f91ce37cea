// Package storage persists capture artifacts and issues URLs to read them back.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Open-style reads for a missing object.
var ErrNotFound = errors.New("storage: object not found")

// Backend is an artifact store. The reference returned by Put is the durable
// identity of the artifact; callers keep nothing else.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get returns a URL the caller can fetch the artifact from.
	Get(ctx context.Context, ref string) (string, error)
	// Delete removes the artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, ref string) error
}

// BuildKey returns <prefix>/<identity hash>/yyyy/mm/dd/<unix millis>_<captureID>.<ext>.
// The identity is hashed so raw IPs and user ids never appear in object names.
func BuildKey(prefix, identity, captureID, ext string, at time.Time) string {
	owner := OwnerHash(identity)

	at = at.UTC()
	name := fmt.Sprintf("%d_%s.%s", at.UnixMilli(), sanitize(captureID), strings.TrimPrefix(ext, "."))

	parts := []string{
		owner,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		name,
	}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(parts...)
}

// OwnerHash is the key segment BuildKey derives from identity.
func OwnerHash(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}

// OwnedBy reports whether key was built for identity, with or without a prefix.
func OwnedBy(key, identity string) bool {
	owner := OwnerHash(identity)
	parts := strings.Split(key, "/")
	if len(parts) < 5 {
		return false
	}
	return parts[len(parts)-5] == owner
}

// Extension maps an output format to its file extension.
func Extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "png"
	default:
		return format
	}
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, v)
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("object key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
