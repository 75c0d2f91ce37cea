package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalConfig configures the disk backend.
type LocalConfig struct {
	Dir        string
	BaseURL    string
	SigningKey string
	URLTTL     time.Duration
}

// LocalBackend writes artifacts to a directory and hands out HMAC-signed,
// expiring URLs that the HTTP layer verifies before serving the file.
type LocalBackend struct {
	dir     string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("local storage dir is required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("local storage signing key is required")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	return &LocalBackend{
		dir:     dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     []byte(cfg.SigningKey),
		ttl:     cfg.URLTTL,
		now:     time.Now,
	}, nil
}

// WithClock overrides the clock used for URL expiry.
func (l *LocalBackend) WithClock(now func() time.Time) *LocalBackend {
	l.now = now
	return l
}

func (l *LocalBackend) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	target, err := l.path(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	// Write then rename so readers never see a partial file.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	return key, nil
}

// Get returns <base>/<key>?expires=<unix>&sig=<hmac>.
func (l *LocalBackend) Get(_ context.Context, ref string) (string, error) {
	if err := validKey(ref); err != nil {
		return "", err
	}

	expires := l.now().Add(l.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(ref, expires))

	return fmt.Sprintf("%s/%s?%s", l.baseURL, ref, q.Encode()), nil
}

func (l *LocalBackend) Delete(_ context.Context, ref string) error {
	target, err := l.path(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Verify checks a signed URL's expiry and signature for key.
func (l *LocalBackend) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return errors.New("invalid expiry")
	}
	if l.now().Unix() > exp {
		return errors.New("url expired")
	}

	expected := l.sign(key, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("invalid signature")
	}
	return nil
}

// Open opens the artifact stored under key. Callers verify the URL first.
func (l *LocalBackend) Open(key string) (*os.File, error) {
	target, err := l.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *LocalBackend) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *LocalBackend) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	target := filepath.Join(l.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(target, l.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return target, nil
}
