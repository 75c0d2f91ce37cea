package capture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
)

func TestGuard_Check(t *testing.T) {
	guard := NewGuard(publicDNS, false)

	testCases := []struct {
		name string
		url  string
		kind apperrors.Kind
	}{
		{name: "public host", url: "https://example.com/a?b=c"},
		{name: "public ip literal", url: "http://93.184.216.34/"},
		{name: "empty", url: "", kind: apperrors.KindInvalidURL},
		{name: "relative", url: "/just/a/path", kind: apperrors.KindInvalidURL},
		{name: "no host", url: "https://", kind: apperrors.KindInvalidURL},
		{name: "unresolvable", url: "https://nowhere.invalid", kind: apperrors.KindInvalidURL},
		{name: "file scheme", url: "file:///etc/passwd", kind: apperrors.KindInvalidURL},
		{name: "ftp scheme", url: "ftp://example.com/x", kind: apperrors.KindUnsafeDestination},
		{name: "localhost", url: "http://localhost:8080", kind: apperrors.KindUnsafeDestination},
		{name: "localhost subdomain", url: "http://api.localhost", kind: apperrors.KindUnsafeDestination},
		{name: "loopback", url: "http://127.0.0.1:6379", kind: apperrors.KindUnsafeDestination},
		{name: "ipv6 loopback", url: "http://[::1]/", kind: apperrors.KindUnsafeDestination},
		{name: "mapped loopback", url: "http://[::ffff:127.0.0.1]/", kind: apperrors.KindUnsafeDestination},
		{name: "private literal", url: "http://192.168.1.10", kind: apperrors.KindUnsafeDestination},
		{name: "metadata endpoint", url: "http://169.254.169.254/latest/meta-data", kind: apperrors.KindUnsafeDestination},
		{name: "unspecified", url: "http://0.0.0.0", kind: apperrors.KindUnsafeDestination},
		{name: "carrier nat", url: "http://100.64.1.1", kind: apperrors.KindUnsafeDestination},
		{name: "resolves private", url: "https://intranet.corp", kind: apperrors.KindUnsafeDestination},
		{name: "any private answer", url: "https://mixed.example", kind: apperrors.KindUnsafeDestination},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			u, err := guard.Check(context.Background(), tc.url)
			if tc.kind == "" {
				require.NoError(t, err)
				assert.NotNil(t, u)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperrors.KindOf(err))
		})
	}
}

func TestGuard_AllowPrivate(t *testing.T) {
	guard := NewGuard(publicDNS, true)

	_, err := guard.Check(context.Background(), "http://127.0.0.1:3000")
	assert.NoError(t, err)

	_, err = guard.Check(context.Background(), "gopher://127.0.0.1")
	assert.Equal(t, apperrors.KindUnsafeDestination, apperrors.KindOf(err))
}

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{Format: "JPG"}.WithDefaults()

	assert.Equal(t, DefaultWidth, opts.Width)
	assert.Equal(t, DefaultHeight, opts.Height)
	assert.Equal(t, "jpeg", opts.Format)
	assert.Equal(t, DefaultQuality, opts.Quality)
	assert.Equal(t, "load", opts.WaitUntil)
	assert.Zero(t, opts.DelayMs)
	assert.False(t, opts.FullPage)

	job := opts.job("https://example.com")
	assert.Equal(t, opts.Width, job.Width)
	assert.Equal(t, "jpeg", job.Format)
}
