package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		addr string
		dsn  string
		key  string
		orig []string
		err  bool
	}{
		{
			name: "valid config",
			addr: addr,
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  false,
		},
		{
			name: "empty address",
			addr: "",
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty DSN",
			addr: addr,
			dsn:  "",
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty signing key",
			addr: addr,
			dsn:  dsn,
			key:  "",
			orig: orig,
			err:  true,
		},
		{
			name: "invalid signing key",
			addr: addr,
			dsn:  dsn,
			key:  "not base64!",
			orig: orig,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.dsn, tc.key, tc.orig)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, "postgres", config.DatabaseDriver)
			assert.Equal(t, tc.orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
			assert.Equal(t, DefaultHubSettings(), config.Hub)
		})
	}
}

func TestDriverFromDSN(t *testing.T) {
	tcases := []struct {
		dsn    string
		driver string
		out    string
	}{
		{"postgres://u:p@localhost/collab", "postgres", "postgres://u:p@localhost/collab"},
		{"host=db dbname=collab", "postgres", "host=db dbname=collab"},
		{"sqlite://./collab.db", "sqlite", "./collab.db"},
		{"/var/lib/collab.db", "sqlite", "/var/lib/collab.db"},
	}

	for _, tc := range tcases {
		t.Run(tc.dsn, func(t *testing.T) {
			driver, dsn := driverFromDSN(tc.dsn)
			assert.Equal(t, tc.driver, driver)
			assert.Equal(t, tc.out, dsn)
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestParseHubSettings(t *testing.T) {
	t.Run("partial file keeps defaults", func(t *testing.T) {
		s, err := ParseHubSettings([]byte("staleness_window: 2m\ntyping_ttl: 5s\nsend_queue_size: 64\n"))
		require.NoError(t, err)

		assert.Equal(t, 2*time.Minute, s.StalenessWindow)
		assert.Equal(t, 5*time.Second, s.TypingTTL)
		assert.Equal(t, 64, s.SendQueueSize)
		assert.Equal(t, DefaultHubSettings().SweepInterval, s.SweepInterval)
		assert.Equal(t, DefaultHubSettings().AuthzCacheSize, s.AuthzCacheSize)
	})

	t.Run("sweep slower than window", func(t *testing.T) {
		_, err := ParseHubSettings([]byte("staleness_window: 30s\nsweep_interval: 1m\n"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseHubSettings([]byte("staleness_window: [oops"))
		assert.Error(t, err)
	})
}

func TestLoadHubSettings(t *testing.T) {
	s, err := LoadHubSettings("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHubSettings(), s)

	s, err = LoadHubSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHubSettings(), s)

	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit: 5\nrate_burst: 10\n"), 0o600))

	s, err = LoadHubSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.RateLimit)
	assert.Equal(t, 10, s.RateBurst)
}
