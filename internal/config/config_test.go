package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Broker.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "fail_fast", cfg.Broker.FailurePolicy)
	assert.Equal(t, "simulation", cfg.Worker.Connector)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  listen_addr: ":9090"
  scan_limit: 25
  failure_policy: compensate
store:
  backend: etcd
  etcd_endpoints: ["localhost:2379"]
events:
  destination: "http://hooks.test/quarry"
  backoff_base: 3s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Broker.ListenAddr)
	assert.Equal(t, 25, cfg.Broker.ScanLimit)
	assert.Equal(t, "compensate", cfg.Broker.FailurePolicy)
	assert.Equal(t, "etcd", cfg.Store.Backend)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Store.EtcdEndpoints)
	assert.Equal(t, 3*time.Second, cfg.Events.BackoffBase)
	// Untouched fields keep their defaults.
	assert.Equal(t, 5, cfg.Events.MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("QUARRY_LISTEN_ADDR", ":7070")
	t.Setenv("QUARRY_ETCD_ENDPOINTS", "a:2379,b:2379")
	t.Setenv("QUARRY_STORE_BACKEND", "etcd")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Broker.ListenAddr)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Store.EtcdEndpoints)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("QUARRY_STORE_BACKEND", "redis")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestEtcdBackendRequiresEndpoints(t *testing.T) {
	t.Setenv("QUARRY_STORE_BACKEND", "etcd")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestAuthTokenDecryptedOnLoad(t *testing.T) {
	t.Setenv("QUARRY_SECRET_KEY", "test-master-key")
	key, err := NewSecretKey()
	require.NoError(t, err)
	enc, err := key.Encrypt("hook-token-123")
	require.NoError(t, err)

	t.Setenv("QUARRY_WEBHOOK_TOKEN", enc)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hook-token-123", cfg.Events.AuthToken)
}

func TestSecretKeyRoundTrip(t *testing.T) {
	t.Setenv("QUARRY_SECRET_KEY", "another-key")
	key, err := NewSecretKey()
	require.NoError(t, err)

	enc, err := key.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", enc)
	assert.Contains(t, enc, "enc:")

	dec, err := key.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", dec)

	// Plain values pass through untouched.
	dec, err = key.Decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", dec)
}
