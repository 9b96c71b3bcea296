package secrets

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newKeystore(t *testing.T, password string) (*Keystore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys", ".keystore")
	ks, err := NewKeystore(path, password, quietLogger())
	require.NoError(t, err)
	return ks, path
}

func TestKeystoreRequiresPassword(t *testing.T) {
	_, err := NewKeystore("x", "", quietLogger())
	assert.ErrorIs(t, err, ErrNoMasterPassword)
}

func TestKeystoreRoundTrip(t *testing.T) {
	ks, path := newKeystore(t, "correct horse")

	all, err := ks.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all, "missing file is an empty keystore")

	require.NoError(t, ks.Store("backpack", Credentials{"api_key": "bp-key", "secret_key": "bp-secret"}))
	require.NoError(t, ks.Store("aster", Credentials{"api_key": "as-key", "secret_key": ""}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "bp-secret")

	reopened, err := NewKeystore(path, "correct horse", quietLogger())
	require.NoError(t, err)
	creds, ok, err := reopened.Load("backpack")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bp-secret", creds["secret_key"])

	aster, _, err := reopened.Load("aster")
	require.NoError(t, err)
	assert.NotContains(t, aster, "secret_key", "empty values are dropped")

	deleted, err := reopened.Delete("aster")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = reopened.Delete("aster")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestKeystoreWrongPassword(t *testing.T) {
	ks, path := newKeystore(t, "right")
	require.NoError(t, ks.Store("backpack", Credentials{"api_key": "k"}))

	wrong, err := NewKeystore(path, "wrong", quietLogger())
	require.NoError(t, err)
	_, err = wrong.LoadAll()
	assert.ErrorIs(t, err, ErrKeystoreDecrypt)
	assert.Equal(t, "fallback", wrong.GetSecretWithDefault(context.Background(), "backpack.api_key", "fallback"))
}

func TestKeystoreFillsConfig(t *testing.T) {
	ks, _ := newKeystore(t, "pw")
	migrated, err := ks.Migrate(map[string]Credentials{
		"backpack": {"api_key": "bp-key", "secret_key": "bp-secret"},
		"aster":    {"api_key": "", "secret_key": ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"backpack"}, migrated)

	apiKey := "from-env"
	var secret, asterKey string
	n := Fill(context.Background(), ks, map[string]*string{
		"backpack.api_key":    &apiKey,
		"backpack.secret_key": &secret,
		"aster.api_key":       &asterKey,
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, "from-env", apiKey)
	assert.Equal(t, "bp-secret", secret)
	assert.Empty(t, asterKey)
}

func TestKeystoreRejectsTamperedFile(t *testing.T) {
	ks, path := newKeystore(t, "pw")
	require.NoError(t, ks.Store("backpack", Credentials{"api_key": "k"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"ciphertext": "`, `"ciphertext": "AAAA`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = ks.LoadAll()
	assert.Error(t, err)
}
