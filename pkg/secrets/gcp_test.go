package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mapGetter map[string]string

func (m mapGetter) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func TestFillOnlySetsEmptyTargets(t *testing.T) {
	names := DefaultSecretNames()
	store := mapGetter{
		names.BackpackAPIKey:    "from-store",
		names.BackpackSecretKey: "secret-from-store",
		names.AdminPassword:     "hunter2",
	}

	apiKey := "from-env"
	var secret, password, jwtSecret string
	n := Fill(context.Background(), store, map[string]*string{
		names.BackpackAPIKey:    &apiKey,
		names.BackpackSecretKey: &secret,
		names.AdminPassword:     &password,
		names.JWTSecret:         &jwtSecret,
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, "from-env", apiKey)
	assert.Equal(t, "secret-from-store", secret)
	assert.Equal(t, "hunter2", password)
	assert.Empty(t, jwtSecret)
}
