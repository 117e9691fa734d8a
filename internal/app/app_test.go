package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/app"
)

// setupTest configures Viper for a self-contained test environment.
func setupTest() {
	viper.Reset()
	viper.Set("store.provider", "memory")
	viper.Set("api.enabled", false)
	viper.Set("lease.ttl", "1m")
}

func TestNewAppWithMemoryStore(t *testing.T) {
	setupTest()

	a, err := app.NewApp(context.Background(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a)
	defer a.Close()

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Store())
	assert.NotNil(t, a.Clock())
	assert.NotNil(t, a.Locker())
	assert.NotEmpty(t, a.InstanceID())
	assert.Equal(t, a.InstanceID(), a.Locker().Owner())
	assert.Equal(t, time.Minute, a.Locker().TTL())

	require.NoError(t, a.Store().Ping(context.Background()))
}

func TestNewAppUnknownStoreProvider(t *testing.T) {
	setupTest()
	viper.Set("store.provider", "dynamo")

	_, err := app.NewApp(context.Background(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store provider")
}

func TestNewAppRejectsEmptyMongoURI(t *testing.T) {
	setupTest()
	viper.Set("store.provider", "mongo")
	viper.Set("mongo.uri", "")

	_, err := app.NewApp(context.Background(), zap.NewNop())
	require.Error(t, err)
}

func TestInstanceIDsAreUnique(t *testing.T) {
	setupTest()

	a, err := app.NewApp(context.Background(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := app.NewApp(context.Background(), zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}
