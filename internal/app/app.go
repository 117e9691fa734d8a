// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/api"
	"github.com/medregistry/harvester/internal/clock/system"
	"github.com/medregistry/harvester/internal/id/uuid"
	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/store"
)

// App holds the shared services: logger, document store, lease locker, and
// the operator HTTP server. It is initialized once at startup and passed to
// the commands that need it.
type App struct {
	logger     *zap.Logger
	store      store.Store
	clock      *system.Clock
	instanceID string
	locker     *lease.Locker
	apiServer  *http.Server
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the document store all coordination state lives in.
func (a *App) Store() store.Store { return a.store }

// Clock returns the shared wall clock.
func (a *App) Clock() *system.Clock { return a.clock }

// InstanceID returns this worker's identity, used as lease and claim owner.
func (a *App) InstanceID() string { return a.instanceID }

// Locker returns the lease locker bound to this instance.
func (a *App) Locker() *lease.Locker { return a.locker }

// NewApp creates and initializes the service container from Viper config.
// It fails fast: a store that cannot be reached at startup aborts the
// process rather than letting workers run without coordination.
func NewApp(ctx context.Context, logger *zap.Logger) (*App, error) {
	logger.Info("initializing application services")

	clk := system.New()
	instanceID := uuid.NewGenerator().NewInstanceID("harvester")

	st, err := openStore(ctx, logger)
	if err != nil {
		return nil, err
	}

	locker := lease.New(st, instanceID, viper.GetDuration("lease.ttl"), clk, logger)

	a := &App{
		logger:     logger,
		store:      st,
		clock:      clk,
		instanceID: instanceID,
		locker:     locker,
	}

	if viper.GetBool("api.enabled") {
		a.apiServer = &http.Server{
			Addr:              viper.GetString("api.listen"),
			Handler:           api.NewServer(st, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting operator server", zap.String("addr", a.apiServer.Addr))
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("operator server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("application services initialized",
		zap.String("instance_id", instanceID),
	)
	return a, nil
}

func openStore(ctx context.Context, logger *zap.Logger) (store.Store, error) {
	provider := viper.GetString("store.provider")
	switch provider {
	case "", "mongo":
		cfg := store.MongoConfig{
			URI:            viper.GetString("mongo.uri"),
			Database:       viper.GetString("mongo.database"),
			ConnectTimeout: viper.GetDuration("mongo.connect_timeout"),
		}
		logger.Info("connecting to MongoDB", zap.String("database", cfg.Database))
		st, err := store.NewMongo(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
		return st, nil
	case "memory":
		logger.Info("using in-memory store; state is lost on exit")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", provider)
	}
}

// Close gracefully shuts down all services. Called by a Cobra hook after the
// command finishes execution.
func (a *App) Close() {
	a.logger.Info("shutting down application services")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Warn("error stopping operator server", zap.Error(err))
		}
	}
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn("error closing store", zap.Error(err))
	}
	// Best effort; stderr sync failures at exit are not actionable.
	_ = a.logger.Sync()
}
