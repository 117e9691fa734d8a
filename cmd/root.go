// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/app"
	"github.com/medregistry/harvester/internal/clock/system"
	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/logging"
	"github.com/medregistry/harvester/internal/store"
	"github.com/medregistry/harvester/pkg/config"
)

var development bool

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is the service container interface commands run against. Declared as
// an interface so tests can inject a fake container.
type App interface {
	Close()
	Logger() *zap.Logger
	Store() store.Store
	Clock() *system.Clock
	InstanceID() string
	Locker() *lease.Locker
}

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Distributed harvester for medical directory sites",
		Long: `harvester crawls medical directory sites and advances every discovered
organization and person through a resumable enrichment pipeline. Workers
coordinate through a shared document store, so crawl and scrape runs can be
spread across machines and restarted after crashes without losing work.`,

		// Runs after flags are parsed but before the subcommand's RunE:
		// build the service container and stash it in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(development)
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			config.InitConfig(logger)

			appInstance, err := newApp(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().BoolVar(&development, "dev", false, "use human-readable development logging")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newScrapeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
