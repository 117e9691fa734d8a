// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InitConfig sets up defaults, config file search paths, and environment
// variable binding. Call once at startup, before any package reads Viper.
func InitConfig(logger *zap.Logger) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/harvester/")
	viper.AddConfigPath("$HOME/.harvester")

	viper.SetDefault("crawler.user_agent", "MedRegistry-Harvester/1.0")
	viper.SetDefault("crawler.target_urls", []string{})
	viper.SetDefault("crawler.sitemap_urls", []string{})
	viper.SetDefault("crawler.allowed_domains", []string{})
	viper.SetDefault("crawler.respect_robots", true)
	viper.SetDefault("crawler.max_depth", 3)
	viper.SetDefault("crawler.workers", 8)
	viper.SetDefault("crawler.max_pages", 0)
	viper.SetDefault("crawler.domain_qps", 2.0)
	viper.SetDefault("crawler.request_timeout", "15s")
	viper.SetDefault("crawler.pop_timeout", "5s")
	viper.SetDefault("crawler.grace_window", "2s")
	viper.SetDefault("crawler.empty_poll_limit", 5)
	viper.SetDefault("crawler.poll_interval", "2s")
	viper.SetDefault("crawler.fetch_retries", 3)
	viper.SetDefault("crawler.forbidden_threshold", 3)

	viper.SetDefault("renderer.enabled", false)
	viper.SetDefault("renderer.timeout", "20s")
	viper.SetDefault("renderer.max_concurrency", 2)

	viper.SetDefault("detector.min_html_bytes", 2000)
	viper.SetDefault("detector.selector_must", "")
	viper.SetDefault("detector.keywords", []string{
		"__NEXT_DATA__",
		"data-reactroot",
		"ng-app",
		"window.__APOLLO_STATE__",
	})

	viper.SetDefault("queue.max_redeliveries", 3)
	viper.SetDefault("lease.ttl", "5m")

	viper.SetDefault("pipeline.platform", "medsite")
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.listing_urls", []string{})
	viper.SetDefault("pipeline.location_index_urls", []string{})
	viper.SetDefault("pipeline.location_path", "/hospitals/")
	viper.SetDefault("pipeline.workers", 4)

	viper.SetDefault("mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo.database", "harvester")
	viper.SetDefault("mongo.connect_timeout", "10s")

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", ":8080")

	viper.SetDefault("store.provider", "mongo")

	viper.SetEnvPrefix("HARVESTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("config file not found; using defaults and environment variables")
		} else {
			logger.Error("error reading config file", zap.Error(err))
		}
	} else {
		logger.Info("using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}
